package browser

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/store"
)

// DefaultSessionTTL is how long a saved session is trusted.
const DefaultSessionTTL = 7 * 24 * time.Hour

// essentialCookies names the cookies that carry a logged-in session. A saved
// session without any live one of these is not restored.
var essentialCookies = map[model.Provider][]string{
	model.ProviderChatGPT:    {"__Secure-next-auth.session-token", "__Secure-next-auth.session-token.0"},
	model.ProviderGemini:     {"__Secure-1PSID", "SID"},
	model.ProviderPerplexity: {"__Secure-next-auth.session-token", "pplx.session-id"},
	model.ProviderGrok:       {"sso", "sso-rw"},
}

// Sessions saves and restores authenticated browser state per provider and
// user.
type Sessions struct {
	store  store.SessionStore
	ttl    time.Duration
	userID string
	now    func() time.Time
	log    *zap.Logger
}

// NewSessions creates a session keeper.
func NewSessions(st store.SessionStore, ttl time.Duration, userID string) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		store:  st,
		ttl:    ttl,
		userID: userID,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "browser.sessions")),
	}
}

// Usable reports whether sess can be restored at now: unexpired, and
// holding at least one live essential cookie for its provider.
func Usable(sess *model.BrowserSession, now time.Time) bool {
	if sess == nil || (!sess.ExpiresAt.IsZero() && now.After(sess.ExpiresAt)) {
		return false
	}
	names := essentialCookies[sess.Provider]
	if len(names) == 0 {
		return len(sess.Cookies) > 0
	}
	for _, c := range sess.Cookies {
		if !c.Expires.IsZero() && now.After(c.Expires) {
			continue
		}
		for _, n := range names {
			if c.Name == n && c.Value != "" {
				return true
			}
		}
	}
	return false
}

// Restore loads the saved session for p into page. Cookies go in before
// navigation; storage needs an origin, so pass afterNav=true once the page
// is on the provider's site. It reports whether a session was applied.
func (s *Sessions) Restore(ctx context.Context, page Page, p model.Provider, afterNav bool) (bool, error) {
	if s == nil || s.store == nil {
		return false, nil
	}
	sess, err := s.store.GetSession(ctx, p, s.userID)
	if err != nil {
		return false, eris.Wrap(err, "browser: load session")
	}
	if !Usable(sess, s.now()) {
		if sess != nil {
			s.log.Info("discarding unusable session", zap.String("provider", string(p)))
			if err := s.store.DeleteSession(ctx, p, s.userID); err != nil {
				s.log.Warn("delete session failed", zap.Error(err))
			}
		}
		return false, nil
	}

	if afterNav {
		if len(sess.LocalStorage) == 0 && len(sess.SessionStorage) == 0 {
			return true, nil
		}
		return true, page.SetStorage(ctx, sess.LocalStorage, sess.SessionStorage)
	}
	return true, page.SetCookies(ctx, sess.Cookies)
}

// Save snapshots page's cookies and storage for p.
func (s *Sessions) Save(ctx context.Context, page Page, p model.Provider) error {
	if s == nil || s.store == nil {
		return nil
	}
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return err
	}
	local, session, err := page.Storage(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	sess := model.BrowserSession{
		Provider:       p,
		UserID:         s.userID,
		Cookies:        cookies,
		LocalStorage:   local,
		SessionStorage: session,
		SavedAt:        now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if !Usable(&sess, now) {
		return nil
	}
	return eris.Wrap(s.store.SaveSession(ctx, sess), "browser: save session")
}
