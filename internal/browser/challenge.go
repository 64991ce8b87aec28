package browser

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/resilience"
)

// ErrChallengeUnsolved means an anti-bot interstitial survived every
// strategy. It is transient: a later attempt may get through.
var ErrChallengeUnsolved = eris.New("browser: challenge not solved")

// ChallengeStrategy is one attempt at getting past an interstitial.
type ChallengeStrategy interface {
	Name() string
	Attempt(ctx context.Context, page Page, sel ChallengeSelectors) error
}

// DefaultStrategies returns the strategies in the order they are tried.
func DefaultStrategies(poll time.Duration) []ChallengeStrategy {
	return []ChallengeStrategy{
		waitStrategy{wait: 15 * time.Second, poll: poll},
		clickStrategy{settle: 5 * time.Second, poll: poll},
		reloadStrategy{settle: 10 * time.Second, poll: poll},
	}
}

// ChallengePresent reports whether page shows an interstitial.
func ChallengePresent(ctx context.Context, page Page, sel ChallengeSelectors) (bool, error) {
	if sel.Markers != "" {
		ok, err := page.Has(ctx, sel.Markers)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	if len(sel.Titles) == 0 {
		return false, nil
	}
	title, err := page.Title(ctx)
	if err != nil {
		return false, err
	}
	title = strings.ToLower(title)
	for _, t := range sel.Titles {
		if t != "" && strings.Contains(title, strings.ToLower(t)) {
			return true, nil
		}
	}
	return false, nil
}

// ResolveChallenge runs strategies in order until the interstitial is gone.
// A page without a challenge returns immediately.
func ResolveChallenge(ctx context.Context, page Page, sel ChallengeSelectors, strategies []ChallengeStrategy) error {
	present, err := ChallengePresent(ctx, page, sel)
	if err != nil || !present {
		return err
	}

	log := zap.L().With(zap.String("component", "browser.challenge"))
	for _, s := range strategies {
		if err := s.Attempt(ctx, page, sel); err != nil {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "browser: challenge")
			}
			log.Debug("challenge strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
		}
		present, err = ChallengePresent(ctx, page, sel)
		if err != nil {
			return err
		}
		if !present {
			log.Info("challenge cleared", zap.String("strategy", s.Name()))
			return nil
		}
	}
	return resilience.NewTransientError(ErrChallengeUnsolved, 0)
}

// waitUntilClear polls until the challenge is gone or d elapses.
func waitUntilClear(ctx context.Context, page Page, sel ChallengeSelectors, d, poll time.Duration) error {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		present, err := ChallengePresent(ctx, page, sel)
		if err != nil {
			return err
		}
		if !present {
			return nil
		}
		if err := sleep(ctx, poll); err != nil {
			return err
		}
	}
	return nil
}

// waitStrategy lets a self-resolving interstitial finish.
type waitStrategy struct {
	wait, poll time.Duration
}

func (waitStrategy) Name() string { return "wait" }

func (s waitStrategy) Attempt(ctx context.Context, page Page, sel ChallengeSelectors) error {
	return waitUntilClear(ctx, page, sel, s.wait, s.poll)
}

// clickStrategy clicks the verification widget.
type clickStrategy struct {
	settle, poll time.Duration
}

func (clickStrategy) Name() string { return "click" }

func (s clickStrategy) Attempt(ctx context.Context, page Page, sel ChallengeSelectors) error {
	if sel.Checkbox == "" {
		return nil
	}
	ok, err := page.Has(ctx, sel.Checkbox)
	if err != nil || !ok {
		return err
	}
	if err := page.Click(ctx, sel.Checkbox); err != nil {
		return err
	}
	return waitUntilClear(ctx, page, sel, s.settle, s.poll)
}

// reloadStrategy reloads the page for a fresh challenge.
type reloadStrategy struct {
	settle, poll time.Duration
}

func (reloadStrategy) Name() string { return "reload" }

func (s reloadStrategy) Attempt(ctx context.Context, page Page, sel ChallengeSelectors) error {
	if err := page.Reload(ctx); err != nil {
		return err
	}
	return waitUntilClear(ctx, page, sel, s.settle, s.poll)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "browser: wait")
	case <-t.C:
		return nil
	}
}
