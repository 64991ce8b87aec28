// Package browser drives answer-engine web UIs with a real browser session.
package browser

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/internal/trial"
)

const (
	defaultPoll        = time.Second
	defaultStablePolls = 2
	defaultInputWait   = 20 * time.Second
)

// Opener opens a fresh browser tab.
type Opener interface {
	Open(ctx context.Context) (Page, error)
}

// Driver acquires answers by typing the question into an engine's chat UI.
// It implements trial.Acquirer.
type Driver struct {
	opener      Opener
	catalog     *Catalog
	sessions    *Sessions
	strategies  []ChallengeStrategy
	conv        *Converter
	poll        time.Duration
	stablePolls int
	inputWait   time.Duration
	log         *zap.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithPoll sets the DOM polling interval.
func WithPoll(d time.Duration) DriverOption {
	return func(dr *Driver) { dr.poll = d }
}

// WithStablePolls sets how many consecutive unchanged polls mark the answer
// complete.
func WithStablePolls(n int) DriverOption {
	return func(dr *Driver) { dr.stablePolls = n }
}

// WithInputWait bounds the wait for the prompt input to appear.
func WithInputWait(d time.Duration) DriverOption {
	return func(dr *Driver) { dr.inputWait = d }
}

// WithStrategies replaces the challenge strategies.
func WithStrategies(s []ChallengeStrategy) DriverOption {
	return func(dr *Driver) { dr.strategies = s }
}

// NewDriver creates a Driver. sessions may be nil.
func NewDriver(opener Opener, catalog *Catalog, sessions *Sessions, opts ...DriverOption) *Driver {
	d := &Driver{
		opener:      opener,
		catalog:     catalog,
		sessions:    sessions,
		conv:        NewConverter(),
		poll:        defaultPoll,
		stablePolls: defaultStablePolls,
		inputWait:   defaultInputWait,
		log:         zap.L().With(zap.String("component", "browser.driver")),
	}
	for _, o := range opts {
		o(d)
	}
	if d.strategies == nil {
		d.strategies = DefaultStrategies(d.poll)
	}
	return d
}

// Acquire implements trial.Acquirer.
func (d *Driver) Acquire(ctx context.Context, p model.Provider, question string) (*trial.Answer, error) {
	sel, ok := d.catalog.For(p)
	if !ok {
		return nil, eris.Wrapf(trial.ErrUnsupportedProvider, "browser: no selectors for %s", p)
	}
	log := d.log.With(zap.String("provider", string(p)))

	page, err := d.opener.Open(ctx)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "browser: open page"), 0)
	}
	defer page.Close() //nolint:errcheck

	restored, err := d.sessions.Restore(ctx, page, p, false)
	if err != nil {
		log.Warn("restore cookies failed", zap.Error(err))
	}

	if err := page.Navigate(ctx, sel.URL); err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	if restored {
		if _, err := d.sessions.Restore(ctx, page, p, true); err != nil {
			log.Warn("restore storage failed", zap.Error(err))
		}
	}

	if err := ResolveChallenge(ctx, page, d.catalog.Challenge, d.strategies); err != nil {
		return nil, err
	}
	if err := d.checkLoginWall(ctx, page, p, sel); err != nil {
		return nil, err
	}

	input, err := d.waitForFirst(ctx, page, sel.PromptInput, d.inputWait)
	if err != nil {
		return nil, err
	}
	if input == "" {
		if err := d.checkLoginWall(ctx, page, p, sel); err != nil {
			return nil, err
		}
		return nil, resilience.NewTransientError(eris.Errorf("browser: %s prompt input not found", p), 0)
	}

	baseline, err := page.LastText(ctx, sel.ResponseContainer)
	if err != nil {
		return nil, err
	}

	if err := page.Input(ctx, input, question); err != nil {
		return nil, err
	}
	if err := d.submit(ctx, page, sel); err != nil {
		return nil, err
	}

	text, err := d.waitForAnswer(ctx, page, p, sel, baseline)
	if err != nil {
		return nil, err
	}

	ans := &trial.Answer{Text: text}
	if html, err := page.LastHTML(ctx, sel.ResponseContainer); err == nil && html != "" {
		ans.HTML = d.conv.Sanitize(html)
		if md := d.conv.Markdown(html, sel.URL); md != "" {
			ans.Text = md
		}
	}
	ans.Sources = d.collectLinks(ctx, page, sel, log)

	if err := d.sessions.Save(ctx, page, p); err != nil {
		log.Warn("save session failed", zap.Error(err))
	}
	return ans, nil
}

func (d *Driver) checkLoginWall(ctx context.Context, page Page, p model.Provider, sel EngineSelectors) error {
	if sel.LoginWall == "" {
		return nil
	}
	wall, err := page.Has(ctx, sel.LoginWall)
	if err != nil {
		return err
	}
	if wall {
		return eris.Wrapf(trial.ErrLoginWall, "browser: %s", p)
	}
	return nil
}

// waitForFirst polls until one of selectors matches and returns it, or ""
// after wait.
func (d *Driver) waitForFirst(ctx context.Context, page Page, selectors []string, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		for _, s := range selectors {
			ok, err := page.Has(ctx, s)
			if err != nil {
				return "", err
			}
			if ok {
				return s, nil
			}
		}
		if !time.Now().Before(deadline) {
			return "", nil
		}
		if err := sleep(ctx, d.poll); err != nil {
			return "", err
		}
	}
}

func (d *Driver) submit(ctx context.Context, page Page, sel EngineSelectors) error {
	for _, s := range sel.SubmitButton {
		ok, err := page.Has(ctx, s)
		if err != nil {
			return err
		}
		if ok {
			return page.Click(ctx, s)
		}
	}
	return page.PressEnter(ctx)
}

// waitForAnswer polls the last response container until its text is new,
// non-empty, unchanged for stablePolls polls and no streaming indicator is
// showing.
func (d *Driver) waitForAnswer(ctx context.Context, page Page, p model.Provider, sel EngineSelectors, baseline string) (string, error) {
	streamSel := sel.Streaming()
	var prev string
	stable := 0
	sawStreaming := false

	for {
		if err := sleep(ctx, d.poll); err != nil {
			if prev != "" {
				return "", resilience.NewTransientError(eris.Wrapf(err, "browser: %s answer still streaming", p), 0)
			}
			return "", resilience.NewTransientError(eris.Wrapf(err, "browser: %s no answer", p), 0)
		}

		if sel.RateLimit != "" {
			limited, err := page.Has(ctx, sel.RateLimit)
			if err != nil {
				return "", err
			}
			if limited {
				return "", resilience.NewTransientError(eris.Errorf("browser: %s rate limited", p), 429)
			}
		}

		streaming := false
		if streamSel != "" {
			var err error
			if streaming, err = page.Has(ctx, streamSel); err != nil {
				return "", err
			}
			sawStreaming = sawStreaming || streaming
		}

		text, err := page.LastText(ctx, sel.ResponseContainer)
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text == "" || text == strings.TrimSpace(baseline) {
			stable = 0
			prev = ""
			continue
		}

		if text == prev {
			stable++
		} else {
			stable = 0
			prev = text
		}
		if !streaming && stable >= d.stablePolls {
			d.log.Debug("answer complete",
				zap.String("provider", string(p)),
				zap.Bool("saw_streaming", sawStreaming),
				zap.Int("chars", len(text)),
			)
			return text, nil
		}
	}
}

func (d *Driver) collectLinks(ctx context.Context, page Page, sel EngineSelectors, log *zap.Logger) []model.Source {
	if sel.CitationLink == "" {
		return nil
	}
	links, err := page.Links(ctx, sel.ResponseContainer, sel.CitationLink)
	if err != nil {
		log.Warn("collect answer links failed", zap.Error(err))
	}
	if sel.SourcesSection != "" {
		more, err := page.Links(ctx, sel.SourcesSection, sel.CitationLink)
		if err != nil {
			log.Warn("collect source links failed", zap.Error(err))
		}
		links = trial.MergeSources(links, more)
	}
	return links
}
