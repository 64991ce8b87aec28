package browser

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
)

// Manager owns one Chrome connection and opens stealth tabs on it. It
// connects to cfg.ControlURL when set and otherwise launches a local Chrome.
type Manager struct {
	cfg config.BrowserConfig
	log *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewManager creates a Manager. Chrome is started lazily on first Open.
func NewManager(cfg config.BrowserConfig) *Manager {
	return &Manager{
		cfg: cfg,
		log: zap.L().With(zap.String("component", "browser.manager")),
	}
}

// Open implements Opener.
func (m *Manager) Open(ctx context.Context) (Page, error) {
	b, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(b)
	if err != nil {
		return nil, eris.Wrap(err, "browser: create stealth tab")
	}
	return &rodPage{page: page}, nil
}

// Connect starts or attaches to Chrome ahead of the first Open.
func (m *Manager) Connect(ctx context.Context) error {
	_, err := m.ensure(ctx)
	return err
}

// Connected reports whether the browser answers a version probe.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	b := m.browser
	m.mu.Unlock()
	if b == nil {
		return false
	}
	_, err := b.Version()
	return err == nil
}

// Close disconnects and kills a locally launched Chrome.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Kill()
		m.lnch = nil
	}
	return eris.Wrap(err, "browser: close")
}

func (m *Manager) ensure(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		return m.browser, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "browser: connect")
	}

	wsURL := m.cfg.ControlURL
	if wsURL == "" {
		l := launcher.New().
			Headless(m.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, eris.Wrap(err, "browser: launch chrome")
		}
		wsURL = u
		m.lnch = l
		m.log.Info("launched local chrome", zap.Bool("headless", m.cfg.Headless))
	} else {
		m.log.Info("connecting to remote chrome", zap.String("control_url", wsURL))
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, eris.Wrap(err, "browser: connect")
	}
	m.browser = b
	return b, nil
}
