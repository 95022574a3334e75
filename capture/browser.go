// Package capture drives a Chrome page via CDP and turns what happens on it
// into replay events: an initial DOM snapshot, mutation records from an
// injected observer, thinned interaction streams, and navigation signals.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the managed Chrome instance.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headless launches without a visible window. Default in effect: true.
	Headless bool

	// Stealth applies anti-automation-detection page setup.
	Stealth bool

	// NavigateTimeout bounds initial page navigation. Default: 30s.
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser owns the Chrome connection for one or more capture sources.
type Browser struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewBrowser creates a Browser. Chrome is launched lazily on first Open.
func NewBrowser(cfg BrowserConfig) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("capture: browser is closed")
	}
	if b.browser != nil {
		return b.browser, nil
	}

	log := b.cfg.Logger
	var wsURL string

	if b.cfg.RemoteURL != "" {
		wsURL = b.cfg.RemoteURL
		log.Info("capture: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().Headless(b.cfg.Headless)
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("capture: launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		log.Info("capture: launched local chrome", "url", wsURL, "headless", b.cfg.Headless)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("capture: connect: %w", err)
	}
	b.browser = br
	return br, nil
}

// Open creates a page and navigates it to pageURL, waiting for load.
func (b *Browser) Open(ctx context.Context, pageURL string) (*rod.Page, error) {
	br, err := b.connect()
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if b.cfg.Stealth {
		page, err = stealth.Page(br)
	} else {
		page, err = br.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("capture: create page: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("capture: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.cfg.Logger.Warn("capture: wait load timeout", "url", pageURL, "error", err)
	}
	return page, nil
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return nil
}
