package capture

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/tempslabs/replay/event"
	"github.com/tempslabs/replay/recorder"
)

//go:embed capture.js
var captureJS []byte

const bindingName = "__replay_binding"

// Settings is the capture-side configuration injected into the page before
// the observer script runs. JSON tags match the names the script reads.
type Settings struct {
	MaskAllInputs    bool     `json:"maskAllInputs"`
	MaskInputTypes   []string `json:"maskInputTypes"`
	MaskTextSelector string   `json:"maskTextSelector,omitempty"`
	MaskTextClass    string   `json:"maskTextClass,omitempty"`
	BlockClass       string   `json:"blockClass,omitempty"`
	BlockSelector    string   `json:"blockSelector,omitempty"`
	IgnoreClass      string   `json:"ignoreClass,omitempty"`
	IgnoreSelector   string   `json:"ignoreSelector,omitempty"`

	MouseMoveMs  int64  `json:"mousemoveMs"`
	ScrollMs     int64  `json:"scrollMs"`
	MediaMs      int64  `json:"mediaMs"`
	InputMode    string `json:"inputMode"`
	MouseClicks  bool   `json:"mouseClicks"`
	CanvasFPS    int    `json:"canvasFps"`
	RecordCanvas bool   `json:"recordCanvas"`
	CollectFonts bool   `json:"collectFonts"`
}

// SettingsFromConfig maps the recorder configuration onto capture settings.
func SettingsFromConfig(cfg recorder.Config) Settings {
	var types []string
	if cfg.Masking.MaskInputOptions.Password {
		types = append(types, "password")
	}
	if cfg.Masking.MaskInputOptions.Email {
		types = append(types, "email")
	}
	return Settings{
		MaskAllInputs:    cfg.Masking.MaskAllInputs,
		MaskInputTypes:   types,
		MaskTextSelector: cfg.Masking.MaskTextSelector,
		MaskTextClass:    cfg.Masking.MaskTextClass,
		BlockClass:       cfg.Masking.BlockClass,
		BlockSelector:    cfg.Masking.BlockSelector,
		IgnoreClass:      cfg.Masking.IgnoreClass,
		IgnoreSelector:   cfg.Masking.IgnoreSelector,
		MouseMoveMs:      cfg.Sampling.MouseMove.Milliseconds(),
		ScrollMs:         cfg.Sampling.Scroll.Milliseconds(),
		MediaMs:          cfg.Sampling.Media.Milliseconds(),
		InputMode:        cfg.Sampling.Input,
		MouseClicks:      cfg.Sampling.MouseInteraction,
		CanvasFPS:        cfg.Sampling.Canvas,
		RecordCanvas:     cfg.RecordCanvas,
		CollectFonts:     cfg.CollectFonts,
	}
}

// Source observes one page and feeds the recorder. It satisfies
// recorder.Source.
type Source struct {
	browser  *Browser
	pageURL  string
	settings Settings
	slim     recorder.SlimDOM
	logger   *slog.Logger

	mu    sync.Mutex
	page  *rod.Page
	hooks recorder.Hooks
}

// SourceConfig configures a page capture source.
type SourceConfig struct {
	Browser  *Browser
	PageURL  string
	Settings Settings
	SlimDOM  recorder.SlimDOM
	Logger   *slog.Logger
}

// NewSource creates a Source for one page URL.
func NewSource(cfg SourceConfig) *Source {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Source{
		browser:  cfg.Browser,
		pageURL:  cfg.PageURL,
		settings: cfg.Settings,
		slim:     cfg.SlimDOM,
		logger:   cfg.Logger,
	}
}

// Subscribe opens the page, injects the observer script, and starts the
// binding listener. Captured events flow through hooks until the returned
// stop function is called.
func (s *Source) Subscribe(ctx context.Context, hooks recorder.Hooks) (func(), error) {
	page, err := s.browser.Open(ctx, s.pageURL)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.page = page
	s.hooks = hooks
	s.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)

	if err := s.inject(page); err != nil {
		cancel()
		page.Close()
		return nil, err
	}
	go s.listenBinding(listenCtx, page)

	// Baseline snapshot before any mutation arrives.
	if err := s.ForceSnapshot(ctx); err != nil {
		s.logger.Warn("capture: initial snapshot failed", "error", err)
	}

	stop := func() {
		cancel()
		s.mu.Lock()
		s.page = nil
		s.hooks = recorder.Hooks{}
		s.mu.Unlock()
		page.Close()
	}
	return stop, nil
}

func (s *Source) inject(page *rod.Page) error {
	if err := (proto.RuntimeAddBinding{Name: bindingName}.Call(page)); err != nil {
		s.logger.Warn("capture: addBinding failed (may already exist)", "error", err)
	}

	raw, err := json.Marshal(s.settings)
	if err != nil {
		return fmt.Errorf("capture: marshal settings: %w", err)
	}
	if _, err := page.Eval(fmt.Sprintf("window.__replay_settings = %s;", raw)); err != nil {
		return fmt.Errorf("capture: set settings: %w", err)
	}
	if _, err := page.Eval(string(captureJS)); err != nil {
		return fmt.Errorf("capture: inject observer script: %w", err)
	}
	s.logger.Debug("capture: observer injected", "url", s.pageURL)
	return nil
}

// listenBinding receives batches posted by the in-page observer.
func (s *Source) listenBinding(ctx context.Context, page *rod.Page) {
	page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}

		var records []json.RawMessage
		if err := json.Unmarshal([]byte(e.Payload), &records); err != nil {
			s.logger.Warn("capture: parse binding payload", "error", err)
			return
		}

		for _, raw := range records {
			var rec struct {
				Kind   string          `json:"kind"`
				T      int64           `json:"t"`
				Target string          `json:"target"`
				Data   json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			s.dispatch(rec.Kind, rec.T, rec.Target, rec.Data)
		}
	})()
}

func (s *Source) dispatch(kind string, at int64, target string, data json.RawMessage) {
	s.mu.Lock()
	hooks := s.hooks
	s.mu.Unlock()

	if kind == "__navigate" {
		var nav struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(data, &nav); err != nil {
			s.logger.Warn("capture: parse navigate signal", "error", err)
			return
		}
		if hooks.OnNavigate != nil {
			hooks.OnNavigate(nav.Path)
		}
		return
	}

	if hooks.OnEvent == nil {
		return
	}
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	hooks.OnEvent(event.Event{
		Kind:      event.Kind(kind),
		Timestamp: at,
		Target:    target,
		Data:      data,
	})
}

// ForceSnapshot serialises the full DOM, sanitises it, and emits it as a
// snapshot event.
func (s *Source) ForceSnapshot(ctx context.Context) error {
	s.mu.Lock()
	page := s.page
	hooks := s.hooks
	s.mu.Unlock()
	if page == nil {
		return fmt.Errorf("capture: not subscribed")
	}

	res, err := page.Context(ctx).Eval(`() => ({
		html: document.documentElement.outerHTML,
		url: location.href,
	})`)
	if err != nil {
		return fmt.Errorf("capture: serialise DOM: %w", err)
	}

	snap := struct {
		HTML string `json:"html"`
		URL  string `json:"url"`
	}{
		HTML: res.Value.Get("html").Str(),
		URL:  res.Value.Get("url").Str(),
	}
	snap.HTML = SanitizeHTML(snap.HTML, s.slim)

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("capture: marshal snapshot: %w", err)
	}
	if hooks.OnEvent != nil {
		hooks.OnEvent(event.Event{
			Kind:      event.KindSnapshot,
			Timestamp: time.Now().UnixMilli(),
			Data:      data,
		})
	}
	s.logger.Debug("capture: snapshot emitted", "url", snap.URL, "size", len(snap.HTML))
	return nil
}
