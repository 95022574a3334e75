// Package recorder implements the session-replay recording pipeline: it
// decides whether a page should be recorded, manages the session's
// server-side lifecycle, accumulates captured events, and flushes them
// reliably — including across route changes and page teardown.
package recorder

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the recorder configuration. Build one with Default and override
// fields, or load it from YAML with LoadConfigFile — absent YAML keys keep
// their defaults, which gives the documented deep-merge behaviour for the
// nested sampling and masking blocks.
type Config struct {
	// BasePath is the ingest endpoint prefix, e.g. "https://app.example.com/_temps".
	// Required.
	BasePath string `yaml:"base_path"`

	// Domain optionally scopes the recording to one host.
	Domain string `yaml:"domain"`

	// Enabled gates the whole feature. Default: true.
	Enabled bool `yaml:"enabled"`

	// ExcludedPaths lists path globs that must never be recorded.
	// '*' matches any run of characters; patterns are anchored at both ends.
	ExcludedPaths []string `yaml:"excluded_paths"`

	// SessionSampleRate is the fraction of sessions to record, in [0,1].
	// Default: 1.
	SessionSampleRate float64 `yaml:"session_sample_rate"`

	Masking  Masking  `yaml:"masking"`
	Sampling Sampling `yaml:"sampling"`
	SlimDOM  SlimDOM  `yaml:"slim_dom"`

	RecordCanvas bool `yaml:"record_canvas"`
	CollectFonts bool `yaml:"collect_fonts"`

	// BatchSize triggers an immediate flush when the buffer reaches it.
	// Default: 200.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the periodic flush cadence. Default: 10s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Masking controls what never leaves the page in clear text.
type Masking struct {
	MaskAllInputs    bool             `yaml:"mask_all_inputs"`
	MaskTextSelector string           `yaml:"mask_text_selector"`
	MaskTextClass    string           `yaml:"mask_text_class"`
	BlockClass       string           `yaml:"block_class"`
	BlockSelector    string           `yaml:"block_selector"`
	IgnoreClass      string           `yaml:"ignore_class"`
	IgnoreSelector   string           `yaml:"ignore_selector"`
	MaskInputOptions MaskInputOptions `yaml:"mask_input_options"`
}

// MaskInputOptions selects input types that are always masked even when
// MaskAllInputs is off.
type MaskInputOptions struct {
	Password bool `yaml:"password"`
	Email    bool `yaml:"email"`
}

// Sampling thins high-frequency event streams at the capture boundary.
type Sampling struct {
	// MouseMove is the minimum interval between pointer samples. Default: 50ms.
	MouseMove time.Duration `yaml:"mousemove"`
	// Scroll is the minimum interval between scroll samples. Default: 150ms.
	Scroll time.Duration `yaml:"scroll"`
	// Media is the minimum interval between media playback samples. Default: 800ms.
	Media time.Duration `yaml:"media"`
	// Input selects input capture: "all" records every keystroke, "last"
	// only the final value per field. Default: "last".
	Input string `yaml:"input"`
	// MouseInteraction records clicks and context menus. Default: true.
	MouseInteraction bool `yaml:"mouse_interaction"`
	// Canvas is the canvas capture rate in frames per second. Default: 2.
	Canvas int `yaml:"canvas"`
}

// SlimDOM drops noise elements from snapshots.
type SlimDOM struct {
	Script      bool `yaml:"script"`
	Comment     bool `yaml:"comment"`
	HeadFavicon bool `yaml:"head_favicon"`
	HeadMeta    bool `yaml:"head_meta"`
}

// Default returns a fully populated Config. BasePath must still be set.
func Default() Config {
	return Config{
		Enabled:           true,
		SessionSampleRate: 1,
		Masking: Masking{
			MaskAllInputs: true,
			MaskTextClass: "temps-mask",
			BlockClass:    "temps-block",
			IgnoreClass:   "temps-ignore",
			MaskInputOptions: MaskInputOptions{
				Password: true,
				Email:    true,
			},
		},
		Sampling: Sampling{
			MouseMove:        50 * time.Millisecond,
			Scroll:           150 * time.Millisecond,
			Media:            800 * time.Millisecond,
			Input:            "last",
			MouseInteraction: true,
			Canvas:           2,
		},
		SlimDOM: SlimDOM{
			Script:  true,
			Comment: true,
		},
		BatchSize:     200,
		FlushInterval: 10 * time.Second,
	}
}

// LoadConfigFile reads a YAML configuration file on top of Default.
func LoadConfigFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("recorder: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("recorder: parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.Sampling.Input == "" {
		c.Sampling.Input = "last"
	}
}

func (c *Config) validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("recorder: base_path is required")
	}
	if c.SessionSampleRate < 0 || c.SessionSampleRate > 1 {
		return fmt.Errorf("recorder: session_sample_rate %v out of [0,1]", c.SessionSampleRate)
	}
	return nil
}
