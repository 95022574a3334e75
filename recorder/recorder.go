package recorder

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tempslabs/replay/event"
	"github.com/tempslabs/replay/idgen"
	"github.com/tempslabs/replay/kv"
)

// Source is the event-capture collaborator. Subscribe begins emitting
// captured events through the hooks and returns a stop function; ForceSnapshot
// asks the source for a fresh full-DOM baseline (used after route changes).
type Source interface {
	Subscribe(ctx context.Context, hooks Hooks) (stop func(), err error)
	ForceSnapshot(ctx context.Context) error
}

// Hooks are the callbacks a Source drives.
type Hooks struct {
	// OnEvent delivers one captured event.
	OnEvent func(event.Event)
	// OnNavigate reports a route change with the new path.
	OnNavigate func(path string)
}

// Store is the durable client-side state the recorder persists across
// restarts. *kv.Store satisfies it.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Metadata is the session initialisation payload collected from the page.
// Field names follow the ingest API's camelCase contract.
type Metadata struct {
	VisitorID      string `json:"visitorId,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	Language       string `json:"language,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	ScreenWidth    int    `json:"screenWidth,omitempty"`
	ScreenHeight   int    `json:"screenHeight,omitempty"`
	ColorDepth     int    `json:"colorDepth,omitempty"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
	URL            string `json:"url,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// MetadataFunc collects Metadata at session-init time.
type MetadataFunc func() Metadata

// Recorder owns one recording session at a time: the event buffer, the retry
// counters, and the guard flags live on this struct and nowhere else. A
// single mutex stands in for the browser SDK's single-threaded event loop;
// the in-flight guards (initializing, sending) preserve its skip-not-queue
// behaviour across the two network suspension points.
type Recorder struct {
	cfg       Config
	transport Transport
	source    Source
	store     Store
	metadata  MetadataFunc
	newID     idgen.Generator
	roll      func() float64
	logger    *slog.Logger

	settleDelay time.Duration

	mu           sync.Mutex
	buffer       []event.Event
	sessionID    string
	currentPath  string
	sampled      *bool // sampling roll, held for the session cycle
	recording    bool
	initialized  bool
	initFailed   bool // permanent until Stop
	initializing bool
	sending      bool
	initRetries  int
	sendRetries  int
	lastAttempt  time.Time
	unsubscribe  func()
	stopFlush    chan struct{}
	flushTimer   *time.Timer
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithTransport replaces the HTTP transport.
func WithTransport(t Transport) Option {
	return func(r *Recorder) { r.transport = t }
}

// WithSource sets the event-capture source. Without one the recorder only
// accepts events pushed through Emit.
func WithSource(s Source) Option {
	return func(r *Recorder) { r.source = s }
}

// WithStore sets the durable store for session and visitor IDs.
func WithStore(s Store) Option {
	return func(r *Recorder) { r.store = s }
}

// WithMetadata sets the session-init metadata collector.
func WithMetadata(fn MetadataFunc) Option {
	return func(r *Recorder) { r.metadata = fn }
}

// WithSessionIDGenerator overrides the session ID strategy.
// Default: idgen.SessionToken().
func WithSessionIDGenerator(gen idgen.Generator) Option {
	return func(r *Recorder) { r.newID = gen }
}

// WithSampleRoll overrides the sampling dice roll (tests).
func WithSampleRoll(roll func() float64) Option {
	return func(r *Recorder) { r.roll = roll }
}

// WithStartPath sets the initial page path. Default: "/".
func WithStartPath(path string) Option {
	return func(r *Recorder) { r.currentPath = path }
}

// WithSettleDelay sets how long to wait after a route change before forcing
// a full snapshot, allowing the DOM to update. Default: 500ms.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Recorder) { r.settleDelay = d }
}

// New creates a Recorder. The config's BasePath is required.
func New(cfg Config, opts ...Option) (*Recorder, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:         cfg,
		newID:       idgen.SessionToken(),
		roll:        rand.Float64,
		logger:      slog.Default(),
		currentPath: "/",
		settleDelay: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(r)
	}
	if r.transport == nil {
		r.transport = newHTTPTransport(r.logger)
	}
	if r.store == nil {
		r.store = noopStore{}
	}
	return r, nil
}

// ShouldRecord reports whether the current page should be recorded: the
// feature is enabled, the current path is not excluded, and the sampling
// roll admits the session. The roll is made once per session cycle so the
// answer does not change mid-page.
func (r *Recorder) ShouldRecord() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shouldRecordLocked()
}

func (r *Recorder) shouldRecordLocked() bool {
	if !r.cfg.Enabled {
		return false
	}
	if pathExcluded(r.cfg.ExcludedPaths, r.currentPath) {
		return false
	}
	if r.sampled == nil {
		v := r.roll() < r.cfg.SessionSampleRate
		r.sampled = &v
	}
	return *r.sampled
}

// Start begins recording: it initialises the session with the backend,
// subscribes to the capture source, and schedules periodic flushing.
// No-op when already recording, when ShouldRecord is false, or after
// initialisation has permanently failed.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.recording || r.initFailed {
		r.mu.Unlock()
		return
	}
	if !r.shouldRecordLocked() {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !r.InitializeSession(ctx) {
		return
	}

	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return
	}
	r.recording = true
	stopCh := make(chan struct{})
	r.stopFlush = stopCh
	timer := time.NewTimer(r.cfg.FlushInterval)
	r.flushTimer = timer
	r.mu.Unlock()

	if r.source != nil {
		stop, err := r.source.Subscribe(ctx, Hooks{
			OnEvent:    r.Emit,
			OnNavigate: func(path string) { r.HandleRouteChange(ctx, path) },
		})
		if err != nil {
			r.logger.Error("session replay: subscribe failed", "error", err)
		} else {
			r.mu.Lock()
			r.unsubscribe = stop
			r.mu.Unlock()
		}
	}

	go r.flushLoop(ctx, timer, stopCh)

	r.logger.Info("session replay: recording started",
		"path", r.currentPath, "batch_size", r.cfg.BatchSize, "flush_interval", r.cfg.FlushInterval)
}

// Stop is idempotent. It unsubscribes from capture, cancels the flush timer,
// makes one reliable flush of anything still buffered, clears the session
// state and persisted session ID, and resets both retry counters and the
// permanent-failure flag so a future Start tries again from scratch.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub := r.unsubscribe
	stopCh := r.stopFlush
	wasInitialized := r.initialized
	sessionID := r.sessionID
	events := r.buffer

	r.unsubscribe = nil
	r.stopFlush = nil
	r.flushTimer = nil
	r.buffer = nil
	r.sessionID = ""
	r.recording = false
	r.initialized = false
	r.initFailed = false
	r.initRetries = 0
	r.sendRetries = 0
	r.lastAttempt = time.Time{}
	r.sampled = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if wasInitialized && len(events) > 0 {
		r.sendReliable(sessionID, events)
	}

	if err := r.store.Delete(kv.KeySessionID); err != nil {
		r.logger.Warn("session replay: clear persisted session", "error", err)
	}
}

// Emit appends one captured event while recording is active. Reaching the
// batch threshold triggers an immediate flush and rearms the interval timer,
// so a flush happens on whichever threshold is hit first.
func (r *Recorder) Emit(ev event.Event) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.buffer = append(r.buffer, ev)
	full := len(r.buffer) >= r.cfg.BatchSize
	timer := r.flushTimer
	r.mu.Unlock()

	if !full {
		return
	}
	r.sendEvents(context.Background(), false)
	if timer != nil {
		timer.Reset(r.cfg.FlushInterval)
	}
}

// Flush triggers a non-reliable send of the current buffer.
func (r *Recorder) Flush(ctx context.Context) {
	r.sendEvents(ctx, false)
}

// HandlePageHide performs a reliable flush if a session is active and the
// buffer is non-empty. Wire it to both pagehide and beforeunload signals of
// the hosting environment.
func (r *Recorder) HandlePageHide() {
	r.sendEvents(context.Background(), true)
}

// BufferedEvents reports the current buffer size.
func (r *Recorder) BufferedEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Recording reports whether capture is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// SessionID returns the current session identifier, empty when none.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Close stops recording and releases the transport.
func (r *Recorder) Close() error {
	r.Stop()
	return r.transport.Close()
}

func (r *Recorder) flushLoop(ctx context.Context, timer *time.Timer, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.sendEvents(ctx, false)
			timer.Reset(r.cfg.FlushInterval)
		}
	}
}

// noopStore backs recorders created without durable storage.
type noopStore struct{}

func (noopStore) Get(string) (string, error) { return "", kv.ErrNotFound }
func (noopStore) Set(string, string) error   { return nil }
func (noopStore) Delete(string) error        { return nil }
