package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tempslabs/replay/kv"
)

func TestInitializeSession_Success(t *testing.T) {
	store := newMapStore()
	r, ft := newTestRecorder(t, testConfig(), WithStore(store), WithMetadata(func() Metadata {
		return Metadata{
			UserAgent:   "test-agent",
			URL:         "https://app.test/home",
			ScreenWidth: 1920,
		}
	}))

	if !r.InitializeSession(context.Background()) {
		t.Fatal("InitializeSession = false")
	}

	var req initRequest
	if err := json.Unmarshal(ft.lastPost().body, &req); err != nil {
		t.Fatalf("unmarshal init request: %v", err)
	}
	if req.SessionID == "" {
		t.Error("init request has no sessionId")
	}
	if req.UserAgent != "test-agent" {
		t.Errorf("userAgent = %q, want test-agent", req.UserAgent)
	}
	if req.Timestamp == "" {
		t.Error("timestamp not defaulted")
	}

	persisted, err := store.Get(kv.KeySessionID)
	if err != nil {
		t.Fatalf("session id not persisted: %v", err)
	}
	if persisted != r.SessionID() {
		t.Errorf("persisted id = %q, want %q", persisted, r.SessionID())
	}
}

func TestInitializeSession_RequestBodyCamelCase(t *testing.T) {
	r, ft := newTestRecorder(t, testConfig(), WithMetadata(func() Metadata {
		return Metadata{ViewportWidth: 800, ColorDepth: 24, Language: "fr"}
	}))
	r.InitializeSession(context.Background())

	var raw map[string]any
	if err := json.Unmarshal(ft.lastPost().body, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"sessionId", "viewportWidth", "colorDepth", "language", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("init body missing %q key", key)
		}
	}
}

func TestInitializeSession_AlreadyInitialized(t *testing.T) {
	r, ft := newTestRecorder(t, testConfig())
	ctx := context.Background()

	r.InitializeSession(ctx)
	r.InitializeSession(ctx)
	if got := ft.postCount(); got != 1 {
		t.Errorf("init posts = %d, want 1", got)
	}
}

func TestInitializeSession_PermanentFailure(t *testing.T) {
	r, ft := newTestRecorder(t, testConfig())
	ft.respond = func(string) (int, error) { return 0, errors.New("network down") }
	ctx := context.Background()

	for i := 0; i < maxInitRetries; i++ {
		if r.InitializeSession(ctx) {
			t.Fatalf("attempt %d succeeded with failing transport", i+1)
		}
	}
	if got := ft.postCount(); got != maxInitRetries {
		t.Fatalf("posts = %d, want %d", got, maxInitRetries)
	}

	// Permanently failed: further attempts do not reach the network.
	if r.InitializeSession(ctx) {
		t.Fatal("init succeeded after permanent failure")
	}
	if got := ft.postCount(); got != maxInitRetries {
		t.Errorf("posts after permanent failure = %d, want %d", got, maxInitRetries)
	}
	r.Start(ctx)
	if r.Recording() {
		t.Error("Start recorded after permanent failure")
	}

	// Stop resets the failure; the next attempt hits the network again.
	r.Stop()
	ft.respond = nil
	if !r.InitializeSession(ctx) {
		t.Fatal("init failed after Stop reset")
	}
}

func TestInitializeSession_Non201Rejected(t *testing.T) {
	r, ft := newTestRecorder(t, testConfig())
	ft.respond = func(string) (int, error) { return 500, nil }

	if r.InitializeSession(context.Background()) {
		t.Fatal("InitializeSession = true on 500")
	}
	if r.SessionID() != "" {
		t.Error("session id set after rejected init")
	}
}

func TestInitializeSession_SingleFlight(t *testing.T) {
	r, ft := newTestRecorder(t, testConfig())

	entered := make(chan struct{})
	release := make(chan struct{})
	ft.respond = func(string) (int, error) {
		close(entered)
		<-release
		return 201, nil
	}

	done := make(chan bool, 1)
	go func() { done <- r.InitializeSession(context.Background()) }()
	<-entered

	// A call arriving mid-flight reports the current (uninitialized) state
	// without issuing a second request.
	if r.InitializeSession(context.Background()) {
		t.Error("concurrent init reported success while first was in flight")
	}
	if got := ft.postCount(); got != 1 {
		t.Errorf("posts = %d, want 1", got)
	}

	close(release)
	if !<-done {
		t.Fatal("first init failed")
	}
}
