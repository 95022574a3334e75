package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tempslabs/replay/event"
	"github.com/tempslabs/replay/kv"
	"github.com/tempslabs/replay/pack"
)

func startedRecorder(t *testing.T, opts ...Option) (*Recorder, *fakeTransport) {
	t.Helper()
	cfg := testConfig()
	cfg.BatchSize = 100
	r, ft := newTestRecorder(t, cfg, opts...)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r, ft
}

func TestSendEvents_SuccessClearsBuffer(t *testing.T) {
	r, ft := startedRecorder(t)
	r.Emit(mkEvent(event.KindSnapshot))
	r.Emit(mkEvent(event.KindMutation))

	r.Flush(context.Background())

	if got := r.BufferedEvents(); got != 0 {
		t.Errorf("buffer = %d, want 0", got)
	}
	if got := ft.postCount(); got != 2 { // init + events
		t.Fatalf("posts = %d, want 2", got)
	}

	var req eventsRequest
	if err := json.Unmarshal(ft.lastPost().body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	events, err := pack.Unpack(req.Events)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("unpacked %d events, want 2", len(events))
	}
}

func TestSendEvents_Any2xxIsSuccess(t *testing.T) {
	r, ft := startedRecorder(t)
	r.Emit(mkEvent(event.KindScroll))

	ft.respond = func(string) (int, error) { return 204, nil }
	r.Flush(context.Background())

	if got := r.BufferedEvents(); got != 0 {
		t.Errorf("buffer after 204 = %d, want 0", got)
	}
	r.mu.Lock()
	retries := r.sendRetries
	r.mu.Unlock()
	if retries != 0 {
		t.Errorf("sendRetries after 204 = %d, want 0", retries)
	}
}

func TestSendEvents_NothingToSend(t *testing.T) {
	r, ft := startedRecorder(t)
	r.Flush(context.Background())
	if got := ft.postCount(); got != 1 { // init only
		t.Errorf("posts = %d, want 1", got)
	}
}

func TestSendEvents_FailureKeepsBuffer(t *testing.T) {
	r, ft := startedRecorder(t)
	r.Emit(mkEvent(event.KindMutation))

	ft.respond = func(string) (int, error) { return 0, errors.New("connection refused") }
	r.Flush(context.Background())

	if got := r.BufferedEvents(); got != 1 {
		t.Errorf("buffer after failed send = %d, want 1", got)
	}

	// Next trigger lands inside the backoff window and is skipped, not sent.
	ft.respond = nil
	r.Flush(context.Background())
	if got := ft.postCount(); got != 2 { // init + one failed attempt
		t.Errorf("posts = %d, want 2 (backoff should skip)", got)
	}

	// Rewind the attempt clock past the backoff window; the retry goes out.
	r.mu.Lock()
	r.lastAttempt = time.Now().Add(-backoffFor(r.sendRetries) - time.Second)
	r.mu.Unlock()
	r.Flush(context.Background())
	if got := ft.postCount(); got != 3 {
		t.Errorf("posts = %d, want 3 (retry after backoff)", got)
	}
	if got := r.BufferedEvents(); got != 0 {
		t.Errorf("buffer after successful retry = %d, want 0", got)
	}
}

func TestSendEvents_DropAfterMaxRetries(t *testing.T) {
	r, ft := startedRecorder(t)
	r.Emit(mkEvent(event.KindMutation))
	ft.respond = func(string) (int, error) { return 503, nil }

	for i := 0; i < maxSendRetries; i++ {
		r.Flush(context.Background())
		r.mu.Lock()
		r.lastAttempt = time.Time{} // bypass backoff between attempts
		r.mu.Unlock()
	}

	if got := r.BufferedEvents(); got != 0 {
		t.Errorf("buffer after %d failures = %d, want 0 (batch dropped)", maxSendRetries, got)
	}
	r.mu.Lock()
	retries := r.sendRetries
	r.mu.Unlock()
	if retries != 0 {
		t.Errorf("sendRetries = %d, want 0 after drop", retries)
	}

	// Recorder keeps working after the drop.
	ft.respond = nil
	r.Emit(mkEvent(event.KindScroll))
	r.Flush(context.Background())
	if got := r.BufferedEvents(); got != 0 {
		t.Errorf("buffer = %d, want 0 after recovery", got)
	}
}

func TestSendEvents_404TearsDown(t *testing.T) {
	store := newMapStore()
	src := &fakeSource{}
	r, ft := startedRecorder(t, WithStore(store), WithSource(src))
	r.Emit(mkEvent(event.KindMutation))

	ft.respond = func(string) (int, error) { return 404, nil }
	r.Flush(context.Background())

	if r.Recording() {
		t.Error("still recording after 404")
	}
	if r.SessionID() != "" {
		t.Error("session id not cleared after 404")
	}
	if got := r.BufferedEvents(); got != 0 {
		t.Errorf("buffer = %d, want 0 (events discarded on 404)", got)
	}
	if !src.stopped {
		t.Error("source not unsubscribed after 404")
	}
	if _, err := store.Get(kv.KeySessionID); err == nil {
		t.Error("persisted session id not cleared after 404")
	}
	if got := ft.reliableCount(); got != 0 {
		t.Errorf("reliable posts = %d, want 0 (404 must not flush)", got)
	}
}

func TestSendEvents_EventsDuringFlightAreKept(t *testing.T) {
	r, ft := startedRecorder(t)
	r.Emit(mkEvent(event.KindMutation))

	ft.respond = func(url string) (int, error) {
		// Simulate an event arriving while the request is in flight.
		r.mu.Lock()
		r.buffer = append(r.buffer, mkEvent(event.KindScroll))
		r.mu.Unlock()
		return 200, nil
	}
	r.Flush(context.Background())

	if got := r.BufferedEvents(); got != 1 {
		t.Errorf("buffer = %d, want 1 (in-flight event kept)", got)
	}
}

func TestHandlePageHide_ReliableFlush(t *testing.T) {
	r, ft := startedRecorder(t)
	r.Emit(mkEvent(event.KindMutation))

	r.HandlePageHide()

	if got := ft.reliableCount(); got != 1 {
		t.Fatalf("reliable posts = %d, want 1", got)
	}
	if got := r.BufferedEvents(); got != 0 {
		t.Errorf("buffer = %d, want 0 after reliable flush", got)
	}

	var req eventsRequest
	f := ft.reliable[0]
	if err := json.Unmarshal(f.body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.SessionID == "" {
		t.Error("reliable payload has no sessionId")
	}
}

func TestHandlePageHide_NoSession(t *testing.T) {
	r, ft := newTestRecorder(t, testConfig())
	r.HandlePageHide()
	if got := ft.reliableCount(); got != 0 {
		t.Errorf("reliable posts = %d, want 0", got)
	}
}

func TestBackoffFor(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffFor(tc.retries); got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}
