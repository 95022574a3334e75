// Package e2e exercises the full pipeline — recorder over real HTTP against
// the collect service — without a browser: events are pushed through Emit.
package e2e

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tempslabs/replay/collect"
	"github.com/tempslabs/replay/event"
	"github.com/tempslabs/replay/recorder"
)

func pipeline(t *testing.T, mutate func(*recorder.Config)) (*recorder.Recorder, *collect.Store) {
	t.Helper()

	store := collect.OpenMemoryStore(t)
	svc := collect.NewService(store, nil)
	ts := httptest.NewServer(svc.Router())
	t.Cleanup(ts.Close)

	cfg := recorder.Default()
	cfg.BasePath = ts.URL
	if mutate != nil {
		mutate(&cfg)
	}

	rec, err := recorder.New(cfg)
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec, store
}

func waitForEvents(t *testing.T, store *collect.Store, sessionID string, want int) []collect.StoredEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		events, err := store.GetEvents(t.Context(), sessionID)
		if err == nil && len(events) >= want {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("collector has %d events for %s, want %d (err: %v)", len(events), sessionID, want, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipeline_BatchDelivery(t *testing.T) {
	rec, store := pipeline(t, func(cfg *recorder.Config) {
		cfg.BatchSize = 2
	})

	rec.Start(context.Background())
	if !rec.Recording() {
		t.Fatal("not recording after Start")
	}
	sessionID := rec.SessionID()

	sess, err := store.GetSession(t.Context(), sessionID)
	if err != nil {
		t.Fatalf("session not registered with collector: %v", err)
	}
	if sess.SessionID != sessionID {
		t.Fatalf("collector session = %q, want %q", sess.SessionID, sessionID)
	}

	// Hitting the batch size flushes synchronously over real HTTP.
	rec.Emit(event.Event{Kind: event.KindSnapshot, Timestamp: 100})
	rec.Emit(event.Event{Kind: event.KindMutation, Timestamp: 200, Target: "div#app"})

	events := waitForEvents(t, store, sessionID, 2)
	if events[0].Kind != event.KindSnapshot {
		t.Errorf("first stored kind = %q, want snapshot", events[0].Kind)
	}
	if events[1].Target != "div#app" {
		t.Errorf("second stored target = %q, want div#app", events[1].Target)
	}
}

func TestPipeline_TeardownFlushDrains(t *testing.T) {
	rec, store := pipeline(t, nil)

	rec.Start(context.Background())
	sessionID := rec.SessionID()

	rec.Emit(event.Event{Kind: event.KindScroll, Timestamp: 10, Target: "html"})
	rec.HandlePageHide()

	// Close drains the beacon queue before returning.
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitForEvents(t, store, sessionID, 1)
}

func TestPipeline_SquashedStreams(t *testing.T) {
	rec, store := pipeline(t, func(cfg *recorder.Config) {
		cfg.BatchSize = 1000
	})

	rec.Start(context.Background())
	sessionID := rec.SessionID()

	// A run of scrolls on one target collapses to its final position.
	for i := range 5 {
		rec.Emit(event.Event{Kind: event.KindScroll, Timestamp: int64(i), Target: "div#feed"})
	}
	rec.Emit(event.Event{Kind: event.KindMouseInteraction, Timestamp: 10, Target: "button#buy"})
	rec.Flush(context.Background())

	events := waitForEvents(t, store, sessionID, 2)
	if len(events) != 2 {
		t.Fatalf("stored %d events, want 2 after squashing", len(events))
	}
	if events[0].Kind != event.KindScroll || events[0].Timestamp != 4 {
		t.Errorf("squashed scroll = %+v, want last of the run", events[0])
	}
}
