package recorder

import (
	"context"
	"time"

	"github.com/tempslabs/replay/event"
	"github.com/tempslabs/replay/kv"
	"github.com/tempslabs/replay/pack"
)

// eventsRequest is the batch-delivery payload: the packed events are a
// base64 string of the compressed JSON array.
type eventsRequest struct {
	SessionID string `json:"sessionId"`
	Events    string `json:"events"`
}

// sendEvents delivers the buffered events. The non-reliable path is
// single-flight and honours the backoff window: a send due too soon after a
// failure is skipped, not queued, and the events stay buffered for the next
// trigger. The reliable path (page teardown) bypasses both guards and clears
// the buffer unconditionally.
func (r *Recorder) sendEvents(ctx context.Context, reliable bool) {
	r.mu.Lock()
	if !r.initialized || len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	sessionID := r.sessionID

	if reliable {
		events := r.buffer
		r.buffer = nil
		r.mu.Unlock()
		r.sendReliable(sessionID, events)
		return
	}

	if r.sending {
		r.mu.Unlock()
		return
	}
	if !r.lastAttempt.IsZero() && r.sendRetries > 0 {
		wait := backoffFor(r.sendRetries)
		if since := time.Since(r.lastAttempt); since < wait {
			r.mu.Unlock()
			r.logger.Debug("session replay: send skipped, backing off",
				"retry", r.sendRetries, "wait", wait, "elapsed", since)
			return
		}
	}
	r.sending = true
	r.lastAttempt = time.Now()
	n := len(r.buffer)
	events := make([]event.Event, n)
	copy(events, r.buffer)
	r.mu.Unlock()

	status, err := r.postEvents(ctx, sessionID, events)

	r.mu.Lock()
	r.sending = false
	switch {
	case err == nil && status/100 == 2:
		// Drop the sent prefix; events emitted during the request stay.
		if len(r.buffer) >= n {
			r.buffer = r.buffer[n:]
		} else {
			r.buffer = nil
		}
		r.sendRetries = 0
		r.lastAttempt = time.Time{}
		r.mu.Unlock()
		r.logger.Debug("session replay: batch delivered", "events", n)

	case err == nil && status == 404:
		// Backend no longer knows the session. Tear down and discard.
		r.buffer = nil
		r.sendRetries = 0
		r.lastAttempt = time.Time{}
		r.mu.Unlock()
		r.logger.Warn("session replay: session unknown to backend, stopping", "session_id", sessionID)
		r.teardownCapture()

	default:
		r.sendRetries++
		dropped := r.sendRetries >= maxSendRetries
		if dropped {
			if len(r.buffer) >= n {
				r.buffer = r.buffer[n:]
			} else {
				r.buffer = nil
			}
			r.sendRetries = 0
			r.lastAttempt = time.Time{}
		}
		retries := r.sendRetries
		r.mu.Unlock()
		if dropped {
			r.logger.Error("session replay: batch dropped after repeated failures",
				"events", n, "status", status, "error", err)
		} else {
			r.logger.Warn("session replay: send failed, will retry",
				"retry", retries, "status", status, "error", err)
		}
	}
}

func (r *Recorder) postEvents(ctx context.Context, sessionID string, events []event.Event) (int, error) {
	packed, err := pack.Pack(event.Squash(events))
	if err != nil {
		return 0, err
	}
	return r.transport.Post(ctx, r.cfg.BasePath+"/session-replay/events", eventsRequest{
		SessionID: sessionID,
		Events:    packed,
	})
}

// sendReliable makes a best-effort fire-and-forget delivery for page
// teardown. Failures are logged and the events are gone either way.
func (r *Recorder) sendReliable(sessionID string, events []event.Event) {
	packed, err := pack.Pack(event.Squash(events))
	if err != nil {
		r.logger.Warn("session replay: pack for teardown send", "error", err)
		return
	}
	if err := r.transport.PostReliable(r.cfg.BasePath+"/session-replay/events", eventsRequest{
		SessionID: sessionID,
		Events:    packed,
	}); err != nil {
		r.logger.Warn("session replay: teardown send failed", "events", len(events), "error", err)
	}
}

// teardownCapture stops event capture and clears session state without
// flushing, leaving the recorder able to start a fresh session later.
// Unlike Stop it does not clear the permanent-failure flag.
func (r *Recorder) teardownCapture() {
	r.mu.Lock()
	unsub := r.unsubscribe
	stopCh := r.stopFlush
	r.unsubscribe = nil
	r.stopFlush = nil
	r.flushTimer = nil
	r.buffer = nil
	r.sessionID = ""
	r.recording = false
	r.initialized = false
	r.sampled = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if err := r.store.Delete(kv.KeySessionID); err != nil {
		r.logger.Warn("session replay: clear persisted session", "error", err)
	}
}

// backoffFor returns the wait required before retry attempt n, doubling per
// failure and capped at backoffMax.
func backoffFor(retries int) time.Duration {
	d := backoffBase << uint(retries)
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}
