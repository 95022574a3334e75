package recorder

import (
	"context"
	"time"

	"github.com/tempslabs/replay/kv"
)

const (
	maxInitRetries = 3
	maxSendRetries = 5

	backoffBase = time.Second
	backoffMax  = 30 * time.Second
)

// initRequest is the session-init payload. Metadata fields are inlined next
// to the session identifier, matching the ingest API contract.
type initRequest struct {
	SessionID string `json:"sessionId"`
	Metadata
}

// InitializeSession registers a new session with the backend and reports
// whether a session is established afterwards. It is single-flight: a call
// arriving while another is in progress returns the current state without
// queueing. Each failed attempt counts toward maxInitRetries; once exhausted
// the recorder is permanently failed until Stop resets it.
func (r *Recorder) InitializeSession(ctx context.Context) bool {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return true
	}
	if r.initFailed || r.initializing {
		r.mu.Unlock()
		return false
	}
	r.initializing = true
	r.mu.Unlock()

	ok := r.initOnce(ctx)

	r.mu.Lock()
	r.initializing = false
	if ok {
		r.initialized = true
		r.initRetries = 0
	} else {
		r.initRetries++
		if r.initRetries >= maxInitRetries {
			r.initFailed = true
		}
	}
	failed := r.initFailed
	retries := r.initRetries
	r.mu.Unlock()

	if !ok {
		if failed {
			r.logger.Error("session replay: initialization permanently failed", "attempts", retries)
		} else {
			r.logger.Warn("session replay: initialization failed", "attempt", retries)
		}
	}
	return ok
}

func (r *Recorder) initOnce(ctx context.Context) bool {
	id := r.newID()

	var meta Metadata
	if r.metadata != nil {
		meta = r.metadata()
	}
	if meta.Timestamp == "" {
		meta.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if meta.VisitorID == "" {
		if vs, ok := r.store.(interface{ VisitorID() (string, error) }); ok {
			if vid, err := vs.VisitorID(); err == nil {
				meta.VisitorID = vid
			}
		}
	}

	status, err := r.transport.Post(ctx, r.cfg.BasePath+"/session-replay/init", initRequest{
		SessionID: id,
		Metadata:  meta,
	})
	if err != nil {
		r.logger.Warn("session replay: init request failed", "error", err)
		return false
	}
	if status != 201 {
		r.logger.Warn("session replay: init rejected", "status", status)
		return false
	}

	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()

	if err := r.store.Set(kv.KeySessionID, id); err != nil {
		r.logger.Warn("session replay: persist session id", "error", err)
	}
	r.logger.Info("session replay: session initialized", "session_id", id)
	return true
}
