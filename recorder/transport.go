package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Transport delivers payloads to the ingest endpoints. Post is the ordinary
// request path and reports the response status; PostReliable is the teardown
// path — fire-and-forget, no response feedback is expected to arrive before
// the hosting page (or process) is gone.
type Transport interface {
	Post(ctx context.Context, url string, body any) (status int, err error)
	PostReliable(url string, body any) error
	Close() error
}

type beaconItem struct {
	url  string
	body []byte
}

// httpTransport is the default Transport. Ordinary posts use a client with a
// 10 s timeout. Reliable posts prefer the beacon queue — a small buffered
// channel drained by a background worker — and fall back to a synchronous
// short-timeout POST when the queue cannot accept the payload.
type httpTransport struct {
	client    *http.Client
	keepalive *http.Client
	logger    *slog.Logger

	queue chan beaconItem
	done  chan struct{}
	once  sync.Once
}

func newHTTPTransport(logger *slog.Logger) *httpTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &httpTransport{
		client:    &http.Client{Timeout: 10 * time.Second},
		keepalive: &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
		queue:     make(chan beaconItem, 16),
		done:      make(chan struct{}),
	}
	go t.beaconLoop()
	return t
}

func (t *httpTransport) Post(ctx context.Context, url string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("transport: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("transport: post %s: %w", url, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (t *httpTransport) PostReliable(url string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}

	select {
	case t.queue <- beaconItem{url: url, body: raw}:
		return nil
	default:
		// Queue full — the beacon failed to accept the payload. Fall back to
		// a synchronous keep-alive post; outcome is logged, never retried.
		t.post(t.keepalive, url, raw)
		return nil
	}
}

// Close drains the beacon queue and stops the worker.
func (t *httpTransport) Close() error {
	t.once.Do(func() {
		close(t.queue)
		<-t.done
	})
	return nil
}

func (t *httpTransport) beaconLoop() {
	defer close(t.done)
	for item := range t.queue {
		t.post(t.keepalive, item.url, item.body)
	}
}

func (t *httpTransport) post(client *http.Client, url string, body []byte) {
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.logger.Warn("transport: reliable post failed", "url", url, "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
