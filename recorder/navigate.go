package recorder

import (
	"context"
	"time"
)

// HandleRouteChange reacts to a soft navigation to path. Buffered events are
// flushed while the old path is still current so they attribute correctly,
// then the exclusion rules are re-evaluated: recording starts or stops only
// when the excluded status actually changed. When recording continues or
// begins, a full snapshot is requested after a short settle delay so the
// post-navigation DOM is the one captured.
func (r *Recorder) HandleRouteChange(ctx context.Context, path string) {
	r.mu.Lock()
	if path == r.currentPath {
		r.mu.Unlock()
		return
	}
	wasExcluded := pathExcluded(r.cfg.ExcludedPaths, r.currentPath)
	r.mu.Unlock()

	// Flush under the old path before it changes.
	r.sendEvents(ctx, false)

	r.mu.Lock()
	r.currentPath = path
	nowExcluded := pathExcluded(r.cfg.ExcludedPaths, path)
	recording := r.recording
	r.mu.Unlock()

	r.logger.Debug("session replay: route change", "path", path, "excluded", nowExcluded)

	switch {
	case nowExcluded && !wasExcluded:
		if recording {
			r.Stop()
		}
		return
	case !nowExcluded && wasExcluded:
		r.Start(ctx)
	}

	if r.source == nil {
		return
	}
	r.mu.Lock()
	active := r.recording
	r.mu.Unlock()
	if !active {
		return
	}
	time.AfterFunc(r.settleDelay, func() {
		if err := r.source.ForceSnapshot(ctx); err != nil {
			r.logger.Warn("session replay: post-navigation snapshot failed", "error", err)
		}
	})
}
