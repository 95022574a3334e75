// Package event defines the wire types produced by the capture source and
// shipped by the recorder. These are the public API contract: any consumer
// (the collector, replay tooling) imports this package to decode what a
// recording session contains.
package event

import "encoding/json"

// Kind is the type of captured event.
type Kind string

const (
	KindSnapshot         Kind = "snapshot"   // full DOM serialisation (replay baseline)
	KindMutation         Kind = "mutation"   // incremental DOM change
	KindMouseMove        Kind = "mousemove"  // sampled pointer position
	KindMouseInteraction Kind = "mouse"      // click, dblclick, context menu
	KindScroll           Kind = "scroll"     // sampled scroll offset
	KindInput            Kind = "input"      // form field change (masked per config)
	KindViewport         Kind = "viewport"   // viewport resize
	KindMedia            Kind = "media"      // sampled media playback state
	KindNavigation       Kind = "navigation" // SPA route change under the session
	KindCustom           Kind = "custom"     // host-application event
)

// Event is a single timestamped observation. Data is kind-specific and
// carried opaque — the recorder never inspects it, only the replayer does.
type Event struct {
	Kind      Kind            `json:"kind"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
	Target    string          `json:"target,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}
