// Package pack serialises event batches for transport: JSON, zlib, base64.
// The collector reverses the pipeline with Unpack. The format matches what
// the backend's session-replay ingest expects in the "events" field.
package pack

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/tempslabs/replay/event"
)

// Pack encodes a batch of events to the wire representation:
// base64(zlib(json(events))).
func Pack(events []event.Event) (string, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("pack: marshal: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("pack: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("pack: compress: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Unpack decodes a wire representation back into events. The three failure
// modes (bad base64, bad zlib stream, bad JSON) are distinguished in the
// wrapped error so the ingest side can map them to request errors.
func Unpack(payload string) ([]event.Event, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("pack: base64: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("pack: decompress: %w", err)
	}
	raw, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return nil, fmt.Errorf("pack: decompress: %w", err)
	}

	var events []event.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("pack: unmarshal: %w", err)
	}
	return events, nil
}
