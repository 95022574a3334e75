package pack

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"testing"

	kzlib "github.com/klauspost/compress/zlib"

	"github.com/tempslabs/replay/event"
)

func TestPackUnpack(t *testing.T) {
	events := []event.Event{
		{Kind: event.KindSnapshot, Timestamp: 1000, Data: json.RawMessage(`{"html":"<html></html>"}`)},
		{Kind: event.KindMutation, Timestamp: 1050, Target: "/div[1]"},
		{Kind: event.KindInput, Timestamp: 1100, Target: "#email", Data: json.RawMessage(`{"value":"***"}`)},
	}

	packed, err := Pack(events)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Unpack: got %d events, want 3", len(got))
	}
	if got[0].Kind != event.KindSnapshot || got[2].Target != "#email" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

// The ingest side inflates the payload with a plain zlib stream reader, so
// the wire bytes must be base64 over a standard zlib stream, nothing else.
func TestPack_ZlibFraming(t *testing.T) {
	events := []event.Event{{Kind: event.KindScroll, Timestamp: 42, Target: "html"}}

	packed, err := Pack(events)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	compressed, err := base64.StdEncoding.DecodeString(packed)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("not a zlib stream: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}

	var got []event.Event
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal inflated payload: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != 42 {
		t.Errorf("inflated payload = %+v, want the packed batch", got)
	}
}

func TestPack_CompressesRepetitiveBatches(t *testing.T) {
	events := make([]event.Event, 500)
	for i := range events {
		events[i] = event.Event{
			Kind:      event.KindMutation,
			Timestamp: int64(1000 + i),
			Target:    "/html/body/div[1]/section[2]/ul/li[3]",
			Data:      json.RawMessage(`{"op":"attr","name":"class","value":"active"}`),
		}
	}

	packed, err := Pack(events)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	raw, _ := json.Marshal(events)
	if len(packed) >= len(raw) {
		t.Fatalf("packed %d bytes, raw JSON %d bytes — expected compression win", len(packed), len(raw))
	}
}

func TestUnpack_BadBase64(t *testing.T) {
	_, err := Unpack("not base64 !!!")
	if err == nil || !strings.Contains(err.Error(), "base64") {
		t.Fatalf("Unpack bad base64: got %v", err)
	}
}

func TestUnpack_BadFrame(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("plainly not zlib"))
	_, err := Unpack(payload)
	if err == nil || !strings.Contains(err.Error(), "decompress") {
		t.Fatalf("Unpack bad frame: got %v", err)
	}
}

func TestUnpack_BadJSON(t *testing.T) {
	var buf bytes.Buffer
	zw := kzlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"not":"an array"`)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	zw.Close()
	payload := base64.StdEncoding.EncodeToString(buf.Bytes())
	_, err := Unpack(payload)
	if err == nil || !strings.Contains(err.Error(), "unmarshal") {
		t.Fatalf("Unpack bad json: got %v", err)
	}
}
