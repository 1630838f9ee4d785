package wire

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestDecoderSplitsMultipleFrames(t *testing.T) {
	d := NewDecoder(strings.NewReader(`{"type":"PING"}` + "\n" + `{"type":"PONG"}` + "\n"))

	env, parseErr, err := d.Next()
	if err != nil || parseErr != nil {
		t.Fatalf("first Next() = %v, %v, %v", env, parseErr, err)
	}
	if env.Type != TypePing {
		t.Fatalf("first frame type = %q, want %q", env.Type, TypePing)
	}

	env, parseErr, err = d.Next()
	if err != nil || parseErr != nil {
		t.Fatalf("second Next() = %v, %v, %v", env, parseErr, err)
	}
	if env.Type != TypePong {
		t.Fatalf("second frame type = %q, want %q", env.Type, TypePong)
	}
}

func TestDecoderSkipsMalformedLineWithoutClosing(t *testing.T) {
	d := NewDecoder(strings.NewReader("not json\n" + `{"type":"PING"}` + "\n"))

	_, parseErr, err := d.Next()
	if err != nil {
		t.Fatalf("malformed line returned connection-level err: %v", err)
	}
	if parseErr == nil {
		t.Fatalf("malformed line did not produce a parseErr")
	}

	env, parseErr, err := d.Next()
	if err != nil || parseErr != nil {
		t.Fatalf("frame after a malformed line: %v, %v, %v", env, parseErr, err)
	}
	if env.Type != TypePing {
		t.Fatalf("frame after malformed line type = %q, want %q", env.Type, TypePing)
	}
}

// TestDecoderBoundsLineLengthWithoutNewline is a regression test: a peer
// that never sends '\n' must not be able to make Next() accumulate an
// unbounded buffer before the MaxMessageSize ceiling fires.
func TestDecoderBoundsLineLengthWithoutNewline(t *testing.T) {
	oversized := bytes.Repeat([]byte("a"), MaxMessageSize*2)
	d := NewDecoder(bytes.NewReader(oversized))

	_, _, err := d.Next()
	if err != ErrLineTooLong {
		t.Fatalf("Next() on an oversized delimiter-less stream = %v, want ErrLineTooLong", err)
	}
}

func TestDecoderBoundsLineLengthWithNewline(t *testing.T) {
	oversized := append(bytes.Repeat([]byte("a"), MaxMessageSize+1), '\n')
	d := NewDecoder(bytes.NewReader(oversized))

	_, _, err := d.Next()
	if err != ErrLineTooLong {
		t.Fatalf("Next() on an oversized line = %v, want ErrLineTooLong", err)
	}
}

func TestEncodeThenDecodeRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, TypeGossip, Gossip{MsgID: "1:a:1:1", Body: "hi", Hash: "deadbeef"}); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	d := NewDecoder(&buf)
	env, parseErr, err := d.Next()
	if err != nil || parseErr != nil {
		t.Fatalf("Next() after Encode() = %v, %v, %v", env, parseErr, err)
	}
	if env.Type != TypeGossip {
		t.Fatalf("round-tripped type = %q, want %q", env.Type, TypeGossip)
	}

	var g Gossip
	if err := json.Unmarshal(env.Raw, &g); err != nil {
		t.Fatalf("json.Unmarshal(env.Raw) error = %v", err)
	}
	if g.MsgID != "1:a:1:1" || g.Body != "hi" || g.Hash != "deadbeef" {
		t.Fatalf("round-tripped Gossip = %+v, want {1:a:1:1 hi deadbeef}", g)
	}
}
