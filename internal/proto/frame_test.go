package proto

import (
	"reflect"
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	raw := Encode(TopicRecord, ActionUpdate, "foo", "5-aaa", `{"x":1}`)

	frame, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if frame.Topic != TopicRecord || frame.Action != ActionUpdate {
		t.Fatalf("unexpected topic/action: %+v", frame)
	}

	want := []string{"foo", "5-aaa", `{"x":1}`}
	if !reflect.DeepEqual(frame.Data, want) {
		t.Fatalf("data = %v, want %v", frame.Data, want)
	}

	if !HasTrailingSeparator(frame.Raw) {
		t.Fatalf("expected Raw to carry the trailing record separator")
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected error for empty frame")
	}
	if _, err := Parse([]byte("onlytopic\x1E")); err == nil {
		t.Fatal("expected error for frame with no action")
	}
}

func TestSplitMultipleFrames(t *testing.T) {
	a := Encode(TopicRecord, ActionRead, "foo")
	b := Encode(TopicRPC, ActionRequest, "addTwo", "1234")
	stream := append(append([]byte{}, a...), b...)

	frames := Split(stream)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}

	f0, err := Parse(frames[0])
	if err != nil {
		t.Fatalf("parse frame 0: %v", err)
	}
	if f0.Action != ActionRead {
		t.Fatalf("frame 0 action = %q, want %q", f0.Action, ActionRead)
	}

	f1, err := Parse(frames[1])
	if err != nil {
		t.Fatalf("parse frame 1: %v", err)
	}
	if f1.Data[0] != "addTwo" {
		t.Fatalf("frame 1 data[0] = %q, want addTwo", f1.Data[0])
	}
}
