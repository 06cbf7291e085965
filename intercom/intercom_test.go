package intercom

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/vec2"
)

func TestMessageRoundTripPosition(t *testing.T) {
	msg := NewPosition(vec2.V{X: 1, Y: 2}, vec2.V{X: 3, Y: 4}, vec2.V{X: 5, Y: 6})

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Kind != Position || decoded.Position != msg.Position {
		t.Fatalf("expected round-tripped Position message, got %+v", decoded)
	}
}

func TestMessageRoundTripModeTransition(t *testing.T) {
	msg := NewModeTransition(Defense)

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Kind != ModeTransition || decoded.Mode != Defense {
		t.Fatalf("expected round-tripped ModeTransition message, got %+v", decoded)
	}
}

func TestMessageWireShapeIsExternallyTagged(t *testing.T) {
	msg := NewPosition(vec2.V{X: 1, Y: 2}, vec2.V{}, vec2.V{})
	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &probe); err != nil {
		t.Fatalf("unmarshal probe: %v", err)
	}
	if _, ok := probe["Position"]; !ok {
		t.Fatalf("expected externally-tagged %q key, got %s", "Position", encoded)
	}
}

func TestDrainFramesRetainsPartialTrailingFragment(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	c := New(true, 0, drop)

	received := c.ReceivedTopic.Subscribe()
	defer c.ReceivedTopic.Unsubscribe(received)

	full := NewPosition(vec2.V{X: 1, Y: 2}, vec2.V{}, vec2.V{})
	encoded, _ := json.Marshal(full)

	buf := &bytes.Buffer{}
	buf.Write(encoded)
	buf.WriteByte(0)
	buf.WriteString(`{"Position":{"ball":{"x":9`) // partial trailing fragment

	c.drainFrames(buf)

	select {
	case msg := <-received:
		if msg.Kind != Position || msg.Position != full.Position {
			t.Fatalf("expected the complete frame to be parsed, got %+v", msg)
		}
	default:
		t.Fatal("expected the complete frame to publish before the partial trailer")
	}

	if buf.String() != `{"Position":{"ball":{"x":9` {
		t.Fatalf("expected the partial trailing fragment to be retained, got %q", buf.String())
	}
}
