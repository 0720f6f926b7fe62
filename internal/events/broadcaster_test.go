package events

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/muawin/muawin/pkg/protocol"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe(nil)
	ch2 := b.Subscribe(nil)

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(nil)
	defer b.Unsubscribe(ch)

	b.Publish(protocol.Event{
		Type:     protocol.EventCreate,
		Category: "hse-records",
		Zone:     "North",
		Branch:   "B1",
		Filename: "audit.pdf",
		Size:     100,
	})

	select {
	case received := <-ch:
		if received.Type != protocol.EventCreate || received.Filename != "audit.pdf" {
			t.Errorf("received %+v", received)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterFilter(t *testing.T) {
	b := NewBroadcaster()
	north := b.Subscribe(func(e protocol.Event) bool { return e.Zone == "North" })
	defer b.Unsubscribe(north)

	b.Publish(protocol.Event{Type: protocol.EventDelete, Zone: "South", Branch: "B2", Filename: "x.pdf"})
	b.Publish(protocol.Event{Type: protocol.EventDelete, Zone: "North", Branch: "B1", Filename: "y.pdf"})

	select {
	case e := <-north:
		if e.Filename != "y.pdf" {
			t.Errorf("filtered subscriber got %s", e.Filename)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case e := <-north:
		t.Errorf("unexpected extra event %+v", e)
	default:
	}
}

func TestBroadcasterSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(nil)
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(protocol.Event{Type: protocol.EventCreate, Filename: "f.pdf"})
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffer = %d/%d, expected full with drops", len(ch), cap(ch))
	}
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSSE(&buf, protocol.Event{Type: protocol.EventCreate, Filename: "a.pdf", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "event: create\ndata: {") || !strings.HasSuffix(out, "}\n\n") {
		t.Errorf("frame = %q", out)
	}
	if !strings.Contains(out, `"filename":"a.pdf"`) {
		t.Errorf("frame = %q", out)
	}
}
