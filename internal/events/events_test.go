package events

import (
	"testing"
	"time"
)

func TestNewEventStampsTime(t *testing.T) {
	before := time.Now().UnixMilli()
	ev := New(TypeTaskStarted, "web-app", "t-1")
	after := time.Now().UnixMilli()

	if ev.Type != TypeTaskStarted || ev.Project != "web-app" || ev.TaskID != "t-1" {
		t.Fatalf("New() = %+v, want type/project/task set", ev)
	}
	if ev.Timestamp < before || ev.Timestamp > after {
		t.Errorf("Timestamp = %d, want between %d and %d", ev.Timestamp, before, after)
	}
}

func TestPublishFansOutToProjectAndGlobal(t *testing.T) {
	p := NewMemoryPublisher(10)
	defer p.Close()

	projCh := p.Subscribe("web-app")
	globalCh := p.Subscribe(GlobalProject)
	otherCh := p.Subscribe("api")

	p.Publish(Event{Type: TypeTaskStarted, Project: "web-app", TaskID: "t-1"})

	select {
	case ev := <-projCh:
		if ev.TaskID != "t-1" {
			t.Errorf("project subscriber got %+v, want t-1", ev)
		}
	default:
		t.Error("project subscriber did not receive the event")
	}
	select {
	case ev := <-globalCh:
		if ev.TaskID != "t-1" {
			t.Errorf("global subscriber got %+v, want t-1", ev)
		}
	default:
		t.Error("global subscriber did not receive the event")
	}
	select {
	case ev := <-otherCh:
		t.Errorf("unrelated subscriber received %+v", ev)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	p := NewMemoryPublisher(1)
	defer p.Close()

	ch := p.Subscribe("web-app")
	p.Publish(Event{Type: TypeTaskStarted, Project: "web-app", TaskID: "t-1"})

	done := make(chan struct{})
	go func() {
		// Buffer is full; this publish must drop, not block.
		p.Publish(Event{Type: TypeTaskStarted, Project: "web-app", TaskID: "t-2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	if ev := <-ch; ev.TaskID != "t-1" {
		t.Errorf("subscriber got %+v, want the first event", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher(10)
	defer p.Close()

	ch := p.Subscribe("web-app")
	p.Unsubscribe("web-app", ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	p.Publish(Event{Type: TypeTaskStarted, Project: "web-app"})
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	p := NewMemoryPublisher(10)
	ch1 := p.Subscribe("web-app")
	ch2 := p.Subscribe(GlobalProject)

	p.Close()

	if _, ok := <-ch1; ok {
		t.Error("ch1 should be closed after Close")
	}
	if _, ok := <-ch2; ok {
		t.Error("ch2 should be closed after Close")
	}

	// Publish and a second Close after shutdown are no-ops.
	p.Publish(Event{Type: TypeShutdown})
	p.Close()

	if ch := p.Subscribe("web-app"); ch == nil {
		t.Error("Subscribe after Close should return a closed channel, not nil")
	} else if _, ok := <-ch; ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := NewRing(3)

	for i, id := range []string{"t-1", "t-2", "t-3", "t-4"} {
		r.Push(Event{Type: TypeTaskStarted, TaskID: id, Timestamp: int64(i + 1)})
	}

	got := r.Events()
	if len(got) != 3 {
		t.Fatalf("Events() returned %d events, want 3", len(got))
	}
	if got[0].TaskID != "t-2" {
		t.Errorf("events[0].TaskID = %q, want t-2 (oldest evicted)", got[0].TaskID)
	}
	if got[2].TaskID != "t-4" {
		t.Errorf("events[2].TaskID = %q, want t-4", got[2].TaskID)
	}
}

func TestRingSince(t *testing.T) {
	r := NewRing(10)
	r.Push(Event{TaskID: "t-1", Timestamp: 10})
	r.Push(Event{TaskID: "t-2", Timestamp: 20})
	r.Push(Event{TaskID: "t-3", Timestamp: 30})

	got := r.Since(15)
	if len(got) != 2 || got[0].TaskID != "t-2" || got[1].TaskID != "t-3" {
		t.Fatalf("Since(15) = %+v, want [t-2 t-3]", got)
	}
	if got := r.Since(30); got != nil {
		t.Errorf("Since(30) = %+v, want nil (strictly after)", got)
	}
	if got := r.Since(0); len(got) != 3 {
		t.Errorf("Since(0) returned %d events, want all 3", len(got))
	}
}

func TestRingEventsReturnsCopy(t *testing.T) {
	r := NewRing(10)
	r.Push(Event{TaskID: "original", Timestamp: 1})

	got := r.Events()
	got[0].TaskID = "modified"

	if r.Events()[0].TaskID != "original" {
		t.Error("Events should return a copy, but modification affected the original")
	}
}
