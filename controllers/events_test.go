package controller

import (
	"errors"
	"io"
	"log"
	"testing"

	"leadflow/followup"
)

type recordingWriter struct {
	events []Event
	err    error
}

func (w *recordingWriter) WriteJSON(v interface{}) error {
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, v.(Event))
	return nil
}

func TestEventHubBroadcast(t *testing.T) {
	hub := NewEventHub(log.New(io.Discard, "", 0))
	good := &recordingWriter{}
	broken := &recordingWriter{err: errors.New("broken pipe")}
	hub.subscribe(good)
	hub.subscribe(broken)

	hub.Broadcast(Event{Type: EventTaskUpdated, Task: &followup.Task{StatusID: 7}})

	if len(good.events) != 1 || good.events[0].Task.StatusID != 7 {
		t.Fatalf("unexpected events %+v", good.events)
	}
	if good.events[0].At.IsZero() {
		t.Fatal("expected event timestamp")
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("expected broken subscriber dropped, got %d", hub.Subscribers())
	}

	hub.unsubscribe(good)
	hub.Broadcast(Event{Type: EventTaskUpdated})
	if len(good.events) != 1 {
		t.Fatal("unsubscribed writer still receiving events")
	}
}
