package events

import (
	"errors"
	"reflect"
	"testing"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe("first", ListenerFunc(func(ev Event) error {
		got = append(got, "first:"+ev.Type)
		return nil
	}))
	bus.Subscribe("second", ListenerFunc(func(ev Event) error {
		got = append(got, "second:"+ev.Type)
		return nil
	}))

	bus.Publish(New(ChatNew, "c1"), New(ChatAssigned, "c1"))

	want := []string{"first:chat:new", "second:chat:new", "first:chat:assigned", "second:chat:assigned"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("delivery order = %v, want %v", got, want)
	}
}

func TestBus_FailingListenerDoesNotStopOthers(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	bus.Subscribe("err", ListenerFunc(func(Event) error { return errors.New("boom") }))
	bus.Subscribe("panic", ListenerFunc(func(Event) error { panic("kaboom") }))
	bus.Subscribe("rec", rec)

	bus.Publish(New(ChatClosed, "c1"))

	if rec.Count(ChatClosed) != 1 {
		t.Errorf("recorder got %v", rec.Types())
	}
}

func TestBus_FillsIDAndTimestamp(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	bus.Subscribe("rec", rec)

	bus.Publish(Event{Type: MessageNew})

	evs := rec.Events()
	if len(evs) != 1 {
		t.Fatalf("got %d events", len(evs))
	}
	if evs[0].ID == "" || evs[0].At.IsZero() {
		t.Errorf("event not stamped: %+v", evs[0])
	}
}

func TestRecorder_Reset(t *testing.T) {
	rec := &Recorder{}
	_ = rec.HandleEvent(New(ChatNew, "c"))
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Error("Reset should clear events")
	}
}
