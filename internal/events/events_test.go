package events

import "testing"

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()

	var a, b []Kind
	unsubA := bus.Subscribe(func(e Event) { a = append(a, e.Kind) })
	unsubB := bus.Subscribe(func(e Event) { b = append(b, e.Kind) })

	bus.Publish(Connected, nil)
	unsubA()
	unsubA() // second call is a no-op
	bus.Publish(UploadStarted, Upload{Image: 1})

	if len(a) != 1 || a[0] != Connected {
		t.Errorf("subscriber a got %v", a)
	}
	if len(b) != 2 || b[1] != UploadStarted {
		t.Errorf("subscriber b got %v", b)
	}

	unsubB()
	if bus.Len() != 0 {
		t.Errorf("Len() = %d after unsubscribing all", bus.Len())
	}
}

func TestBusPayload(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })
	bus.Publish(UploadProgress, Progress{Image: 2, Percent: 40})

	p, ok := got.Payload.(Progress)
	if !ok || p.Percent != 40 || p.Image != 2 {
		t.Errorf("payload = %#v", got.Payload)
	}
	if got.Time.IsZero() {
		t.Error("event time not set")
	}
}

func TestBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus()

	calls := 0
	var unsub func()
	unsub = bus.Subscribe(func(Event) {
		calls++
		unsub()
	})

	bus.Publish(Message, nil)
	bus.Publish(Message, nil)
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}
