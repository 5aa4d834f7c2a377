package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// echoPeer answers every packet with the same bytes, twice when asked.
type echoPeer struct {
	mu    sync.Mutex
	reply func([]byte)
	times int
}

func (e *echoPeer) Handle(pkt []byte, reply func([]byte)) {
	e.mu.Lock()
	e.reply = reply
	n := e.times
	e.mu.Unlock()
	for i := 0; i < n; i++ {
		reply(pkt)
	}
}

func (e *echoPeer) lastReply() func([]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reply
}

func TestPipeRoundTrip(t *testing.T) {
	nop := zerolog.Nop()
	peer := &echoPeer{times: 2}
	p := NewPipe(KindSerial, peer, PipeConfig{MTU: 128, Logger: &nop})

	var states []State
	var mu sync.Mutex
	p.OnStateChange(func(s State, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := p.Send(context.Background(), []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() before connect = %v", err)
	}
	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if p.Name() != "simulator" || p.Kind() != KindSerial || p.MTU() != 128 {
		t.Errorf("name %q kind %q mtu %d", p.Name(), p.Kind(), p.MTU())
	}

	if err := p.Send(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	frames := p.Frames()
	for i := 0; i < 2; i++ {
		select {
		case got := <-frames:
			if len(got) != 3 || got[2] != 3 {
				t.Errorf("frame = %v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("no frame")
		}
	}

	if err := p.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-frames; ok {
		t.Error("frames channel still open after disconnect")
	}

	// Late replies after disconnect are dropped.
	peer.lastReply()([]byte{9})

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states = %v, want %v", states, want)
		}
	}
}

func TestPipeDrop(t *testing.T) {
	nop := zerolog.Nop()
	p := NewPipe(KindBLE, &echoPeer{}, PipeConfig{Name: "ZSWatch", Logger: &nop})

	errc := make(chan error, 1)
	p.OnStateChange(func(s State, err error) {
		if s == StateDisconnected {
			errc <- err
		}
	})

	if err := p.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(context.Background(), ""); !IsConnectionError(err) {
		t.Errorf("second Connect() = %v, want ConnectionError", err)
	}

	p.Drop(errors.New("out of range"))
	select {
	case err := <-errc:
		if !IsConnectionError(err) {
			t.Errorf("drop cause = %v, want ConnectionError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification")
	}
	if p.Name() != "" {
		t.Errorf("Name() = %q after drop", p.Name())
	}
}
