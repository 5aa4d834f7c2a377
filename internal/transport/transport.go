// Package transport carries raw SMP packets between the host and a ZSWatch
// over Bluetooth Low Energy or a USB serial console.
//
// Every implementation delivers whole SMP packets on Frames() and accepts
// whole packets in Send(). Fragmentation, console framing and checksums
// stay inside this package.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind names a transport medium.
type Kind string

// Supported transports.
const (
	KindBLE    Kind = "ble"
	KindSerial Kind = "serial"
)

// ParseKind validates a transport name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBLE, KindSerial:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown transport %q (want ble or serial)", s)
	}
}

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport is the shared contract of the BLE and serial links.
// Implementations must be safe for concurrent use.
type Transport interface {
	Kind() Kind
	// Name is the display name of the connected device, or "" when idle.
	Name() string
	// Connect opens the link. target is a serial port path or a BLE name
	// prefix/address; "" selects the configured default.
	Connect(ctx context.Context, target string) error
	Disconnect() error
	// Send writes one complete SMP packet.
	Send(ctx context.Context, packet []byte) error
	// Frames delivers complete inbound SMP packets. The channel is replaced on
	// every Connect and closed when the link goes down.
	Frames() <-chan []byte
	// MTU is the largest SMP packet the link carries in one request.
	MTU() int
	SetChunkTimeout(d time.Duration)
	ChunkTimeout() time.Duration
	// OnStateChange registers a lifecycle listener and returns its remover.
	OnStateChange(fn func(State, error)) (remove func())
}

// ErrNotConnected is returned by Send when the link is down.
var ErrNotConnected = errors.New("transport not connected")

// ConnectionError reports a failed handshake or an unexpected drop.
type ConnectionError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// lifecycle holds the state, listener and timeout bookkeeping shared by the
// concrete transports.
type lifecycle struct {
	kind Kind

	mu           sync.Mutex
	state        State
	listeners    map[int]func(State, error)
	nextListener int
	chunkTimeout time.Duration
}

func newLifecycle(kind Kind, chunkTimeout time.Duration) lifecycle {
	return lifecycle{
		kind:         kind,
		listeners:    make(map[int]func(State, error)),
		chunkTimeout: chunkTimeout,
	}
}

func (l *lifecycle) Kind() Kind { return l.kind }

func (l *lifecycle) SetChunkTimeout(d time.Duration) {
	l.mu.Lock()
	l.chunkTimeout = d
	l.mu.Unlock()
}

func (l *lifecycle) ChunkTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chunkTimeout
}

func (l *lifecycle) OnStateChange(fn func(State, error)) func() {
	l.mu.Lock()
	id := l.nextListener
	l.nextListener++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *lifecycle) currentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// setState records s and notifies listeners outside the lock.
func (l *lifecycle) setState(s State, err error) {
	l.mu.Lock()
	if l.state == s && err == nil {
		l.mu.Unlock()
		return
	}
	l.state = s
	fns := make([]func(State, error), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(s, err)
	}
}
