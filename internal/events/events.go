// Package events is the in-process notification bus between the update
// session and its front ends.
package events

import (
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

// Event kinds.
const (
	Connecting         Kind = "connecting"
	Connected          Kind = "connected"
	Disconnected       Kind = "disconnected"
	Message            Kind = "message"
	ImageState         Kind = "image_state"
	ModeDetected       Kind = "mode_detected"
	CandidatesChanged  Kind = "candidates_changed"
	UploadStarted      Kind = "upload_started"
	UploadProgress     Kind = "upload_progress"
	UploadFinished     Kind = "upload_finished"
	UploadFailed       Kind = "upload_failed"
	SettleStarted      Kind = "settle_started"
	SettleFinished     Kind = "settle_finished"
	ConfirmationNeeded Kind = "confirmation_needed"
	FSUploadProgress   Kind = "fs_upload_progress"
	FSUploadFinished   Kind = "fs_upload_finished"
	FSUploadFailed     Kind = "fs_upload_failed"
	ShellOutput        Kind = "shell_output"
	RunFinished        Kind = "run_finished"
)

// Event is one notification. Payload holds a kind specific struct.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Progress is the payload of upload progress events.
type Progress struct {
	Image   int     `json:"image"`
	Name    string  `json:"name,omitempty"`
	Percent int     `json:"percent"`
	Offset  int     `json:"offset"`
	Total   int     `json:"total"`
	Speed   float64 `json:"speed"` // bytes per second
}

// Upload is the payload of upload started/finished/failed events.
type Upload struct {
	Image int    `json:"image"`
	Name  string `json:"name,omitempty"`
	Slot  int    `json:"slot"`
	Error string `json:"error,omitempty"`
}

// Settle is the payload of settle delay events.
type Settle struct {
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// Link is the payload of connection lifecycle events.
type Link struct {
	Transport string `json:"transport"`
	Name      string `json:"name,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ShellLine is the payload of shell output events.
type ShellLine struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	Ret      int    `json:"ret"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Result is the payload of RunFinished.
type Result struct {
	Error string `json:"error,omitempty"`
}

// Handler receives events. Handlers run on the publishing goroutine and
// must not block.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]Handler
	next int
	now  func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler), now: time.Now}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(kind Kind, payload any) {
	ev := Event{Kind: kind, Time: b.now(), Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
