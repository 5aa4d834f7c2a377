// Package session is the single entry point front ends use to talk to a
// watch: it owns the transport, the request correlator, the detected device
// mode and the upload queue of one connection at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zswflasher/internal/dfu"
	"zswflasher/internal/events"
	"zswflasher/internal/mcumgr"
	"zswflasher/internal/smp"
	"zswflasher/internal/transport"
)

// DefaultShellTimeout bounds a shell command.
const DefaultShellTimeout = 5 * time.Second

// Factory creates the transport for a kind.
type Factory func(kind transport.Kind) (transport.Transport, error)

// Connection describes the current link.
type Connection struct {
	Transport    transport.Kind `json:"transport"`
	Name         string         `json:"name"`
	Connected    bool           `json:"connected"`
	ChunkTimeout time.Duration  `json:"chunk_timeout"`
	MTU          int            `json:"mtu"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithTransport selects the initial transport kind.
func WithTransport(kind transport.Kind) Option {
	return func(s *Session) { s.kind = kind }
}

// WithTimeouts sets the per-mode request timeouts.
func WithTimeouts(t dfu.Timeouts) Option {
	return func(s *Session) { s.timeouts = t }
}

// WithShellTimeout bounds shell commands.
func WithShellTimeout(d time.Duration) Option {
	return func(s *Session) { s.shellTimeout = d }
}

// WithFileSystemPath changes where filesystem images are written.
func WithFileSystemPath(p string) Option {
	return func(s *Session) { s.fsPath = p }
}

// WithOrchestratorOptions passes options to the upload orchestrator.
func WithOrchestratorOptions(opts ...dfu.Option) Option {
	return func(s *Session) { s.orchOpts = append(s.orchOpts, opts...) }
}

// Session drives one watch at a time. Sessions share no state.
type Session struct {
	id           string
	log          zerolog.Logger
	factory      Factory
	bus          *events.Bus
	queue        *dfu.Queue
	orch         *dfu.Orchestrator
	orchOpts     []dfu.Option
	timeouts     dfu.Timeouts
	shellTimeout time.Duration
	fsPath       string

	mu           sync.Mutex
	kind         transport.Kind
	transports   map[transport.Kind]transport.Transport
	t            transport.Transport
	client       *mcumgr.Client
	connecting   bool
	conn         *Connection
	mode         dfu.Mode
	images       []smp.ImageSlot
	removeState  func()
	uploadCancel context.CancelFunc
	uploadDone   chan struct{}
}

// New creates a disconnected session. factory builds transports on demand.
func New(factory Factory, opts ...Option) *Session {
	id := uuid.NewString()
	s := &Session{
		id:           id,
		log:          log.Logger.With().Str("component", "session").Str("session", id).Logger(),
		factory:      factory,
		bus:          events.NewBus(),
		queue:        &dfu.Queue{},
		timeouts:     dfu.DefaultTimeouts,
		shellTimeout: DefaultShellTimeout,
		fsPath:       dfu.FileSystemPath,
		kind:         transport.KindBLE,
		transports:   make(map[transport.Kind]transport.Transport),
		mode:         dfu.Unknown{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.orch = dfu.NewOrchestrator(s.queue, s.bus, append([]dfu.Option{dfu.WithLogger(s.log)}, s.orchOpts...)...)
	s.bus.Subscribe(s.recordImages)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Subscribe registers h for every session event.
func (s *Session) Subscribe(h events.Handler) (unsubscribe func()) {
	return s.bus.Subscribe(h)
}

// SetTransport selects the transport used by the next Connect.
func (s *Session) SetTransport(kind transport.Kind) error {
	if _, err := transport.ParseKind(string(kind)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil || s.connecting {
		return ErrTransportLocked
	}
	s.kind = kind
	return nil
}

// Transport returns the selected transport kind.
func (s *Session) Transport() transport.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Connection returns the current link, or nil when disconnected.
func (s *Session) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	c := *s.conn
	return &c
}

// Mode returns the device mode detected on this connection.
func (s *Session) Mode() dfu.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Images returns the last image state snapshot.
func (s *Session) Images() []smp.ImageSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]smp.ImageSlot(nil), s.images...)
}

// transportFor returns the cached transport for kind, creating it on first
// use. Callers hold s.mu.
func (s *Session) transportFor(kind transport.Kind) (transport.Transport, error) {
	if t, ok := s.transports[kind]; ok {
		return t, nil
	}
	t, err := s.factory(kind)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", kind, err)
	}
	s.transports[kind] = t
	return t, nil
}

// Connect opens the selected transport, reads the image state and detects
// the device mode. target is a serial port or BLE name/address; "" uses
// the configured default.
func (s *Session) Connect(ctx context.Context, target string) error {
	s.mu.Lock()
	if s.client != nil || s.connecting {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	t, err := s.transportFor(s.kind)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.t = t
	s.connecting = true
	s.removeState = t.OnStateChange(func(st transport.State, cause error) { s.onLinkState(t, st, cause) })
	s.mu.Unlock()

	if err := t.Connect(ctx, target); err != nil {
		s.mu.Lock()
		s.connecting = false
		s.dropListener()
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("target", target).Msg("connect failed")
		return err
	}

	client := mcumgr.New(t,
		mcumgr.WithLogger(s.log),
		mcumgr.WithMessageHandler(func(m mcumgr.Message) { s.bus.Publish(events.Message, m) }),
	)

	s.mu.Lock()
	s.connecting = false
	if s.removeState == nil {
		// The link dropped before the client was installed.
		s.mu.Unlock()
		client.Close(nil)
		return &transport.ConnectionError{Kind: t.Kind(), Op: "connect", Err: errors.New("link lost while connecting")}
	}
	s.client = client
	s.mode = dfu.Unknown{}
	s.images = nil
	s.conn = &Connection{
		Transport:    t.Kind(),
		Name:         t.Name(),
		Connected:    true,
		ChunkTimeout: client.Timeout(),
		MTU:          t.MTU(),
	}
	s.mu.Unlock()

	s.log.Info().Str("transport", string(t.Kind())).Str("device", t.Name()).Msg("connected")

	if _, err := s.ImageState(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial image state query failed; device mode unknown")
	}
	return nil
}

// onLinkState forwards transport lifecycle changes and tears the session
// down when the link goes away.
func (s *Session) onLinkState(t transport.Transport, st transport.State, cause error) {
	link := events.Link{Transport: string(t.Kind()), Name: t.Name()}
	if cause != nil {
		link.Error = cause.Error()
	}

	switch st {
	case transport.StateConnecting:
		s.bus.Publish(events.Connecting, link)
	case transport.StateConnected:
		s.bus.Publish(events.Connected, link)
	case transport.StateDisconnected:
		if cause == nil {
			cause = &transport.ConnectionError{Kind: t.Kind(), Op: "disconnect", Err: errors.New("disconnected")}
		}
		s.teardown(t, cause)
		s.bus.Publish(events.Disconnected, link)
	}
}

// teardown rejects pending requests, stops a running upload and forgets
// everything learned on the connection.
func (s *Session) teardown(t transport.Transport, cause error) {
	s.mu.Lock()
	if s.t != t {
		s.mu.Unlock()
		return
	}
	client := s.client
	cancel := s.uploadCancel
	s.client = nil
	s.conn = nil
	s.mode = dfu.Unknown{}
	s.images = nil
	s.dropListener()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close(cause)
		s.log.Info().Err(cause).Msg("disconnected")
	}
}

// dropListener removes the link state listener. Callers hold s.mu.
func (s *Session) dropListener() {
	if s.removeState != nil {
		s.removeState()
		s.removeState = nil
	}
}

// Disconnect closes the link. Pending requests fail with a ConnectionError.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	t := s.t
	connected := s.client != nil
	s.mu.Unlock()

	if t == nil || !connected {
		return nil
	}
	err := t.Disconnect()
	s.teardown(t, &transport.ConnectionError{Kind: t.Kind(), Op: "disconnect", Err: errors.New("disconnected by user")})
	s.waitUpload()
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Close disconnects and waits for background work to stop.
func (s *Session) Close() error {
	return s.Disconnect()
}

// SetChunkTimeout overrides the request timeout of the current connection.
func (s *Session) SetChunkTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("chunk timeout must be positive, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return ErrNotConnected
	}
	s.t.SetChunkTimeout(d)
	s.client.SetTimeout(d)
	s.conn.ChunkTimeout = d
	return nil
}

// connected returns the client, transport and mode of the live connection.
func (s *Session) connected() (*mcumgr.Client, transport.Transport, dfu.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, nil, nil, ErrNotConnected
	}
	return s.client, s.t, s.mode, nil
}

// recordImages keeps the snapshot the orchestrator reads after a run.
func (s *Session) recordImages(ev events.Event) {
	images, ok := ev.Payload.([]smp.ImageSlot)
	if ev.Kind != events.ImageState || !ok {
		return
	}
	s.mu.Lock()
	if s.client != nil {
		s.images = images
	}
	s.mu.Unlock()
}

// applyImages stores a fresh image state snapshot. The first snapshot of a
// connection decides the device mode.
func (s *Session) applyImages(client *mcumgr.Client, images []smp.ImageSlot) {
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	s.images = images
	var detected dfu.Mode
	if _, unknown := s.mode.(dfu.Unknown); unknown {
		s.mode = dfu.Classify(images)
		detected = s.mode
		client.SetTimeout(detected.Timeout(s.timeouts))
		s.conn.ChunkTimeout = client.Timeout()
	}
	s.mu.Unlock()

	s.bus.Publish(events.ImageState, images)
	if detected != nil {
		s.log.Info().Stringer("mode", detected).Dur("timeout", client.Timeout()).Msg("device mode detected")
		s.bus.Publish(events.ModeDetected, detected.String())
	}
}
