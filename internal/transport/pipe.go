package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Peer is the far end of a Pipe.
type Peer interface {
	// Handle processes one request packet. reply may be called any number of
	// times, also after Handle returns; replies after a disconnect are dropped.
	Handle(packet []byte, reply func([]byte))
}

// PipeConfig configures an in-memory link.
type PipeConfig struct {
	// Name is reported as the device name when Connect gets no target.
	Name         string
	MTU          int
	ChunkTimeout time.Duration
	Logger       *zerolog.Logger
}

// Pipe is an in-memory Transport connected to a Peer. It backs the device
// simulator and end-to-end tests.
type Pipe struct {
	lifecycle
	cfg  PipeConfig
	peer Peer
	log  zerolog.Logger

	mu       sync.Mutex
	name     string
	frames   chan []byte
	stop     chan struct{}
	inflight sync.WaitGroup
}

// NewPipe creates an unconnected pipe that reports itself as kind.
func NewPipe(kind Kind, peer Peer, cfg PipeConfig) *Pipe {
	if cfg.MTU == 0 {
		cfg.MTU = 512
	}
	if cfg.Name == "" {
		cfg.Name = "simulator"
	}
	l := log.Logger.With().Str("component", "pipe").Logger()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Pipe{
		lifecycle: newLifecycle(kind, cfg.ChunkTimeout),
		cfg:       cfg,
		peer:      peer,
		log:       l,
	}
}

func (p *Pipe) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Pipe) MTU() int { return p.cfg.MTU }

func (p *Pipe) Frames() <-chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

func (p *Pipe) Connect(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Kind: p.kind, Op: "connect", Err: err}
	}
	if target == "" {
		target = p.cfg.Name
	}

	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return &ConnectionError{Kind: p.kind, Op: "connect", Err: errors.New("already connected")}
	}
	p.mu.Unlock()

	p.setState(StateConnecting, nil)

	p.mu.Lock()
	p.name = target
	p.frames = make(chan []byte, 64)
	p.stop = make(chan struct{})
	p.mu.Unlock()

	p.log.Debug().Str("target", target).Msg("pipe connected")
	p.setState(StateConnected, nil)
	return nil
}

func (p *Pipe) Send(ctx context.Context, packet []byte) error {
	p.mu.Lock()
	frames, stop := p.frames, p.stop
	p.mu.Unlock()
	if stop == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pkt := append([]byte(nil), packet...)
	p.peer.Handle(pkt, func(rsp []byte) { p.deliver(frames, stop, rsp) })
	return nil
}

func (p *Pipe) deliver(frames chan<- []byte, stop chan struct{}, rsp []byte) {
	p.mu.Lock()
	if p.stop != stop {
		p.mu.Unlock()
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	select {
	case frames <- rsp:
	case <-stop:
	}
}

func (p *Pipe) Disconnect() error {
	p.shutdown(nil)
	return nil
}

// Drop simulates the link going away under the client.
func (p *Pipe) Drop(cause error) {
	p.shutdown(&ConnectionError{Kind: p.kind, Op: "link", Err: cause})
}

func (p *Pipe) shutdown(cause error) {
	p.mu.Lock()
	frames, stop := p.frames, p.stop
	p.stop = nil
	p.name = ""
	p.mu.Unlock()

	if stop == nil {
		return
	}

	close(stop)
	p.inflight.Wait()
	close(frames)

	p.log.Debug().Err(cause).Msg("pipe closed")
	p.setState(StateDisconnected, cause)
}
