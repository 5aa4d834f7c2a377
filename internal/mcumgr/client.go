// Package mcumgr correlates SMP requests with their asynchronous responses
// and exposes the management commands used by the updater.
package mcumgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zswflasher/internal/smp"
	"zswflasher/internal/transport"
)

// DefaultTimeout applies when neither the transport nor the caller set one.
const DefaultTimeout = 5 * time.Second

// Message is a decoded response, published for every matched reply.
type Message struct {
	Group smp.Group      `json:"group"`
	ID    uint8          `json:"id"`
	Seq   uint8          `json:"seq"`
	Data  map[string]any `json:"data"`
}

type reply struct {
	body []byte
	err  error
}

type pendingRequest struct {
	group  smp.Group
	id     uint8
	issued time.Time
	ch     chan reply
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTimeout sets the initial per-request timeout. The transport chunk
// timeout is used otherwise.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMessageHandler registers a callback for every matched response.
func WithMessageHandler(fn func(Message)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// Client issues SMP requests over one transport connection.
// A Client is bound to a single connection; create a new one per Connect.
type Client struct {
	t         transport.Transport
	log       zerolog.Logger
	onMessage func(Message)

	mu      sync.Mutex
	pending map[uint8]*pendingRequest
	nextSeq uint8
	timeout time.Duration
	closed  error

	done chan struct{}
}

// New starts a client reading from t.Frames(). The transport must already
// be connected.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		t:       t,
		log:     log.Logger.With().Str("component", "mcumgr").Logger(),
		pending: make(map[uint8]*pendingRequest),
		timeout: t.ChunkTimeout(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	go c.readLoop(t.Frames())
	return c
}

// SetTimeout changes the timeout of requests issued from now on. A
// non-positive d is ignored.
func (c *Client) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Timeout returns the current per-request timeout.
func (c *Client) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Read issues a read request.
func (c *Client) Read(ctx context.Context, group smp.Group, id uint8, req any, rsp smp.Response) error {
	return c.Do(ctx, smp.OpRead, group, id, req, rsp)
}

// Write issues a write request.
func (c *Client) Write(ctx context.Context, group smp.Group, id uint8, req any, rsp smp.Response) error {
	return c.Do(ctx, smp.OpWrite, group, id, req, rsp)
}

// Do sends one request and waits for its response, the timeout, ctx or
// Close. A non-zero rc in the response is returned as *smp.ProtocolError.
// rsp may be nil when the caller only needs the status.
func (c *Client) Do(ctx context.Context, op smp.Op, group smp.Group, id uint8, req any, rsp smp.Response) error {
	p := &pendingRequest{group: group, id: id, issued: time.Now(), ch: make(chan reply, 1)}

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return err
	}
	seq, ok := c.allocSeq()
	if !ok {
		c.mu.Unlock()
		return ErrTooManyPending
	}
	c.pending[seq] = p
	timeout := c.timeout
	c.mu.Unlock()

	// The timeout runs from registration, so a slow write counts against it.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	pkt, err := smp.Encode(smp.Header{Op: op, Group: group, Seq: seq, ID: id}, req)
	if err != nil {
		c.forget(seq, p)
		return err
	}

	c.log.Debug().Stringer("group", group).Uint8("id", id).Uint8("seq", seq).Int("len", len(pkt)).Msg("request")

	sendCtx, cancelSend := context.WithDeadline(ctx, p.issued.Add(timeout))
	err = c.t.Send(sendCtx, pkt)
	cancelSend()
	if err != nil {
		c.forget(seq, p)
		switch {
		case errors.Is(err, transport.ErrNotConnected):
			return &transport.ConnectionError{Kind: c.t.Kind(), Op: "send", Err: err}
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			return &TimeoutError{Group: group, ID: id, Seq: seq, Timeout: timeout}
		}
		return fmt.Errorf("send %s command %d: %w", group, id, err)
	}

	var r reply
	select {
	case r = <-p.ch:
	case <-timer.C:
		if c.forget(seq, p) {
			c.log.Debug().Uint8("seq", seq).Dur("timeout", timeout).Msg("request timed out")
			return &TimeoutError{Group: group, ID: id, Seq: seq, Timeout: timeout}
		}
		r = <-p.ch
	case <-ctx.Done():
		if c.forget(seq, p) {
			return ctx.Err()
		}
		r = <-p.ch
	}

	if r.err != nil {
		return r.err
	}

	if rsp == nil {
		rsp = &smp.EmptyRsp{}
	}
	if err := smp.Unmarshal(r.body, rsp); err != nil {
		return fmt.Errorf("%s command %d: %w", group, id, err)
	}
	return rsp.Status().Err(group, id)
}

// allocSeq returns the next sequence id not currently pending.
// Callers hold c.mu.
func (c *Client) allocSeq() (uint8, bool) {
	for i := 0; i < 256; i++ {
		seq := c.nextSeq
		c.nextSeq++
		if _, busy := c.pending[seq]; !busy {
			return seq, true
		}
	}
	return 0, false
}

// forget removes p if it is still registered under seq. It reports false
// when a response or Close already claimed the entry.
func (c *Client) forget(seq uint8, p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[seq] != p {
		return false
	}
	delete(c.pending, seq)
	return true
}

func (c *Client) readLoop(frames <-chan []byte) {
	for pkt := range frames {
		c.dispatch(pkt)
	}
	c.Close(&transport.ConnectionError{Kind: c.t.Kind(), Op: "receive", Err: errors.New("link closed")})
}

func (c *Client) dispatch(pkt []byte) {
	hdr, body, err := smp.Decode(pkt)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed packet")
		return
	}
	if !hdr.Op.IsResponse() {
		c.log.Debug().Uint8("op", uint8(hdr.Op)).Msg("ignoring non-response packet")
		return
	}

	c.mu.Lock()
	p, ok := c.pending[hdr.Seq]
	switch {
	case !ok:
		c.mu.Unlock()
		c.log.Warn().Err(&SequencingError{Seq: hdr.Seq, Group: hdr.Group, ID: hdr.ID, Reason: "no pending request"}).Msg("dropping response")
		return
	case p.group != hdr.Group || p.id != hdr.ID:
		c.mu.Unlock()
		c.log.Warn().Err(&SequencingError{Seq: hdr.Seq, Group: hdr.Group, ID: hdr.ID, Reason: "group or command mismatch"}).Msg("dropping response")
		return
	}
	delete(c.pending, hdr.Seq)
	c.mu.Unlock()

	c.log.Debug().Uint8("seq", hdr.Seq).Dur("rtt", time.Since(p.issued)).Msg("response")
	p.ch <- reply{body: body}

	if c.onMessage != nil {
		data, err := smp.DecodeMap(body)
		if err != nil {
			c.log.Debug().Err(err).Msg("response is not a cbor map")
			return
		}
		c.onMessage(Message{Group: hdr.Group, ID: hdr.ID, Seq: hdr.Seq, Data: data})
	}
}

// Close rejects every pending request with err (a ConnectionError when err
// is nil) and refuses new ones. It is safe to call more than once.
func (c *Client) Close(err error) {
	if err == nil {
		err = &transport.ConnectionError{Kind: c.t.Kind(), Op: "close", Err: errors.New("client closed")}
	}

	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = err
	pending := c.pending
	c.pending = make(map[uint8]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- reply{err: err}
	}
	if len(pending) > 0 {
		c.log.Debug().Int("count", len(pending)).Msg("rejected pending requests")
	}
	close(c.done)
}
