package dfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zswflasher/internal/events"
	"zswflasher/internal/firmware"
	"zswflasher/internal/mcumgr"
	"zswflasher/internal/smp"
	"zswflasher/internal/transport"
)

// DefaultSettleDelay is how long the net core needs to load a new image
// after MCUboot recovery hands it over.
const DefaultSettleDelay = 30 * time.Second

// Device is the set of management commands the orchestrator needs;
// *mcumgr.Client implements it.
type Device interface {
	Uploader
	ImageState(ctx context.Context) ([]smp.ImageSlot, error)
	ImageConfirm(ctx context.Context, hash []byte) ([]smp.ImageSlot, error)
	Reset(ctx context.Context) error
}

// Confirmation is the payload of the ConfirmationNeeded event.
type Confirmation struct {
	Mode       string               `json:"mode"`
	Candidates []firmware.Candidate `json:"candidates"`
	Images     []smp.ImageSlot      `json:"images"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSettleDelay overrides the net core settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.settle = d }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithChunkRetries sets how often a timed-out chunk is re-sent.
func WithChunkRetries(n int) Option {
	return func(o *Orchestrator) { o.retries = n }
}

// Orchestrator uploads the staged queue one image at a time and drives the
// confirmation step afterwards.
type Orchestrator struct {
	queue    *Queue
	bus      *events.Bus
	log      zerolog.Logger
	settle   time.Duration
	retries  int
	transfer *Transfer

	mu         sync.Mutex
	running    bool
	skipSettle chan struct{}
	decision   chan bool
}

// NewOrchestrator creates an orchestrator over queue publishing to bus.
func NewOrchestrator(queue *Queue, bus *events.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:  queue,
		bus:    bus,
		log:    log.Logger.With().Str("component", "dfu").Logger(),
		settle: DefaultSettleDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.transfer = NewTransfer(o.log, o.retries)
	return o
}

// Transfer returns the transfer machine shared with filesystem uploads.
func (o *Orchestrator) Transfer() *Transfer { return o.transfer }

// Running reports whether an upload run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Run uploads every staged candidate not yet uploaded, then asks for a
// confirmation decision and applies it. It blocks until the decision has
// been applied, the context ends or an upload fails.
func (o *Orchestrator) Run(ctx context.Context, dev Device, mode Mode, mtu int) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrBusy
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if o.queue.next() == nil {
		return ErrNothingToUpload
	}

	for c := o.queue.next(); c != nil; c = o.queue.next() {
		if err := o.upload(ctx, dev, mode, mtu, c); err != nil {
			return err
		}

		if _, recovery := mode.(Recovery); recovery && c.Image == firmware.ImageNetCore {
			if err := o.waitSettle(ctx); err != nil {
				return err
			}
		}
	}

	images, err := dev.ImageState(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("image state after upload failed")
	} else {
		o.bus.Publish(events.ImageState, images)
	}

	accept, err := o.awaitDecision(ctx, Confirmation{
		Mode:       mode.String(),
		Candidates: o.queue.List(),
		Images:     images,
	})
	if err != nil {
		return err
	}
	if !accept {
		o.log.Info().Msg("confirmation declined")
		return nil
	}
	return o.apply(ctx, dev, mode)
}

func (o *Orchestrator) upload(ctx context.Context, dev Device, mode Mode, mtu int, c *firmware.Candidate) error {
	slot, err := mode.TargetSlot(c.Image)
	if err != nil {
		o.bus.Publish(events.UploadFailed, events.Upload{Image: c.Image, Name: c.Name, Error: err.Error()})
		return err
	}

	o.queue.update(c, func(c *firmware.Candidate) { c.Uploading = true })
	o.bus.Publish(events.UploadStarted, events.Upload{Image: c.Image, Name: c.Name, Slot: slot})
	o.log.Info().Str("file", c.Name).Int("image", c.Image).Int("slot", slot).Int("size", c.Size).Msg("upload started")

	err = o.transfer.UploadImage(ctx, dev, slot, c.Data, mtu, func(p events.Progress) {
		p.Image = c.Image
		p.Name = c.Name
		o.bus.Publish(events.UploadProgress, p)
	})
	if err != nil {
		o.queue.update(c, func(c *firmware.Candidate) { c.Uploading = false })
		o.bus.Publish(events.UploadFailed, events.Upload{Image: c.Image, Name: c.Name, Slot: slot, Error: err.Error()})
		o.log.Error().Err(err).Str("file", c.Name).Msg("upload failed")
		return fmt.Errorf("upload %s: %w", c.Name, err)
	}

	o.queue.update(c, func(c *firmware.Candidate) {
		c.Uploading = false
		c.Uploaded = true
	})
	o.bus.Publish(events.UploadFinished, events.Upload{Image: c.Image, Name: c.Name, Slot: slot})
	o.log.Info().Str("file", c.Name).Msg("upload finished")
	return nil
}

// waitSettle parks for the settle delay unless Continue ends it early.
func (o *Orchestrator) waitSettle(ctx context.Context) error {
	skip := make(chan struct{})
	o.mu.Lock()
	o.skipSettle = skip
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.skipSettle = nil
		o.mu.Unlock()
	}()

	o.bus.Publish(events.SettleStarted, events.Settle{Duration: o.settle})
	o.log.Info().Dur("delay", o.settle).Msg("waiting for net core to load the image")

	timer := time.NewTimer(o.settle)
	defer timer.Stop()

	select {
	case <-timer.C:
		o.bus.Publish(events.SettleFinished, events.Settle{Duration: o.settle})
	case <-skip:
		o.bus.Publish(events.SettleFinished, events.Settle{Duration: o.settle, Skipped: true})
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Continue ends a running settle delay early. It reports whether one was
// running.
func (o *Orchestrator) Continue() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.skipSettle == nil {
		return false
	}
	close(o.skipSettle)
	o.skipSettle = nil
	return true
}

// Settling reports whether the settle delay is in progress.
func (o *Orchestrator) Settling() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.skipSettle != nil
}

func (o *Orchestrator) awaitDecision(ctx context.Context, c Confirmation) (bool, error) {
	decision := make(chan bool, 1)
	o.mu.Lock()
	o.decision = decision
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.decision = nil
		o.mu.Unlock()
	}()

	o.bus.Publish(events.ConfirmationNeeded, c)

	select {
	case accept := <-decision:
		return accept, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// AwaitingConfirmation reports whether a decision is pending.
func (o *Orchestrator) AwaitingConfirmation() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.decision != nil
}

// Respond delivers the confirmation decision.
func (o *Orchestrator) Respond(accept bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decision == nil {
		return ErrNoPendingConfirmation
	}
	select {
	case o.decision <- accept:
	default:
		return ErrNoPendingConfirmation
	}
	return nil
}

// apply confirms uploaded images by hash in application mode, then resets.
func (o *Orchestrator) apply(ctx context.Context, dev Device, mode Mode) error {
	if mode.SupportsConfirm() {
		for _, c := range o.queue.uploaded() {
			hash, err := firmware.HashBytes(c.Hash)
			if err != nil {
				return err
			}
			if _, err := dev.ImageConfirm(ctx, hash); err != nil {
				return fmt.Errorf("confirm %s: %w", c.Name, err)
			}
			o.queue.update(c, func(c *firmware.Candidate) { c.Confirmed = true })
			o.log.Info().Str("file", c.Name).Str("hash", c.Hash).Msg("image confirmed")
		}
	}
	return ResetDevice(ctx, dev)
}

// ResetDevice reboots the device. A reset that gets no answer because the
// device went down first counts as success.
func ResetDevice(ctx context.Context, dev interface{ Reset(context.Context) error }) error {
	err := dev.Reset(ctx)
	if err == nil || mcumgr.IsTimeout(err) || transport.IsConnectionError(err) {
		return nil
	}
	return fmt.Errorf("reset: %w", err)
}
