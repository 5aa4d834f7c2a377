package dfu

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zswflasher/internal/events"
	"zswflasher/internal/mcumgr"
	"zswflasher/internal/smp"
)

// FileSystemPath is where filesystem images are written on the device.
const FileSystemPath = "/S/full_fs"

// byteStringGrowth is the extra CBOR header space a non-empty data field
// may need compared to the empty one used to measure the envelope.
const byteStringGrowth = 2

// maxRewinds bounds consecutive rewinds that do not reach a new offset.
const maxRewinds = 8

// TransferState is the state of the transfer machine.
type TransferState int

const (
	Idle TransferState = iota
	Uploading
	Finished
	Failed
)

func (s TransferState) String() string {
	switch s {
	case Uploading:
		return "uploading"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Uploader sends upload chunks; *mcumgr.Client implements it.
type Uploader interface {
	ImageUpload(ctx context.Context, req smp.ImageUploadReq) (uint32, error)
	FileUpload(ctx context.Context, req smp.FileUploadReq) (uint32, error)
}

// ProgressFunc receives progress samples during a transfer.
type ProgressFunc func(events.Progress)

// Transfer streams one payload at a time in offset-addressed chunks.
// Image and filesystem uploads share a Transfer so they never interleave.
type Transfer struct {
	log     zerolog.Logger
	retries int
	now     func() time.Time

	mu    sync.Mutex
	state TransferState
	last  TransferState
}

// NewTransfer creates an idle transfer machine. retries is the number of
// times a timed-out chunk is re-sent at the same offset.
func NewTransfer(log zerolog.Logger, retries int) *Transfer {
	return &Transfer{log: log, retries: retries, now: time.Now}
}

// State returns Idle or Uploading.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Last returns the outcome of the most recent transfer, Finished or Failed,
// or Idle before the first one.
func (t *Transfer) Last() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// UploadImage writes data into the given slot. slot is the value sent in
// the request image field, already remapped for the device mode.
func (t *Transfer) UploadImage(ctx context.Context, up Uploader, slot int, data []byte, mtu int, progress ProgressFunc) error {
	sum := sha256.Sum256(data)
	total := uint32(len(data))

	build := func(off uint32, chunk []byte) smp.ImageUploadReq {
		req := smp.ImageUploadReq{Image: slot, Off: off, Data: chunk}
		if off == 0 {
			req.Len = total
			req.Sha = sum[:]
		}
		return req
	}
	c := chunker{
		overhead: func(off uint32) (int, error) {
			return envelopeSize(smp.GroupImage, smp.ImageUpload, build(off, []byte{}))
		},
		send: func(ctx context.Context, off uint32, chunk []byte) (uint32, error) {
			return up.ImageUpload(ctx, build(off, chunk))
		},
	}
	return t.run(ctx, c, data, mtu, func(p events.Progress) {
		p.Image = slot
		if progress != nil {
			progress(p)
		}
	})
}

// UploadFile writes data to a file on the device filesystem.
func (t *Transfer) UploadFile(ctx context.Context, up Uploader, name string, data []byte, mtu int, progress ProgressFunc) error {
	total := uint32(len(data))

	build := func(off uint32, chunk []byte) smp.FileUploadReq {
		req := smp.FileUploadReq{Name: name, Off: off, Data: chunk}
		if off == 0 {
			req.Len = total
		}
		return req
	}
	c := chunker{
		overhead: func(off uint32) (int, error) {
			return envelopeSize(smp.GroupFS, smp.FSFile, build(off, []byte{}))
		},
		send: func(ctx context.Context, off uint32, chunk []byte) (uint32, error) {
			return up.FileUpload(ctx, build(off, chunk))
		},
	}
	return t.run(ctx, c, data, mtu, func(p events.Progress) {
		p.Name = name
		if progress != nil {
			progress(p)
		}
	})
}

func envelopeSize(group smp.Group, id uint8, req any) (int, error) {
	pkt, err := smp.Encode(smp.Header{Op: smp.OpWrite, Group: group, ID: id}, req)
	if err != nil {
		return 0, err
	}
	return len(pkt) + byteStringGrowth, nil
}

type chunker struct {
	overhead func(off uint32) (int, error)
	send     func(ctx context.Context, off uint32, chunk []byte) (uint32, error)
}

func (t *Transfer) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Uploading {
		return ErrBusy
	}
	t.state = Uploading
	return nil
}

// end records the outcome and returns the machine to Idle.
func (t *Transfer) end(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.last = Failed
	} else {
		t.last = Finished
	}
	t.state = Idle
}

func (t *Transfer) run(ctx context.Context, c chunker, data []byte, mtu int, progress ProgressFunc) (err error) {
	if len(data) == 0 {
		return errors.New("nothing to upload: empty payload")
	}
	if err := t.begin(); err != nil {
		return err
	}
	defer func() { t.end(err) }()

	total := uint32(len(data))
	var (
		off      uint32
		lastPct  int
		lastTime = t.now()
		stalls   int
		rewinds  int
		high     uint32
	)

	for off < total {
		if err := ctx.Err(); err != nil {
			return err
		}

		overhead, err := c.overhead(off)
		if err != nil {
			return err
		}
		size := mtu - overhead
		if size <= 0 {
			return fmt.Errorf("mtu %d too small for %d byte request envelope", mtu, overhead)
		}
		end := off + uint32(size)
		if end > total {
			end = total
		}

		next, err := t.sendChunk(ctx, c, off, data[off:end])
		if err != nil {
			return fmt.Errorf("chunk at offset %d: %w", off, err)
		}
		if next > total {
			return fmt.Errorf("device reported offset %d beyond image length %d", next, total)
		}
		switch {
		case next == off:
			stalls++
			if stalls > t.retries+1 {
				return fmt.Errorf("device did not advance past offset %d", off)
			}
			t.log.Warn().Uint32("off", off).Msg("device offset did not advance, resending")
		case next < off:
			// The device lost data and asks to resume from an earlier offset.
			rewinds++
			if rewinds > maxRewinds {
				return fmt.Errorf("device rewound %d times without passing offset %d", rewinds, high)
			}
			stalls = 0
			t.log.Warn().Uint32("off", off).Uint32("device_off", next).Msg("device rewound, resuming")
		default:
			stalls = 0
			if next > high {
				high = next
				rewinds = 0
			}
		}
		off = next

		pct := int(uint64(off) * 100 / uint64(total))
		if pct > lastPct {
			now := t.now()
			var speed float64
			if elapsed := now.Sub(lastTime).Seconds(); elapsed > 0 {
				speed = float64(pct-lastPct) / 100 * float64(total) / elapsed
			}
			progress(events.Progress{Percent: pct, Offset: int(off), Total: int(total), Speed: speed})
			lastPct = pct
			lastTime = now
		}
	}
	return nil
}

// sendChunk sends one chunk, re-sending it at the same offset when the
// request times out and retries remain.
func (t *Transfer) sendChunk(ctx context.Context, c chunker, off uint32, chunk []byte) (uint32, error) {
	for attempt := 0; ; attempt++ {
		next, err := c.send(ctx, off, chunk)
		if err == nil {
			return next, nil
		}
		if !mcumgr.IsTimeout(err) || attempt >= t.retries {
			return 0, err
		}
		t.log.Warn().Err(err).Uint32("off", off).Int("attempt", attempt+1).Msg("chunk timed out, resending")
	}
}
