package dfu

import (
	"context"
	"sync"
	"time"

	"zswflasher/internal/mcumgr"
	"zswflasher/internal/smp"
)

// fakeDevice accepts uploads in memory and records every command.
type fakeDevice struct {
	mu sync.Mutex

	images  []smp.ImageSlot
	uploads []smp.ImageUploadReq
	files   []smp.FileUploadReq
	written map[int][]byte

	// timeoutsAt makes the first n sends at an offset time out.
	timeoutsAt map[uint32]int
	// failAt makes the send at an offset fail with err.
	failAt map[uint32]error
	// failSlot makes every send to a slot fail with err.
	failSlot map[int]error
	stallAt  map[uint32]bool
	// answerAt overrides the offset reported for the nth upload request.
	answerAt map[int]func(off uint32) uint32

	confirmed [][]byte
	resets    int
	resetErr  error
	stateErr  error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		written:    make(map[int][]byte),
		timeoutsAt: make(map[uint32]int),
		failAt:     make(map[uint32]error),
		failSlot:   make(map[int]error),
		stallAt:    make(map[uint32]bool),
		answerAt:   make(map[int]func(uint32) uint32),
	}
}

func (d *fakeDevice) ImageUpload(_ context.Context, req smp.ImageUploadReq) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.uploads = append(d.uploads, req)
	if n := d.timeoutsAt[req.Off]; n > 0 {
		d.timeoutsAt[req.Off] = n - 1
		return 0, &mcumgr.TimeoutError{Group: smp.GroupImage, ID: smp.ImageUpload, Timeout: time.Millisecond}
	}
	if err := d.failAt[req.Off]; err != nil {
		return 0, err
	}
	if err := d.failSlot[req.Image]; err != nil {
		return 0, err
	}
	if d.stallAt[req.Off] {
		return req.Off, nil
	}
	if answer := d.answerAt[len(d.uploads)-1]; answer != nil {
		return answer(req.Off), nil
	}
	d.written[req.Image] = append(d.written[req.Image][:req.Off], req.Data...)
	return req.Off + uint32(len(req.Data)), nil
}

func (d *fakeDevice) FileUpload(_ context.Context, req smp.FileUploadReq) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = append(d.files, req)
	return req.Off + uint32(len(req.Data)), nil
}

func (d *fakeDevice) ImageState(context.Context) ([]smp.ImageSlot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.images, d.stateErr
}

func (d *fakeDevice) ImageConfirm(_ context.Context, hash []byte) ([]smp.ImageSlot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmed = append(d.confirmed, hash)
	return d.images, nil
}

func (d *fakeDevice) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return d.resetErr
}

func (d *fakeDevice) uploadedSlots() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var slots []int
	for _, u := range d.uploads {
		if u.Off == 0 {
			slots = append(slots, u.Image)
		}
	}
	return slots
}
