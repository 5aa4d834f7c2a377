// Package devicesim simulates a ZSWatch answering SMP requests, in either
// application firmware or MCUboot serial recovery. It plugs into
// transport.Pipe so the whole client stack can run without hardware.
package devicesim

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zswflasher/internal/firmware"
	"zswflasher/internal/smp"
	"zswflasher/internal/transport"
)

var errDeviceReset = errors.New("device rebooted")

// Option configures a Device.
type Option func(*Device)

// WithRecovery starts the device in MCUboot serial recovery.
func WithRecovery() Option {
	return func(d *Device) { d.recovery = true }
}

// WithLatency delays every response.
func WithLatency(l time.Duration) Option {
	return func(d *Device) { d.latency = l }
}

// WithRunningVersion sets the version of the image running in slot 0.
func WithRunningVersion(v string) Option {
	return func(d *Device) { d.slots[0].version = v }
}

// WithLogger sets the simulator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Device) { d.log = l }
}

type slot struct {
	image, slot int
	version     string
	hash        []byte
	active      bool
	pending     bool
	confirmed   bool
	permanent   bool
}

type upload struct {
	total uint32
	sha   []byte
	data  []byte
}

type command struct {
	group smp.Group
	id    uint8
}

// Device is a simulated watch. It implements transport.Peer.
type Device struct {
	log zerolog.Logger

	mu       sync.Mutex
	recovery bool
	latency  time.Duration
	slots    []*slot
	uploads  map[int]*upload
	files    map[string][]byte
	fsUpload map[string]*upload
	drop     map[command]int
	resets   int
	onReset  func()
}

// New creates a device running a confirmed 1.0.0 image in slot 0.
func New(opts ...Option) *Device {
	running := sha256.Sum256([]byte("zswatch running image"))
	d := &Device{
		log: log.Logger.With().Str("component", "devicesim").Logger(),
		slots: []*slot{{
			image: 0, slot: 0, version: "1.0.0", hash: running[:],
			active: true, confirmed: true,
		}},
		uploads:  make(map[int]*upload),
		files:    make(map[string][]byte),
		fsUpload: make(map[string]*upload),
		drop:     make(map[command]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewTransport returns a pipe to d that reports itself as kind. A reset
// command drops the link once its response has been delivered.
func NewTransport(d *Device, kind transport.Kind, cfg transport.PipeConfig) *transport.Pipe {
	if cfg.Name == "" {
		cfg.Name = "ZSWatch (simulated)"
	}
	p := transport.NewPipe(kind, d, cfg)
	d.mu.Lock()
	d.onReset = func() {
		time.Sleep(20 * time.Millisecond)
		p.Drop(errDeviceReset)
	}
	d.mu.Unlock()
	return p
}

// DropResponses swallows the next n responses to the given command.
func (d *Device) DropResponses(group smp.Group, id uint8, n int) {
	d.mu.Lock()
	d.drop[command{group, id}] = n
	d.mu.Unlock()
}

// SetLatency changes the response delay.
func (d *Device) SetLatency(l time.Duration) {
	d.mu.Lock()
	d.latency = l
	d.mu.Unlock()
}

// Recovery reports whether the device is in serial recovery.
func (d *Device) Recovery() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recovery
}

// Resets returns the number of reset commands handled.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// File returns the content written to a filesystem path.
func (d *Device) File(name string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[name]
}

// Images returns the slot list the way the device reports it.
func (d *Device) Images() []smp.ImageSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.imageList()
}

func (d *Device) imageList() []smp.ImageSlot {
	sort.SliceStable(d.slots, func(i, j int) bool {
		if d.slots[i].image != d.slots[j].image {
			return d.slots[i].image < d.slots[j].image
		}
		return d.slots[i].slot < d.slots[j].slot
	})

	out := make([]smp.ImageSlot, 0, len(d.slots))
	for _, s := range d.slots {
		is := smp.ImageSlot{Image: s.image, Slot: s.slot, Version: s.version, Bootable: true}
		if !d.recovery {
			pending, confirmed := s.pending, s.confirmed
			is.Hash = s.hash
			is.Pending = &pending
			is.Confirmed = &confirmed
			is.Active = s.active
			is.Permanent = s.permanent
		}
		out = append(out, is)
	}
	return out
}

func (d *Device) findSlot(image, n int) *slot {
	for _, s := range d.slots {
		if s.image == image && s.slot == n {
			return s
		}
	}
	return nil
}

func (d *Device) findHash(hash []byte) *slot {
	for _, s := range d.slots {
		if bytes.Equal(s.hash, hash) {
			return s
		}
	}
	return nil
}

// Handle implements transport.Peer.
func (d *Device) Handle(pkt []byte, reply func([]byte)) {
	h, body, err := smp.Decode(pkt)
	if err != nil {
		d.log.Warn().Err(err).Msg("undecodable request")
		return
	}

	d.mu.Lock()
	rsp := d.dispatch(h, body)
	key := command{h.Group, h.ID}
	dropped := d.drop[key] > 0
	if dropped {
		d.drop[key]--
	}
	latency := d.latency
	onReset := d.onReset
	reset := h.Group == smp.GroupOS && h.ID == smp.OSReset
	d.mu.Unlock()

	if dropped {
		d.log.Debug().Stringer("group", h.Group).Uint8("id", h.ID).Uint8("seq", h.Seq).Msg("dropping response")
		return
	}

	out, err := smp.Encode(smp.Header{Op: h.Op.Response(), Group: h.Group, Seq: h.Seq, ID: h.ID}, rsp)
	if err != nil {
		d.log.Error().Err(err).Msg("encode response")
		return
	}

	send := func() {
		reply(out)
		if reset && onReset != nil {
			onReset()
		}
	}
	if latency > 0 {
		time.AfterFunc(latency, send)
		return
	}
	if reset {
		go send()
		return
	}
	send()
}

func status(rc int) smp.EmptyRsp {
	return smp.EmptyRsp{Result: smp.Result{RC: rc}}
}

// dispatch runs one command under d.mu and returns the response payload.
func (d *Device) dispatch(h smp.Header, body []byte) any {
	switch h.Group {
	case smp.GroupImage:
		switch h.ID {
		case smp.ImageState:
			if h.Op == smp.OpRead {
				return smp.ImageStateRsp{Images: d.imageList()}
			}
			var req smp.ImageStateWriteReq
			if err := smp.Unmarshal(body, &req); err != nil {
				return status(smp.RCInvalid)
			}
			return d.writeState(req)
		case smp.ImageUpload:
			var req smp.ImageUploadReq
			if err := smp.Unmarshal(body, &req); err != nil {
				return status(smp.RCInvalid)
			}
			return d.imageUpload(req)
		case smp.ImageErase:
			var req smp.ImageEraseReq
			if err := smp.Unmarshal(body, &req); err != nil {
				return status(smp.RCInvalid)
			}
			return d.erase(req)
		}
	case smp.GroupOS:
		switch h.ID {
		case smp.OSEcho:
			var req smp.EchoReq
			if err := smp.Unmarshal(body, &req); err != nil {
				return status(smp.RCInvalid)
			}
			return smp.EchoRsp{R: req.D}
		case smp.OSTaskStat:
			if d.recovery {
				return status(smp.RCNotSupported)
			}
			return smp.TaskStatRsp{Tasks: map[string]smp.TaskStat{
				"idle":     {Prio: 15, TID: 0, State: 1, StackUse: 64, StackSize: 320, Switches: 1024, Runtime: 90},
				"main":     {Prio: 0, TID: 1, State: 2, StackUse: 1800, StackSize: 4096, Switches: 77, Runtime: 8},
				"sysworkq": {Prio: -1, TID: 2, State: 2, StackUse: 900, StackSize: 2048, Switches: 512, Runtime: 2},
			}}
		case smp.OSMPStat:
			if d.recovery {
				return status(smp.RCNotSupported)
			}
			return smp.MPStatRsp{Pools: map[string]smp.MemPool{
				"smp": {BlockSize: 384, Blocks: 4, Free: 3, Min: 1},
			}}
		case smp.OSReset:
			d.resets++
			d.bootSwap()
			return status(smp.RCOk)
		}
	case smp.GroupFS:
		if h.ID == smp.FSFile && h.Op == smp.OpWrite {
			if d.recovery {
				return status(smp.RCNotSupported)
			}
			var req smp.FileUploadReq
			if err := smp.Unmarshal(body, &req); err != nil {
				return status(smp.RCInvalid)
			}
			return d.fileUpload(req)
		}
	case smp.GroupShell:
		if h.ID == smp.ShellExec {
			if d.recovery {
				return status(smp.RCNotSupported)
			}
			var req smp.ShellExecReq
			if err := smp.Unmarshal(body, &req); err != nil {
				return status(smp.RCInvalid)
			}
			o, ret := d.shell(req.Argv)
			return smp.ShellExecRsp{O: o, Ret: ret}
		}
	}
	return status(smp.RCNotSupported)
}

// uploadTarget maps the request image field to the slot it writes. In
// recovery the field already is a flat slot index.
func (d *Device) uploadTarget(n int) (image, slotNum int) {
	if d.recovery {
		return n / 2, n % 2
	}
	return n, 1
}

func (d *Device) imageUpload(req smp.ImageUploadReq) any {
	if req.Off == 0 {
		if req.Len == 0 {
			return status(smp.RCInvalid)
		}
		d.uploads[req.Image] = &upload{total: req.Len, sha: req.Sha}
	}
	u := d.uploads[req.Image]
	if u == nil {
		return status(smp.RCInvalid)
	}
	if req.Off != uint32(len(u.data)) {
		return smp.UploadRsp{Off: uint32(len(u.data))}
	}
	if uint32(len(u.data)+len(req.Data)) > u.total {
		return status(smp.RCInvalid)
	}
	u.data = append(u.data, req.Data...)
	off := uint32(len(u.data))
	if off < u.total {
		return smp.UploadRsp{Off: off}
	}

	delete(d.uploads, req.Image)
	if u.sha != nil {
		sum := sha256.Sum256(u.data)
		if !bytes.Equal(sum[:], u.sha) {
			return status(smp.RCCorrupt)
		}
	}
	info, err := firmware.ParseImageInfo(u.data)
	if err != nil {
		d.log.Warn().Err(err).Msg("uploaded image rejected")
		return status(smp.RCInvalid)
	}

	image, n := d.uploadTarget(req.Image)
	s := d.findSlot(image, n)
	if s == nil {
		s = &slot{image: image, slot: n}
		d.slots = append(d.slots, s)
	}
	*s = slot{image: image, slot: n, version: info.Version.String(), hash: info.Hash}
	d.log.Info().Int("image", image).Int("slot", n).Str("version", s.version).Msg("image stored")
	return smp.UploadRsp{Off: off}
}

func (d *Device) writeState(req smp.ImageStateWriteReq) any {
	if d.recovery {
		return status(smp.RCNotSupported)
	}
	var s *slot
	if len(req.Hash) == 0 {
		if !req.Confirm {
			return status(smp.RCInvalid)
		}
		s = d.findSlot(0, 0)
	} else {
		s = d.findHash(req.Hash)
	}
	if s == nil {
		return status(smp.RCNoEntry)
	}

	switch {
	case s.active:
		if !req.Confirm {
			return status(smp.RCBadState)
		}
		s.confirmed = true
	case req.Confirm:
		s.pending = true
		s.permanent = true
	default:
		s.pending = true
		s.permanent = false
	}
	return smp.ImageStateRsp{Images: d.imageList()}
}

func (d *Device) erase(req smp.ImageEraseReq) any {
	if d.recovery {
		return status(smp.RCNotSupported)
	}
	n := 1
	if req.Slot != nil {
		n = *req.Slot
	}
	for i, s := range d.slots {
		if s.image == 0 && s.slot == n {
			if s.active {
				return status(smp.RCBadState)
			}
			d.slots = append(d.slots[:i], d.slots[i+1:]...)
			return status(smp.RCOk)
		}
	}
	return status(smp.RCOk)
}

// bootSwap runs what MCUboot does on reboot: a pending secondary image
// swaps into the primary slot.
func (d *Device) bootSwap() {
	if d.recovery {
		return
	}
	for _, sec := range d.slots {
		if sec.slot != 1 || !sec.pending {
			continue
		}
		pri := d.findSlot(sec.image, 0)
		sec.slot, sec.active, sec.pending = 0, true, false
		sec.confirmed = sec.permanent
		sec.permanent = false
		if pri != nil {
			pri.slot, pri.active = 1, false
		}
	}
}

func (d *Device) fileUpload(req smp.FileUploadReq) any {
	if req.Off == 0 {
		d.fsUpload[req.Name] = &upload{total: req.Len}
	}
	u := d.fsUpload[req.Name]
	if u == nil {
		return status(smp.RCInvalid)
	}
	if req.Off != uint32(len(u.data)) {
		return smp.UploadRsp{Off: uint32(len(u.data))}
	}
	u.data = append(u.data, req.Data...)
	if u.total > 0 && uint32(len(u.data)) >= u.total {
		d.files[req.Name] = u.data
		delete(d.fsUpload, req.Name)
	}
	return smp.UploadRsp{Off: uint32(len(u.data))}
}

func (d *Device) shell(argv []string) (string, int) {
	if len(argv) == 0 {
		return "", 0
	}
	switch argv[0] {
	case "echo":
		return strings.Join(argv[1:], " ") + "\n", 0
	case "version":
		if s := d.findSlot(0, 0); s != nil {
			return s.version + "\n", 0
		}
		return "unknown\n", 0
	case "kernel":
		if len(argv) > 1 && argv[1] == "uptime" {
			return "Uptime: 421337 ms\n", 0
		}
		return "kernel - Kernel commands\n", 1
	default:
		return argv[0] + ": command not found\n", -8
	}
}
