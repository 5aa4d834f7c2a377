package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"zswflasher/internal/smp"
)

// GATT identifiers of the SMP service.
const (
	SMPServiceUUID        = "8d53dc1d-1db7-4cd3-868b-8a527460aa84"
	SMPCharacteristicUUID = "da2e7828-fbce-4e01-ae9e-261174997c48"
)

// attOverhead is subtracted from the negotiated ATT MTU to get the write size.
const attOverhead = 3

// BLEConfig configures a BLE transport.
type BLEConfig struct {
	// NamePrefix selects the advertised device when Connect gets no target.
	NamePrefix   string
	MTU          int
	ChunkTimeout time.Duration
	ScanTimeout  time.Duration
	Logger       *zerolog.Logger
}

// BLE talks SMP over the mcumgr GATT service.
type BLE struct {
	lifecycle
	cfg     BLEConfig
	log     zerolog.Logger
	adapter *bluetooth.Adapter

	mu        sync.Mutex
	device    *bluetooth.Device
	char      bluetooth.DeviceCharacteristic
	name      string
	writeSize int
	frames    chan []byte
	stop      chan struct{}
	done      chan struct{}
	wmu       sync.Mutex
}

// NewBLE creates an unconnected BLE transport on the default adapter.
func NewBLE(cfg BLEConfig) *BLE {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "ZSWatch"
	}
	if cfg.MTU == 0 {
		cfg.MTU = 240
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = 15 * time.Second
	}
	l := log.Logger.With().Str("component", "ble").Logger()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &BLE{
		lifecycle: newLifecycle(KindBLE, cfg.ChunkTimeout),
		cfg:       cfg,
		log:       l,
		adapter:   bluetooth.DefaultAdapter,
	}
}

func (b *BLE) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

func (b *BLE) MTU() int { return b.cfg.MTU }

func (b *BLE) Frames() <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// Available enables the adapter and reports whether BLE can be used.
func (b *BLE) Available() error {
	return b.adapter.Enable()
}

// matchesTarget selects a scan result by address or by name prefix.
func matchesTarget(name, address, target string) bool {
	if target == "" {
		return false
	}
	if strings.EqualFold(address, target) {
		return true
	}
	return name != "" && strings.HasPrefix(name, target)
}

// Connect scans for the watch, connects and subscribes to SMP notifications.
func (b *BLE) Connect(ctx context.Context, target string) error {
	if target == "" {
		target = b.cfg.NamePrefix
	}

	b.mu.Lock()
	if b.device != nil {
		b.mu.Unlock()
		return &ConnectionError{Kind: KindBLE, Op: "connect", Err: errors.New("already connected")}
	}
	b.mu.Unlock()

	b.setState(StateConnecting, nil)

	dev, char, name, err := b.dial(ctx, target)
	if err != nil {
		cerr := &ConnectionError{Kind: KindBLE, Op: "connect " + target, Err: err}
		b.setState(StateDisconnected, cerr)
		return cerr
	}

	writeSize := b.cfg.MTU
	if mtu, err := char.GetMTU(); err == nil && int(mtu)-attOverhead > 0 {
		writeSize = int(mtu) - attOverhead
	}

	frames := make(chan []byte, 16)
	notify := make(chan []byte, 64)
	stop := make(chan struct{})
	done := make(chan struct{})

	b.mu.Lock()
	b.device = dev
	b.char = char
	b.name = name
	b.writeSize = writeSize
	b.frames = frames
	b.stop = stop
	b.done = done
	b.mu.Unlock()

	go b.pump(notify, frames, stop, done)

	err = char.EnableNotifications(func(buf []byte) {
		pkt := make([]byte, len(buf))
		copy(pkt, buf)
		select {
		case notify <- pkt:
		case <-stop:
		}
	})
	if err != nil {
		b.shutdown(nil)
		cerr := &ConnectionError{Kind: KindBLE, Op: "enable notifications", Err: err}
		b.setState(StateDisconnected, cerr)
		return cerr
	}

	b.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected || d.Address != dev.Address {
			return
		}
		go b.shutdown(&ConnectionError{Kind: KindBLE, Op: "link", Err: errors.New("device disconnected")})
	})

	b.log.Info().Str("device", name).Int("write_size", writeSize).Msg("ble connected")
	b.setState(StateConnected, nil)
	return nil
}

func (b *BLE) dial(ctx context.Context, target string) (*bluetooth.Device, bluetooth.DeviceCharacteristic, string, error) {
	var none bluetooth.DeviceCharacteristic

	if err := b.adapter.Enable(); err != nil {
		return nil, none, "", fmt.Errorf("enable adapter: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.ScanTimeout)
	defer cancel()
	go func() {
		<-scanCtx.Done()
		b.adapter.StopScan()
	}()

	var (
		found  bool
		result bluetooth.ScanResult
	)
	b.log.Info().Str("target", target).Msg("scanning")
	err := b.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if found || !matchesTarget(r.LocalName(), r.Address.String(), target) {
			return
		}
		found = true
		result = r
		a.StopScan()
	})
	if err != nil {
		return nil, none, "", fmt.Errorf("scan: %w", err)
	}
	if !found {
		if ctx.Err() != nil {
			return nil, none, "", ctx.Err()
		}
		return nil, none, "", fmt.Errorf("no device matching %q found", target)
	}

	name := result.LocalName()
	if name == "" {
		name = result.Address.String()
	}

	dev, err := b.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, none, "", fmt.Errorf("connect %s: %w", name, err)
	}

	char, err := discoverSMP(dev)
	if err != nil {
		dev.Disconnect()
		return nil, none, "", err
	}
	return &dev, char, name, nil
}

func discoverSMP(dev bluetooth.Device) (bluetooth.DeviceCharacteristic, error) {
	var none bluetooth.DeviceCharacteristic

	svcUUID, err := bluetooth.ParseUUID(SMPServiceUUID)
	if err != nil {
		return none, err
	}
	charUUID, err := bluetooth.ParseUUID(SMPCharacteristicUUID)
	if err != nil {
		return none, err
	}

	svcs, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return none, fmt.Errorf("discover smp service: %w", err)
	}
	if len(svcs) == 0 {
		return none, errors.New("smp service not found")
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return none, fmt.Errorf("discover smp characteristic: %w", err)
	}
	if len(chars) == 0 {
		return none, errors.New("smp characteristic not found")
	}
	return chars[0], nil
}

// pump reassembles notifications into whole SMP packets.
func (b *BLE) pump(notify <-chan []byte, frames chan<- []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(frames)

	var r smp.Reassembler
	for {
		select {
		case <-stop:
			return
		case frag := <-notify:
			for _, pkt := range r.Feed(frag) {
				select {
				case frames <- pkt:
				case <-stop:
					return
				}
			}
		}
	}
}

// Send writes the packet in pieces no larger than the negotiated ATT payload.
func (b *BLE) Send(ctx context.Context, packet []byte) error {
	b.mu.Lock()
	dev, char, size := b.device, b.char, b.writeSize
	b.mu.Unlock()
	if dev == nil {
		return ErrNotConnected
	}

	b.wmu.Lock()
	defer b.wmu.Unlock()
	for off := 0; off < len(packet); off += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + size
		if end > len(packet) {
			end = len(packet)
		}
		if _, err := char.WriteWithoutResponse(packet[off:end]); err != nil {
			return fmt.Errorf("ble write: %w", err)
		}
	}
	return nil
}

func (b *BLE) Disconnect() error {
	return b.shutdown(nil)
}

func (b *BLE) shutdown(cause error) error {
	b.mu.Lock()
	dev, stop, done := b.device, b.stop, b.done
	b.device = nil
	b.name = ""
	b.stop = nil
	b.mu.Unlock()

	if dev == nil {
		return nil
	}

	close(stop)
	<-done
	err := dev.Disconnect()

	b.log.Info().Msg("ble disconnected")
	b.setState(StateDisconnected, cause)
	if err != nil && cause == nil {
		return fmt.Errorf("ble disconnect: %w", err)
	}
	return nil
}
