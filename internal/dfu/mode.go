package dfu

import (
	"fmt"
	"time"

	"zswflasher/internal/smp"
)

// Timeouts holds the per-mode request timeouts.
type Timeouts struct {
	Application time.Duration
	Recovery    time.Duration
}

// DefaultTimeouts are tuned for the ZSWatch application and MCUboot.
var DefaultTimeouts = Timeouts{
	Application: 5 * time.Second,
	Recovery:    15 * time.Second,
}

// Mode is the device mode decided once per connection. It is one of
// Application, Recovery or Unknown.
type Mode interface {
	String() string
	// TargetSlot maps an image number to the value sent in upload requests.
	TargetSlot(image int) (int, error)
	// SupportsConfirm reports whether test/confirm/erase are available.
	SupportsConfirm() bool
	// SupportsFileSystem reports whether filesystem uploads are available.
	SupportsFileSystem() bool
	// Timeout returns the request timeout for the mode, 0 to keep the
	// transport default.
	Timeout(t Timeouts) time.Duration

	mode()
}

// Application is a device running the full ZSWatch firmware.
type Application struct{}

// Recovery is a device sitting in MCUboot serial recovery.
type Recovery struct{}

// Unknown is the mode before the first image state response.
type Unknown struct{}

// recoverySlots maps image numbers to the slots MCUboot exposes in
// recovery. Any image not listed must not be uploaded in recovery.
var recoverySlots = map[int]int{
	0: 1,
	1: 3,
	2: 5,
}

func (Application) String() string                    { return "application" }
func (Application) TargetSlot(image int) (int, error) { return image, nil }
func (Application) SupportsConfirm() bool             { return true }
func (Application) SupportsFileSystem() bool          { return true }
func (Application) Timeout(t Timeouts) time.Duration  { return t.Application }
func (Application) mode()                             {}

func (Recovery) String() string { return "recovery" }

func (Recovery) TargetSlot(image int) (int, error) {
	slot, ok := recoverySlots[image]
	if !ok {
		return 0, fmt.Errorf("%w: image %d", ErrNoSlotMapping, image)
	}
	return slot, nil
}

func (Recovery) SupportsConfirm() bool            { return false }
func (Recovery) SupportsFileSystem() bool         { return false }
func (Recovery) Timeout(t Timeouts) time.Duration { return t.Recovery }
func (Recovery) mode()                            {}

func (Unknown) String() string { return "unknown" }

func (Unknown) TargetSlot(int) (int, error) {
	return 0, fmt.Errorf("%w: device mode not known yet", ErrUnsupportedInMode)
}

func (Unknown) SupportsConfirm() bool          { return false }
func (Unknown) SupportsFileSystem() bool       { return false }
func (Unknown) Timeout(Timeouts) time.Duration { return 0 }
func (Unknown) mode()                          {}

// Classify decides the device mode from the first image state response.
// The device runs the application only if slot 0 reports confirmed,
// pending and hash; anything else, an empty list included, is recovery.
func Classify(images []smp.ImageSlot) Mode {
	if len(images) == 0 {
		return Recovery{}
	}
	s := images[0]
	if s.Confirmed != nil && s.Pending != nil && s.Hash != nil {
		return Application{}
	}
	return Recovery{}
}

// ParseMode maps a mode name back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "application":
		return Application{}, nil
	case "recovery":
		return Recovery{}, nil
	case "unknown", "":
		return Unknown{}, nil
	default:
		return nil, fmt.Errorf("unknown device mode %q", s)
	}
}
