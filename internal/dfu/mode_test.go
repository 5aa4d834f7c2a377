package dfu

import (
	"errors"
	"testing"
	"time"

	"zswflasher/internal/smp"
)

func boolPtr(b bool) *bool { return &b }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		images []smp.ImageSlot
		want   Mode
	}{
		{
			name: "application when slot 0 has confirmed pending and hash",
			images: []smp.ImageSlot{
				{Image: 0, Slot: 0, Version: "1.0.0", Confirmed: boolPtr(true), Pending: boolPtr(false), Hash: []byte{0xab, 0x12}},
			},
			want: Application{},
		},
		{
			name: "recovery when slot 0 has only the basic fields",
			images: []smp.ImageSlot{
				{Image: 0, Slot: 0, Version: "1.0.0", Bootable: true},
			},
			want: Recovery{},
		},
		{
			name: "recovery when hash is missing",
			images: []smp.ImageSlot{
				{Image: 0, Slot: 0, Confirmed: boolPtr(true), Pending: boolPtr(false)},
			},
			want: Recovery{},
		},
		{
			name: "recovery when pending is missing",
			images: []smp.ImageSlot{
				{Image: 0, Slot: 0, Confirmed: boolPtr(true), Hash: []byte{1}},
			},
			want: Recovery{},
		},
		{
			name: "only slot 0 is inspected",
			images: []smp.ImageSlot{
				{Image: 0, Slot: 0},
				{Image: 0, Slot: 1, Confirmed: boolPtr(false), Pending: boolPtr(true), Hash: []byte{1}},
			},
			want: Recovery{},
		},
		{
			name:   "recovery for an empty list",
			images: nil,
			want:   Recovery{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.images); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTargetSlot(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		image   int
		want    int
		wantErr error
	}{
		{name: "application app internal", mode: Application{}, image: 0, want: 0},
		{name: "application net core", mode: Application{}, image: 1, want: 1},
		{name: "application external", mode: Application{}, image: 2, want: 2},
		{name: "application manual image", mode: Application{}, image: 4, want: 4},
		{name: "recovery app internal", mode: Recovery{}, image: 0, want: 1},
		{name: "recovery net core", mode: Recovery{}, image: 1, want: 3},
		{name: "recovery external", mode: Recovery{}, image: 2, want: 5},
		{name: "recovery unmapped image", mode: Recovery{}, image: 3, wantErr: ErrNoSlotMapping},
		{name: "unknown mode", mode: Unknown{}, image: 0, wantErr: ErrUnsupportedInMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.mode.TargetSlot(tt.image)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("TargetSlot() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("TargetSlot() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("TargetSlot(%d) = %d, want %d", tt.image, got, tt.want)
			}
		})
	}
}

func TestModeCapabilities(t *testing.T) {
	timeouts := Timeouts{Application: 5 * time.Second, Recovery: 15 * time.Second}

	if !(Application{}).SupportsConfirm() || !(Application{}).SupportsFileSystem() {
		t.Error("application mode must support confirm and filesystem upload")
	}
	if (Recovery{}).SupportsConfirm() || (Recovery{}).SupportsFileSystem() {
		t.Error("recovery mode must not support confirm or filesystem upload")
	}
	if got := (Application{}).Timeout(timeouts); got != 5*time.Second {
		t.Errorf("application timeout = %v", got)
	}
	if got := (Recovery{}).Timeout(timeouts); got != 15*time.Second {
		t.Errorf("recovery timeout = %v", got)
	}
	if got := (Unknown{}).Timeout(timeouts); got != 0 {
		t.Errorf("unknown timeout = %v, want 0", got)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Application{}, Recovery{}, Unknown{}} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("bootloader"); err == nil {
		t.Error("ParseMode(bootloader) expected error")
	}
}
