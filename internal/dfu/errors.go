package dfu

import "errors"

var (
	// ErrBusy is returned when a transfer or upload run is already active.
	ErrBusy = errors.New("an upload is already in progress")

	// ErrUnsupportedInMode is returned for commands the device mode lacks.
	ErrUnsupportedInMode = errors.New("operation not supported in this device mode")

	// ErrNoSlotMapping is returned for image numbers recovery cannot target.
	ErrNoSlotMapping = errors.New("no recovery slot for image")

	// ErrNoPendingConfirmation is returned by Respond when nothing awaits a
	// decision.
	ErrNoPendingConfirmation = errors.New("no confirmation pending")

	// ErrNothingToUpload is returned when the queue holds no pending image.
	ErrNothingToUpload = errors.New("no images staged for upload")
)
