package session

import "errors"

var (
	// ErrNotConnected is returned by device commands while no link is up.
	ErrNotConnected = errors.New("not connected to a device")
	// ErrAlreadyConnected is returned by Connect while a link is up.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrTransportLocked is returned when switching transports while
	// connected.
	ErrTransportLocked = errors.New("transport cannot change while connected")
)
