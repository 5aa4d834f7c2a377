package smp

import (
	"encoding/hex"
	"encoding/json"
)

// Result carries the status fields common to every response.
// SMP v1 devices report a bare rc; SMP v2 devices report a group error.
type Result struct {
	RC       int       `cbor:"rc,omitempty" json:"rc,omitempty"`
	GroupErr *GroupErr `cbor:"err,omitempty" json:"err,omitempty"`
}

// GroupErr is the SMP v2 error object.
type GroupErr struct {
	Group int `cbor:"group" json:"group"`
	RC    int `cbor:"rc" json:"rc"`
}

// Err returns a *ProtocolError when the response reports a failure.
func (r Result) Err(group Group, id uint8) error {
	if r.GroupErr != nil && r.GroupErr.RC != RCOk {
		return &ProtocolError{Group: Group(r.GroupErr.Group), ID: id, RC: r.GroupErr.RC}
	}
	if r.RC != RCOk {
		return &ProtocolError{Group: group, ID: id, RC: r.RC}
	}
	return nil
}

// Status exposes the embedded Result to generic response handling.
func (r *Result) Status() *Result { return r }

// Response is implemented by every response struct embedding Result.
type Response interface {
	Status() *Result
}

// ---- image management ----

// ImageSlot is one entry of the device image state list.
// Pending and Confirmed are pointers because recovery-mode bootloaders omit
// them; Hash is nil when the device does not report it.
type ImageSlot struct {
	Image     int    `cbor:"image" json:"image"`
	Slot      int    `cbor:"slot" json:"slot"`
	Version   string `cbor:"version" json:"version"`
	Hash      []byte `cbor:"hash,omitempty" json:"-"`
	Bootable  bool   `cbor:"bootable,omitempty" json:"bootable"`
	Pending   *bool  `cbor:"pending,omitempty" json:"pending,omitempty"`
	Confirmed *bool  `cbor:"confirmed,omitempty" json:"confirmed,omitempty"`
	Active    bool   `cbor:"active,omitempty" json:"active"`
	Permanent bool   `cbor:"permanent,omitempty" json:"permanent"`
}

// HashHex returns the slot hash as lower-case hex, or "" when absent.
func (s ImageSlot) HashHex() string {
	if s.Hash == nil {
		return ""
	}
	return hex.EncodeToString(s.Hash)
}

// MarshalJSON renders the hash as hex for UI consumers.
func (s ImageSlot) MarshalJSON() ([]byte, error) {
	type slot ImageSlot
	return json.Marshal(struct {
		slot
		Hash string `json:"hash,omitempty"`
	}{slot(s), s.HashHex()})
}

// IsPending reports the pending flag, false when absent.
func (s ImageSlot) IsPending() bool { return s.Pending != nil && *s.Pending }

// IsConfirmed reports the confirmed flag, false when absent.
func (s ImageSlot) IsConfirmed() bool { return s.Confirmed != nil && *s.Confirmed }

// ImageStateReq reads the image state list.
type ImageStateReq struct{}

// ImageStateWriteReq marks an image for test (Confirm=false) or confirms it.
// An empty hash with Confirm=true confirms the running image.
type ImageStateWriteReq struct {
	Hash    []byte `cbor:"hash,omitempty"`
	Confirm bool   `cbor:"confirm"`
}

// ImageStateRsp is the response to both state read and state write.
type ImageStateRsp struct {
	Result
	Images      []ImageSlot `cbor:"images"`
	SplitStatus int         `cbor:"splitStatus,omitempty"`
}

// ImageUploadReq carries one chunk of an image upload.
// Len and Sha are only sent with the first chunk (Off == 0).
type ImageUploadReq struct {
	Image int    `cbor:"image"`
	Off   uint32 `cbor:"off"`
	Len   uint32 `cbor:"len,omitempty"`
	Sha   []byte `cbor:"sha,omitempty"`
	Data  []byte `cbor:"data"`
}

// UploadRsp acknowledges an image or file chunk with the next expected offset.
type UploadRsp struct {
	Result
	Off   uint32 `cbor:"off"`
	Match *bool  `cbor:"match,omitempty"`
}

// ImageEraseReq erases a slot; Slot nil selects the device default.
type ImageEraseReq struct {
	Slot *int `cbor:"slot,omitempty"`
}

// EmptyRsp is used for commands whose response carries only a status.
type EmptyRsp struct {
	Result
}

// ---- OS management ----

// EchoReq asks the device to echo a string.
type EchoReq struct {
	D string `cbor:"d"`
}

// EchoRsp is the echoed string.
type EchoRsp struct {
	Result
	R string `cbor:"r"`
}

// TaskStatReq reads task statistics.
type TaskStatReq struct{}

// TaskStat describes one device task.
type TaskStat struct {
	Prio      int    `cbor:"prio" json:"prio"`
	TID       int    `cbor:"tid" json:"tid"`
	State     int    `cbor:"state" json:"state"`
	StackUse  int    `cbor:"stkuse" json:"stkuse"`
	StackSize int    `cbor:"stksiz" json:"stksiz"`
	Switches  int    `cbor:"cswcnt" json:"cswcnt"`
	Runtime   int    `cbor:"runtime" json:"runtime"`
	LastCheck uint64 `cbor:"last_checkin,omitempty" json:"last_checkin,omitempty"`
}

// TaskStatRsp maps task names to statistics.
type TaskStatRsp struct {
	Result
	Tasks map[string]TaskStat `cbor:"tasks"`
}

// MPStatReq reads memory pool statistics.
type MPStatReq struct{}

// MemPool describes one memory pool.
type MemPool struct {
	BlockSize int `cbor:"blksiz" json:"blksiz"`
	Blocks    int `cbor:"nblks" json:"nblks"`
	Free      int `cbor:"nfree" json:"nfree"`
	Min       int `cbor:"min" json:"min"`
}

// MPStatRsp maps pool names to statistics.
type MPStatRsp struct {
	Result
	Pools map[string]MemPool `cbor:"mpools"`
}

// ResetReq reboots the device.
type ResetReq struct {
	Force bool `cbor:"force,omitempty"`
}

// ---- filesystem management ----

// FileUploadReq carries one chunk of a file upload.
// Len is only sent with the first chunk.
type FileUploadReq struct {
	Name string `cbor:"name"`
	Off  uint32 `cbor:"off"`
	Len  uint32 `cbor:"len,omitempty"`
	Data []byte `cbor:"data"`
}

// ---- shell management ----

// ShellExecReq runs a shell command line on the device.
type ShellExecReq struct {
	Argv []string `cbor:"argv"`
}

// ShellExecRsp is the captured command output and its return value.
type ShellExecRsp struct {
	Result
	O   string `cbor:"o"`
	Ret int    `cbor:"ret"`
}
