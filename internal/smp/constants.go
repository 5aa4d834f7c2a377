package smp

// HeaderSize is the fixed SMP header length in bytes.
const HeaderSize = 8

// Op is the SMP operation code.
type Op uint8

// Operation codes.
const (
	OpRead     Op = 0
	OpReadRsp  Op = 1
	OpWrite    Op = 2
	OpWriteRsp Op = 3
)

// Response returns the response op matching a request op.
func (o Op) Response() Op {
	switch o {
	case OpRead:
		return OpReadRsp
	case OpWrite:
		return OpWriteRsp
	default:
		return o
	}
}

// IsResponse reports whether the op is a response.
func (o Op) IsResponse() bool {
	return o == OpReadRsp || o == OpWriteRsp
}

// Group is the SMP management group.
type Group uint16

// Management groups.
const (
	GroupOS     Group = 0
	GroupImage  Group = 1
	GroupStat   Group = 2
	GroupConfig Group = 3
	GroupLog    Group = 4
	GroupCrash  Group = 5
	GroupSplit  Group = 6
	GroupRun    Group = 7
	GroupFS     Group = 8
	GroupShell  Group = 9
)

func (g Group) String() string {
	switch g {
	case GroupOS:
		return "os"
	case GroupImage:
		return "image"
	case GroupStat:
		return "stat"
	case GroupConfig:
		return "config"
	case GroupLog:
		return "log"
	case GroupCrash:
		return "crash"
	case GroupSplit:
		return "split"
	case GroupRun:
		return "run"
	case GroupFS:
		return "fs"
	case GroupShell:
		return "shell"
	default:
		return "unknown"
	}
}

// OS group command ids.
const (
	OSEcho     uint8 = 0
	OSConsole  uint8 = 1
	OSTaskStat uint8 = 2
	OSMPStat   uint8 = 3
	OSDateTime uint8 = 4
	OSReset    uint8 = 5
)

// Image group command ids.
const (
	ImageState    uint8 = 0
	ImageUpload   uint8 = 1
	ImageFile     uint8 = 2
	ImageCoreList uint8 = 3
	ImageCoreLoad uint8 = 4
	ImageErase    uint8 = 5
)

// Filesystem group command ids.
const (
	FSFile uint8 = 0
)

// Shell group command ids.
const (
	ShellExec uint8 = 0
)

// Management return codes (MGMT_ERR_*).
const (
	RCOk             = 0
	RCUnknown        = 1
	RCNoMemory       = 2
	RCInvalid        = 3
	RCTimeout        = 4
	RCNoEntry        = 5
	RCBadState       = 6
	RCMsgSize        = 7
	RCNotSupported   = 8
	RCCorrupt        = 9
	RCBusy           = 10
	RCAccessDenied   = 11
	RCUnsupportedOld = 12
	RCUnsupportedNew = 13
)
