package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// SMP console framing used by MCUboot serial recovery and the Zephyr shell
// transport. A packet is wrapped as len(2) | smp | crc16(2), base64 encoded
// and split into newline terminated lines of at most 127 bytes.
const (
	consoleMaxLine   = 127
	consoleChunkSize = consoleMaxLine - 2 - 1 // marker and newline

	// consoleLineLimit caps buffered bytes without a newline. Shell output
	// lines are far shorter, so anything longer is line noise.
	consoleLineLimit = 4096
)

var (
	consoleStart        = []byte{0x06, 0x09}
	consoleContinuation = []byte{0x04, 0x14}
)

// CRC16 computes CRC-16/XMODEM (poly 0x1021, init 0).
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EncodeConsole frames one SMP packet for the serial console.
func EncodeConsole(pkt []byte) []byte {
	raw := make([]byte, 2, len(pkt)+4)
	binary.BigEndian.PutUint16(raw, uint16(len(pkt)+2))
	raw = append(raw, pkt...)
	raw = binary.BigEndian.AppendUint16(raw, CRC16(pkt))

	enc := base64.StdEncoding.EncodeToString(raw)

	var out bytes.Buffer
	for i := 0; i < len(enc); i += consoleChunkSize {
		end := i + consoleChunkSize
		if end > len(enc) {
			end = len(enc)
		}
		if i == 0 {
			out.Write(consoleStart)
		} else {
			out.Write(consoleContinuation)
		}
		out.WriteString(enc[i:end])
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// ConsoleDecoder turns console bytes back into SMP packets. Lines without a
// frame marker are plain console output and are passed to the Text callback.
type ConsoleDecoder struct {
	Text func(line string)

	line       []byte
	body       []byte
	inFrame    bool
	discarding bool
}

// Feed consumes raw serial bytes and returns every completed packet.
// Malformed frames are discarded and reported in errs.
func (d *ConsoleDecoder) Feed(data []byte) (packets [][]byte, errs []error) {
	for _, b := range data {
		if b != '\n' {
			if d.discarding {
				continue
			}
			if len(d.line) >= consoleLineLimit {
				errs = append(errs, fmt.Errorf("console line exceeds %d bytes, discarded", consoleLineLimit))
				d.line = d.line[:0]
				d.inFrame = false
				d.discarding = true
				continue
			}
			d.line = append(d.line, b)
			continue
		}
		if d.discarding {
			d.discarding = false
			continue
		}
		pkt, err := d.handleLine(bytes.TrimRight(d.line, "\r"))
		d.line = d.line[:0]
		if err != nil {
			errs = append(errs, err)
		}
		if pkt != nil {
			packets = append(packets, pkt)
		}
	}
	return packets, errs
}

func (d *ConsoleDecoder) handleLine(line []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(line, consoleStart):
		d.body = d.body[:0]
		d.inFrame = true
	case bytes.HasPrefix(line, consoleContinuation):
		if !d.inFrame {
			return nil, fmt.Errorf("console continuation without frame start")
		}
	default:
		if d.Text != nil && len(line) > 0 {
			d.Text(string(line))
		}
		return nil, nil
	}

	chunk, err := base64.StdEncoding.DecodeString(string(line[2:]))
	if err != nil {
		d.inFrame = false
		return nil, fmt.Errorf("console frame: %w", err)
	}
	d.body = append(d.body, chunk...)

	if len(d.body) < 2 {
		return nil, nil
	}
	want := int(binary.BigEndian.Uint16(d.body))
	if want < 2 {
		d.inFrame = false
		return nil, fmt.Errorf("console frame: invalid length %d", want)
	}
	if len(d.body)-2 < want {
		return nil, nil
	}
	d.inFrame = false

	payload := d.body[2 : 2+want-2]
	sum := binary.BigEndian.Uint16(d.body[2+want-2:])
	if got := CRC16(payload); got != sum {
		return nil, fmt.Errorf("console frame: crc mismatch: got 0x%04x, want 0x%04x", got, sum)
	}

	pkt := make([]byte, len(payload))
	copy(pkt, payload)
	return pkt, nil
}
