package smp

import "encoding/binary"

// Reassembler rebuilds whole SMP packets from a stream of fragments.
// BLE notifications and serial frames may split or join packets; the header
// length field tells where each packet ends.
type Reassembler struct {
	buf []byte
}

// Feed appends a fragment and returns every packet completed by it.
func (r *Reassembler) Feed(fragment []byte) [][]byte {
	r.buf = append(r.buf, fragment...)

	var packets [][]byte
	for len(r.buf) >= HeaderSize {
		total := HeaderSize + int(binary.BigEndian.Uint16(r.buf[2:4]))
		if len(r.buf) < total {
			break
		}
		pkt := make([]byte, total)
		copy(pkt, r.buf[:total])
		packets = append(packets, pkt)
		r.buf = r.buf[total:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return packets
}

// Pending returns the number of buffered bytes not yet forming a packet.
func (r *Reassembler) Pending() int { return len(r.buf) }

// Reset drops any partial packet.
func (r *Reassembler) Reset() { r.buf = nil }
