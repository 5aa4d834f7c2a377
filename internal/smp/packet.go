package smp

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Header is the fixed SMP packet header.
type Header struct {
	Op    Op
	Flags uint8
	Len   uint16
	Group Group
	Seq   uint8
	ID    uint8
}

// MarshalBinary encodes the header in network byte order.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	h.put(b)
	return b, nil
}

func (h Header) put(b []byte) {
	b[0] = byte(h.Op)
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.Len)
	binary.BigEndian.PutUint16(b[4:6], uint16(h.Group))
	b[6] = h.Seq
	b[7] = h.ID
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("packet too short: got %d bytes, minimum is %d", len(b), HeaderSize)
	}
	return Header{
		Op:    Op(b[0]),
		Flags: b[1],
		Len:   binary.BigEndian.Uint16(b[2:4]),
		Group: Group(binary.BigEndian.Uint16(b[4:6])),
		Seq:   b[6],
		ID:    b[7],
	}, nil
}

var decMode cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Encode builds a complete packet from a header and a CBOR-encodable payload.
// The header length field is filled in from the encoded payload.
func Encode(h Header, payload any) ([]byte, error) {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("payload too large: %d bytes", len(body))
	}
	h.Len = uint16(len(body))

	pkt := make([]byte, HeaderSize+len(body))
	h.put(pkt)
	copy(pkt[HeaderSize:], body)
	return pkt, nil
}

// Decode splits a packet into its header and CBOR body.
func Decode(pkt []byte) (Header, []byte, error) {
	h, err := ParseHeader(pkt)
	if err != nil {
		return Header{}, nil, err
	}
	end := HeaderSize + int(h.Len)
	if len(pkt) < end {
		return Header{}, nil, fmt.Errorf("incomplete packet: got %d bytes, expected %d", len(pkt), end)
	}
	return h, pkt[HeaderSize:end], nil
}

// Unmarshal decodes a CBOR body into v.
func Unmarshal(body []byte, v any) error {
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Marshal encodes v as CBOR.
func Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodeMap decodes a CBOR body into a generic map, for logging and events.
func DecodeMap(body []byte) (map[string]any, error) {
	var m map[string]any
	if err := Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}
