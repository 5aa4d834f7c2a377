// Package firmwaretest builds MCUboot images and update archives for tests
// and the device simulator.
package firmwaretest

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
)

const headerSize = 32

// Image describes a synthetic MCUboot image.
type Image struct {
	Major, Minor uint8
	Revision     uint16
	Build        uint32
	// PayloadSize is the number of body bytes after the header.
	PayloadSize int
	// Fill seeds the body bytes so images with equal sizes differ.
	Fill byte
	// Protected adds an empty protected TLV area before the hash TLV.
	Protected bool
}

// Build returns the encoded image and its SHA-256 hash TLV value.
func Build(img Image) (data, hash []byte) {
	var buf bytes.Buffer

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:], 0x96f3b83d)
	binary.LittleEndian.PutUint16(hdr[8:], headerSize)
	protect := 0
	if img.Protected {
		protect = 4
	}
	binary.LittleEndian.PutUint16(hdr[10:], uint16(protect))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(img.PayloadSize))
	hdr[20] = img.Major
	hdr[21] = img.Minor
	binary.LittleEndian.PutUint16(hdr[22:], img.Revision)
	binary.LittleEndian.PutUint32(hdr[24:], img.Build)
	buf.Write(hdr)

	for i := 0; i < img.PayloadSize; i++ {
		buf.WriteByte(byte(i) ^ img.Fill)
	}

	if img.Protected {
		var p [4]byte
		binary.LittleEndian.PutUint16(p[0:], 0x6908)
		binary.LittleEndian.PutUint16(p[2:], 4)
		buf.Write(p[:])
	}

	sum := sha256.Sum256(buf.Bytes())

	var tlv [4 + 4 + sha256.Size]byte
	binary.LittleEndian.PutUint16(tlv[0:], 0x6907)
	binary.LittleEndian.PutUint16(tlv[2:], uint16(len(tlv)))
	binary.LittleEndian.PutUint16(tlv[4:], 0x10)
	binary.LittleEndian.PutUint16(tlv[6:], sha256.Size)
	copy(tlv[8:], sum[:])
	buf.Write(tlv[:])

	return buf.Bytes(), sum[:]
}

// Zip packs files into a zip archive.
func Zip(files map[string][]byte, order ...string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if len(order) == 0 {
		for name := range files {
			order = append(order, name)
		}
	}
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(files[name]); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
