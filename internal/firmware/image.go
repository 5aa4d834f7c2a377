// Package firmware parses MCUboot images and turns update files into
// upload candidates.
package firmware

import (
	"encoding/binary"
	"fmt"
)

// MCUboot image layout constants.
const (
	// ImageMagic opens every MCUboot image header.
	ImageMagic = 0x96f3b83d

	// MinHeaderSize is the size of the fixed image header fields.
	MinHeaderSize = 32

	// TLVInfoMagic marks the unprotected TLV area.
	TLVInfoMagic = 0x6907

	// TLVProtectedInfoMagic marks the protected TLV area.
	TLVProtectedInfoMagic = 0x6908

	// TLVSHA256 is the TLV type of the image hash.
	TLVSHA256 = 0x10

	tlvInfoSize   = 4
	tlvHeaderSize = 4
	sha256Size    = 32
)

// Version is the semantic version stored in the image header.
type Version struct {
	Major    uint8  `json:"major"`
	Minor    uint8  `json:"minor"`
	Revision uint16 `json:"revision"`
	Build    uint32 `json:"build"`
}

func (v Version) String() string {
	if v.Build != 0 {
		return fmt.Sprintf("%d.%d.%d+%d", v.Major, v.Minor, v.Revision, v.Build)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// ImageInfo is the metadata extracted from an MCUboot image.
type ImageInfo struct {
	HeaderSize uint16
	ImageSize  uint32
	Version    Version
	// Hash is the SHA-256 the bootloader reports for this image.
	Hash []byte
}

// ParseImageInfo reads the header and TLV trailer of an MCUboot image.
func ParseImageInfo(data []byte) (ImageInfo, error) {
	if len(data) < MinHeaderSize {
		return ImageInfo{}, &ValidationError{Reason: fmt.Sprintf("image too short: %d bytes", len(data))}
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != ImageMagic {
		return ImageInfo{}, &ValidationError{Reason: fmt.Sprintf("wrong magic 0x%08x", magic)}
	}

	info := ImageInfo{
		HeaderSize: binary.LittleEndian.Uint16(data[8:10]),
		ImageSize:  binary.LittleEndian.Uint32(data[12:16]),
		Version: Version{
			Major:    data[20],
			Minor:    data[21],
			Revision: binary.LittleEndian.Uint16(data[22:24]),
			Build:    binary.LittleEndian.Uint32(data[24:28]),
		},
	}
	protectSize := int(binary.LittleEndian.Uint16(data[10:12]))

	off := int(info.HeaderSize) + int(info.ImageSize)
	if info.HeaderSize < MinHeaderSize || off+tlvInfoSize > len(data) {
		return ImageInfo{}, &ValidationError{Reason: "header sizes exceed file length"}
	}

	if binary.LittleEndian.Uint16(data[off:]) == TLVProtectedInfoMagic {
		off += protectSize
		if off+tlvInfoSize > len(data) {
			return ImageInfo{}, &ValidationError{Reason: "protected tlv area exceeds file length"}
		}
	}

	if magic := binary.LittleEndian.Uint16(data[off:]); magic != TLVInfoMagic {
		return ImageInfo{}, &ValidationError{Reason: fmt.Sprintf("wrong tlv magic 0x%04x", magic)}
	}
	end := off + int(binary.LittleEndian.Uint16(data[off+2:]))
	if end > len(data) {
		return ImageInfo{}, &ValidationError{Reason: "tlv area exceeds file length"}
	}

	for p := off + tlvInfoSize; p+tlvHeaderSize <= end; {
		typ := binary.LittleEndian.Uint16(data[p:])
		n := int(binary.LittleEndian.Uint16(data[p+2:]))
		p += tlvHeaderSize
		if p+n > end {
			return ImageInfo{}, &ValidationError{Reason: "truncated tlv entry"}
		}
		if typ == TLVSHA256 && n == sha256Size {
			info.Hash = append([]byte(nil), data[p:p+n]...)
			return info, nil
		}
		p += n
	}
	return ImageInfo{}, &ValidationError{Reason: "image hash not found"}
}
