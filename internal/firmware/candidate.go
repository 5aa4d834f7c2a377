package firmware

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Image numbers of the ZSWatch firmware parts.
const (
	ImageAppInternal = 0
	ImageNetCore     = 1
	ImageAppExternal = 2
)

// fileImages maps build output names to image numbers.
var fileImages = map[string]int{
	"app.internal.bin": ImageAppInternal,
	"ipc_radio.bin":    ImageNetCore,
	"app.external.bin": ImageAppExternal,
}

var imageNames = map[int]string{
	ImageAppInternal: "App Internal",
	ImageNetCore:     "Net Core",
	ImageAppExternal: "App External (XIP)",
}

// ImageForFile returns the image number of a known firmware file name.
func ImageForFile(name string) (int, bool) {
	n, ok := fileImages[path.Base(name)]
	return n, ok
}

// ImageName returns a display name for an image number.
func ImageName(image int) string {
	if name, ok := imageNames[image]; ok {
		return name
	}
	return fmt.Sprintf("Image %d", image)
}

// Candidate is a firmware image staged for upload.
type Candidate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     int       `json:"image"`
	Size      int       `json:"size"`
	Version   string    `json:"version"`
	Hash      string    `json:"hash"`
	Uploading bool      `json:"uploading"`
	Uploaded  bool      `json:"uploaded"`
	Confirmed bool      `json:"confirmed"`
	Data      []byte    `json:"-"`
	Info      ImageInfo `json:"-"`
}

// NewCandidate validates an MCUboot image and wraps it for upload.
func NewCandidate(name string, image int, data []byte) (*Candidate, error) {
	if image < 0 {
		return nil, &ValidationError{File: name, Reason: fmt.Sprintf("invalid image number %d", image)}
	}
	info, err := ParseImageInfo(data)
	if err != nil {
		if ve, ok := err.(*ValidationError); ok {
			ve.File = name
		}
		return nil, err
	}
	return &Candidate{
		ID:      uuid.NewString(),
		Name:    name,
		Image:   image,
		Size:    len(data),
		Version: info.Version.String(),
		Hash:    hex.EncodeToString(info.Hash),
		Data:    data,
		Info:    info,
	}, nil
}

// HashBytes decodes a hex image hash as sent in confirm and test requests.
func HashBytes(h string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("bad hash %q: %v", h, err)}
	}
	if len(b) == 0 {
		return nil, &ValidationError{Reason: "empty hash"}
	}
	return b, nil
}

// IsZip reports whether data looks like a zip archive.
func IsZip(name string, data []byte) bool {
	return strings.HasSuffix(strings.ToLower(name), ".zip") || bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

// ParseZip extracts every .bin image from a dfu_application.zip. An entry
// whose name has no image mapping rejects the whole archive.
func ParseZip(data []byte) ([]*Candidate, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("bad zip archive: %v", err)}
	}

	var (
		candidates []*Candidate
		unmapped   []string
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, ".bin") {
			continue
		}
		image, ok := ImageForFile(f.Name)
		if !ok {
			unmapped = append(unmapped, f.Name)
			continue
		}

		body, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		c, err := NewCandidate(path.Base(f.Name), image, body)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	if len(unmapped) > 0 {
		return nil, &ValidationError{Reason: "unknown image files in archive: " + strings.Join(unmapped, ", ")}
	}
	if len(candidates) == 0 {
		return nil, &ValidationError{Reason: "zip contains no firmware images"}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Image < candidates[j].Image })
	return candidates, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return body, nil
}
