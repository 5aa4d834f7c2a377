package transport

import (
	"bytes"
	"strings"
	"testing"
)

func TestCRC16(t *testing.T) {
	// CRC-16/XMODEM check value.
	if got := CRC16([]byte("123456789")); got != 0x31C3 {
		t.Errorf("CRC16() = 0x%04x, want 0x31c3", got)
	}
	if got := CRC16(nil); got != 0 {
		t.Errorf("CRC16(nil) = 0x%04x, want 0", got)
	}
}

func TestEncodeConsoleLines(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		wantLines int
	}{
		{name: "small packet", size: 10, wantLines: 1},
		{name: "exactly one line", size: 89, wantLines: 1},
		{name: "two lines", size: 200, wantLines: 3},
		{name: "large packet", size: 1000, wantLines: 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := bytes.Repeat([]byte{0xA5}, tt.size)
			out := EncodeConsole(pkt)

			lines := strings.SplitAfter(string(out), "\n")
			if lines[len(lines)-1] == "" {
				lines = lines[:len(lines)-1]
			}
			if len(lines) != tt.wantLines {
				t.Fatalf("got %d lines, want %d", len(lines), tt.wantLines)
			}
			for i, line := range lines {
				if len(line) > consoleMaxLine {
					t.Errorf("line %d is %d bytes", i, len(line))
				}
				marker := consoleContinuation
				if i == 0 {
					marker = consoleStart
				}
				if !strings.HasPrefix(line, string(marker)) {
					t.Errorf("line %d has wrong marker % x", i, line[:2])
				}
			}
		})
	}
}

func TestConsoleRoundTrip(t *testing.T) {
	sizes := []int{1, 8, 89, 90, 300, 1024}

	for _, size := range sizes {
		pkt := make([]byte, size)
		for i := range pkt {
			pkt[i] = byte(i * 7)
		}

		var dec ConsoleDecoder
		// Feed one byte at a time to exercise line buffering.
		var got [][]byte
		for _, b := range EncodeConsole(pkt) {
			p, errs := dec.Feed([]byte{b})
			if len(errs) > 0 {
				t.Fatalf("size %d: unexpected errors %v", size, errs)
			}
			got = append(got, p...)
		}
		if len(got) != 1 || !bytes.Equal(got[0], pkt) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

func TestConsoleDecoderText(t *testing.T) {
	var text []string
	dec := ConsoleDecoder{Text: func(line string) { text = append(text, line) }}

	input := append([]byte("uart:~$ hello\r\n"), EncodeConsole([]byte{1, 2, 3})...)
	packets, errs := dec.Feed(input)

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if len(text) != 1 || text[0] != "uart:~$ hello" {
		t.Errorf("text = %q", text)
	}
}

func TestConsoleDecoderCRCMismatch(t *testing.T) {
	frame := EncodeConsole([]byte{9, 9, 9, 9})
	// Re-encode with a corrupted payload but the original checksum.
	var dec ConsoleDecoder
	corrupt := bytes.Replace(frame, []byte("CQkJ"), []byte("CQkK"), 1)
	if bytes.Equal(corrupt, frame) {
		t.Fatal("test frame was not corrupted")
	}

	packets, errs := dec.Feed(corrupt)
	if len(packets) != 0 {
		t.Errorf("got %d packets from a corrupt frame", len(packets))
	}
	if len(errs) != 1 {
		t.Errorf("got %d errors, want 1", len(errs))
	}
}

func TestConsoleContinuationWithoutStart(t *testing.T) {
	var dec ConsoleDecoder
	_, errs := dec.Feed(append(append([]byte{}, consoleContinuation...), []byte("AAAA\n")...))
	if len(errs) != 1 {
		t.Errorf("got %d errors, want 1", len(errs))
	}
}

func TestConsoleDecoderLineLimit(t *testing.T) {
	var dec ConsoleDecoder
	var text []string
	dec.Text = func(line string) { text = append(text, line) }

	noise := bytes.Repeat([]byte{0x55}, 3*consoleLineLimit)
	packets, errs := dec.Feed(noise)
	if len(packets) != 0 || len(errs) != 1 {
		t.Fatalf("noise gave %d packets, %d errors; want 0, 1", len(packets), len(errs))
	}
	if len(dec.line) != 0 {
		t.Errorf("line buffer holds %d bytes after overflow", len(dec.line))
	}

	// The rest of the noisy line is dropped; the decoder recovers at the
	// next newline.
	input := append([]byte("more noise\nuart:~$ \n"), EncodeConsole([]byte{1, 2, 3, 4})...)
	packets, errs = dec.Feed(input)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors after recovery: %v", errs)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{1, 2, 3, 4}) {
		t.Errorf("packets after recovery = %v", packets)
	}
	if len(text) != 1 || text[0] != "uart:~$ " {
		t.Errorf("text lines = %q", text)
	}
}
