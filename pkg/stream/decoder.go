package stream

import (
	"bytes"
	"unicode/utf8"
)

var separator = []byte(frameSeparator)

// FrameDecoder reassembles frames from arbitrarily split byte chunks.
//
// Bytes of a multi-byte character cut at a chunk boundary are held back until
// the rest arrives. Complete frames are returned in order; a trailing partial
// frame stays buffered until the next Write.
type FrameDecoder struct {
	carry  []byte
	buffer []byte
	// buffer[:scanned] holds no complete separator
	scanned int
}

func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Write feeds a chunk and returns the frames it completed. Only the new bytes
// and the separator overlap before them are searched.
func (d *FrameDecoder) Write(chunk []byte) []string {
	d.buffer = append(d.buffer, d.decode(chunk)...)

	var frames []string
	start := 0
	from := d.scanned - len(frameSeparator) + 1
	if from < 0 {
		from = 0
	}
	for {
		i := bytes.Index(d.buffer[from:], separator)
		if i < 0 {
			break
		}
		end := from + i
		if end > start {
			frames = append(frames, string(d.buffer[start:end]))
		}
		start = end + len(separator)
		from = start
	}

	if start > 0 {
		d.buffer = append(d.buffer[:0], d.buffer[start:]...)
	}
	d.scanned = len(d.buffer)
	return frames
}

// Pending returns the buffered text of the incomplete trailing frame.
func (d *FrameDecoder) Pending() string {
	return string(d.buffer) + string(d.carry)
}

func (d *FrameDecoder) decode(chunk []byte) []byte {
	data := chunk
	if len(d.carry) > 0 {
		data = append(d.carry, chunk...)
		d.carry = nil
	}

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if !utf8.FullRune(data[i:]) {
			cut = i
		}
		break
	}
	if cut < len(data) {
		d.carry = append([]byte(nil), data[cut:]...)
	}
	return data[:cut]
}
