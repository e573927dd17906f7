// Package mjpeg splits a motion-JPEG byte stream into frames and writes them
// as a multipart/x-mixed-replace HTTP response.
package mjpeg

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxFrameSize is the largest frame a FrameReader accepts, a 4K frame at 24
// bits per pixel.
const MaxFrameSize = 3840 * 2160 * 3

var jpegTrailer = []byte{0xFF, 0xD9}

// ErrNoFrames is returned by FrameReader.Next when the stream has ended.
var ErrNoFrames = errors.New("no image frames to read")

// SplitFunc splits an MJPEG stream into JPEG frames by finding the trailer at
// the end of each frame. It is a bufio.SplitFunc.
func SplitFunc(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.Index(data, jpegTrailer); i >= 0 {
		return i + 2, data[0 : i+2], nil
	}

	// Request more data.
	return 0, nil, nil
}

// FrameReader reads JPEG frames from an MJPEG stream.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader allocates a FrameReader. sizeHint is the expected frame size.
func NewFrameReader(r io.Reader, sizeHint int) *FrameReader {
	if sizeHint <= 0 || sizeHint > MaxFrameSize {
		sizeHint = 64 * 1024
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, sizeHint), MaxFrameSize)
	scanner.Split(SplitFunc)

	return &FrameReader{scanner: scanner}
}

// Next returns the next frame. The frame is only valid until the next call.
func (fr *FrameReader) Next() ([]byte, error) {
	if !fr.scanner.Scan() {
		if err := fr.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoFrames
	}
	return fr.scanner.Bytes(), nil
}
