// Package annexb regroups a raw H264 Annex-B byte stream into groups that
// can be delivered to a decoder one message at a time.
package annexb

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// StartCode is the marker preceding every NAL unit in the stream.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// FindStartCodes returns the offsets of all non-overlapping start codes in b,
// in order.
func FindStartCodes(b []byte) []int {
	var offsets []int
	for pos := 0; pos <= len(b)-len(StartCode); {
		i := bytes.Index(b[pos:], StartCode)
		if i < 0 {
			break
		}
		offsets = append(offsets, pos+i)
		pos += i + len(StartCode)
	}
	return offsets
}

// UnitType returns the type of the NAL unit whose start code begins at off.
// ok is false when the unit header is not contained in b.
func UnitType(b []byte, off int) (typ h264.NALUType, ok bool) {
	hdr := off + len(StartCode)
	if off < 0 || hdr >= len(b) {
		return 0, false
	}
	return h264.NALUType(b[hdr] & 0x1F), true
}

// isPlainSlice reports whether the unit starting at off is a non-IDR slice.
// A unit whose header is cut off by the end of the chunk is never one.
func isPlainSlice(b []byte, off int) bool {
	typ, ok := UnitType(b, off)
	return ok && typ == h264.NALUTypeNonIDR
}
