package annexb

// FlushedGroup is one or more consecutive NAL units, start codes included,
// that are delivered together.
type FlushedGroup []byte

// Stats are counters of a Demuxer.
type Stats struct {
	GroupsEmitted uint64
	BytesEmitted  uint64
	BytesPending  int
}

// Demuxer accumulates chunks of an Annex-B stream and emits a group every time
// a non-IDR slice begins. Parameter sets, SEI and IDR slices are therefore
// always delivered in a single group together.
//
// A start code split across two chunks is not detected.
//
// A Demuxer is not safe for concurrent use.
type Demuxer struct {
	pending []byte
	stats   Stats
}

// Push processes a chunk. emit is called synchronously for each group, in
// stream order. If emit fails, the rest of the chunk is discarded and the
// error is returned. The group passed to emit is not reused by the Demuxer.
func (d *Demuxer) Push(chunk []byte, emit func(FlushedGroup) error) error {
	offsets := FindStartCodes(chunk)

	// continuation of the unit that is already pending
	if len(offsets) == 0 {
		d.pending = append(d.pending, chunk...)
		return nil
	}

	if offsets[0] != 0 {
		d.pending = append(d.pending, chunk[:offsets[0]]...)
	}

	for i, off := range offsets {
		if len(d.pending) != 0 && isPlainSlice(chunk, off) {
			if err := d.flush(emit); err != nil {
				return err
			}
		}

		end := len(chunk)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		d.pending = append(d.pending, chunk[off:end]...)
	}

	return nil
}

func (d *Demuxer) flush(emit func(FlushedGroup) error) error {
	group := FlushedGroup(d.pending)
	d.pending = make([]byte, 0, cap(group))

	d.stats.GroupsEmitted++
	d.stats.BytesEmitted += uint64(len(group))

	return emit(group)
}

// Pending returns the bytes that have not been emitted yet.
func (d *Demuxer) Pending() []byte {
	return d.pending
}

// Flush returns the pending bytes as a group and clears them. It returns nil
// when nothing is pending.
func (d *Demuxer) Flush() FlushedGroup {
	if len(d.pending) == 0 {
		return nil
	}
	group := FlushedGroup(d.pending)
	d.pending = nil

	d.stats.GroupsEmitted++
	d.stats.BytesEmitted += uint64(len(group))

	return group
}

// Stats returns the counters.
func (d *Demuxer) Stats() Stats {
	s := d.stats
	s.BytesPending = len(d.pending)
	return s
}
