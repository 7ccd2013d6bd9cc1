package sink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/agleyzer/rangefeed/pkg/segment"
)

// maxHeaderBoxSize bounds how much of a moov or moof box is held in memory
// while waiting for the rest of it.
const maxHeaderBoxSize = 16 << 20

// FragmentedMP4 is a buffer for fragmented MP4 media (an init segment
// followed by moof/mdat fragments). Chunks may split boxes anywhere. A
// fragment's time span becomes playable once its mdat has been fully received.
type FragmentedMP4 struct {
	mu sync.RWMutex

	// pending holds the start of a box whose header or payload is incomplete.
	pending []byte
	// skip is the number of bytes still to discard of a box we do not decode.
	skip     uint64
	skipType string
	// pos is the absolute stream offset of pending[0].
	pos uint64

	trackID     uint32
	timescale   uint32
	trexDefault uint32
	nextDecode  uint64

	// fragment is the span of the last decoded moof, waiting for its mdat.
	fragment *segment.Span
	spans    []segment.Span

	accepted int64
	maxBytes int64
	out      io.Writer
}

// NewFragmentedMP4 creates an empty fMP4 buffer. maxBytes limits the buffer
// (0 = unlimited); out, when not nil, receives every accepted chunk.
func NewFragmentedMP4(maxBytes int64, out io.Writer) *FragmentedMP4 {
	return &FragmentedMP4{
		maxBytes: maxBytes,
		out:      out,
	}
}

// Append parses chunk and updates the buffered spans.
func (f *FragmentedMP4) Append(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.maxBytes > 0 && f.accepted+int64(len(chunk)) > f.maxBytes {
		return &Error{Offset: f.accepted, Reason: fmt.Sprintf("buffer full (%d byte quota)", f.maxBytes)}
	}

	if err := f.consume(chunk); err != nil {
		return &Error{Offset: f.accepted, Reason: "malformed media", Err: err}
	}

	if f.out != nil {
		if _, err := f.out.Write(chunk); err != nil {
			return &Error{Offset: f.accepted, Reason: "write output", Err: err}
		}
	}

	f.accepted += int64(len(chunk))
	return nil
}

// Buffered returns a copy of the playable spans.
func (f *FragmentedMP4) Buffered() []segment.Span {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.spans) == 0 {
		return nil
	}
	out := make([]segment.Span, len(f.spans))
	copy(out, f.spans)
	return out
}

// initialized reports whether the init segment has been parsed.
func (f *FragmentedMP4) initialized() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.timescale != 0
}

func (f *FragmentedMP4) consume(data []byte) error {
	for len(data) > 0 {
		if f.skip > 0 {
			n := uint64(len(data))
			if n > f.skip {
				n = f.skip
			}
			f.skip -= n
			f.pos += n
			data = data[n:]
			if f.skip == 0 {
				f.finishBox(f.skipType)
			}
			continue
		}

		f.pending = append(f.pending, data...)
		data = nil
		if err := f.drain(); err != nil {
			return err
		}
	}
	return nil
}

// drain processes every complete box in pending.
func (f *FragmentedMP4) drain() error {
	for {
		size, typ, ok, err := boxHeader(f.pending)
		if err != nil {
			return fmt.Errorf("box at offset %d: %w", f.pos, err)
		}
		if !ok {
			return nil
		}

		switch typ {
		case "moov", "moof":
			if size > maxHeaderBoxSize {
				return fmt.Errorf("%s box of %d bytes exceeds %d byte limit", typ, size, maxHeaderBoxSize)
			}
			if uint64(len(f.pending)) < size {
				return nil
			}

			box, err := mp4.DecodeBox(f.pos, bytes.NewReader(f.pending[:size]))
			if err != nil {
				return fmt.Errorf("decode %s at offset %d: %w", typ, f.pos, err)
			}
			if err := f.handleBox(box); err != nil {
				return err
			}

			f.pending = f.pending[size:]
			f.pos += size

		default:
			if uint64(len(f.pending)) >= size {
				f.pending = f.pending[size:]
				f.pos += size
				f.finishBox(typ)
				continue
			}

			f.skip = size - uint64(len(f.pending))
			f.skipType = typ
			f.pos += uint64(len(f.pending))
			f.pending = nil
			return nil
		}
	}
}

func (f *FragmentedMP4) handleBox(box mp4.Box) error {
	switch b := box.(type) {
	case *mp4.MoovBox:
		return f.handleInit(b)
	case *mp4.MoofBox:
		return f.handleFragment(b)
	default:
		return fmt.Errorf("unexpected box %s", box.Type())
	}
}

func (f *FragmentedMP4) handleInit(moov *mp4.MoovBox) error {
	trak := moov.Trak
	if trak == nil || trak.Tkhd == nil || trak.Mdia == nil || trak.Mdia.Mdhd == nil {
		return fmt.Errorf("init segment has no usable track")
	}
	if trak.Mdia.Mdhd.Timescale == 0 {
		return fmt.Errorf("track %d has zero timescale", trak.Tkhd.TrackID)
	}

	f.trackID = trak.Tkhd.TrackID
	f.timescale = trak.Mdia.Mdhd.Timescale
	f.trexDefault = 0
	if moov.Mvex != nil {
		for _, trex := range moov.Mvex.Trexs {
			if trex.TrackID == f.trackID {
				f.trexDefault = trex.DefaultSampleDuration
			}
		}
	}
	return nil
}

func (f *FragmentedMP4) handleFragment(moof *mp4.MoofBox) error {
	if f.timescale == 0 {
		return fmt.Errorf("fragment before init segment")
	}

	var traf *mp4.TrafBox
	for _, t := range moof.Trafs {
		if t.Tfhd != nil && t.Tfhd.TrackID == f.trackID {
			traf = t
			break
		}
	}
	if traf == nil {
		return fmt.Errorf("fragment has no run for track %d", f.trackID)
	}

	defaultDur := f.trexDefault
	if traf.Tfhd.HasDefaultSampleDuration() {
		defaultDur = traf.Tfhd.DefaultSampleDuration
	}

	decode := f.nextDecode
	if traf.Tfdt != nil {
		decode = traf.Tfdt.BaseMediaDecodeTime()
	}

	var dur uint64
	for _, trun := range traf.Truns {
		dur += trun.Duration(defaultDur)
	}

	f.nextDecode = decode + dur
	if dur == 0 {
		f.fragment = nil
		return nil
	}

	f.fragment = &segment.Span{
		Start: f.toDuration(decode),
		End:   f.toDuration(decode + dur),
	}
	return nil
}

// finishBox is called when a skipped box has been fully received.
func (f *FragmentedMP4) finishBox(typ string) {
	if typ != "mdat" || f.fragment == nil {
		return
	}
	f.spans = segment.MergeSpan(f.spans, *f.fragment, spanTolerance)
	f.fragment = nil
}

func (f *FragmentedMP4) toDuration(t uint64) time.Duration {
	return time.Duration(float64(t) / float64(f.timescale) * float64(time.Second))
}

// boxHeader parses an ISO-BMFF box header at the start of buf. ok is false
// when buf does not yet hold the full header.
func boxHeader(buf []byte) (size uint64, typ string, ok bool, err error) {
	if len(buf) < 8 {
		return 0, "", false, nil
	}

	size = uint64(binary.BigEndian.Uint32(buf[0:4]))
	typ = string(buf[4:8])
	if !validBoxType(buf[4:8]) {
		return 0, "", false, fmt.Errorf("invalid box type %q, not an MP4 stream", typ)
	}

	headerLen := uint64(8)
	switch size {
	case 0:
		return 0, "", false, fmt.Errorf("%s box extending to end of file is not supported", typ)
	case 1:
		if len(buf) < 16 {
			return 0, "", false, nil
		}
		size = binary.BigEndian.Uint64(buf[8:16])
		headerLen = 16
	}

	if size < headerLen {
		return 0, "", false, fmt.Errorf("%s box size %d smaller than its header", typ, size)
	}
	return size, typ, true, nil
}

func validBoxType(b []byte) bool {
	for _, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == ' ' || c == '-' || c == '_' || c == 0xa9) {
			return false
		}
	}
	return true
}
