// Package mediatest generates small fragmented MP4 files for tests.
package mediatest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Timescale is the media timescale of generated tracks.
const Timescale = 1000

// Media is a generated fragmented MP4 file.
type Media struct {
	// Init is the encoded ftyp+moov
	Init []byte

	// Fragments holds each encoded moof+mdat
	Fragments [][]byte

	// FragmentDuration is the playback duration of every fragment
	FragmentDuration time.Duration
}

// Bytes returns the whole file.
func (m *Media) Bytes() []byte {
	var b bytes.Buffer
	b.Write(m.Init)
	for _, f := range m.Fragments {
		b.Write(f)
	}
	return b.Bytes()
}

// Duration returns the playback duration of the whole file.
func (m *Media) Duration() time.Duration {
	return time.Duration(len(m.Fragments)) * m.FragmentDuration
}

// Generate builds a single-track video file with the given number of
// fragments. Each fragment holds one second of samples (25 samples of 40ms)
// carrying sampleSize bytes of payload each.
func Generate(fragments int, sampleSize int) (*Media, error) {
	const (
		samplesPerFragment = 25
		sampleDur          = Timescale / samplesPerFragment
	)

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(Timescale, "video", "und")
	trackID := init.Moov.Trak.Tkhd.TrackID

	var initBuf bytes.Buffer
	if err := init.Encode(&initBuf); err != nil {
		return nil, fmt.Errorf("encode init segment: %w", err)
	}

	m := &Media{
		Init:             initBuf.Bytes(),
		FragmentDuration: time.Second,
	}

	decodeTime := uint64(0)
	for i := 0; i < fragments; i++ {
		frag, err := mp4.CreateFragment(uint32(i+1), trackID)
		if err != nil {
			return nil, fmt.Errorf("create fragment %d: %w", i, err)
		}

		for s := 0; s < samplesPerFragment; s++ {
			payload := bytes.Repeat([]byte{byte(i), byte(s)}, sampleSize/2+1)[:sampleSize]
			frag.AddFullSample(mp4.FullSample{
				Sample: mp4.Sample{
					Flags: mp4.SyncSampleFlags,
					Dur:   sampleDur,
					Size:  uint32(len(payload)),
				},
				DecodeTime: decodeTime,
				Data:       payload,
			})
			decodeTime += sampleDur
		}

		var fragBuf bytes.Buffer
		if err := frag.Encode(&fragBuf); err != nil {
			return nil, fmt.Errorf("encode fragment %d: %w", i, err)
		}
		m.Fragments = append(m.Fragments, fragBuf.Bytes())
	}

	return m, nil
}
