// Package sink implements playback buffers that accept media bytes in
// arbitrary chunks and report which spans of playback time are playable.
package sink

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/agleyzer/rangefeed/pkg/segment"
)

// Sink is the playback buffer fed by the scheduler.
type Sink interface {
	// Append hands a chunk to the buffer. Returning nil means the chunk was
	// accepted; the caller may then consider its range consumed.
	Append(chunk []byte) error

	// Buffered returns the playable spans, ordered by start time.
	Buffered() []segment.Span
}

// Error reports a chunk the buffer rejected.
type Error struct {
	// Offset is the number of bytes accepted before the failing chunk
	Offset int64
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sink rejected chunk at byte %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("sink rejected chunk at byte %d: %s", e.Offset, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// spanTolerance joins spans separated by less than this, absorbing rounding
// between fragment timestamps.
const spanTolerance = 50 * time.Millisecond

// ConstantBitrate treats the resource as constant-bitrate media: every
// received byte extends a single span starting at zero.
type ConstantBitrate struct {
	mu             sync.RWMutex
	bytesPerSecond int64
	received       int64
	maxBytes       int64
	out            io.Writer
}

// NewConstantBitrate creates a buffer for media of the given bitrate in bits
// per second. maxBytes limits the buffer (0 = unlimited); out, when not nil,
// receives every accepted chunk.
func NewConstantBitrate(bitrate int64, maxBytes int64, out io.Writer) (*ConstantBitrate, error) {
	if bitrate < 8 {
		return nil, fmt.Errorf("bitrate must be at least 8 bits per second, got %d", bitrate)
	}

	return &ConstantBitrate{
		bytesPerSecond: bitrate / 8,
		maxBytes:       maxBytes,
		out:            out,
	}, nil
}

// Append accepts chunk.
func (c *ConstantBitrate) Append(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && c.received+int64(len(chunk)) > c.maxBytes {
		return &Error{Offset: c.received, Reason: fmt.Sprintf("buffer full (%d byte quota)", c.maxBytes)}
	}

	if c.out != nil {
		if _, err := c.out.Write(chunk); err != nil {
			return &Error{Offset: c.received, Reason: "write output", Err: err}
		}
	}

	c.received += int64(len(chunk))
	return nil
}

// Buffered returns [0, received/bytesPerSecond), or nothing before the first byte.
func (c *ConstantBitrate) Buffered() []segment.Span {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.received == 0 {
		return nil
	}

	end := time.Duration(float64(c.received) / float64(c.bytesPerSecond) * float64(time.Second))
	return []segment.Span{{Start: 0, End: end}}
}
