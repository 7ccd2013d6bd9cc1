// Package cursor tracks how much of a resource has been requested and
// computes the next byte range to fetch.
package cursor

import (
	"errors"
	"fmt"

	"github.com/agleyzer/rangefeed/pkg/segment"
)

// ErrExhausted is returned by NextRange once every byte has been requested.
var ErrExhausted = errors.New("cursor exhausted")

// Cursor hands out consecutive, fixed-size byte ranges of a resource with a
// known total length. It is not safe for concurrent use; the scheduler
// serializes access to it.
type Cursor struct {
	nextOffset  int64
	segmentSize int64
	totalLength int64
}

// New creates a cursor positioned at the start of the resource.
func New(segmentSize, totalLength int64) (*Cursor, error) {
	if segmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", segmentSize)
	}
	if totalLength < 0 {
		return nil, fmt.Errorf("total length must not be negative, got %d", totalLength)
	}

	return &Cursor{
		segmentSize: segmentSize,
		totalLength: totalLength,
	}, nil
}

// NextRange returns the range starting at the current offset. It does not
// move the cursor.
func (c *Cursor) NextRange() (segment.Range, error) {
	if c.Exhausted() {
		return segment.Range{}, ErrExhausted
	}

	end := c.nextOffset + c.segmentSize - 1
	if end > c.totalLength-1 {
		end = c.totalLength - 1
	}

	return segment.Range{Start: c.nextOffset, End: end}, nil
}

// Advance marks r as consumed. It must only be called once the fetched bytes
// were accepted downstream, and r must start at the current offset.
func (c *Cursor) Advance(r segment.Range) error {
	if r.Start != c.nextOffset {
		return fmt.Errorf("range %s does not start at offset %d", r, c.nextOffset)
	}
	if r.End < r.Start || r.End >= c.totalLength {
		return fmt.Errorf("range %s outside resource of %d bytes", r, c.totalLength)
	}

	c.nextOffset = r.End + 1
	return nil
}

// Offset returns the number of bytes requested so far.
func (c *Cursor) Offset() int64 {
	return c.nextOffset
}

// Total returns the total resource length.
func (c *Cursor) Total() int64 {
	return c.totalLength
}

// Remaining returns the number of bytes not yet requested.
func (c *Cursor) Remaining() int64 {
	return c.totalLength - c.nextOffset
}

// Exhausted reports whether every byte has been requested.
func (c *Cursor) Exhausted() bool {
	return c.nextOffset >= c.totalLength
}
