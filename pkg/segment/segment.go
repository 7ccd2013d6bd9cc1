// Package segment defines the byte ranges requested from a media resource
// and the playback time spans they turn into once buffered.
package segment

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Range is an inclusive byte range [Start, End] of the resource.
type Range struct {
	// Start is the offset of the first byte in the range
	Start int64

	// End is the offset of the last byte in the range (inclusive)
	End int64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// String renders the range as "start-end".
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Header renders the range as an HTTP Range header value.
func (r Range) Header() string {
	return "bytes=" + r.String()
}

// ParseRange parses a "start-end" pair as produced by Range.String.
func ParseRange(s string) (Range, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "bytes=")

	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return Range{}, fmt.Errorf("invalid range %q: missing '-'", s)
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range start %q: %w", startStr, err)
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range end %q: %w", endStr, err)
	}

	if start < 0 || end < start {
		return Range{}, fmt.Errorf("invalid range %q: end before start", s)
	}

	return Range{Start: start, End: end}, nil
}

// Span is a contiguous interval of playback time for which data has been
// accepted into the buffer.
type Span struct {
	Start time.Duration
	End   time.Duration
}

// Duration returns the length of the span.
func (s Span) Duration() time.Duration {
	return s.End - s.Start
}

// Contains reports whether pos lies inside the span. The end is exclusive.
func (s Span) Contains(pos time.Duration) bool {
	return pos >= s.Start && pos < s.End
}

// MergeSpan inserts s into spans, which must be sorted and non-overlapping,
// and returns the result with every pair closer than tolerance joined.
func MergeSpan(spans []Span, s Span, tolerance time.Duration) []Span {
	if s.End <= s.Start {
		return spans
	}

	all := make([]Span, 0, len(spans)+1)
	all = append(all, spans...)
	all = append(all, s)
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })

	merged := all[:1]
	for _, next := range all[1:] {
		last := &merged[len(merged)-1]
		if next.Start <= last.End+tolerance {
			if next.End > last.End {
				last.End = next.End
			}
			continue
		}
		merged = append(merged, next)
	}

	return merged
}
