// Package health decides whether the playback buffer holds enough data ahead
// of the playhead.
package health

import (
	"time"

	"github.com/agleyzer/rangefeed/pkg/segment"
)

// NeedsMoreData reports whether another segment should be fetched. It returns
// false as soon as one buffered span ends at least threshold past position.
// An empty span set always needs data.
func NeedsMoreData(spans []segment.Span, position, threshold time.Duration) bool {
	for _, s := range spans {
		if s.End <= position {
			continue
		}
		if s.End-position >= threshold {
			return false
		}
	}
	return true
}

// Lead returns the largest amount of buffered time ahead of position, or zero
// when nothing extends past it.
func Lead(spans []segment.Span, position time.Duration) time.Duration {
	var lead time.Duration
	for _, s := range spans {
		if s.End > position && s.End-position > lead {
			lead = s.End - position
		}
	}
	return lead
}
