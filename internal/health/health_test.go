package health

import (
	"testing"
	"time"

	"github.com/agleyzer/rangefeed/pkg/segment"
)

func TestNeedsMoreData(t *testing.T) {
	tests := []struct {
		name      string
		spans     []segment.Span
		position  time.Duration
		threshold time.Duration
		want      bool
	}{
		{
			name:      "empty set at start",
			spans:     nil,
			position:  0,
			threshold: 2 * time.Second,
			want:      true,
		},
		{
			name:      "empty set with zero threshold",
			spans:     []segment.Span{},
			position:  10 * time.Second,
			threshold: 0,
			want:      true,
		},
		{
			name:      "span covers full threshold",
			spans:     []segment.Span{{Start: 0, End: 5 * time.Second}},
			position:  3 * time.Second,
			threshold: 2 * time.Second,
			want:      false,
		},
		{
			name:      "span covers more than threshold",
			spans:     []segment.Span{{Start: 0, End: 30 * time.Second}},
			position:  time.Second,
			threshold: 2 * time.Second,
			want:      false,
		},
		{
			name:      "lead below threshold",
			spans:     []segment.Span{{Start: 0, End: 4 * time.Second}},
			position:  3 * time.Second,
			threshold: 2 * time.Second,
			want:      true,
		},
		{
			name:      "playhead past every span",
			spans:     []segment.Span{{Start: 0, End: 4 * time.Second}},
			position:  6 * time.Second,
			threshold: 2 * time.Second,
			want:      true,
		},
		{
			name:      "playhead exactly at span end",
			spans:     []segment.Span{{Start: 0, End: 4 * time.Second}},
			position:  4 * time.Second,
			threshold: 0,
			want:      true,
		},
		{
			name: "later span provides lead across a gap",
			spans: []segment.Span{
				{Start: 0, End: 2 * time.Second},
				{Start: 3 * time.Second, End: 10 * time.Second},
			},
			position:  time.Second,
			threshold: 2 * time.Second,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NeedsMoreData(tt.spans, tt.position, tt.threshold)
			if got != tt.want {
				t.Errorf("NeedsMoreData() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLead(t *testing.T) {
	spans := []segment.Span{
		{Start: 0, End: 2 * time.Second},
		{Start: 3 * time.Second, End: 7 * time.Second},
	}

	if got := Lead(spans, time.Second); got != 6*time.Second {
		t.Errorf("Expected lead 6s, got %v", got)
	}
	if got := Lead(spans, 8*time.Second); got != 0 {
		t.Errorf("Expected zero lead past the buffer, got %v", got)
	}
	if got := Lead(nil, 0); got != 0 {
		t.Errorf("Expected zero lead for empty buffer, got %v", got)
	}
}
