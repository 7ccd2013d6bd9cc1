// Package player simulates a playhead consuming a playback buffer and emits
// position updates the way a media element emits time updates.
package player

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/rangefeed/pkg/segment"
)

// gapJump is the largest hole in the buffer the playhead skips over.
const gapJump = 500 * time.Millisecond

// Buffer is the part of a sink the player reads.
type Buffer interface {
	Buffered() []segment.Span
}

// Player advances a playhead in wall-clock time while the playhead is inside
// a buffered span and stalls otherwise.
type Player struct {
	buffer   Buffer
	interval time.Duration
	speed    float64
	logger   *slog.Logger

	mu       sync.RWMutex
	position time.Duration
	stalled  bool
	stalls   int
}

// New creates a player that ticks every interval. speed scales playback
// (1 is real time).
func New(buffer Buffer, interval time.Duration, speed float64, logger *slog.Logger) *Player {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if speed <= 0 {
		speed = 1
	}

	return &Player{
		buffer:   buffer,
		interval: interval,
		speed:    speed,
		logger:   logger,
	}
}

// Run plays until ctx is done, or until finished is closed and the playhead
// can no longer advance. Every tick the position is sent on positions, until
// finished is closed.
func (p *Player) Run(ctx context.Context, positions chan<- time.Duration, finished <-chan struct{}) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			elapsed := time.Duration(float64(now.Sub(last)) * p.speed)
			last = now

			pos, playing := p.advance(elapsed)

			// Once the scheduler is done nothing new arrives; a stalled
			// playhead has reached the end of what will ever be buffered.
			if isClosed(finished) {
				if !playing {
					p.logger.Info("playback reached end of buffer", "position", pos, "stalls", p.Stalls())
					return nil
				}
				continue
			}

			select {
			case positions <- pos:
			case <-finished:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// advance moves the playhead by elapsed and reports whether it is playing,
// that is inside a buffered span.
func (p *Player) advance(elapsed time.Duration) (time.Duration, bool) {
	spans := p.buffer.Buffered()

	p.mu.Lock()
	defer p.mu.Unlock()

	span, ok := p.spanAt(spans)
	if !ok {
		if !p.stalled {
			p.stalled = true
			p.stalls++
			p.logger.Debug("playback stalled", "position", p.position)
		}
		return p.position, false
	}

	if p.stalled {
		p.stalled = false
		p.logger.Debug("playback resumed", "position", p.position)
	}

	p.position += elapsed
	if p.position > span.End {
		p.position = span.End
	}

	return p.position, true
}

// spanAt returns the span holding the playhead, jumping small gaps forward.
func (p *Player) spanAt(spans []segment.Span) (segment.Span, bool) {
	for _, s := range spans {
		if s.Contains(p.position) {
			return s, true
		}
		if s.Start > p.position && s.Start-p.position <= gapJump {
			p.position = s.Start
			return s, true
		}
	}
	return segment.Span{}, false
}

// Position returns the current playhead.
func (p *Player) Position() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position
}

// Stalls returns how many times playback stalled on an empty buffer.
func (p *Player) Stalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stalls
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
