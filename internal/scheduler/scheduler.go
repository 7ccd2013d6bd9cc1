// Package scheduler implements the segment fetch state machine: an unpaced
// bootstrap loop that fills the playback buffer until something is playable,
// followed by fetches paced by playback position updates.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agleyzer/rangefeed/internal/cursor"
	"github.com/agleyzer/rangefeed/internal/health"
	"github.com/agleyzer/rangefeed/internal/metrics"
	"github.com/agleyzer/rangefeed/internal/sink"
	"github.com/agleyzer/rangefeed/internal/transport"
	"github.com/agleyzer/rangefeed/pkg/segment"
)

// State is the scheduler lifecycle state.
type State int32

const (
	// Bootstrapping fetches back to back until the sink reports a playable span.
	Bootstrapping State = iota
	// PlaybackDriven fetches only when a position update finds the lead too short.
	PlaybackDriven
	// Exhausted means every byte was requested and delivered. Terminal.
	Exhausted
	// Failed means a fetch or append failed. Terminal.
	Failed
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case PlaybackDriven:
		return "playback-driven"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Exhausted || s == Failed
}

// ErrBootstrapStarved is returned when Config.MaxBootstrapSegments ranges
// were fetched without the sink reporting a playable span.
var ErrBootstrapStarved = errors.New("bootstrap produced no playable span")

// Config holds the fixed parameters of a scheduler.
type Config struct {
	// SegmentSize is the number of bytes requested per fetch.
	SegmentSize int64
	// LeadTime is the buffered playback time to keep ahead of the playhead.
	LeadTime time.Duration
	// MaxBootstrapSegments bounds the bootstrap loop. Zero means unbounded.
	MaxBootstrapSegments int
}

// Scheduler drives one resource from first byte to last. At most one range
// request is in flight at any time.
type Scheduler struct {
	cfg       Config
	transport transport.Transport
	sink      sink.Sink
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// busy guards every fetch cycle. cursor is only touched while holding it.
	busy   atomic.Bool
	cursor *cursor.Cursor

	mu     sync.RWMutex
	state  State
	err    error
	offset int64
	total  int64
	done   chan struct{}
}

// New creates a scheduler in the Bootstrapping state. m may be nil.
func New(cfg Config, t transport.Transport, s sink.Sink, logger *slog.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if cfg.SegmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", cfg.SegmentSize)
	}
	if cfg.LeadTime < 0 {
		return nil, fmt.Errorf("lead time must not be negative, got %s", cfg.LeadTime)
	}
	if cfg.MaxBootstrapSegments < 0 {
		return nil, fmt.Errorf("max bootstrap segments must not be negative, got %d", cfg.MaxBootstrapSegments)
	}

	m.SetState(int(Bootstrapping))

	return &Scheduler{
		cfg:       cfg,
		transport: t,
		sink:      s,
		logger:    logger,
		metrics:   m,
		state:     Bootstrapping,
		total:     -1,
		done:      make(chan struct{}),
	}, nil
}

// Start probes the resource length and runs the bootstrap loop. It returns
// once the scheduler is PlaybackDriven, Exhausted or Failed; the error is
// non-nil only in the last case.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler is busy")
	}
	defer s.busy.Store(false)

	if s.cursor != nil || s.State() != Bootstrapping {
		return fmt.Errorf("scheduler already started")
	}

	total, err := s.transport.ProbeLength(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("probe length: %w", err))
	}

	c, err := cursor.New(s.cfg.SegmentSize, total)
	if err != nil {
		return s.fail(err)
	}
	s.cursor = c
	s.publishProgress()

	s.logger.Info("starting bootstrap",
		"length", total,
		"segmentSize", s.cfg.SegmentSize,
		"segments", (total+s.cfg.SegmentSize-1)/s.cfg.SegmentSize,
	)

	for cycles := 0; ; cycles++ {
		if c.Exhausted() {
			s.finish()
			return nil
		}
		if s.cfg.MaxBootstrapSegments > 0 && cycles >= s.cfg.MaxBootstrapSegments {
			return s.fail(fmt.Errorf("%w after %d segments", ErrBootstrapStarved, cycles))
		}

		if err := s.cycle(ctx); err != nil {
			return s.fail(err)
		}

		if len(s.sink.Buffered()) == 0 {
			continue
		}

		s.logger.Info("bootstrap complete", "segments", cycles+1, "offset", c.Offset())
		if c.Exhausted() {
			s.finish()
			return nil
		}
		s.setState(PlaybackDriven)
		return nil
	}
}

// OnPosition handles one playback position update. Updates that arrive while
// another fetch cycle holds the scheduler are dropped; the next update
// re-evaluates the buffer. The returned error is the failure this update
// caused, if any.
func (s *Scheduler) OnPosition(ctx context.Context, pos time.Duration) error {
	if s.State() != PlaybackDriven {
		return nil
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.metrics.RecordPositionDropped()
		s.logger.Debug("position update dropped, fetch in flight", "position", pos)
		return nil
	}
	defer s.busy.Store(false)

	if s.State() != PlaybackDriven {
		return nil
	}

	if s.cursor.Exhausted() {
		s.finish()
		return nil
	}

	spans := s.sink.Buffered()
	s.metrics.SetLead(health.Lead(spans, pos))
	if !health.NeedsMoreData(spans, pos, s.cfg.LeadTime) {
		return nil
	}

	s.logger.Debug("buffer lead below threshold", "position", pos, "lead", health.Lead(spans, pos))
	if err := s.cycle(ctx); err != nil {
		return s.fail(err)
	}
	return nil
}

// Run starts the scheduler and then consumes position updates one at a time
// until the resource is exhausted, a fetch fails, positions is closed or ctx
// is done. It returns nil when the resource was exhausted or the position
// source went away.
func (s *Scheduler) Run(ctx context.Context, positions <-chan time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	for {
		switch s.State() {
		case Exhausted:
			return nil
		case Failed:
			return s.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case pos, ok := <-positions:
			if !ok {
				s.logger.Info("position updates stopped", "offset", s.Offset())
				return nil
			}
			if err := s.OnPosition(ctx, pos); err != nil {
				return err
			}
		}
	}
}

// cycle fetches the next range, hands it to the sink and advances the
// cursor. The cursor only moves once the sink accepted the bytes.
func (s *Scheduler) cycle(ctx context.Context) error {
	r, err := s.cursor.NextRange()
	if err != nil {
		return err
	}

	start := time.Now()
	data, err := s.transport.FetchRange(ctx, r)
	s.metrics.RecordFetch(len(data), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("fetch range %s: %w", r, err)
	}

	if err := s.sink.Append(data); err != nil {
		return fmt.Errorf("append range %s: %w", r, err)
	}

	if err := s.cursor.Advance(r); err != nil {
		return err
	}
	s.publishProgress()

	s.logger.Debug("segment buffered",
		"range", r.String(),
		"offset", s.cursor.Offset(),
		"remaining", s.cursor.Remaining(),
	)
	return nil
}

func (s *Scheduler) publishProgress() {
	s.mu.Lock()
	s.offset = s.cursor.Offset()
	s.total = s.cursor.Total()
	s.mu.Unlock()

	s.metrics.SetProgress(s.cursor.Offset(), s.cursor.Total())
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	s.logger.Info("scheduler state change", "from", s.state.String(), "to", st.String())
	s.state = st
	s.metrics.SetState(int(st))
	if st.Terminal() {
		close(s.done)
	}
}

func (s *Scheduler) finish() {
	s.setState(Exhausted)
}

func (s *Scheduler) fail(err error) error {
	s.mu.Lock()
	if s.err == nil && !s.state.Terminal() {
		s.err = err
	}
	s.mu.Unlock()

	s.logger.Error("scheduler failed", "error", err)
	s.setState(Failed)
	return err
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that moved the scheduler to Failed.
func (s *Scheduler) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once the scheduler reaches a terminal state.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Offset returns the number of bytes requested and accepted so far.
func (s *Scheduler) Offset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Buffered returns the sink's current playable spans.
func (s *Scheduler) Buffered() []segment.Span {
	return s.sink.Buffered()
}

// GetStats returns current statistics about the scheduler.
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spans := s.sink.Buffered()
	buffered := make([][2]float64, 0, len(spans))
	for _, sp := range spans {
		buffered = append(buffered, [2]float64{sp.Start.Seconds(), sp.End.Seconds()})
	}

	stats := map[string]interface{}{
		"state":       s.state.String(),
		"offset":      s.offset,
		"totalLength": s.total,
		"segmentSize": s.cfg.SegmentSize,
		"leadTime":    s.cfg.LeadTime.Seconds(),
		"buffered":    buffered,
	}
	if s.err != nil {
		stats["error"] = s.err.Error()
	}
	return stats
}
