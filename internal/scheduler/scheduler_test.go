package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/rangefeed/internal/metrics"
	"github.com/agleyzer/rangefeed/internal/sink"
	"github.com/agleyzer/rangefeed/internal/transport"
	"github.com/agleyzer/rangefeed/pkg/segment"
)

const mib = 1048576

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport serves zero bytes of the requested size and records every range.
type fakeTransport struct {
	mu       sync.Mutex
	total    int64
	probeErr error
	// failAt maps a 1-based fetch number to the error it returns
	failAt map[int]error
	ranges []segment.Range
	// gate, when set, blocks every fetch until a value is received
	gate chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeTransport) ProbeLength(ctx context.Context) (int64, error) {
	if f.probeErr != nil {
		return 0, f.probeErr
	}
	return f.total, nil
}

func (f *fakeTransport) FetchRange(ctx context.Context, r segment.Range) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, &transport.TransportError{Op: "fetch", Range: r, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	f.ranges = append(f.ranges, r)
	call := len(f.ranges)
	f.mu.Unlock()

	if err, ok := f.failAt[call]; ok {
		return nil, err
	}
	return make([]byte, r.Len()), nil
}

func (f *fakeTransport) Ranges() []segment.Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]segment.Range(nil), f.ranges...)
}

// fakeSink reports one second of playable media per accepted chunk once
// readyAfter chunks have been appended (0 = never).
type fakeSink struct {
	mu         sync.Mutex
	readyAfter int
	chunks     int
	appendErr  error
}

func (f *fakeSink) Append(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return &sink.Error{Reason: "rejected", Err: f.appendErr}
	}
	f.chunks++
	return nil
}

func (f *fakeSink) Buffered() []segment.Span {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readyAfter == 0 || f.chunks < f.readyAfter {
		return nil
	}
	return []segment.Span{{Start: 0, End: time.Duration(f.chunks) * time.Second}}
}

func newTestScheduler(t *testing.T, cfg Config, tr transport.Transport, s sink.Sink) *Scheduler {
	t.Helper()
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = mib
	}
	if cfg.LeadTime == 0 {
		cfg.LeadTime = 2 * time.Second
	}
	sched, err := New(cfg, tr, s, testLogger(), nil)
	require.NoError(t, err)
	return sched
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{SegmentSize: 0}, &fakeTransport{}, &fakeSink{}, testLogger(), nil)
	assert.Error(t, err)

	_, err = New(Config{SegmentSize: 1, LeadTime: -time.Second}, &fakeTransport{}, &fakeSink{}, testLogger(), nil)
	assert.Error(t, err)

	_, err = New(Config{SegmentSize: 1, MaxBootstrapSegments: -1}, &fakeTransport{}, &fakeSink{}, testLogger(), nil)
	assert.Error(t, err)
}

func TestScheduler_ThreeRangesPacedByPosition(t *testing.T) {
	tr := &fakeTransport{total: 3000000}
	sk := &fakeSink{readyAfter: 1}
	sched := newTestScheduler(t, Config{}, tr, sk)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	assert.Equal(t, PlaybackDriven, sched.State())
	assert.Len(t, tr.Ranges(), 1, "bootstrap stops at the first playable span")

	// 1s buffered, 2s wanted: fetch.
	require.NoError(t, sched.OnPosition(ctx, 0))
	assert.Len(t, tr.Ranges(), 2)

	// 2s buffered ahead of 0: enough.
	require.NoError(t, sched.OnPosition(ctx, 0))
	assert.Len(t, tr.Ranges(), 2)

	// 1s ahead of 1s: fetch the short tail.
	require.NoError(t, sched.OnPosition(ctx, time.Second))
	assert.Len(t, tr.Ranges(), 3)
	assert.Equal(t, PlaybackDriven, sched.State(), "exhaustion is noticed on the next update")

	require.NoError(t, sched.OnPosition(ctx, 2*time.Second))
	assert.Equal(t, Exhausted, sched.State())

	assert.Equal(t, []segment.Range{
		{Start: 0, End: 1048575},
		{Start: 1048576, End: 2097151},
		{Start: 2097152, End: 2999999},
	}, tr.Ranges())
	assert.Equal(t, int64(3000000), sched.Offset())

	select {
	case <-sched.Done():
	default:
		t.Fatal("Done should be closed after exhaustion")
	}

	// Terminal: further updates never fetch.
	for i := 0; i < 5; i++ {
		require.NoError(t, sched.OnPosition(ctx, 10*time.Second))
	}
	assert.Len(t, tr.Ranges(), 3)
}

func TestScheduler_SingleRangeResource(t *testing.T) {
	tr := &fakeTransport{total: 500000}
	sk := &fakeSink{readyAfter: 1}
	sched := newTestScheduler(t, Config{}, tr, sk)

	require.NoError(t, sched.Start(context.Background()))

	assert.Equal(t, Exhausted, sched.State())
	assert.Equal(t, []segment.Range{{Start: 0, End: 499999}}, tr.Ranges())
}

func TestScheduler_BootstrapExhaustsWithoutSpan(t *testing.T) {
	tr := &fakeTransport{total: 3000000}
	sk := &fakeSink{} // never playable
	sched := newTestScheduler(t, Config{}, tr, sk)

	require.NoError(t, sched.Start(context.Background()))

	assert.Equal(t, Exhausted, sched.State())
	assert.Len(t, tr.Ranges(), 3)
}

func TestScheduler_BootstrapFetchesUntilPlayable(t *testing.T) {
	tr := &fakeTransport{total: 10 * mib}
	sk := &fakeSink{readyAfter: 4}
	sched := newTestScheduler(t, Config{}, tr, sk)

	require.NoError(t, sched.Start(context.Background()))

	assert.Equal(t, PlaybackDriven, sched.State())
	assert.Len(t, tr.Ranges(), 4)
	assert.Equal(t, int64(4*mib), sched.Offset())
}

func TestScheduler_TransportErrorOnSecondCycle(t *testing.T) {
	fetchErr := &transport.TransportError{Op: "fetch", StatusCode: 503}
	tr := &fakeTransport{total: 3000000, failAt: map[int]error{2: fetchErr}}
	sk := &fakeSink{} // keep bootstrapping
	sched := newTestScheduler(t, Config{}, tr, sk)

	err := sched.Start(context.Background())

	var terr *transport.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 503, terr.StatusCode)
	assert.Equal(t, Failed, sched.State())
	assert.Equal(t, int64(1048576), sched.Offset(), "offset stays where the first advance left it")
	assert.ErrorIs(t, sched.Err(), err)
	assert.Len(t, tr.Ranges(), 2)
}

func TestScheduler_TransportErrorDuringPlayback(t *testing.T) {
	tr := &fakeTransport{total: 3000000, failAt: map[int]error{2: errors.New("connection reset")}}
	sk := &fakeSink{readyAfter: 1}
	sched := newTestScheduler(t, Config{}, tr, sk)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	err := sched.OnPosition(ctx, 0)

	require.Error(t, err)
	assert.Equal(t, Failed, sched.State())
	assert.Equal(t, int64(mib), sched.Offset())

	for i := 0; i < 3; i++ {
		require.NoError(t, sched.OnPosition(ctx, 0))
	}
	assert.Len(t, tr.Ranges(), 2, "no fetch after Failed")
}

func TestScheduler_SinkErrorFails(t *testing.T) {
	tr := &fakeTransport{total: 3000000}
	sk := &fakeSink{appendErr: errors.New("quota exceeded")}
	sched := newTestScheduler(t, Config{}, tr, sk)

	err := sched.Start(context.Background())

	var serr *sink.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, Failed, sched.State())
	assert.Zero(t, sched.Offset(), "cursor must not advance past a rejected chunk")
}

func TestScheduler_ProbeError(t *testing.T) {
	tr := &fakeTransport{probeErr: &transport.TransportError{Op: "probe", StatusCode: 404}}
	sched := newTestScheduler(t, Config{}, tr, &fakeSink{readyAfter: 1})

	err := sched.Start(context.Background())

	require.Error(t, err)
	assert.Equal(t, Failed, sched.State())
	assert.Empty(t, tr.Ranges())
}

func TestScheduler_EmptyResource(t *testing.T) {
	tr := &fakeTransport{total: 0}
	sched := newTestScheduler(t, Config{}, tr, &fakeSink{readyAfter: 1})

	require.NoError(t, sched.Start(context.Background()))

	assert.Equal(t, Exhausted, sched.State())
	assert.Empty(t, tr.Ranges())
}

func TestScheduler_BootstrapBound(t *testing.T) {
	tr := &fakeTransport{total: 100 * mib}
	sched := newTestScheduler(t, Config{MaxBootstrapSegments: 2}, tr, &fakeSink{})

	err := sched.Start(context.Background())

	assert.ErrorIs(t, err, ErrBootstrapStarved)
	assert.Equal(t, Failed, sched.State())
	assert.Len(t, tr.Ranges(), 2)
}

func TestScheduler_StartTwice(t *testing.T) {
	tr := &fakeTransport{total: 10 * mib}
	sched := newTestScheduler(t, Config{}, tr, &fakeSink{readyAfter: 1})

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))
	assert.Len(t, tr.Ranges(), 1)
}

func TestScheduler_SerializesOverlappingUpdates(t *testing.T) {
	tr := &fakeTransport{total: 10 * mib}
	sk := &fakeSink{readyAfter: 1}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sched, err := New(Config{SegmentSize: mib, LeadTime: 5 * time.Second}, tr, sk, testLogger(), m)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	tr.gate = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- sched.OnPosition(ctx, 0)
	}()

	// Wait until the first update is blocked inside FetchRange.
	require.Eventually(t, func() bool { return tr.inFlight.Load() == 1 }, 2*time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		require.NoError(t, sched.OnPosition(ctx, 0))
	}

	close(tr.gate)
	require.NoError(t, <-firstDone)

	assert.Equal(t, int32(1), tr.maxInFlight.Load())
	assert.Len(t, tr.Ranges(), 2, "only the first update fetched")
	assert.Equal(t, float64(10), testutil.ToFloat64(m.PositionsDropped))
}

func TestScheduler_RunToExhaustion(t *testing.T) {
	tr := &fakeTransport{total: 5*mib + 10}
	sk := &fakeSink{readyAfter: 1}
	sched := newTestScheduler(t, Config{}, tr, sk)

	positions := make(chan time.Duration)
	go func() {
		pos := time.Duration(0)
		for {
			select {
			case positions <- pos:
				pos += 500 * time.Millisecond
			case <-sched.Done():
				return
			}
		}
	}()

	err := sched.Run(context.Background(), positions)

	require.NoError(t, err)
	assert.Equal(t, Exhausted, sched.State())
	ranges := tr.Ranges()
	require.Len(t, ranges, 6)
	for i := 1; i < len(ranges); i++ {
		assert.Equal(t, ranges[i-1].End+1, ranges[i].Start, "ranges must be contiguous")
	}
	assert.Equal(t, int64(5*mib+9), ranges[5].End)
}

func TestScheduler_RunReturnsFailure(t *testing.T) {
	tr := &fakeTransport{total: 3 * mib, failAt: map[int]error{2: errors.New("boom")}}
	sched := newTestScheduler(t, Config{}, tr, &fakeSink{readyAfter: 1})

	positions := make(chan time.Duration, 1)
	positions <- 0

	err := sched.Run(context.Background(), positions)

	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, Failed, sched.State())
}

func TestScheduler_RunContextCancelled(t *testing.T) {
	tr := &fakeTransport{total: 3 * mib}
	sched := newTestScheduler(t, Config{}, tr, &fakeSink{readyAfter: 1})

	ctx, cancel := context.WithCancel(context.Background())
	positions := make(chan time.Duration)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := sched.Run(ctx, positions)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PlaybackDriven, sched.State())
}

func TestScheduler_RunPositionsClosed(t *testing.T) {
	tr := &fakeTransport{total: 3 * mib}
	sched := newTestScheduler(t, Config{}, tr, &fakeSink{readyAfter: 1})

	positions := make(chan time.Duration)
	close(positions)

	assert.NoError(t, sched.Run(context.Background(), positions))
	assert.Len(t, tr.Ranges(), 1)
}

func TestScheduler_GetStats(t *testing.T) {
	tr := &fakeTransport{total: 3 * mib, failAt: map[int]error{2: errors.New("boom")}}
	sched := newTestScheduler(t, Config{}, tr, &fakeSink{readyAfter: 1})
	ctx := context.Background()

	stats := sched.GetStats()
	assert.Equal(t, "bootstrapping", stats["state"])
	assert.Equal(t, int64(-1), stats["totalLength"])

	require.NoError(t, sched.Start(ctx))
	stats = sched.GetStats()
	assert.Equal(t, "playback-driven", stats["state"])
	assert.Equal(t, int64(mib), stats["offset"])
	assert.Equal(t, int64(3*mib), stats["totalLength"])
	assert.Equal(t, [][2]float64{{0, 1}}, stats["buffered"])

	_ = sched.OnPosition(ctx, 0)
	stats = sched.GetStats()
	assert.Equal(t, "failed", stats["state"])
	assert.Contains(t, stats["error"], "boom")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "bootstrapping", Bootstrapping.String())
	assert.Equal(t, "playback-driven", PlaybackDriven.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "failed", Failed.String())
	assert.True(t, Exhausted.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, PlaybackDriven.Terminal())
}
