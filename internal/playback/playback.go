// Package playback chooses between progressive range-driven playback and a
// whole-file download, and runs the chosen strategy.
package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/agleyzer/rangefeed/internal/player"
	"github.com/agleyzer/rangefeed/internal/scheduler"
	"github.com/agleyzer/rangefeed/internal/sink"
)

// Capability is the result of the startup capability check.
type Capability int

const (
	// Unsupported means the media cannot be fed progressively.
	Unsupported Capability = iota
	// FragmentedMP4 feeds fragmented MP4 through box parsing.
	FragmentedMP4
	// ConstantBitrate maps bytes to time with a fixed bitrate.
	ConstantBitrate
)

// String returns the capability name.
func (c Capability) String() string {
	switch c {
	case FragmentedMP4:
		return "fmp4"
	case ConstantBitrate:
		return "cbr"
	default:
		return "unsupported"
	}
}

// Choose performs the capability check once for mimeType. MP4 video and
// audio are fed through the fragmented MP4 sink; any other type needs a
// positive bitrate to be fed progressively.
func Choose(mimeType string, bitrate int64) Capability {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err == nil {
		switch strings.ToLower(mediaType) {
		case "video/mp4", "audio/mp4":
			return FragmentedMP4
		}
	}
	if bitrate > 0 {
		return ConstantBitrate
	}
	return Unsupported
}

// NewSink builds the sink for capability c.
func NewSink(c Capability, bitrate, maxBytes int64, out io.Writer) (sink.Sink, error) {
	switch c {
	case FragmentedMP4:
		return sink.NewFragmentedMP4(maxBytes, out), nil
	case ConstantBitrate:
		return sink.NewConstantBitrate(bitrate, maxBytes, out)
	default:
		return nil, fmt.Errorf("no sink for %s media", c)
	}
}

// Strategy is one way of delivering the resource.
type Strategy interface {
	Name() string
	Begin(ctx context.Context) error
}

// Progressive drives a scheduler from a simulated player's position updates.
type Progressive struct {
	scheduler *scheduler.Scheduler
	player    *player.Player
	logger    *slog.Logger
}

// NewProgressive pairs sched with a player reading the scheduler's buffer.
func NewProgressive(sched *scheduler.Scheduler, p *player.Player, logger *slog.Logger) *Progressive {
	return &Progressive{
		scheduler: sched,
		player:    p,
		logger:    logger,
	}
}

// Name implements Strategy.
func (p *Progressive) Name() string {
	return "progressive"
}

// Begin runs the scheduler and the player until the resource has been
// fetched and played to the end of the buffer, a fetch fails or ctx is done.
func (p *Progressive) Begin(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	positions := make(chan time.Duration)
	playerErr := make(chan error, 1)
	go func() {
		playerErr <- p.player.Run(ctx, positions, p.scheduler.Done())
	}()

	start := time.Now()
	if err := p.scheduler.Run(ctx, positions); err != nil {
		cancel()
		<-playerErr
		p.logger.Error("progressive playback failed",
			"state", p.scheduler.State(),
			"offset", p.scheduler.Offset(),
			"error", err,
		)
		return err
	}

	p.logger.Info("all ranges fetched",
		"offset", p.scheduler.Offset(),
		"elapsed", time.Since(start),
	)

	if err := <-playerErr; err != nil {
		return err
	}

	p.logger.Info("playback finished",
		"position", p.player.Position(),
		"stalls", p.player.Stalls(),
	)
	return nil
}

// WholeFetcher downloads a resource in one request.
type WholeFetcher interface {
	FetchAll(ctx context.Context, w io.Writer) (int64, error)
	URL() string
}

// Direct fetches the whole resource in one request, with no segment logic.
type Direct struct {
	fetcher WholeFetcher
	out     io.Writer
	logger  *slog.Logger
}

// NewDirect creates the whole-file strategy writing to out.
func NewDirect(fetcher WholeFetcher, out io.Writer, logger *slog.Logger) *Direct {
	return &Direct{
		fetcher: fetcher,
		out:     out,
		logger:  logger,
	}
}

// Name implements Strategy.
func (d *Direct) Name() string {
	return "direct"
}

// Begin downloads the resource.
func (d *Direct) Begin(ctx context.Context) error {
	d.logger.Info("fetching whole resource", "url", d.fetcher.URL())

	start := time.Now()
	n, err := d.fetcher.FetchAll(ctx, d.out)
	if err != nil {
		return fmt.Errorf("direct fetch: %w", err)
	}

	d.logger.Info("whole resource fetched", "bytes", n, "elapsed", time.Since(start))
	return nil
}
