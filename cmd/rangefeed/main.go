// The rangefeed command progressively fetches a media file in byte ranges,
// pacing requests against a simulated player's buffer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agleyzer/rangefeed/internal/config"
	"github.com/agleyzer/rangefeed/internal/metrics"
	"github.com/agleyzer/rangefeed/internal/output"
	"github.com/agleyzer/rangefeed/internal/parser"
	"github.com/agleyzer/rangefeed/internal/playback"
	"github.com/agleyzer/rangefeed/internal/player"
	"github.com/agleyzer/rangefeed/internal/scheduler"
	"github.com/agleyzer/rangefeed/internal/server"
	"github.com/agleyzer/rangefeed/internal/transport"
)

const (
	version = "1.0.0"
)

// options are the command line settings that are not part of config.Config.
type options struct {
	verbose     bool
	showVersion bool
	logFile     string
}

func main() {
	cfg, opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.showVersion {
		fmt.Printf("rangefeed v%s\n", version)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(opts, os.Stdout)
	defer closeLog()

	logger.Info("rangefeed starting", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, afero.NewOsFs(), logger); err != nil {
		logger.Error("application error", "error", err)
		closeLog()
		os.Exit(1)
	}

	logger.Info("rangefeed stopped")
}

// parseArgs parses command line arguments into a configuration. Usage and
// parse errors are written to stderr.
func parseArgs(args []string, stderr io.Writer) (*config.Config, *options, error) {
	fs := flag.NewFlagSet("rangefeed", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &config.Config{}
	opts := &options{}

	fs.Int64Var(&cfg.SegmentSize, "segment-size", config.DefaultSegmentSize, "Bytes requested per range")
	fs.DurationVar(&cfg.LeadTime, "lead-time", config.DefaultLeadTime, "Buffered lead below which the next range is fetched")
	fs.IntVar(&cfg.MaxBootstrapSegments, "max-bootstrap", 0, "Fail if nothing is playable after this many ranges (0 = unbounded)")
	fs.StringVar(&cfg.MIMEType, "mime", config.DefaultMIMEType, "Media type used for the capability check")
	fs.Int64Var(&cfg.Bitrate, "bitrate", 0, "Constant bitrate in bits per second for media without box timing")
	fs.Int64Var(&cfg.MaxBufferBytes, "max-buffer", 0, "Playback buffer quota in bytes (0 = unlimited)")
	fs.StringVar(&cfg.OutputPath, "out", "", "Write received bytes to this file")
	fs.IntVar(&cfg.StatusPort, "status-port", 0, "Serve /health and /metrics on this port (0 = disabled)")
	fs.StringVar(&cfg.UserAgent, "user-agent", "rangefeed/"+version, "User-Agent header for range requests")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 0, "Per-request timeout (0 = none)")
	fs.DurationVar(&cfg.TickInterval, "tick", config.DefaultTickInterval, "Interval between playback position updates")
	fs.Float64Var(&cfg.Speed, "speed", 1, "Playback speed relative to real time")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.StringVar(&opts.logFile, "log-file", "", "Also write logs to this file, rotated by size")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "rangefeed - progressive byte-range media fetcher v%s\n\n", version)
		fmt.Fprintf(stderr, "Usage: rangefeed [options] <resource-url>\n\n")
		fmt.Fprintf(stderr, "Arguments:\n")
		fmt.Fprintf(stderr, "  <resource-url>    URL of the media file, or of a single-file byte-range HLS playlist\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  rangefeed https://example.com/video/demo_dashinit.mp4\n")
		fmt.Fprintf(stderr, "  rangefeed --segment-size 524288 --lead-time 4s --out demo.mp4 https://example.com/demo.mp4\n")
		fmt.Fprintf(stderr, "  rangefeed --mime audio/mpeg --bitrate 128000 https://example.com/talk.mp3\n")
		fmt.Fprintf(stderr, "  rangefeed --status-port 9090 --speed 4 https://example.com/vod/index.m3u8\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if opts.showVersion {
		return cfg, opts, nil
	}

	// Check for resource URL argument
	if fs.NArg() < 1 {
		fmt.Fprintf(stderr, "Error: resource URL is required\n\n")
		fs.Usage()
		return nil, nil, fmt.Errorf("resource URL is required")
	}
	cfg.ResourceURL = fs.Arg(0)

	return cfg, opts, nil
}

// newLogger builds the process logger, tagged with a fresh session id. With a
// log file, records also go to a size-rotated file.
func newLogger(opts *options, stdout io.Writer) (*slog.Logger, func()) {
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}

	w := stdout
	closeLog := func() {}
	if opts.logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w = io.MultiWriter(stdout, rotator)
		closeLog = func() { rotator.Close() }
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))

	return logger.With("session", uuid.NewString()), closeLog
}

// run resolves the resource, picks a playback strategy and runs it until it
// finishes, fails or ctx is done. cfg must be validated.
func run(ctx context.Context, cfg *config.Config, fs afero.Fs, logger *slog.Logger) error {
	logger.Info("resolving resource", "locator", cfg.ResourceURL)
	res, err := parser.Resolve(ctx, cfg.ResourceURL, parser.Options{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to resolve resource: %w", err)
	}
	if res.PlaylistURL != "" {
		logger.Info("resolved playlist",
			"playlist", res.PlaylistURL,
			"media", res.URL,
			"segments", res.Segments,
			"duration", res.Duration,
		)
	}

	var out io.Writer
	if cfg.OutputPath != "" {
		f, err := output.Create(fs, cfg.OutputPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := f.Close(); err != nil {
				logger.Error("failed to close output", "path", f.Path(), "error", err)
			}
			logger.Info("output written", "path", f.Path(), "bytes", f.Written())
		}()
		out = f
	}

	tr := transport.NewHTTP(res.URL, transport.Options{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
	}, logger)

	capability := playback.Choose(cfg.MIMEType, cfg.Bitrate)
	logger.Info("capability check", "mime", cfg.MIMEType, "bitrate", cfg.Bitrate, "capability", capability.String())

	if capability == playback.Unsupported {
		if out == nil {
			out = io.Discard
		}
		return playback.NewDirect(tr, out, logger).Begin(ctx)
	}

	s, err := playback.NewSink(capability, cfg.Bitrate, cfg.MaxBufferBytes, out)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	sched, err := scheduler.New(scheduler.Config{
		SegmentSize:          cfg.SegmentSize,
		LeadTime:             cfg.LeadTime,
		MaxBootstrapSegments: cfg.MaxBootstrapSegments,
	}, tr, s, logger, metrics.New(reg))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	p := player.New(sched, cfg.TickInterval, cfg.Speed, logger)
	strategy := playback.NewProgressive(sched, p, logger)

	if cfg.StatusPort > 0 {
		srvCtx, stopServer := context.WithCancel(ctx)
		srvDone := make(chan struct{})
		srv := server.New(sched, reg, cfg.StatusPort, logger)
		go func() {
			defer close(srvDone)
			if err := srv.Start(srvCtx); err != nil {
				logger.Error("status server shutdown", "error", err)
			}
		}()
		defer func() {
			stopServer()
			<-srvDone
		}()

		logger.Info("status server ready",
			"health", fmt.Sprintf("http://localhost:%d/health", cfg.StatusPort),
			"metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.StatusPort),
		)
	}

	start := time.Now()
	if err := strategy.Begin(ctx); err != nil {
		return fmt.Errorf("%s playback: %w", strategy.Name(), err)
	}

	logger.Info("resource delivered", "strategy", strategy.Name(), "elapsed", time.Since(start))
	return nil
}
