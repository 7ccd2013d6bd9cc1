// Package config holds the settings of one fetch session.
package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultSegmentSize is the number of bytes requested per range.
	DefaultSegmentSize = 1 << 20
	// DefaultLeadTime is the buffered playback time kept ahead of the playhead.
	DefaultLeadTime = 2 * time.Second
	// DefaultMIMEType is assumed when no type is given.
	DefaultMIMEType = `video/mp4; codecs="avc1.42E01E, mp4a.40.2"`
	// DefaultTickInterval is how often the player reports its position.
	DefaultTickInterval = 250 * time.Millisecond
)

// Config holds the configuration for a session.
type Config struct {
	// ResourceURL locates the media (a media file or a single-file HLS playlist).
	ResourceURL string
	// SegmentSize is the number of bytes requested per range.
	SegmentSize int64
	// LeadTime is the buffered playback time to keep ahead of the playhead.
	LeadTime time.Duration
	// MaxBootstrapSegments bounds the bootstrap loop (0 = unbounded).
	MaxBootstrapSegments int

	// UserAgent is sent with every request when non-empty.
	UserAgent string
	// RequestTimeout bounds each HTTP request (0 = no timeout).
	RequestTimeout time.Duration

	// MIMEType is the media type, used to choose a playback strategy.
	MIMEType string
	// Bitrate in bits per second enables constant-bitrate buffering for
	// media types without fragment timing.
	Bitrate int64
	// MaxBufferBytes limits the playback buffer (0 = unlimited).
	MaxBufferBytes int64

	// OutputPath receives the downloaded bytes when non-empty.
	OutputPath string
	// StatusPort serves /health and /metrics when non-zero.
	StatusPort int

	// TickInterval is how often the player reports its position.
	TickInterval time.Duration
	// Speed scales simulated playback (1 is real time).
	Speed float64
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ResourceURL == "" {
		return fmt.Errorf("resource URL is required")
	}

	u, err := url.Parse(c.ResourceURL)
	if err != nil {
		return fmt.Errorf("invalid resource URL %q: %w", c.ResourceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("resource URL must be http or https, got %q", c.ResourceURL)
	}

	if c.SegmentSize < 0 {
		return fmt.Errorf("segment size must be positive, got %d", c.SegmentSize)
	}
	if c.LeadTime < 0 {
		return fmt.Errorf("lead time must not be negative, got %s", c.LeadTime)
	}
	if c.MaxBootstrapSegments < 0 {
		return fmt.Errorf("max bootstrap segments must not be negative, got %d", c.MaxBootstrapSegments)
	}
	if c.Bitrate < 0 {
		return fmt.Errorf("bitrate must not be negative, got %d", c.Bitrate)
	}
	if c.MaxBufferBytes < 0 {
		return fmt.Errorf("max buffer bytes must not be negative, got %d", c.MaxBufferBytes)
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status port must be between 0 and 65535, got %d", c.StatusPort)
	}
	if c.Speed < 0 {
		return fmt.Errorf("speed must not be negative, got %f", c.Speed)
	}

	// Set defaults
	if c.SegmentSize == 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.LeadTime == 0 {
		c.LeadTime = DefaultLeadTime
	}
	if c.MIMEType == "" {
		c.MIMEType = DefaultMIMEType
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Speed == 0 {
		c.Speed = 1
	}

	return nil
}
