// Package parser resolves a resource locator to the media file that will be
// fetched in byte ranges.
package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

// Resource is the resolved media file.
type Resource struct {
	// URL is the media file fetched in byte ranges
	URL string

	// PlaylistURL is the playlist the media file was found in, empty when the
	// locator pointed at the media file directly
	PlaylistURL string

	// Duration is the playlist's total EXTINF duration in seconds (0 when unknown)
	Duration float64

	// Segments is the number of playlist segments (0 when unknown)
	Segments int
}

// Options configures the playlist request.
type Options struct {
	// UserAgent is sent with the playlist request when non-empty
	UserAgent string

	// Timeout bounds the playlist request (default 30s)
	Timeout time.Duration
}

// Resolve returns the media file for locator. Locators whose path ends in
// .m3u8 are fetched and must be single-file byte-range HLS media playlists:
// the init map and every segment reference the same file. Any other locator
// is the media file itself.
func Resolve(ctx context.Context, locator string, opts Options) (*Resource, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("invalid resource URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	if !strings.EqualFold(path.Ext(u.Path), ".m3u8") {
		return &Resource{URL: locator}, nil
	}

	return parsePlaylist(ctx, locator, opts)
}

// parsePlaylist fetches and parses a single-file media playlist.
func parsePlaylist(ctx context.Context, playlistURL string, opts Options) (*Resource, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create playlist request: %w", err)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	// Fetch the playlist
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}

	// Parse the playlist
	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist, got master playlist")
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	files := make(map[string]struct{})
	addURI := func(uri string) error {
		resolved, err := resolveURL(playlistURL, uri)
		if err != nil {
			return fmt.Errorf("failed to resolve media URL: %w", err)
		}
		files[resolved] = struct{}{}
		return nil
	}

	if mediaPlaylist.Map != nil && mediaPlaylist.Map.URI != "" {
		if err := addURI(mediaPlaylist.Map.URI); err != nil {
			return nil, err
		}
	}

	// Collect the file every segment lives in
	var duration float64
	segments := 0
	for _, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}
		if err := addURI(seg.URI); err != nil {
			return nil, err
		}
		if seg.Map != nil && seg.Map.URI != "" {
			if err := addURI(seg.Map.URI); err != nil {
				return nil, err
			}
		}
		duration += seg.Duration
		segments++
	}

	if segments == 0 {
		return nil, fmt.Errorf("playlist contains no segments")
	}

	if len(files) != 1 {
		return nil, fmt.Errorf("playlist references %d media files, expected a single byte-range file", len(files))
	}

	var mediaURL string
	for f := range files {
		mediaURL = f
	}

	return &Resource{
		URL:         mediaURL,
		PlaylistURL: playlistURL,
		Duration:    duration,
		Segments:    segments,
	}, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	// Resolve the relative URL against the base
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}
