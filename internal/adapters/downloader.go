// SPDX-License-Identifier: MIT

// Package adapters wraps every external dependency of the pipeline (video
// download, media processing, script generation, image upload, messaging)
// behind small interfaces. Each adapter classifies its failures into typed
// errors and runs under a named circuit breaker owned by the caller.
package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reelscribe/internal/apperr"
	"reelscribe/internal/log"
)

// DownloaderConfig carries the yt-dlp invocation limits.
type DownloaderConfig struct {
	BinPath         string
	MaxVideoSeconds int
	MaxVideoBytes   int64
	Timeout         time.Duration
	Cookies         *CookieSource // nil when no cookies are configured
}

// Downloader fetches reel videos with yt-dlp.
type Downloader struct {
	cfg    DownloaderConfig
	logger zerolog.Logger

	// run is swapped in tests to avoid spawning the real binary.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.BinPath == "" {
		cfg.BinPath = "yt-dlp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Downloader{
		cfg:    cfg,
		logger: log.WithComponent("downloader"),
		run:    runCombined,
	}
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SafeName reduces an identifier to filesystem-safe characters.
func SafeName(s string) string {
	return unsafeFilename.ReplaceAllString(s, "_")
}

// Download fetches the reel into destDir and returns the video path. The
// duration and size limits are enforced by yt-dlp itself so oversized videos
// are rejected before any bytes land on disk.
func (d *Downloader) Download(ctx context.Context, reelURL, destDir, jobID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	out := filepath.Join(destDir, SafeName(jobID)+".mp4")
	args := []string{
		"--no-playlist",
		"--format", "worst[ext=mp4]",
		"--max-filesize", fmt.Sprintf("%d", d.cfg.MaxVideoBytes),
		"--match-filter", fmt.Sprintf("duration <= %d", d.cfg.MaxVideoSeconds),
		"--output", out,
	}
	if d.cfg.Cookies != nil {
		if path := d.cfg.Cookies.Path(); path != "" {
			args = append(args, "--cookies", path)
		}
	}
	args = append(args, reelURL)

	start := time.Now()
	output, err := d.run(ctx, d.cfg.BinPath, args...)
	if err != nil {
		return "", classifyDownloadError(string(output), err)
	}

	info, statErr := os.Stat(out)
	if statErr != nil {
		// yt-dlp exits 0 when --match-filter rejects the video.
		if strings.Contains(string(output), "does not pass filter") {
			return "", apperr.PermanentUpstream("downloader", "video exceeds the duration limit")
		}
		return "", apperr.Upstream("downloader", fmt.Errorf("no output file: %w", statErr))
	}

	d.logger.Info().
		Str(log.FieldJobID, jobID).
		Int64("bytes", info.Size()).
		Dur("elapsed", time.Since(start)).
		Msg("video downloaded")
	return out, nil
}

// classifyDownloadError maps yt-dlp stderr patterns onto typed errors so the
// queue knows what deserves a retry.
func classifyDownloadError(output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "login required"),
		strings.Contains(lower, "requested content is not available"),
		strings.Contains(lower, "private video"),
		strings.Contains(lower, "this post is unavailable"):
		return apperr.PermanentUpstream("downloader", "video is private or removed")
	case strings.Contains(lower, "unsupported url"):
		return apperr.PermanentUpstream("downloader", "unsupported video URL")
	case strings.Contains(lower, "rate-limit"), strings.Contains(lower, "429"):
		return apperr.Upstream("downloader", fmt.Errorf("rate limited by source: %w", err))
	case strings.Contains(lower, "file is larger than max-filesize"):
		return apperr.PermanentUpstream("downloader", "video exceeds the size limit")
	}
	if ctxErr := contextCause(err); ctxErr != nil {
		return apperr.Timeout("video download timed out")
	}
	return apperr.Upstream("downloader", fmt.Errorf("yt-dlp: %w: %s", err, firstLine(output)))
}

func contextCause(err error) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	if strings.Contains(s, "context deadline exceeded") || strings.Contains(s, "signal: killed") {
		return err
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
