// SPDX-License-Identifier: MIT

package adapters

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reelscribe/internal/apperr"
	"reelscribe/internal/log"
)

// MediaConfig carries the frame and audio extraction tunables.
type MediaConfig struct {
	FFmpegPath  string
	FFprobePath string
	MaxFrames   int
	FrameWidth  int
	JPEGQuality int
	Timeout     time.Duration
}

// Media probes and slices downloaded videos with ffmpeg/ffprobe.
type Media struct {
	cfg    MediaConfig
	logger zerolog.Logger

	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
	glob func(pattern string) ([]string, error)
}

func NewMedia(cfg MediaConfig) *Media {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 20
	}
	if cfg.FrameWidth <= 0 {
		cfg.FrameWidth = 480
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Media{
		cfg:    cfg,
		logger: log.WithComponent("media"),
		run:    runCombined,
		glob:   filepath.Glob,
	}
}

// Duration probes the container duration.
func (m *Media) Duration(ctx context.Context, videoPath string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	out, err := m.run(ctx, m.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath)
	if err != nil {
		return 0, apperr.Upstream("media", fmt.Errorf("ffprobe: %w: %s", err, firstLine(string(out))))
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, apperr.Upstream("media", fmt.Errorf("ffprobe output %q: %w", strings.TrimSpace(string(out)), err))
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// FrameRate picks the sampling rate for a video of the given duration.
// Shorter videos are sampled denser; the frame cap bounds the total.
func FrameRate(duration time.Duration) float64 {
	switch {
	case duration < 15*time.Second:
		return 1.0 / 3.0
	case duration < 30*time.Second:
		return 0.5
	default:
		return 0.4
	}
}

// ExtractFrames samples JPEG frames into destDir and returns their paths in
// playback order.
func (m *Media) ExtractFrames(ctx context.Context, videoPath, destDir string, duration time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	pattern := filepath.Join(destDir, "frame_%03d.jpg")
	fps := FrameRate(duration)
	out, err := m.run(ctx, m.cfg.FFmpegPath,
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%g,scale=%d:-1", fps, m.cfg.FrameWidth),
		"-frames:v", strconv.Itoa(m.cfg.MaxFrames),
		"-q:v", strconv.Itoa(m.cfg.JPEGQuality),
		"-y",
		pattern)
	if err != nil {
		return nil, apperr.Upstream("media", fmt.Errorf("ffmpeg frames: %w: %s", err, firstLine(string(out))))
	}

	frames, err := m.glob(filepath.Join(destDir, "frame_*.jpg"))
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if len(frames) == 0 {
		return nil, apperr.Upstream("media", fmt.Errorf("no frames extracted from %s", filepath.Base(videoPath)))
	}
	sort.Strings(frames)
	if len(frames) > m.cfg.MaxFrames {
		frames = frames[:m.cfg.MaxFrames]
	}
	m.logger.Debug().Int("frames", len(frames)).Float64("fps", fps).Msg("frames extracted")
	return frames, nil
}

// ExtractAudio writes a 16 kHz mono WAV suitable for transcription. Videos
// without an audio stream yield no file and no error.
func (m *Media) ExtractAudio(ctx context.Context, videoPath, destPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	out, err := m.run(ctx, m.cfg.FFmpegPath,
		"-i", videoPath,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-y",
		destPath)
	if err != nil {
		lower := strings.ToLower(string(out))
		if strings.Contains(lower, "does not contain any stream") ||
			strings.Contains(lower, "output file does not contain any stream") {
			return "", nil
		}
		return "", apperr.Upstream("media", fmt.Errorf("ffmpeg audio: %w: %s", err, firstLine(string(out))))
	}
	return destPath, nil
}
