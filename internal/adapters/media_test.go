// SPDX-License-Identifier: MIT

package adapters

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelscribe/internal/apperr"
)

func TestFrameRateIsDurationAdaptive(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     float64
	}{
		{5 * time.Second, 1.0 / 3.0},
		{14 * time.Second, 1.0 / 3.0},
		{15 * time.Second, 0.5},
		{29 * time.Second, 0.5},
		{30 * time.Second, 0.4},
		{5 * time.Minute, 0.4},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, FrameRate(tt.duration), 1e-9, "duration %s", tt.duration)
	}
}

func TestDurationParsesProbeOutput(t *testing.T) {
	m := NewMedia(MediaConfig{})
	m.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Contains(t, args, "format=duration")
		return []byte("27.43\n"), nil
	}
	d, err := m.Duration(context.Background(), "/tmp/v.mp4")
	require.NoError(t, err)
	assert.InDelta(t, 27.43, d.Seconds(), 0.001)
}

func TestDurationProbeFailure(t *testing.T) {
	m := NewMedia(MediaConfig{})
	m.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("moov atom not found"), errors.New("exit status 1")
	}
	_, err := m.Duration(context.Background(), "/tmp/v.mp4")
	require.Error(t, err)
	assert.Equal(t, apperr.ClassUpstream, apperr.ClassOf(err))
}

func TestExtractFramesCapsAndSorts(t *testing.T) {
	m := NewMedia(MediaConfig{MaxFrames: 3, FrameWidth: 480, JPEGQuality: 5})
	var gotArgs []string
	m.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	}
	m.glob = func(string) ([]string, error) {
		return []string{"/d/frame_004.jpg", "/d/frame_001.jpg", "/d/frame_003.jpg", "/d/frame_002.jpg"}, nil
	}

	frames, err := m.ExtractFrames(context.Background(), "/tmp/v.mp4", "/d", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"/d/frame_001.jpg", "/d/frame_002.jpg", "/d/frame_003.jpg"}, frames)

	vf := gotArgs[indexOf(gotArgs, "-vf")+1]
	assert.Equal(t, fmt.Sprintf("fps=%g,scale=480:-1", 1.0/3.0), vf)
	assert.Contains(t, gotArgs, "-q:v")
}

func TestExtractFramesEmptyIsError(t *testing.T) {
	m := NewMedia(MediaConfig{})
	m.run = func(context.Context, string, ...string) ([]byte, error) { return nil, nil }
	m.glob = func(string) ([]string, error) { return nil, nil }

	_, err := m.ExtractFrames(context.Background(), "/tmp/v.mp4", "/d", 10*time.Second)
	require.Error(t, err)
	assert.Equal(t, apperr.ClassUpstream, apperr.ClassOf(err))
}

func TestExtractAudioSilentVideo(t *testing.T) {
	m := NewMedia(MediaConfig{})
	m.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("Output file does not contain any stream"), errors.New("exit status 1")
	}
	path, err := m.ExtractAudio(context.Background(), "/tmp/v.mp4", "/d/a.wav")
	require.NoError(t, err, "missing audio stream is not a failure")
	assert.Empty(t, path)
}

func TestExtractAudioArgs(t *testing.T) {
	m := NewMedia(MediaConfig{})
	var gotArgs []string
	m.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	}
	path, err := m.ExtractAudio(context.Background(), "/tmp/v.mp4", "/d/a.wav")
	require.NoError(t, err)
	assert.Equal(t, "/d/a.wav", path)
	assert.Contains(t, gotArgs, "16000")
	assert.Contains(t, gotArgs, "-vn")
	assert.Equal(t, "1", gotArgs[indexOf(gotArgs, "-ac")+1])
}
