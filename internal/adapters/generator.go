// SPDX-License-Identifier: MIT

package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"reelscribe/internal/apperr"
	"reelscribe/internal/log"
	"reelscribe/internal/metrics"
)

// GeneratorConfig points at the multimodal generation service.
type GeneratorConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Generator calls the external model service for reel analysis and script
// generation.
type Generator struct {
	cfg    GeneratorConfig
	hc     *http.Client
	logger zerolog.Logger
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Generator{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		logger: log.WithComponent("generator"),
	}
}

// Analysis is the structured understanding of one reel.
type Analysis struct {
	Transcript string   `json:"transcript"`
	Tone       string   `json:"tone"`
	HookType   string   `json:"hookType"`
	VisualCues []string `json:"visualCues"`
	Scenes     []string `json:"scenes"`
}

// AnalysisRequest carries the multimodal inputs for one reel.
type AnalysisRequest struct {
	ReelURL    string   `json:"reelUrl"`
	Mode       string   `json:"mode"` // visual, audio or hybrid
	FramePaths []string `json:"-"`
	AudioPath  string   `json:"-"`

	Frames []string `json:"frames,omitempty"` // base64 JPEG, filled from FramePaths
	Audio  string   `json:"audio,omitempty"`  // base64 WAV, filled from AudioPath
}

// Analyze runs the structured analysis call. Frame and audio files are
// inlined as base64; missing audio just narrows the request to visual-only.
func (g *Generator) Analyze(ctx context.Context, req AnalysisRequest) (Analysis, error) {
	for _, p := range req.FramePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return Analysis{}, apperr.Internal(fmt.Errorf("read frame: %w", err))
		}
		req.Frames = append(req.Frames, base64.StdEncoding.EncodeToString(data))
	}
	if req.AudioPath != "" {
		data, err := os.ReadFile(req.AudioPath)
		if err != nil {
			return Analysis{}, apperr.Internal(fmt.Errorf("read audio: %w", err))
		}
		req.Audio = base64.StdEncoding.EncodeToString(data)
	}

	start := time.Now()
	var out Analysis
	if err := g.post(ctx, "/v1/analyze", req, &out); err != nil {
		return Analysis{}, err
	}
	metrics.ObserveAnalysisDuration(float64(time.Since(start).Milliseconds()))
	return out, nil
}

// MemoryContext is the rolling per-subscriber preference snapshot fed into
// generation.
type MemoryContext struct {
	PreferredTone string  `json:"preferredTone,omitempty"`
	AvgRating     float64 `json:"avgRating,omitempty"`
	PositiveCount int64   `json:"positiveCount,omitempty"`
	NegativeCount int64   `json:"negativeCount,omitempty"`
}

// ScriptRequest carries everything one generation call needs.
type ScriptRequest struct {
	Idea         string         `json:"idea"`
	Tone         string         `json:"tone,omitempty"`
	Intensity    string         `json:"intensity,omitempty"`
	HookOnly     bool           `json:"hookOnly,omitempty"`
	Language     string         `json:"language,omitempty"`
	Variation    int64          `json:"variation"`
	Analysis     *Analysis      `json:"analysis,omitempty"`
	PriorContext []string       `json:"priorContext,omitempty"`
	Memory       *MemoryContext `json:"memory,omitempty"`
}

// ScriptResult is the generated script with provenance.
type ScriptResult struct {
	Text         string `json:"text"`
	ModelVersion string `json:"modelVersion"`
}

// Generate produces one script variation.
func (g *Generator) Generate(ctx context.Context, req ScriptRequest) (ScriptResult, error) {
	start := time.Now()
	var out ScriptResult
	if err := g.post(ctx, "/v1/generate", req, &out); err != nil {
		return ScriptResult{}, err
	}
	if out.Text == "" {
		return ScriptResult{}, apperr.Upstream("generator", fmt.Errorf("empty script in response"))
	}
	metrics.ObserveGeneratorDuration(float64(time.Since(start).Milliseconds()))
	return out, nil
}

func (g *Generator) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperr.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	if g.cfg.Model != "" {
		req.Header.Set("X-Model", g.cfg.Model)
	}

	resp, err := g.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Timeout("generator call timed out")
		}
		return apperr.Upstream("generator", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyHTTPStatus("generator", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Upstream("generator", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyHTTPStatus maps a non-2xx response to a typed error and drains a
// snippet of the body for the message.
func classifyHTTPStatus(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retry := 30 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retry = time.Duration(secs) * time.Second
			}
		}
		e := apperr.Upstream(service, fmt.Errorf("rate limited: %s", firstLine(string(snippet))))
		e.RetryAfter = retry
		return e
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperr.PermanentUpstream(service, fmt.Sprintf("auth rejected (%d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return apperr.Upstream(service, fmt.Errorf("status %d: %s", resp.StatusCode, firstLine(string(snippet))))
	default:
		return apperr.PermanentUpstream(service, fmt.Sprintf("status %d: %s", resp.StatusCode, firstLine(string(snippet))))
	}
}
