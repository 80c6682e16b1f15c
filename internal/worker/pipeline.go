// SPDX-License-Identifier: MIT

// Package worker executes queued script jobs: download, media extraction,
// analysis, generation, rendering and delivery, with per-stage abort checks
// and unconditional cleanup.
package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"reelscribe/internal/adapters"
	"reelscribe/internal/apperr"
	"reelscribe/internal/kv"
	"reelscribe/internal/log"
	"reelscribe/internal/metrics"
	"reelscribe/internal/queue"
	"reelscribe/internal/resilience"
	"reelscribe/internal/store"
	"reelscribe/internal/urlkey"
)

// Circuit names, one per external dependency.
const (
	CircuitDownload   = "download"
	CircuitAnalysis   = "analysis"
	CircuitGeneration = "generation"
	CircuitUpload     = "upload"
	CircuitMessaging  = "messaging"
)

const requestKeyPrefix = "jobreq:"

// requestTTL outlives the queue dedup window plus all retries.
const requestTTL = 24 * time.Hour

// Request is the durable job input, written by ingress at enqueue time and
// loaded by the worker as stage zero.
type Request struct {
	JobID        string `json:"jobId"`
	SubscriberID string `json:"subscriberId"`
	RequestHash  string `json:"requestHash"`
	ReelURL      string `json:"reelUrl"`
	Idea         string `json:"idea"`
	Tone         string `json:"tone,omitempty"`
	Language     string `json:"language,omitempty"`
	Intensity    string `json:"intensity,omitempty"`
	HookOnly     bool   `json:"hookOnly,omitempty"`
	CopyMode     bool   `json:"copyMode,omitempty"`
	Variation    int64  `json:"variation"`
}

// SaveRequest persists the job input for the worker.
func SaveRequest(ctx context.Context, kvs *kv.Store, req Request) error {
	return kvs.SetJSON(ctx, requestKeyPrefix+req.JobID, req, requestTTL)
}

// Downloader fetches the reel video.
type Downloader interface {
	Download(ctx context.Context, reelURL, destDir, jobID string) (string, error)
}

// MediaProcessor probes and slices the video.
type MediaProcessor interface {
	Duration(ctx context.Context, videoPath string) (time.Duration, error)
	ExtractFrames(ctx context.Context, videoPath, destDir string, duration time.Duration) ([]string, error)
	ExtractAudio(ctx context.Context, videoPath, destPath string) (string, error)
}

// Generator produces analyses and scripts.
type Generator interface {
	Analyze(ctx context.Context, req adapters.AnalysisRequest) (adapters.Analysis, error)
	Generate(ctx context.Context, req adapters.ScriptRequest) (adapters.ScriptResult, error)
}

// Uploader publishes script card images.
type Uploader interface {
	Upload(ctx context.Context, imagePath, name string) (string, error)
}

// Messenger delivers results to the subscriber.
type Messenger interface {
	DeliverScript(ctx context.Context, subscriberID, scriptURL, imageURL string) error
	SendText(ctx context.Context, subscriberID, text string) error
}

// Config carries the pipeline tunables.
type Config struct {
	WorkDir       string
	PublicBaseURL string
	AnalysisTTL   time.Duration
	AnalysisMode  string // visual, audio or hybrid
	MaxAttempts   int
	GeneratorName string // recorded as generator version provenance
}

// Pipeline is the queue handler executing the per-job stage graph.
type Pipeline struct {
	store      *store.Store
	kv         *kv.Store
	breakers   *resilience.Registry
	downloader Downloader
	media      MediaProcessor
	generator  Generator
	uploader   Uploader
	messenger  Messenger
	cfg        Config
	logger     zerolog.Logger
}

func New(st *store.Store, kvs *kv.Store, breakers *resilience.Registry,
	dl Downloader, media MediaProcessor, gen Generator, up Uploader, msg Messenger,
	cfg Config) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AnalysisMode == "" {
		cfg.AnalysisMode = "hybrid"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Pipeline{
		store:      st,
		kv:         kvs,
		breakers:   breakers,
		downloader: dl,
		media:      media,
		generator:  gen,
		uploader:   up,
		messenger:  msg,
		cfg:        cfg,
		logger:     log.WithComponent("worker"),
	}
}

// Handle executes one job attempt. It is the queue.Handler for the pipeline.
func (p *Pipeline) Handle(ctx context.Context, payload queue.Payload) error {
	logger := p.logger.With().Str(log.FieldJobID, payload.JobID).Logger()

	var req Request
	ok, err := p.kv.GetJSON(ctx, requestKeyPrefix+payload.JobID, &req)
	if err != nil {
		return apperr.Unavailable(err, "job request store unreachable")
	}
	if !ok {
		return apperr.Validationf("job request %s not found", payload.JobID)
	}

	job, err := p.store.TransitionJob(ctx, payload.JobID, store.JobProcessing, nil)
	if err != nil {
		return apperr.Internal(err)
	}
	if job.Status.Terminal() {
		logger.Info().Str("status", string(job.Status)).Msg("job already settled, skipping")
		return nil
	}

	err = p.runStages(ctx, logger, req)
	if err == nil {
		return nil
	}

	final := payload.Attempt >= p.cfg.MaxAttempts || !apperr.Retryable(err)
	if !final {
		return err
	}

	// Last attempt: the subscriber gets a deterministic fallback instead of
	// silence, and the job settles as failed.
	p.deliverFallback(ctx, logger, req)
	if _, terr := p.store.TransitionJob(ctx, payload.JobID, store.JobFailed, func(j *store.Job) {
		j.ErrorSummary = string(apperr.ClassOf(err)) + ": " + truncate(err.Error(), 300)
	}); terr != nil {
		logger.Error().Err(terr).Msg("failed-job transition failed")
	}
	metrics.RecordError(string(apperr.ClassOf(err)))
	return err
}

// runStages walks the stage graph for one attempt.
func (p *Pipeline) runStages(ctx context.Context, logger zerolog.Logger, req Request) error {
	workDir := filepath.Join(p.cfg.WorkDir, adapters.SafeName(req.JobID))
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return apperr.Internal(err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, workDir).Msg("workdir cleanup failed")
		}
	}()

	canonical := urlkey.Canonicalize(req.ReelURL)
	reelHash := urlkey.Tier1Key(canonical)

	analysis, framePaths, err := p.obtainAnalysis(ctx, logger, req, canonical, reelHash, workDir)
	if err != nil {
		return err
	}

	if err := checkAbort(ctx); err != nil {
		return err
	}
	var scriptText, generatorVersion string
	genStart := time.Now()
	if req.CopyMode {
		scriptText = FormatCopyScript(analysis)
		generatorVersion = "copy"
	} else {
		result, err := p.generateScript(ctx, logger, req, canonical, analysis)
		if err != nil {
			return err
		}
		scriptText = result.Text
		generatorVersion = result.ModelVersion
	}
	generationMS := time.Since(genStart).Milliseconds()

	if err := checkAbort(ctx); err != nil {
		return err
	}
	imageURL := p.renderCard(ctx, logger, req, framePaths)

	publicID, scriptURL, err := p.persistScript(ctx, req, scriptText, imageURL, generatorVersion, generationMS)
	if err != nil {
		return err
	}

	if _, err := p.store.TransitionJob(ctx, req.JobID, store.JobCompleted, func(j *store.Job) {
		j.ResultID = publicID
	}); err != nil {
		logger.Error().Err(err).Msg("completed-job transition failed")
	}

	// Delivery failure never fails the job: the artifact is durable and the
	// public link keeps working.
	if err := checkAbort(ctx); err != nil {
		return err
	}
	if err := p.breakers.Execute(ctx, CircuitMessaging, func() error {
		return p.messenger.DeliverScript(ctx, req.SubscriberID, scriptURL, imageURL)
	}); err != nil {
		logger.Error().Err(err).Str(log.FieldSubscriber, req.SubscriberID).Msg("script delivery failed")
	}

	logger.Info().
		Str(log.FieldPublicID, publicID).
		Str(log.FieldSubscriber, req.SubscriberID).
		Int64(log.FieldVariation, req.Variation).
		Bool("copy_mode", req.CopyMode).
		Msg("script produced")
	return nil
}

// obtainAnalysis returns the tier-1 analysis, taking the full media path on
// a miss and caching the result for the TTL window.
func (p *Pipeline) obtainAnalysis(ctx context.Context, logger zerolog.Logger, req Request, canonical, reelHash, workDir string) (adapters.Analysis, []string, error) {
	stageStart := time.Now()
	cached, err := p.store.GetAnalysis(ctx, reelHash, time.Now())
	if err != nil {
		logger.Warn().Err(err).Msg("tier-1 lookup failed, treating as miss")
	}
	if cached != nil {
		metrics.RecordCacheHit("tier1")
		return adapters.Analysis{
			Transcript: cached.Transcript,
			Tone:       cached.Tone,
			HookType:   cached.HookType,
			VisualCues: cached.VisualCues,
			Scenes:     cached.Scenes,
		}, nil, nil
	}
	metrics.RecordCacheMiss("tier1")

	if err := checkAbort(ctx); err != nil {
		return adapters.Analysis{}, nil, err
	}
	var videoPath string
	dlStart := time.Now()
	if err := p.breakers.Execute(ctx, CircuitDownload, func() error {
		var derr error
		videoPath, derr = p.downloader.Download(ctx, canonical, workDir, req.JobID)
		return derr
	}); err != nil {
		return adapters.Analysis{}, nil, err
	}
	metrics.ObserveStageDuration("download", float64(time.Since(dlStart).Milliseconds()))

	if err := checkAbort(ctx); err != nil {
		return adapters.Analysis{}, nil, err
	}
	duration, err := p.media.Duration(ctx, videoPath)
	if err != nil {
		return adapters.Analysis{}, nil, err
	}

	var framePaths []string
	if p.cfg.AnalysisMode != "audio" {
		framePaths, err = p.media.ExtractFrames(ctx, videoPath, workDir, duration)
		if err != nil {
			return adapters.Analysis{}, nil, err
		}
	}
	var audioPath string
	if p.cfg.AnalysisMode != "visual" {
		audioPath, err = p.media.ExtractAudio(ctx, videoPath, filepath.Join(workDir, "audio.wav"))
		if err != nil {
			return adapters.Analysis{}, nil, err
		}
	}

	if err := checkAbort(ctx); err != nil {
		return adapters.Analysis{}, nil, err
	}
	var analysis adapters.Analysis
	if err := p.breakers.Execute(ctx, CircuitAnalysis, func() error {
		var aerr error
		analysis, aerr = p.generator.Analyze(ctx, adapters.AnalysisRequest{
			ReelURL:    canonical,
			Mode:       p.cfg.AnalysisMode,
			FramePaths: framePaths,
			AudioPath:  audioPath,
		})
		return aerr
	}); err != nil {
		return adapters.Analysis{}, nil, err
	}

	if err := p.store.PutAnalysis(ctx, store.ReelAnalysis{
		ReelHash:     reelHash,
		CanonicalURL: canonical,
		Transcript:   analysis.Transcript,
		Tone:         analysis.Tone,
		HookType:     analysis.HookType,
		VisualCues:   analysis.VisualCues,
		Scenes:       analysis.Scenes,
		ExpiresAt:    time.Now().Add(p.cfg.AnalysisTTL),
	}); err != nil {
		logger.Warn().Err(err).Msg("tier-1 write failed")
	}
	metrics.ObserveStageDuration("analysis", float64(time.Since(stageStart).Milliseconds()))
	return analysis, framePaths, nil
}

// generateScript calls the generator with analysis, prior-script context and
// subscriber memory.
func (p *Pipeline) generateScript(ctx context.Context, logger zerolog.Logger, req Request, canonical string, analysis adapters.Analysis) (adapters.ScriptResult, error) {
	greq := adapters.ScriptRequest{
		Idea:      req.Idea,
		Tone:      req.Tone,
		Intensity: req.Intensity,
		HookOnly:  req.HookOnly,
		Language:  req.Language,
		Variation: req.Variation,
		Analysis:  &analysis,
	}
	greq.PriorContext = p.priorContext(ctx, logger, req, canonical)

	if mem, err := p.store.GetUserMemory(ctx, req.SubscriberID); err == nil && mem != nil {
		greq.Memory = &adapters.MemoryContext{
			PreferredTone: mem.PreferredTone,
			AvgRating:     mem.AvgRating(),
			PositiveCount: mem.PositiveCount,
			NegativeCount: mem.NegativeCount,
		}
		if greq.Tone == "" {
			greq.Tone = mem.PreferredTone
		}
	}

	var result adapters.ScriptResult
	err := p.breakers.Execute(ctx, CircuitGeneration, func() error {
		var gerr error
		result, gerr = p.generator.Generate(ctx, greq)
		return gerr
	})
	return result, err
}

// priorContext builds the repetition-avoidance context from earlier scripts
// for the same reel. Same-idea scripts contribute truncated summaries, other
// ideas contribute full bodies as style context. Best-effort.
func (p *Pipeline) priorContext(ctx context.Context, logger zerolog.Logger, req Request, canonical string) []string {
	priors, err := p.store.PriorScripts(ctx, req.SubscriberID, canonical, 5)
	if err != nil {
		logger.Warn().Err(err).Msg("prior-script lookup failed")
		return nil
	}
	idea := urlkey.NormalizeIdea(req.Idea)
	var out []string
	for _, sc := range priors {
		if urlkey.NormalizeIdea(sc.UserIdea) == idea {
			out = append(out, "AVOID REPEATING: "+summarizeScript(sc.ScriptText))
		} else {
			out = append(out, "STYLE REFERENCE: "+sc.ScriptText)
		}
	}
	return out
}

// summarizeScript keeps the first hook line and first body line, truncated.
func summarizeScript(text string) string {
	var hook, body string
	section := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch line {
		case "[HOOK]":
			section = "hook"
			continue
		case "[BODY]":
			section = "body"
			continue
		case "[CTA]":
			section = ""
			continue
		}
		if line == "" {
			continue
		}
		switch section {
		case "hook":
			if hook == "" {
				hook = line
			}
		case "body":
			if body == "" {
				body = line
			}
		}
	}
	return truncate(hook, 120) + " / " + truncate(body, 120)
}

// renderCard uploads the first frame as the script card image. Best-effort:
// a card-less delivery still carries the public link.
func (p *Pipeline) renderCard(ctx context.Context, logger zerolog.Logger, req Request, framePaths []string) string {
	if len(framePaths) == 0 || p.uploader == nil {
		return ""
	}
	var imageURL string
	if err := p.breakers.Execute(ctx, CircuitUpload, func() error {
		var uerr error
		imageURL, uerr = p.uploader.Upload(ctx, framePaths[0], req.JobID)
		return uerr
	}); err != nil {
		logger.Warn().Err(err).Msg("card upload failed, delivering without image")
		return ""
	}
	return imageURL
}

// persistScript mints the public ID, upserts the Script and appends the
// dataset record. Public ID collisions retry with a fresh ID.
func (p *Pipeline) persistScript(ctx context.Context, req Request, scriptText, imageURL, generatorVersion string, generationMS int64) (publicID, scriptURL string, err error) {
	for attempt := 0; attempt < 3; attempt++ {
		publicID, err = urlkey.NewPublicID()
		if err != nil {
			return "", "", apperr.Internal(err)
		}
		scriptURL = strings.TrimRight(p.cfg.PublicBaseURL, "/") + "/s/" + publicID
		err = p.store.InsertScript(ctx, store.Script{
			RequestHash:      req.RequestHash,
			PublicID:         publicID,
			SubscriberID:     req.SubscriberID,
			ReelURL:          urlkey.Canonicalize(req.ReelURL),
			UserIdea:         req.Idea,
			ScriptText:       scriptText,
			ImageURL:         imageURL,
			ScriptURL:        scriptURL,
			GeneratorVersion: generatorVersion,
			GenerationMS:     generationMS,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrPublicIDCollision) {
			return "", "", apperr.Internal(err)
		}
	}
	if err != nil {
		return "", "", apperr.Internal(err)
	}

	if derr := p.store.AppendDatasetRecord(ctx, store.DatasetRecord{
		RequestHash:  req.RequestHash,
		SubscriberID: req.SubscriberID,
		Payload: map[string]any{
			"reelUrl":   urlkey.Canonicalize(req.ReelURL),
			"idea":      req.Idea,
			"tone":      req.Tone,
			"variation": req.Variation,
			"copyMode":  req.CopyMode,
			"script":    scriptText,
			"generator": generatorVersion,
		},
	}); derr != nil {
		p.logger.Warn().Err(derr).Str(log.FieldRequestHash, req.RequestHash).Msg("dataset append failed")
	}
	return publicID, scriptURL, nil
}

// deliverFallback sends the deterministic last-resort script.
func (p *Pipeline) deliverFallback(ctx context.Context, logger zerolog.Logger, req Request) {
	text := "I couldn't process that reel right now, but here's a starting point:\n\n" + FallbackScript(req.Idea)
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.messenger.SendText(ctx, req.SubscriberID, text); err != nil {
		logger.Error().Err(err).Str(log.FieldSubscriber, req.SubscriberID).Msg("fallback delivery failed")
	}
}

func checkAbort(ctx context.Context) error {
	if ctx.Err() != nil {
		return apperr.Timeout("job aborted")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never emits invalid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
