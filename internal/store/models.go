// SPDX-License-Identifier: MIT

package store

import "time"

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// rank orders statuses so transitions are monotonic: a terminal row can never
// move back to queued or processing.
func (s JobStatus) rank() int {
	switch s {
	case JobQueued:
		return 0
	case JobProcessing:
		return 1
	case JobCompleted, JobFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// UserStatus enumerates access states.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserWaitlist UserStatus = "waitlist"
	UserBlocked  UserStatus = "blocked"
)

// Script is the durable generation result, immutable after creation except
// for feedback-scored quality fields.
type Script struct {
	RequestHash      string
	PublicID         string
	SubscriberID     string
	ReelURL          string
	UserIdea         string
	ScriptText       string
	ImageURL         string
	ScriptURL        string
	GeneratorVersion string
	GenerationMS     int64
	QualityScore     *float64
	CreatedAt        time.Time
}

// Job is the durable queue record.
type Job struct {
	JobID        string
	SubscriberID string
	RequestHash  string
	Status       JobStatus
	Attempts     int
	ErrorSummary string
	ResultID     string // publicId of the produced script, when completed
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// User is the beta-access record for a subscriber.
type User struct {
	SubscriberID   string
	Status         UserStatus
	RegistrationNo *int64
	RequestCount   int64
	LastRequestAt  *time.Time
	CreatedAt      time.Time
}

// ReelAnalysis is the tier-1 cache record keyed by the canonical URL hash.
type ReelAnalysis struct {
	ReelHash     string
	CanonicalURL string
	Transcript   string
	Tone         string
	HookType     string
	VisualCues   []string
	Scenes       []string
	VideoURL     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// DatasetRecord is the append-only training/feedback record written once per
// completed generation and enriched by later feedback.
type DatasetRecord struct {
	ID            int64
	RequestHash   string
	SubscriberID  string
	SchemaVersion int
	Payload       map[string]any
	OverallRating *int
	FeedbackText  string
	Validated     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserMemory carries rolling per-subscriber aggregates fed back into the
// generator as context.
type UserMemory struct {
	SubscriberID  string
	PreferredTone string
	RatingSum     int64
	RatingCount   int64
	PositiveCount int64
	NegativeCount int64
	UpdatedAt     time.Time
}

// AvgRating returns the mean explicit rating, or 0 when unrated.
func (m UserMemory) AvgRating() float64 {
	if m.RatingCount == 0 {
		return 0
	}
	return float64(m.RatingSum) / float64(m.RatingCount)
}
