package models

import (
	"time"
)

// Enums

// VideoJobStatus tracks a story-video generation job through its pipeline stages.
// Transitions are strictly forward (generating_clips → merging → adding_audio →
// completed); failed is reachable from any state.
type VideoJobStatus string

const (
	JobStatusIdle            VideoJobStatus = "idle"
	JobStatusGeneratingClips VideoJobStatus = "generating_clips"
	JobStatusMerging         VideoJobStatus = "merging"
	JobStatusAddingAudio     VideoJobStatus = "adding_audio"
	JobStatusCompleted       VideoJobStatus = "completed"
	JobStatusFailed          VideoJobStatus = "failed"
)

// statusRank orders the forward progression. Failed and Idle sit outside the
// ladder: Failed is always allowed, Idle is never re-entered.
var statusRank = map[VideoJobStatus]int{
	JobStatusIdle:            0,
	JobStatusGeneratingClips: 1,
	JobStatusMerging:         2,
	JobStatusAddingAudio:     3,
	JobStatusCompleted:       4,
}

// CanTransition reports whether moving from → to respects the monotonic
// status ladder. Terminal states never transition again.
func CanTransition(from, to VideoJobStatus) bool {
	if from == JobStatusCompleted || from == JobStatusFailed {
		return false
	}
	if to == JobStatusFailed {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Models

// Segment is one page/beat of a story: a still image plus optional narration.
// Segments are immutable once the clip pipeline starts for a job.
type Segment struct {
	Index    int    `json:"index"`
	Text     string `json:"text,omitempty"`
	Emotion  string `json:"emotion,omitempty"` // affects motion prompt wording only
	ImageURL string `json:"image_url,omitempty"`
}

// Story is the registered story a video job is generated from.
type Story struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Segments  []Segment `json:"segments"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Candidate is one (model, duration) alternative in a fallback ladder.
type Candidate struct {
	Model    string `json:"model"`
	Duration int    `json:"duration"`
}

// ModelProfile describes a synthesis model and the durations it accepts.
// Kept as data so adding a model tier is a config change, not a code change.
type ModelProfile struct {
	Name      string
	Durations []int
}

// ClipSpec is a planned generation request for one adjacent segment pair.
// Created by the planner, consumed exactly once by the submitter (or skipped
// entirely when the resolver already found a usable clip).
type ClipSpec struct {
	SegmentIndex  int
	StartImageURL string
	EndImageURL   string
	MotionPrompt  string
	Candidates    []Candidate // ordered fallback ladder, deduplicated
}

// SubmitOutcome is the result of submitting a ClipSpec: either the service
// returned a ready asset synchronously (SubmitImmediate) or a task id that
// must be polled (SubmitPending).
type SubmitOutcome interface {
	submitOutcome()
}

// SubmitImmediate carries an already-available clip reference.
type SubmitImmediate struct {
	VideoRef string
}

// SubmitPending carries the task id for asynchronous completion tracking.
type SubmitPending struct {
	TaskID string
}

func (SubmitImmediate) submitOutcome() {}
func (SubmitPending) submitOutcome()   {}

// PollOutcome is the classified result of one poll of a pending task.
type PollOutcome interface {
	pollOutcome()
}

// PollSuccess carries the finished clip reference.
type PollSuccess struct {
	VideoRef string
}

// PollFailed means the remote service reported generation failure.
type PollFailed struct {
	Reason string
}

// PollPending means the task is still queued or generating.
type PollPending struct{}

func (PollSuccess) pollOutcome() {}
func (PollFailed) pollOutcome()  {}
func (PollPending) pollOutcome() {}

// JobState is the per-job status record exposed to callers. Mutated only by
// the owning job's control loop, never after completed/failed.
type JobState struct {
	StoryID        string         `json:"story_id"`
	Status         VideoJobStatus `json:"status"`
	Progress       int            `json:"progress"`
	TotalClips     int            `json:"total_clips"`
	GeneratedClips int            `json:"generated_clips"`
	VideoPath      string         `json:"video_url,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// DTOs for API requests/responses

type UpsertStoryRequest struct {
	Title    string    `json:"title"`
	Segments []Segment `json:"segments"`
}

type GenerateVideoRequest struct {
	StoryID     string `json:"story_id"`
	EnableAudio *bool  `json:"enable_audio,omitempty"` // default: true
}

type GenerateVideoResponse struct {
	StoryID string         `json:"story_id"`
	Status  VideoJobStatus `json:"status"`
}

type PregenerateClipRequest struct {
	StoryID      string `json:"story_id"`
	SegmentIndex int    `json:"segment_index"`
}

type ClipRefsResponse struct {
	StoryID    string         `json:"story_id"`
	VideoClips map[int]string `json:"video_clips"`
	TotalClips int            `json:"total_clips"`
}
