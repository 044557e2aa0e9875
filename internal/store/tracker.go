package store

import (
	"log"
	"sync"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

// Tracker is the in-memory registry of video job states, keyed by story id.
// It replaces module-level maps with an explicit object injected into the
// pipeline and the API layer.
//
// Within a job only the owning control loop writes its state; the mutex
// exists because external status queries and unrelated jobs run concurrently.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*models.JobState

	// inflight guards the outer "generate or reuse" decision so two callers
	// cannot request the same (story, segment) clip twice.
	inflight map[genKey]struct{}
}

type genKey struct {
	storyID      string
	segmentIndex int
}

func NewTracker() *Tracker {
	return &Tracker{
		jobs:     make(map[string]*models.JobState),
		inflight: make(map[genKey]struct{}),
	}
}

// Begin registers a fresh job state in generating_clips. A story restarted
// after a terminal state gets a new record.
func (t *Tracker) Begin(storyID string, totalClips int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[storyID] = &models.JobState{
		StoryID:    storyID,
		Status:     models.JobStatusGeneratingClips,
		TotalClips: totalClips,
	}
}

// Get returns a copy of the job state. Unknown story ids report an explicit
// idle state rather than an error.
func (t *Tracker) Get(storyID string) models.JobState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if js, ok := t.jobs[storyID]; ok {
		return *js
	}
	return models.JobState{StoryID: storyID, Status: models.JobStatusIdle}
}

// SetStatus advances the job through the monotonic status ladder. Regressions
// are ignored and logged so a stray late update can never un-complete a job.
func (t *Tracker) SetStatus(storyID string, status models.VideoJobStatus, progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	js, ok := t.jobs[storyID]
	if !ok {
		return
	}
	if !models.CanTransition(js.Status, status) {
		log.Printf("[Tracker] ignoring status regression for %s: %s -> %s", storyID, js.Status, status)
		return
	}
	js.Status = status
	js.Progress = progress
}

// SetClipProgress updates the generated-clip counters during generating_clips.
// Progress spans 0-70%, proportional to completed clips.
func (t *Tracker) SetClipProgress(storyID string, generated, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	js, ok := t.jobs[storyID]
	if !ok || js.Status != models.JobStatusGeneratingClips {
		return
	}
	js.GeneratedClips = generated
	js.TotalClips = total
	if total > 0 {
		js.Progress = generated * 70 / total
	}
}

// Complete marks the job done with the final artifact path.
func (t *Tracker) Complete(storyID, videoPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	js, ok := t.jobs[storyID]
	if !ok || !models.CanTransition(js.Status, models.JobStatusCompleted) {
		return
	}
	js.Status = models.JobStatusCompleted
	js.Progress = 100
	js.VideoPath = videoPath
}

// Fail records a terminal failure with a human-readable message. The artifact
// reference stays unset.
func (t *Tracker) Fail(storyID, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	js, ok := t.jobs[storyID]
	if !ok {
		t.jobs[storyID] = &models.JobState{
			StoryID: storyID,
			Status:  models.JobStatusFailed,
			Error:   message,
		}
		return
	}
	if !models.CanTransition(js.Status, models.JobStatusFailed) {
		return
	}
	js.Status = models.JobStatusFailed
	js.Error = message
}

// TryLockGeneration claims the (story, segment) generation slot. Returns
// false when another caller is already generating that segment's clip.
func (t *Tracker) TryLockGeneration(storyID string, segmentIndex int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := genKey{storyID, segmentIndex}
	if _, busy := t.inflight[key]; busy {
		return false
	}
	t.inflight[key] = struct{}{}
	return true
}

// UnlockGeneration releases the slot claimed by TryLockGeneration.
func (t *Tracker) UnlockGeneration(storyID string, segmentIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, genKey{storyID, segmentIndex})
}
