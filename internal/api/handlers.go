package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/alg-bug-engineer/interactive-storybook/internal/db"
	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
	"github.com/alg-bug-engineer/interactive-storybook/internal/store"
)

// StoryRegistry is the story persistence surface the API needs.
type StoryRegistry interface {
	UpsertStory(ctx context.Context, story *models.Story) error
	GetStory(ctx context.Context, id string) (*models.Story, error)
}

// JobQueue enqueues background work for the worker.
type JobQueue interface {
	EnqueueGenerateVideo(ctx context.Context, storyID string, enableAudio bool) error
	EnqueuePregenerateClip(ctx context.Context, storyID string, segmentIndex int) error
}

type Handler struct {
	stories StoryRegistry
	clips   db.ClipCache
	queue   JobQueue
	tracker *store.Tracker
}

func NewHandler(stories StoryRegistry, clips db.ClipCache, q JobQueue, tracker *store.Tracker) *Handler {
	return &Handler{
		stories: stories,
		clips:   clips,
		queue:   q,
		tracker: tracker,
	}
}

// UpsertStory handles PUT /api/stories/{id}
func (h *Handler) UpsertStory(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "id")

	var req models.UpsertStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Segments) == 0 {
		respondError(w, http.StatusBadRequest, "Segments are required")
		return
	}

	// Segment indices follow list position
	for i := range req.Segments {
		req.Segments[i].Index = i
	}

	story := &models.Story{
		ID:       storyID,
		Title:    req.Title,
		Segments: req.Segments,
	}

	if err := h.stories.UpsertStory(r.Context(), story); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to save story")
		return
	}

	respondJSON(w, http.StatusOK, story)
}

// GetStory handles GET /api/stories/{id}
func (h *Handler) GetStory(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "id")

	story, err := h.stories.GetStory(r.Context(), storyID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Story not found")
		return
	}

	respondJSON(w, http.StatusOK, story)
}

// GenerateVideo handles POST /api/video/generate
func (h *Handler) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.StoryID == "" {
		respondError(w, http.StatusBadRequest, "story_id is required")
		return
	}

	story, err := h.stories.GetStory(r.Context(), req.StoryID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Story not found")
		return
	}
	if len(story.Segments) < 2 {
		respondError(w, http.StatusBadRequest, "Story needs at least 2 segments for clip generation")
		return
	}

	// Reject while a job for this story is still running
	state := h.tracker.Get(req.StoryID)
	switch state.Status {
	case models.JobStatusGeneratingClips, models.JobStatusMerging, models.JobStatusAddingAudio:
		respondJSON(w, http.StatusConflict, state)
		return
	}

	enableAudio := true
	if req.EnableAudio != nil {
		enableAudio = *req.EnableAudio
	}

	if err := h.queue.EnqueueGenerateVideo(r.Context(), req.StoryID, enableAudio); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.GenerateVideoResponse{
		StoryID: req.StoryID,
		Status:  models.JobStatusGeneratingClips,
	})
}

// GetVideoStatus handles GET /api/video/status/{story_id}
func (h *Handler) GetVideoStatus(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "story_id")
	respondJSON(w, http.StatusOK, h.tracker.Get(storyID))
}

// GetStoryClips handles GET /api/video/clips/{story_id}
func (h *Handler) GetStoryClips(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "story_id")

	clips, err := h.clips.GetStoryClips(r.Context(), storyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load clips")
		return
	}

	respondJSON(w, http.StatusOK, models.ClipRefsResponse{
		StoryID:    storyID,
		VideoClips: clips,
		TotalClips: len(clips),
	})
}

// DownloadVideo handles GET /api/video/download/{story_id}
func (h *Handler) DownloadVideo(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "story_id")

	state := h.tracker.Get(storyID)
	if state.Status != models.JobStatusCompleted || state.VideoPath == "" {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}
	if _, err := os.Stat(state.VideoPath); err != nil {
		respondError(w, http.StatusNotFound, "Video file missing")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="story_`+storyID+`.mp4"`)
	http.ServeFile(w, r, state.VideoPath)
}

// PregenerateClip handles POST /api/video/pregenerate
func (h *Handler) PregenerateClip(w http.ResponseWriter, r *http.Request) {
	var req models.PregenerateClipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.StoryID == "" {
		respondError(w, http.StatusBadRequest, "story_id is required")
		return
	}

	story, err := h.stories.GetStory(r.Context(), req.StoryID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Story not found")
		return
	}
	if req.SegmentIndex < 0 || req.SegmentIndex >= len(story.Segments)-1 {
		respondError(w, http.StatusBadRequest, "segment_index has no successor segment")
		return
	}

	if err := h.queue.EnqueuePregenerateClip(r.Context(), req.StoryID, req.SegmentIndex); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"story_id":      req.StoryID,
		"segment_index": req.SegmentIndex,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
