package models

import (
	"encoding/json"
	"testing"
)

func TestVideoJobStatusValues(t *testing.T) {
	statuses := []VideoJobStatus{
		JobStatusIdle,
		JobStatusGeneratingClips,
		JobStatusMerging,
		JobStatusAddingAudio,
		JobStatusCompleted,
		JobStatusFailed,
	}

	for _, status := range statuses {
		if status == "" {
			t.Errorf("empty status found")
		}
	}
}

func TestCanTransitionForwardOnly(t *testing.T) {
	cases := []struct {
		from, to VideoJobStatus
		want     bool
	}{
		{JobStatusIdle, JobStatusGeneratingClips, true},
		{JobStatusGeneratingClips, JobStatusMerging, true},
		{JobStatusMerging, JobStatusAddingAudio, true},
		{JobStatusAddingAudio, JobStatusCompleted, true},
		{JobStatusMerging, JobStatusCompleted, true}, // adding_audio is optional
		{JobStatusMerging, JobStatusGeneratingClips, false},
		{JobStatusCompleted, JobStatusMerging, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusGeneratingClips, false},
		{JobStatusGeneratingClips, JobStatusFailed, true},
		{JobStatusAddingAudio, JobStatusFailed, true},
	}

	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSubmitOutcomeVariants(t *testing.T) {
	outcomes := []SubmitOutcome{
		SubmitImmediate{VideoRef: "https://cdn.example.com/clip.mp4"},
		SubmitPending{TaskID: "task-123"},
	}

	for _, o := range outcomes {
		switch v := o.(type) {
		case SubmitImmediate:
			if v.VideoRef == "" {
				t.Error("immediate outcome without video ref")
			}
		case SubmitPending:
			if v.TaskID == "" {
				t.Error("pending outcome without task id")
			}
		default:
			t.Errorf("unexpected outcome type %T", o)
		}
	}
}

func TestPollOutcomeVariants(t *testing.T) {
	outcomes := []PollOutcome{
		PollSuccess{VideoRef: "https://cdn.example.com/clip.mp4"},
		PollFailed{Reason: "generation failed"},
		PollPending{},
	}

	var success, failed, pending int
	for _, o := range outcomes {
		switch o.(type) {
		case PollSuccess:
			success++
		case PollFailed:
			failed++
		case PollPending:
			pending++
		}
	}

	if success != 1 || failed != 1 || pending != 1 {
		t.Errorf("expected one of each variant, got success=%d failed=%d pending=%d", success, failed, pending)
	}
}

func TestClipRefsResponseMarshalsIndexKeys(t *testing.T) {
	resp := ClipRefsResponse{
		StoryID:    "abc123",
		VideoClips: map[int]string{0: "/tmp/clip_000.mp4", 2: "/tmp/clip_002.mp4"},
		TotalClips: 2,
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded struct {
		VideoClips map[string]string `json:"video_clips"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.VideoClips["0"] != "/tmp/clip_000.mp4" {
		t.Errorf("expected string-keyed clip map, got %v", decoded.VideoClips)
	}
}
