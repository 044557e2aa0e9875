package worker

import (
	"reflect"
	"strings"
	"testing"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

var testProfiles = []models.ModelProfile{
	{Name: "jimeng-video-3.5-pro", Durations: []int{5, 10, 12}},
	{Name: "jimeng-video-3.0", Durations: []int{5, 10}},
}

func TestEstimateNarrationSeconds(t *testing.T) {
	// 14 chars / 3.5 = 4s
	if got := estimateNarrationSeconds(strings.Repeat("a", 14)); got != 4.0 {
		t.Errorf("estimate for 14 chars = %v, want 4.0", got)
	}
	// Short text floors at 1s
	if got := estimateNarrationSeconds("hi"); got != 1.0 {
		t.Errorf("estimate for short text = %v, want 1.0", got)
	}
	// Multi-byte text counts runes, not bytes
	if got := estimateNarrationSeconds(strings.Repeat("森", 7)); got != 2.0 {
		t.Errorf("estimate for 7 runes = %v, want 2.0", got)
	}
}

func TestChooseClipDuration(t *testing.T) {
	tests := []struct {
		estimated float64
		want      int
	}{
		{4.0, 5},
		{5.0, 5},
		{9.0, 10},
		{10.0, 10},
		{11.0, 12},
		{30.0, 12},
	}

	for _, tt := range tests {
		if got := chooseClipDuration(tt.estimated, testProfiles); got != tt.want {
			t.Errorf("chooseClipDuration(%v) = %d, want %d", tt.estimated, got, tt.want)
		}
	}
}

func TestChooseClipDurationTopBucketFollowsPrimaryModel(t *testing.T) {
	longer := []models.ModelProfile{
		{Name: "m-pro", Durations: []int{5, 10, 15}},
		{Name: "m", Durations: []int{5, 10}},
	}
	if got := chooseClipDuration(14.0, longer); got != 15 {
		t.Errorf("chooseClipDuration(14.0) = %d, want 15", got)
	}
	// A primary model without a long tier caps at the mid bucket.
	short := []models.ModelProfile{{Name: "m", Durations: []int{5, 10}}}
	if got := chooseClipDuration(30.0, short); got != 10 {
		t.Errorf("chooseClipDuration(30.0) = %d, want 10", got)
	}
}

func TestNearestAllowedDuration(t *testing.T) {
	tests := []struct {
		target  int
		allowed []int
		want    int
	}{
		{12, []int{5, 10}, 10},
		{5, []int{5, 10, 12}, 5},
		{8, []int{5, 10}, 10},
		{7, []int{5, 10, 12}, 5}, // tie prefers the smaller duration
		{1, []int{5, 10}, 5},
	}

	for _, tt := range tests {
		if got := nearestAllowedDuration(tt.target, tt.allowed); got != tt.want {
			t.Errorf("nearestAllowedDuration(%d, %v) = %d, want %d", tt.target, tt.allowed, got, tt.want)
		}
	}
}

func TestBuildCandidates(t *testing.T) {
	got := buildCandidates(12, testProfiles)
	want := []models.Candidate{
		{Model: "jimeng-video-3.5-pro", Duration: 12},
		{Model: "jimeng-video-3.0", Duration: 10},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("candidates for 12 = %v, want %v", got, want)
	}
}

func TestBuildCandidatesNoDuplicates(t *testing.T) {
	// Duration 5 maps to the same value on both models; both entries stay
	// because the model differs, but identical pairs collapse.
	same := []models.ModelProfile{
		{Name: "m", Durations: []int{5, 10}},
		{Name: "m", Durations: []int{5}},
	}
	got := buildCandidates(5, same)
	if len(got) != 1 {
		t.Fatalf("expected 1 deduplicated candidate, got %v", got)
	}
}

func TestPlanClips(t *testing.T) {
	segments := []models.Segment{
		{Index: 0, Text: strings.Repeat("a", 14), Emotion: "joyful", ImageURL: "/static/images/a.png"},
		{Index: 1, Text: strings.Repeat("b", 40), ImageURL: "/static/images/b.png"},
		{Index: 2, Text: "end", ImageURL: "/static/images/c.png"},
	}

	specs := PlanClips(segments, true, testProfiles)
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}

	// First pair: 14 chars → 4s estimate → 5s bucket, uses segment 0 emotion
	if specs[0].SegmentIndex != 0 {
		t.Errorf("spec 0 segment = %d", specs[0].SegmentIndex)
	}
	if specs[0].Candidates[0].Duration != 5 {
		t.Errorf("spec 0 primary duration = %d, want 5", specs[0].Candidates[0].Duration)
	}
	if !strings.HasPrefix(specs[0].MotionPrompt, "joyful mood transition") {
		t.Errorf("spec 0 prompt = %q", specs[0].MotionPrompt)
	}

	// Second pair: 40 chars → ~11.4s estimate → 12s bucket; fallback model caps at 10
	if specs[1].Candidates[0].Duration != 12 {
		t.Errorf("spec 1 primary duration = %d, want 12", specs[1].Candidates[0].Duration)
	}
	if specs[1].Candidates[1].Duration != 10 {
		t.Errorf("spec 1 fallback duration = %d, want 10", specs[1].Candidates[1].Duration)
	}
	// Missing emotion falls back to the default
	if !strings.HasPrefix(specs[1].MotionPrompt, "warm mood transition") {
		t.Errorf("spec 1 prompt = %q", specs[1].MotionPrompt)
	}
}

func TestPlanClipsSkipsMissingImages(t *testing.T) {
	segments := []models.Segment{
		{Index: 0, Text: "a", ImageURL: "/static/images/a.png"},
		{Index: 1, Text: "b"}, // no image: pairs (0,1) and (1,2) both drop
		{Index: 2, Text: "c", ImageURL: "/static/images/c.png"},
	}

	specs := PlanClips(segments, true, testProfiles)
	if len(specs) != 0 {
		t.Fatalf("expected 0 specs, got %d", len(specs))
	}
}

func TestPlanClipsAudioDisabled(t *testing.T) {
	segments := []models.Segment{
		{Index: 0, Text: strings.Repeat("a", 100), ImageURL: "/static/images/a.png"},
		{Index: 1, Text: "b", ImageURL: "/static/images/b.png"},
	}

	specs := PlanClips(segments, false, testProfiles)
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if specs[0].Candidates[0].Duration != 5 {
		t.Errorf("audio-disabled duration = %d, want 5", specs[0].Candidates[0].Duration)
	}
}
