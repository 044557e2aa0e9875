package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
	"github.com/alg-bug-engineer/interactive-storybook/internal/services"
)

func testLoopConfig() loopConfig {
	return loopConfig{
		maxConcurrent: 5,
		pollInterval:  time.Millisecond,
		maxPollRounds: 50,
		submitRetries: 2,
	}
}

func plannedClips(n int) []plannedClip {
	var out []plannedClip
	for i := 0; i < n; i++ {
		out = append(out, plannedClip{
			spec:      specWithCandidates(i),
			startPath: "a.png",
			endPath:   "b.png",
		})
	}
	return out
}

// taskIDFor ties a fake task id back to its segment for scripted polls.
func taskIDFor(req services.ClipSubmitRequest) string {
	return fmt.Sprintf("task-%d", req.SegmentIndex)
}

func TestLoopRespectsConcurrencyCap(t *testing.T) {
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		return models.SubmitPending{TaskID: taskIDFor(req)}, nil
	}
	synth.pollFn = func(taskID string, round int) (models.PollOutcome, error) {
		if round < 2 {
			return models.PollPending{}, nil
		}
		return models.PollSuccess{VideoRef: "https://cdn.example.com/" + taskID + ".mp4"}, nil
	}

	results := runGenerationLoop(context.Background(), synth, plannedClips(12), testLoopConfig(), nil)

	if len(results) != 12 {
		t.Fatalf("expected 12 results, got %d", len(results))
	}
	if synth.maxOpen > 5 {
		t.Errorf("in-flight tasks peaked at %d, cap is 5", synth.maxOpen)
	}
	for i := 0; i < 12; i++ {
		if n := synth.submitCount(i); n != 1 {
			t.Errorf("segment %d submitted %d times, want exactly 1", i, n)
		}
	}
}

func TestLoopImmediateResults(t *testing.T) {
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		return models.SubmitImmediate{VideoRef: fmt.Sprintf("https://cdn.example.com/%d.mp4", req.SegmentIndex)}, nil
	}

	results := runGenerationLoop(context.Background(), synth, plannedClips(3), testLoopConfig(), nil)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if len(synth.polls) != 0 {
		t.Errorf("synchronous results should never be polled, got %d polls", len(synth.polls))
	}
}

func TestLoopRemoteFailureSkipsClip(t *testing.T) {
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		return models.SubmitPending{TaskID: taskIDFor(req)}, nil
	}
	synth.pollFn = func(taskID string, round int) (models.PollOutcome, error) {
		if taskID == "task-1" {
			return models.PollFailed{Reason: "content policy"}, nil
		}
		return models.PollSuccess{VideoRef: "https://cdn.example.com/" + taskID + ".mp4"}, nil
	}

	var lastDone int
	results := runGenerationLoop(context.Background(), synth, plannedClips(3), testLoopConfig(), func(done int) {
		lastDone = done
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	if _, ok := results[1]; ok {
		t.Error("failed segment 1 must not appear in results")
	}
	if lastDone != 2 {
		t.Errorf("final progress report = %d, want 2", lastDone)
	}
}

func TestLoopSubmitErrorSkipsClip(t *testing.T) {
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		if req.SegmentIndex == 0 {
			return nil, &services.APIError{Code: "1002", Message: "insufficient credit"}
		}
		return models.SubmitImmediate{VideoRef: fmt.Sprintf("https://cdn.example.com/%d.mp4", req.SegmentIndex)}, nil
	}

	results := runGenerationLoop(context.Background(), synth, plannedClips(2), testLoopConfig(), nil)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %v", results)
	}
	if _, ok := results[1]; !ok {
		t.Error("segment 1 should have succeeded")
	}
	// The non-parameter API error is retried by the retry wrapper
	if n := synth.submitCount(0); n != 2 {
		t.Errorf("segment 0 submitted %d times, want 2 (retries)", n)
	}
}

func TestLoopGivesUpAfterPollBudget(t *testing.T) {
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		return models.SubmitPending{TaskID: taskIDFor(req)}, nil
	}
	synth.pollFn = func(taskID string, round int) (models.PollOutcome, error) {
		return models.PollPending{}, nil
	}

	cfg := testLoopConfig()
	cfg.maxPollRounds = 3

	results := runGenerationLoop(context.Background(), synth, plannedClips(1), cfg, nil)

	if len(results) != 0 {
		t.Fatalf("expected no results, got %v", results)
	}
	if got := synth.polls["task-0"]; got != 3 {
		t.Errorf("poll rounds = %d, want 3", got)
	}
}

func TestLoopCompletionOrderIndependence(t *testing.T) {
	// Later segments complete earlier; results must still key by segment.
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		return models.SubmitPending{TaskID: taskIDFor(req)}, nil
	}
	synth.pollFn = func(taskID string, round int) (models.PollOutcome, error) {
		// task-2 finishes on round 1, task-1 on round 2, task-0 on round 3
		var need int
		fmt.Sscanf(taskID, "task-%d", &need)
		if round >= 3-need {
			return models.PollSuccess{VideoRef: "https://cdn.example.com/" + taskID + ".mp4"}, nil
		}
		return models.PollPending{}, nil
	}

	results := runGenerationLoop(context.Background(), synth, plannedClips(3), testLoopConfig(), nil)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %v", results)
	}
	for i := 0; i < 3; i++ {
		want := fmt.Sprintf("https://cdn.example.com/task-%d.mp4", i)
		if results[i] != want {
			t.Errorf("results[%d] = %q, want %q", i, results[i], want)
		}
	}
}

func TestLoopCancelledContextReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		return models.SubmitPending{TaskID: taskIDFor(req)}, nil
	}
	synth.pollFn = func(taskID string, round int) (models.PollOutcome, error) {
		if taskID == "task-0" {
			cancel() // cancel while task-1 is still pending
			return models.PollSuccess{VideoRef: "https://cdn.example.com/task-0.mp4"}, nil
		}
		return models.PollPending{}, nil
	}

	results := runGenerationLoop(ctx, synth, plannedClips(2), testLoopConfig(), nil)

	if _, ok := results[0]; !ok {
		t.Error("completed segment 0 should survive cancellation")
	}
	if _, ok := results[1]; ok {
		t.Error("pending segment 1 must not appear in results")
	}
}
