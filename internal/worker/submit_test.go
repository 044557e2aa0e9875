package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
	"github.com/alg-bug-engineer/interactive-storybook/internal/services"
)

// fakeSynth scripts SubmitClip/PollTask behavior and records every call.
type fakeSynth struct {
	mu       sync.Mutex
	submits  []services.ClipSubmitRequest
	polls    map[string]int
	open     int
	maxOpen  int
	submitFn func(req services.ClipSubmitRequest) (models.SubmitOutcome, error)
	pollFn   func(taskID string, round int) (models.PollOutcome, error)
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{polls: make(map[string]int)}
}

func (f *fakeSynth) SubmitClip(ctx context.Context, req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	fn := f.submitFn
	f.mu.Unlock()

	outcome, err := fn(req)

	f.mu.Lock()
	if _, ok := outcome.(models.SubmitPending); ok {
		f.open++
		if f.open > f.maxOpen {
			f.maxOpen = f.open
		}
	}
	f.mu.Unlock()
	return outcome, err
}

func (f *fakeSynth) PollTask(ctx context.Context, taskID string) (models.PollOutcome, error) {
	f.mu.Lock()
	f.polls[taskID]++
	round := f.polls[taskID]
	fn := f.pollFn
	f.mu.Unlock()

	outcome, err := fn(taskID, round)

	f.mu.Lock()
	switch outcome.(type) {
	case models.PollSuccess, models.PollFailed:
		f.open--
	}
	f.mu.Unlock()
	return outcome, err
}

func (f *fakeSynth) submitCount(segIdx int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.submits {
		if req.SegmentIndex == segIdx {
			n++
		}
	}
	return n
}

func specWithCandidates(segIdx int) models.ClipSpec {
	return models.ClipSpec{
		SegmentIndex:  segIdx,
		StartImageURL: "/static/images/a.png",
		EndImageURL:   "/static/images/b.png",
		MotionPrompt:  "warm mood transition, smooth cinematic camera movement",
		Candidates: []models.Candidate{
			{Model: "jimeng-video-3.5-pro", Duration: 12},
			{Model: "jimeng-video-3.0", Duration: 10},
		},
	}
}

func TestSubmitCandidatesFallsBackOnParameterRejection(t *testing.T) {
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		if req.Model == "jimeng-video-3.5-pro" {
			return nil, &services.APIError{Code: "400", Message: "body.duration invalid"}
		}
		return models.SubmitPending{TaskID: "t1"}, nil
	}

	outcome, err := submitCandidates(context.Background(), synth, specWithCandidates(0), "a.png", "b.png")
	if err != nil {
		t.Fatalf("submitCandidates failed: %v", err)
	}
	if _, ok := outcome.(models.SubmitPending); !ok {
		t.Fatalf("expected SubmitPending, got %T", outcome)
	}
	if len(synth.submits) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(synth.submits))
	}
	if synth.submits[1].Model != "jimeng-video-3.0" || synth.submits[1].Duration != 10 {
		t.Errorf("fallback attempt was %s/%d", synth.submits[1].Model, synth.submits[1].Duration)
	}
}

func TestSubmitCandidatesAbortsOnOtherAPIError(t *testing.T) {
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		return nil, &services.APIError{Code: "1002", Message: "insufficient credit"}
	}

	_, err := submitCandidates(context.Background(), synth, specWithCandidates(0), "a.png", "b.png")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *services.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if len(synth.submits) != 1 {
		t.Errorf("non-parameter error should not advance the ladder, got %d attempts", len(synth.submits))
	}
}

func TestSubmitCandidatesExhausted(t *testing.T) {
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		return nil, &services.APIError{Code: "400", Message: "model not supported"}
	}

	_, err := submitCandidates(context.Background(), synth, specWithCandidates(0), "a.png", "b.png")
	if !errors.Is(err, ErrCandidatesExhausted) {
		t.Fatalf("expected ErrCandidatesExhausted, got %v", err)
	}
	if len(synth.submits) != 2 {
		t.Errorf("expected both candidates tried, got %d", len(synth.submits))
	}
}

func TestSubmitWithRetryRecoversFromTransient(t *testing.T) {
	attempts := 0
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		attempts++
		if attempts == 1 {
			return nil, &services.TransientNetworkError{Err: fmt.Errorf("connection refused")}
		}
		return models.SubmitImmediate{VideoRef: "https://cdn.example.com/clip.mp4"}, nil
	}

	outcome, err := submitWithRetry(context.Background(), synth, specWithCandidates(0), "a.png", "b.png", 2)
	if err != nil {
		t.Fatalf("submitWithRetry failed: %v", err)
	}
	if _, ok := outcome.(models.SubmitImmediate); !ok {
		t.Fatalf("expected SubmitImmediate, got %T", outcome)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestSubmitWithRetryNeverRetriesUncertainTimeout(t *testing.T) {
	attempts := 0
	synth := newFakeSynth()
	synth.submitFn = func(req services.ClipSubmitRequest) (models.SubmitOutcome, error) {
		attempts++
		return nil, &services.TimeoutUncertainError{Err: fmt.Errorf("awaiting response headers")}
	}

	_, err := submitWithRetry(context.Background(), synth, specWithCandidates(0), "a.png", "b.png", 3)
	if err == nil {
		t.Fatal("expected error")
	}
	var uncertain *services.TimeoutUncertainError
	if !errors.As(err, &uncertain) {
		t.Fatalf("expected *TimeoutUncertainError, got %T", err)
	}
	if attempts != 1 {
		t.Errorf("uncertain timeout must not be retried, got %d attempts", attempts)
	}
}
