package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
	"github.com/alg-bug-engineer/interactive-storybook/internal/services"
)

// ---------------------------------------------------------------------------
// Submission — candidate ladder plus bounded retry
// ---------------------------------------------------------------------------

// ClipSynthesizer is the worker's view of the remote generation service.
type ClipSynthesizer interface {
	SubmitClip(ctx context.Context, req services.ClipSubmitRequest) (models.SubmitOutcome, error)
	PollTask(ctx context.Context, taskID string) (models.PollOutcome, error)
}

// ErrCandidatesExhausted is returned when every (model, duration) candidate
// was rejected as invalid parameters.
var ErrCandidatesExhausted = errors.New("no usable model/duration candidate")

// submitCandidates walks a spec's candidate ladder. A parameter rejection
// (invalid duration or model) advances to the next candidate; any other
// outcome ends the walk.
func submitCandidates(ctx context.Context, synth ClipSynthesizer, spec models.ClipSpec, startPath, endPath string) (models.SubmitOutcome, error) {
	var lastAPIErr *services.APIError

	for _, cand := range spec.Candidates {
		outcome, err := synth.SubmitClip(ctx, services.ClipSubmitRequest{
			SegmentIndex:   spec.SegmentIndex,
			StartImagePath: startPath,
			EndImagePath:   endPath,
			Prompt:         spec.MotionPrompt,
			Model:          cand.Model,
			Duration:       cand.Duration,
		})
		if err == nil {
			return outcome, nil
		}

		var apiErr *services.APIError
		if errors.As(err, &apiErr) && apiErr.IsParameterRejection() {
			lastAPIErr = apiErr
			log.Printf("[Submit] segment %d: %s/%ds rejected, trying next candidate: %v",
				spec.SegmentIndex, cand.Model, cand.Duration, apiErr)
			continue
		}

		return nil, err
	}

	if lastAPIErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCandidatesExhausted, lastAPIErr)
	}
	return nil, ErrCandidatesExhausted
}

// submitWithRetry wraps the candidate walk with a bounded retry. A
// TimeoutUncertain result aborts immediately: the task may already be queued
// remotely, and resubmitting would pay for a duplicate generation.
func submitWithRetry(ctx context.Context, synth ClipSynthesizer, spec models.ClipSpec, startPath, endPath string, retries int) (models.SubmitOutcome, error) {
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		outcome, err := submitCandidates(ctx, synth, spec, startPath, endPath)
		if err == nil {
			return outcome, nil
		}

		var uncertain *services.TimeoutUncertainError
		if errors.As(err, &uncertain) {
			log.Printf("[Submit] segment %d: outcome uncertain, not retrying: %v", spec.SegmentIndex, err)
			return nil, err
		}

		lastErr = err
		if attempt < retries {
			log.Printf("[Submit] segment %d: attempt %d/%d failed, retrying: %v", spec.SegmentIndex, attempt, retries, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}

	return nil, fmt.Errorf("segment %d submit failed after %d attempts: %w", spec.SegmentIndex, retries, lastErr)
}
