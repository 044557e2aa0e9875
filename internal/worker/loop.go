package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

// ---------------------------------------------------------------------------
// Generation control loop — windowed submission and batch polling
// ---------------------------------------------------------------------------

// plannedClip is a spec whose images have been resolved to local files.
type plannedClip struct {
	spec      models.ClipSpec
	startPath string
	endPath   string
}

type loopConfig struct {
	maxConcurrent int
	pollInterval  time.Duration
	maxPollRounds int
	submitRetries int
}

// runGenerationLoop drives the remaining clips through the remote service,
// keeping at most maxConcurrent tasks in flight. Each clip is submitted at
// most once (the retry wrapper handles in-submission retries); failed clips
// are dropped from the run rather than failing the loop, so a partial story
// still assembles.
//
// Returns segment index → video reference for every clip that succeeded.
func runGenerationLoop(ctx context.Context, synth ClipSynthesizer, clips []plannedClip, cfg loopConfig, onProgress func(done int)) map[int]string {
	results := make(map[int]string)
	pending := make(map[string]int) // task id → segment index
	taskRounds := make(map[string]int)
	nextIdx := 0

	report := func() {
		if onProgress != nil {
			onProgress(len(results))
		}
	}

	for nextIdx < len(clips) || len(pending) > 0 {
		if ctx.Err() != nil {
			log.Printf("[Loop] cancelled with %d clips done, %d in flight", len(results), len(pending))
			return results
		}

		// Fill the submission window
		capacity := cfg.maxConcurrent - len(pending)
		if capacity > 0 && nextIdx < len(clips) {
			end := nextIdx + capacity
			if end > len(clips) {
				end = len(clips)
			}
			batch := clips[nextIdx:end]
			nextIdx = end

			log.Printf("[Loop] submitting %d clips, %d/%d in flight", len(batch), len(pending), cfg.maxConcurrent)

			type submitResult struct {
				segIdx  int
				outcome models.SubmitOutcome
				err     error
			}
			resultCh := make(chan submitResult, len(batch))
			var wg sync.WaitGroup
			for _, pc := range batch {
				wg.Add(1)
				go func(pc plannedClip) {
					defer wg.Done()
					outcome, err := submitWithRetry(ctx, synth, pc.spec, pc.startPath, pc.endPath, cfg.submitRetries)
					resultCh <- submitResult{segIdx: pc.spec.SegmentIndex, outcome: outcome, err: err}
				}(pc)
			}
			wg.Wait()
			close(resultCh)

			for res := range resultCh {
				if res.err != nil {
					log.Printf("[Loop] segment %d submit failed, skipping: %v", res.segIdx, res.err)
					continue
				}
				switch o := res.outcome.(type) {
				case models.SubmitImmediate:
					results[res.segIdx] = o.VideoRef
					log.Printf("[Loop] segment %d finished synchronously", res.segIdx)
				case models.SubmitPending:
					pending[o.TaskID] = res.segIdx
					log.Printf("[Loop] segment %d queued as task %s, in flight %d/%d", res.segIdx, o.TaskID, len(pending), cfg.maxConcurrent)
				}
			}
			report()
		}

		if len(pending) == 0 {
			if nextIdx >= len(clips) {
				break
			}
			continue
		}

		// Poll every in-flight task concurrently
		type pollResult struct {
			taskID  string
			segIdx  int
			outcome models.PollOutcome
		}
		pollCh := make(chan pollResult, len(pending))
		var wg sync.WaitGroup
		for taskID, segIdx := range pending {
			wg.Add(1)
			go func(taskID string, segIdx int) {
				defer wg.Done()
				outcome, err := synth.PollTask(ctx, taskID)
				if err != nil {
					log.Printf("[Loop] segment %d poll error: %v", segIdx, err)
					outcome = models.PollPending{}
				}
				pollCh <- pollResult{taskID: taskID, segIdx: segIdx, outcome: outcome}
			}(taskID, segIdx)
		}
		wg.Wait()
		close(pollCh)

		for res := range pollCh {
			switch o := res.outcome.(type) {
			case models.PollSuccess:
				results[res.segIdx] = o.VideoRef
				delete(pending, res.taskID)
				delete(taskRounds, res.taskID)
				report()
				log.Printf("[Loop] segment %d done, in flight %d/%d", res.segIdx, len(pending), cfg.maxConcurrent)
			case models.PollFailed:
				delete(pending, res.taskID)
				delete(taskRounds, res.taskID)
				log.Printf("[Loop] segment %d failed remotely: %s", res.segIdx, o.Reason)
			case models.PollPending:
				taskRounds[res.taskID]++
				if cfg.maxPollRounds > 0 && taskRounds[res.taskID] >= cfg.maxPollRounds {
					delete(pending, res.taskID)
					delete(taskRounds, res.taskID)
					log.Printf("[Loop] segment %d gave up after %d poll rounds", res.segIdx, cfg.maxPollRounds)
				}
			}
		}

		if len(pending) > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(cfg.pollInterval):
			}
		}
	}

	return results
}
