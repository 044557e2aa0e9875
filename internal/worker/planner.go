package worker

import (
	"fmt"
	"log"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

// ---------------------------------------------------------------------------
// Clip planning — adjacent segment pairs to concrete generation specs
// ---------------------------------------------------------------------------

const (
	// Narration speaking-rate estimate used to pick a clip duration before
	// any audio exists.
	charsPerSecond = 3.5
	minEstimateSec = 1.0

	defaultEmotion = "warm"
)

// estimateNarrationSeconds predicts how long the narration for a text will
// run, floored so even a one-word segment gets a usable clip length.
func estimateNarrationSeconds(text string) float64 {
	est := float64(len([]rune(text))) / charsPerSecond
	if est < minEstimateSec {
		return minEstimateSec
	}
	return est
}

// chooseClipDuration buckets an estimated narration length into the durations
// the primary model accepts. Narrations longer than the mid bucket get the
// primary model's longest duration.
func chooseClipDuration(estimatedSec float64, profiles []models.ModelProfile) int {
	switch {
	case estimatedSec <= 5:
		return 5
	case estimatedSec <= 10:
		return 10
	default:
		return maxPrimaryDuration(profiles)
	}
}

func maxPrimaryDuration(profiles []models.ModelProfile) int {
	max := 10
	if len(profiles) > 0 {
		for _, d := range profiles[0].Durations {
			if d > max {
				max = d
			}
		}
	}
	return max
}

// nearestAllowedDuration picks the allowed duration closest to target,
// preferring the smaller value on a tie.
func nearestAllowedDuration(target int, allowed []int) int {
	if len(allowed) == 0 {
		return target
	}
	best := allowed[0]
	for _, d := range allowed[1:] {
		bd := abs(best - target)
		dd := abs(d - target)
		if dd < bd || (dd == bd && d < best) {
			best = d
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// buildCandidates produces the ordered (model, duration) attempt ladder for a
// requested duration: primary model with its nearest allowed duration first,
// then the fallback model, deduplicated preserving order.
func buildCandidates(requested int, profiles []models.ModelProfile) []models.Candidate {
	if requested < 1 {
		requested = 1
	}

	seen := make(map[models.Candidate]bool)
	var out []models.Candidate
	for _, p := range profiles {
		c := models.Candidate{
			Model:    p.Name,
			Duration: nearestAllowedDuration(requested, p.Durations),
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// motionPrompt renders the generation prompt from a segment's emotion.
func motionPrompt(emotion string) string {
	if emotion == "" {
		emotion = defaultEmotion
	}
	return fmt.Sprintf("%s mood transition, smooth cinematic camera movement", emotion)
}

// PlanClips builds one ClipSpec per adjacent segment pair. Pairs where either
// segment lacks an image are skipped with a warning rather than failing the
// whole job. With audio disabled every clip gets the shortest duration.
func PlanClips(segments []models.Segment, enableAudio bool, profiles []models.ModelProfile) []models.ClipSpec {
	var specs []models.ClipSpec

	for i := 0; i < len(segments)-1; i++ {
		a, b := segments[i], segments[i+1]
		if a.ImageURL == "" || b.ImageURL == "" {
			log.Printf("[Planner] segment %d or %d missing image, skipping pair", i, i+1)
			continue
		}

		duration := 5
		if enableAudio && a.Text != "" {
			duration = chooseClipDuration(estimateNarrationSeconds(a.Text), profiles)
		}

		specs = append(specs, models.ClipSpec{
			SegmentIndex:  i,
			StartImageURL: a.ImageURL,
			EndImageURL:   b.ImageURL,
			MotionPrompt:  motionPrompt(a.Emotion),
			Candidates:    buildCandidates(duration, profiles),
		})
	}

	return specs
}
