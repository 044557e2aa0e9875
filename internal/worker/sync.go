package worker

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
)

// ---------------------------------------------------------------------------
// Audio/video synchronization — the clip adapts to the narration
// ---------------------------------------------------------------------------

// MediaToolkit is the worker's view of the ffmpeg service.
type MediaToolkit interface {
	NormalizeSize(ctx context.Context, inputPath, outputPath string) error
	RetimeToDuration(ctx context.Context, inputPath, outputPath string, speedFactor, targetSec float64) error
	ExtendWithFreezeTail(ctx context.Context, inputPath, outputPath string, freezeSec float64) error
	MuxAudio(ctx context.Context, videoPath, audioPath, outputPath string) error
	ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error
	GetVideoDuration(ctx context.Context, path string) (int, error)
	GetAudioDuration(ctx context.Context, path string) (int, error)
	CreateTempFile(filename string) string
	Cleanup(paths ...string)
}

type syncAction int

const (
	syncNone syncAction = iota
	syncRetime
	syncFreeze
)

// syncDecision describes how one clip must change to land on its narration
// length.
type syncDecision struct {
	action      syncAction
	speedFactor float64 // syncRetime only
	targetSec   float64
	freezeSec   float64 // syncFreeze only
}

const (
	minSpeedFactor = 0.3
	maxSpeedFactor = 2.0

	// Differences under this threshold are playback-invisible.
	syncTolerance = 0.01
)

// syncPlan decides the adjustment for a (video, narration) duration pair.
// Narration shorter than the clip: the clip is retimed onto the narration
// length. Narration longer: the clip's last frame freezes for the remainder.
// The narration itself is never altered.
func syncPlan(videoSec, audioSec float64) syncDecision {
	diff := videoSec - audioSec
	if diff < 0 {
		diff = -diff
	}
	if diff <= syncTolerance || videoSec <= 0 || audioSec <= 0 {
		return syncDecision{action: syncNone}
	}

	if audioSec < videoSec {
		factor := videoSec / audioSec
		if factor < minSpeedFactor {
			factor = minSpeedFactor
		}
		if factor > maxSpeedFactor {
			factor = maxSpeedFactor
		}
		return syncDecision{action: syncRetime, speedFactor: factor, targetSec: audioSec}
	}

	return syncDecision{action: syncFreeze, freezeSec: audioSec - videoSec, targetSec: audioSec}
}

// prepareClip normalizes one clip onto the target canvas, applies the sync
// decision against its narration, and muxes the narration in. Returns the
// path of the prepared clip, ready for concatenation. audioPath may be empty
// (audio disabled or TTS unavailable); the clip is then only normalized.
func prepareClip(ctx context.Context, media MediaToolkit, clipPath, audioPath string, segmentIndex int) (string, error) {
	base := fmt.Sprintf("seg_%03d", segmentIndex)

	normalized := media.CreateTempFile(base + "_norm.mp4")
	if err := media.NormalizeSize(ctx, clipPath, normalized); err != nil {
		return "", fmt.Errorf("segment %d normalize: %w", segmentIndex, err)
	}

	if audioPath == "" {
		return normalized, nil
	}

	videoMs, err := media.GetVideoDuration(ctx, normalized)
	if err != nil {
		return "", fmt.Errorf("segment %d video probe: %w", segmentIndex, err)
	}
	audioMs, err := media.GetAudioDuration(ctx, audioPath)
	if err != nil {
		return "", fmt.Errorf("segment %d audio probe: %w", segmentIndex, err)
	}

	videoSec := float64(videoMs) / 1000
	audioSec := float64(audioMs) / 1000
	decision := syncPlan(videoSec, audioSec)

	adjusted := normalized
	switch decision.action {
	case syncRetime:
		log.Printf("[Sync] segment %d: retime %.2fs -> %.2fs (%.2fx)", segmentIndex, videoSec, audioSec, decision.speedFactor)
		adjusted = media.CreateTempFile(base + "_retimed.mp4")
		if err := media.RetimeToDuration(ctx, normalized, adjusted, decision.speedFactor, decision.targetSec); err != nil {
			return "", fmt.Errorf("segment %d retime: %w", segmentIndex, err)
		}
		defer media.Cleanup(normalized)
	case syncFreeze:
		log.Printf("[Sync] segment %d: freeze tail %.2fs (video %.2fs, narration %.2fs)", segmentIndex, decision.freezeSec, videoSec, audioSec)
		adjusted = media.CreateTempFile(base + "_frozen.mp4")
		if err := media.ExtendWithFreezeTail(ctx, normalized, adjusted, decision.freezeSec); err != nil {
			return "", fmt.Errorf("segment %d freeze tail: %w", segmentIndex, err)
		}
		defer media.Cleanup(normalized)
	}

	prepared := media.CreateTempFile(base + "_prepared.mp4")
	if err := media.MuxAudio(ctx, adjusted, audioPath, prepared); err != nil {
		return "", fmt.Errorf("segment %d audio mux: %w", segmentIndex, err)
	}
	media.Cleanup(adjusted)

	return prepared, nil
}

// assembleFinalVideo concatenates prepared clips in segment order into the
// story's final video file.
func assembleFinalVideo(ctx context.Context, media MediaToolkit, preparedClips []string, storyDir, storyID string) (string, error) {
	outputPath := filepath.Join(storyDir, fmt.Sprintf("story_%s_final.mp4", storyID))
	if err := media.ConcatenateClips(ctx, preparedClips, outputPath); err != nil {
		return "", fmt.Errorf("final concatenation: %w", err)
	}
	return outputPath, nil
}
