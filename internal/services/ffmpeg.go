package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// FFmpegService — clip normalization, audio sync adjustments, and assembly
// ---------------------------------------------------------------------------

type FFmpegService struct {
	tempDir      string
	targetWidth  int
	targetHeight int
}

func NewFFmpegService(tempDir string, targetWidth, targetHeight int) *FFmpegService {
	// Create temp directory if it doesn't exist
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &FFmpegService{
		tempDir:      tempDir,
		targetWidth:  targetWidth,
		targetHeight: targetHeight,
	}
}

// NormalizeSize letterboxes a clip onto the fixed target canvas, preserving
// aspect ratio with black padding. Generated clips arrive in mixed aspect
// ratios; without this step the concat output flickers between canvases.
func (s *FFmpegService) NormalizeSize(ctx context.Context, inputPath, outputPath string) error {
	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black",
		s.targetWidth, s.targetHeight, s.targetWidth, s.targetHeight,
	)

	args := []string{
		"-i", inputPath,
		"-vf", vf,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-an", // narration is muxed in separately
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg normalize failed: %w", err)
	}

	return nil
}

// RetimeToDuration retimes a clip by speedFactor (>1 speeds up, <1 slows
// down) and trims the result to targetSec. Used when narration is shorter
// than the clip: the clip is accelerated so the pair lands on the narration
// length.
func (s *FFmpegService) RetimeToDuration(ctx context.Context, inputPath, outputPath string, speedFactor, targetSec float64) error {
	if speedFactor <= 0 {
		return fmt.Errorf("invalid speed factor %.2f", speedFactor)
	}

	args := []string{
		"-i", inputPath,
		"-vf", fmt.Sprintf("setpts=PTS/%.4f", speedFactor),
		"-t", fmt.Sprintf("%.3f", targetSec),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg retime failed: %w", err)
	}

	return nil
}

// ExtendWithFreezeTail appends a freeze of the clip's last frame so the
// total duration reaches the narration length. The frame is sampled two
// frame intervals before the end: decoding exactly at the boundary fails on
// some files. Falls back to looping the clip when frame extraction fails.
func (s *FFmpegService) ExtendWithFreezeTail(ctx context.Context, inputPath, outputPath string, freezeSec float64) error {
	durationMs, err := s.GetVideoDuration(ctx, inputPath)
	if err != nil {
		return err
	}
	durationSec := float64(durationMs) / 1000

	fps, err := s.GetVideoFPS(ctx, inputPath)
	if err != nil || fps <= 0 {
		fps = 24
	}

	frameTime := durationSec - 2.0/fps
	if frameTime < 0 {
		frameTime = 0
	}

	base := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
	framePath := s.CreateTempFile(base + "_lastframe.png")
	tailPath := s.CreateTempFile(base + "_tail.mp4")
	defer s.Cleanup(framePath, tailPath)

	if err := s.extractFrame(ctx, inputPath, framePath, frameTime); err != nil {
		log.Printf("[FFmpeg] freeze-frame extraction failed, falling back to loop: %v", err)
		return s.LoopToDuration(ctx, inputPath, outputPath, durationSec+freezeSec)
	}

	// Render the frozen tail as a still video matching the source fps
	tailArgs := []string{
		"-loop", "1",
		"-i", framePath,
		"-t", fmt.Sprintf("%.3f", freezeSec),
		"-r", fmt.Sprintf("%.3f", fps),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-y",
		tailPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", tailArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Printf("[FFmpeg] freeze tail render failed, falling back to loop: %v", err)
		return s.LoopToDuration(ctx, inputPath, outputPath, durationSec+freezeSec)
	}

	// Concat filter re-encodes, which tolerates the codec parameter drift
	// between the source clip and the still-image tail
	concatArgs := []string{
		"-i", inputPath,
		"-i", tailPath,
		"-filter_complex", "[0:v][1:v]concat=n=2:v=1:a=0[v]",
		"-map", "[v]",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}
	cmd = exec.CommandContext(ctx, "ffmpeg", concatArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg freeze concat failed: %w", err)
	}

	return nil
}

// LoopToDuration repeats a clip until targetSec. Fallback path only.
func (s *FFmpegService) LoopToDuration(ctx context.Context, inputPath, outputPath string, targetSec float64) error {
	args := []string{
		"-stream_loop", "-1",
		"-i", inputPath,
		"-t", fmt.Sprintf("%.3f", targetSec),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg loop failed: %w", err)
	}

	return nil
}

func (s *FFmpegService) extractFrame(ctx context.Context, videoPath, framePath string, atSec float64) error {
	args := []string{
		"-ss", fmt.Sprintf("%.3f", atSec),
		"-i", videoPath,
		"-frames:v", "1",
		"-y",
		framePath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg frame extraction failed: %w", err)
	}

	info, err := os.Stat(framePath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("extracted frame is missing or empty")
	}

	return nil
}

// MuxAudio replaces a clip's audio track with the narration file. The video
// stream is copied without re-encoding.
func (s *FFmpegService) MuxAudio(ctx context.Context, videoPath, audioPath, outputPath string) error {
	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg audio mux failed: %w", err)
	}

	return nil
}

// ConcatenateClips merges prepared clips in order into the final video.
// Inputs must already share codec parameters (the sync pass re-encodes
// uniformly), so stream copy is safe.
func (s *FFmpegService) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	base := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
	listPath := filepath.Join(s.tempDir, base+"_concat_list.txt")
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	for _, path := range clipPaths {
		// Write in FFmpeg concat format
		fmt.Fprintf(f, "file '%s'\n", path)
	}
	f.Close()
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w", err)
	}

	return nil
}

// GetAudioDuration returns the duration of an audio file in milliseconds
func (s *FFmpegService) GetAudioDuration(ctx context.Context, audioPath string) (int, error) {
	return s.probeDuration(ctx, audioPath)
}

// GetVideoDuration returns the duration of a video file in milliseconds
func (s *FFmpegService) GetVideoDuration(ctx context.Context, videoPath string) (int, error) {
	return s.probeDuration(ctx, videoPath)
}

func (s *FFmpegService) probeDuration(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return int(durationSec * 1000), nil
}

// GetVideoFPS returns a clip's frame rate from its r_frame_rate fraction.
func (s *FFmpegService) GetVideoFPS(ctx context.Context, videoPath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe fps failed: %w", err)
	}

	raw := strings.TrimSpace(string(output))
	parts := strings.SplitN(raw, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse frame rate %q: %w", raw, err)
	}
	if len(parts) == 1 {
		return num, nil
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0, fmt.Errorf("failed to parse frame rate %q", raw)
	}

	return num / den, nil
}

// CreateTempFile returns a path inside the service's temp directory
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temporary files
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}
