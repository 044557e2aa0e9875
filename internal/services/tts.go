package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// Narration audio — per-segment TTS with a shared disk cache
// ---------------------------------------------------------------------------

// NarrationResolver produces a local audio file for one story segment's
// narration text. The worker only sees this interface; tests substitute a
// stub that writes fixture files.
type NarrationResolver interface {
	ResolveSegmentAudio(ctx context.Context, storyID string, segmentIndex int, text string) (string, error)
}

// OpenAITTSService implements NarrationResolver against the OpenAI speech
// API. Generated audio is cached on disk keyed by (story, segment, voice) so
// re-running a job or pregenerating clips never pays for the same narration
// twice.
type OpenAITTSService struct {
	client   *openai.Client
	cacheDir string
	voice    string
}

func NewOpenAITTSService(apiKey, cacheDir, voice string) *OpenAITTSService {
	if voice == "" {
		voice = string(openai.VoiceNova)
	}
	return &OpenAITTSService{
		client:   openai.NewClient(apiKey),
		cacheDir: cacheDir,
		voice:    voice,
	}
}

func (s *OpenAITTSService) cachePath(storyID string, segmentIndex int) string {
	return filepath.Join(s.cacheDir, fmt.Sprintf("%s_%d_%s.mp3", storyID, segmentIndex, s.voice))
}

// ResolveSegmentAudio returns a cached narration file or synthesizes one.
// A cache file generated under a different voice still counts as a hit: the
// voice changing mid-story would be worse than serving the old recording.
func (s *OpenAITTSService) ResolveSegmentAudio(ctx context.Context, storyID string, segmentIndex int, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("empty narration text for segment %d", segmentIndex)
	}

	cached := s.cachePath(storyID, segmentIndex)
	if info, err := os.Stat(cached); err == nil && info.Size() > 0 {
		log.Printf("[TTS] cache hit: %s", cached)
		return cached, nil
	}

	// Any-voice fallback scan
	pattern := filepath.Join(s.cacheDir, fmt.Sprintf("%s_%d_*.mp3", storyID, segmentIndex))
	if matches, err := filepath.Glob(pattern); err == nil {
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.Size() > 0 {
				log.Printf("[TTS] cache hit (different voice): %s", m)
				return m, nil
			}
		}
	}

	if err := os.MkdirAll(s.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create tts cache dir: %w", err)
	}

	log.Printf("[TTS] generating narration for %s segment %d (%d chars, voice=%s)", storyID, segmentIndex, len(text), s.voice)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(2 * time.Second):
			}
			log.Printf("[TTS] retry %d/3 for %s segment %d", attempt, storyID, segmentIndex)
		}

		if err := s.synthesizeOnce(ctx, text, cached); err != nil {
			lastErr = err
			continue
		}
		log.Printf("[TTS] narration ready: %s", cached)
		return cached, nil
	}

	return "", fmt.Errorf("tts failed after 3 attempts: %w", lastErr)
}

func (s *OpenAITTSService) synthesizeOnce(ctx context.Context, text, dest string) error {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Close()

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create audio file: %w", err)
	}

	written, err := io.Copy(f, resp)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write audio: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close audio file: %w", closeErr)
	}
	if written == 0 {
		os.Remove(tmp)
		return fmt.Errorf("speech response was empty")
	}

	return os.Rename(tmp, dest)
}
