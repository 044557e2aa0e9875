package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

// memClipCache is an in-memory db.ClipCache for tests.
type memClipCache struct {
	clips map[string]map[int]string
}

func newMemClipCache() *memClipCache {
	return &memClipCache{clips: make(map[string]map[int]string)}
}

func (m *memClipCache) GetStoryClips(ctx context.Context, storyID string) (map[int]string, error) {
	out := make(map[int]string)
	for k, v := range m.clips[storyID] {
		out[k] = v
	}
	return out, nil
}

func (m *memClipCache) UpsertStoryClip(ctx context.Context, storyID string, segmentIndex int, clipRef string) error {
	if m.clips[storyID] == nil {
		m.clips[storyID] = make(map[int]string)
	}
	m.clips[storyID][segmentIndex] = clipRef
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func specsFor(indices ...int) []models.ClipSpec {
	var specs []models.ClipSpec
	for _, i := range indices {
		specs = append(specs, models.ClipSpec{SegmentIndex: i})
	}
	return specs
}

func TestResolveExistingClipsStoryDir(t *testing.T) {
	outputDir := t.TempDir()
	r := NewResolver(outputDir, newMemClipCache())
	storyDir := r.StoryDir("story-1")

	writeFile(t, r.ClipPath(storyDir, 0), "clip bytes")

	resolved := r.ResolveExistingClips(context.Background(), "story-1", specsFor(0, 1), nil)
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved clip, got %d", len(resolved))
	}
	if resolved[0] != r.ClipPath(storyDir, 0) {
		t.Errorf("resolved[0] = %q", resolved[0])
	}
}

func TestResolveExistingClipsLegacyNaming(t *testing.T) {
	outputDir := t.TempDir()
	r := NewResolver(outputDir, newMemClipCache())
	storyDir := r.StoryDir("story-1")

	// Specs for segments 3 and 5; an old run wrote them as clip_000/clip_001
	// by position rather than segment index.
	writeFile(t, filepath.Join(storyDir, "clip_001.mp4"), "clip bytes")

	resolved := r.ResolveExistingClips(context.Background(), "story-1", specsFor(3, 5), nil)
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved clip, got %v", resolved)
	}
	if _, ok := resolved[5]; !ok {
		t.Errorf("expected legacy hit for segment 5, got %v", resolved)
	}
}

func TestResolveExistingClipsPregenerated(t *testing.T) {
	outputDir := t.TempDir()
	r := NewResolver(outputDir, newMemClipCache())

	writeFile(t, r.PregeneratedClipPath("story-1", 2), "clip bytes")

	resolved := r.ResolveExistingClips(context.Background(), "story-1", specsFor(2), nil)
	if resolved[2] != r.PregeneratedClipPath("story-1", 2) {
		t.Errorf("resolved[2] = %q", resolved[2])
	}
}

func TestResolveExistingClipsCacheAndPrebuilt(t *testing.T) {
	outputDir := t.TempDir()
	cache := newMemClipCache()
	r := NewResolver(outputDir, cache)

	local := filepath.Join(t.TempDir(), "external.mp4")
	writeFile(t, local, "clip bytes")
	cache.UpsertStoryClip(context.Background(), "story-1", 0, local)
	cache.UpsertStoryClip(context.Background(), "story-1", 1, "https://cdn.example.com/clip.mp4")

	prebuilt := map[int]string{2: "https://cdn.example.com/prebuilt.mp4"}

	resolved := r.ResolveExistingClips(context.Background(), "story-1", specsFor(0, 1, 2, 3), prebuilt)
	if len(resolved) != 3 {
		t.Fatalf("expected 3 resolved clips, got %v", resolved)
	}
	if resolved[0] != local {
		t.Errorf("resolved[0] = %q", resolved[0])
	}
	if resolved[1] != "https://cdn.example.com/clip.mp4" {
		t.Errorf("resolved[1] = %q", resolved[1])
	}
	if resolved[2] != "https://cdn.example.com/prebuilt.mp4" {
		t.Errorf("resolved[2] = %q", resolved[2])
	}
}

func TestResolveExistingClipsRejectsEmptyFiles(t *testing.T) {
	outputDir := t.TempDir()
	cache := newMemClipCache()
	r := NewResolver(outputDir, cache)
	storyDir := r.StoryDir("story-1")

	// Zero-byte leftovers must not count as hits.
	writeFile(t, r.ClipPath(storyDir, 0), "")

	stale := filepath.Join(t.TempDir(), "gone.mp4")
	cache.UpsertStoryClip(context.Background(), "story-1", 1, stale)

	resolved := r.ResolveExistingClips(context.Background(), "story-1", specsFor(0, 1), nil)
	if len(resolved) != 0 {
		t.Fatalf("expected no resolved clips, got %v", resolved)
	}
}
