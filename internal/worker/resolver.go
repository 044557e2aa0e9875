package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/alg-bug-engineer/interactive-storybook/internal/db"
	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

// ---------------------------------------------------------------------------
// Clip resolution — reuse finished artifacts instead of re-paying generation
// ---------------------------------------------------------------------------

const pregeneratedDirname = "pregenerated"

// Resolver locates already-materialized clips for a story before any
// submission happens. Sources, in priority order: the story's own directory
// (current and legacy naming), the pregeneration directory, prebuilt
// references handed in by the caller, and the persistent clip-reference
// cache.
type Resolver struct {
	outputDir string
	cache     db.ClipCache
}

func NewResolver(outputDir string, cache db.ClipCache) *Resolver {
	return &Resolver{outputDir: outputDir, cache: cache}
}

// StoryDir is where every clip, narration file, and the final video for a
// story live.
func (r *Resolver) StoryDir(storyID string) string {
	return filepath.Join(r.outputDir, "segments", storyID)
}

func (r *Resolver) ClipPath(storyDir string, segmentIndex int) string {
	return filepath.Join(storyDir, fmt.Sprintf("clip_%03d.mp4", segmentIndex))
}

func (r *Resolver) AudioPath(storyDir string, segmentIndex int) string {
	return filepath.Join(storyDir, fmt.Sprintf("audio_%03d.mp3", segmentIndex))
}

func (r *Resolver) PregeneratedClipPath(storyID string, segmentIndex int) string {
	return filepath.Join(r.StoryDir(storyID), pregeneratedDirname, fmt.Sprintf("clip_%03d.mp4", segmentIndex))
}

// usableFile reports whether a path is a non-empty regular file. Zero-byte
// leftovers from interrupted downloads never count as hits.
func usableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// ExistingStoryMedia finds an on-disk clip or audio file for a segment,
// accepting both the current segment-index naming and the legacy
// ordered-index naming older stories were written with.
func (r *Resolver) ExistingStoryMedia(storyDir string, segmentIndex, orderedIndex int, mediaType string) string {
	var candidates []string
	switch mediaType {
	case "clip":
		candidates = []string{
			r.ClipPath(storyDir, segmentIndex),
			filepath.Join(storyDir, fmt.Sprintf("clip_%03d.mp4", orderedIndex)),
		}
	case "audio":
		candidates = []string{
			r.AudioPath(storyDir, segmentIndex),
			filepath.Join(storyDir, fmt.Sprintf("audio_%03d.mp3", orderedIndex)),
		}
	default:
		return ""
	}

	for _, c := range candidates {
		if usableFile(c) {
			return c
		}
	}
	return ""
}

// usableRef accepts a cached reference if it is an existing local file or a
// remote URL (downloaded later during materialization).
func usableRef(ref string) bool {
	if ref == "" {
		return false
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return true
	}
	return usableFile(ref)
}

// ResolveExistingClips returns a segment-index → clip-reference map for every
// spec that can be satisfied without a new submission.
func (r *Resolver) ResolveExistingClips(ctx context.Context, storyID string, specs []models.ClipSpec, prebuilt map[int]string) map[int]string {
	storyDir := r.StoryDir(storyID)
	resolved := make(map[int]string)

	cached := map[int]string{}
	if r.cache != nil {
		fromDB, err := r.cache.GetStoryClips(ctx, storyID)
		if err != nil {
			log.Printf("[Resolver] clip cache lookup failed for %s: %v", storyID, err)
		} else {
			cached = fromDB
		}
	}

	for orderedIndex, spec := range specs {
		segIdx := spec.SegmentIndex

		if existing := r.ExistingStoryMedia(storyDir, segIdx, orderedIndex, "clip"); existing != "" {
			log.Printf("[Resolver] story-dir clip hit: segment=%d path=%s", segIdx, existing)
			resolved[segIdx] = existing
			continue
		}

		if pregen := r.PregeneratedClipPath(storyID, segIdx); usableFile(pregen) {
			log.Printf("[Resolver] pregenerated clip hit: segment=%d path=%s", segIdx, pregen)
			resolved[segIdx] = pregen
			continue
		}

		if ref, ok := prebuilt[segIdx]; ok && usableRef(ref) {
			log.Printf("[Resolver] prebuilt clip hit: segment=%d ref=%s", segIdx, ref)
			resolved[segIdx] = ref
			continue
		}

		if ref, ok := cached[segIdx]; ok && usableRef(ref) {
			log.Printf("[Resolver] cached clip hit: segment=%d ref=%s", segIdx, ref)
			resolved[segIdx] = ref
		}
	}

	return resolved
}
