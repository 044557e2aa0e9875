package db

import (
	"context"
	"fmt"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

// story_clips is the per-story clip-reference cache: one row per segment
// index pointing at a materialized clip (local path or URL). Populated by
// finished jobs and by speculative pregeneration; read by the resolver so a
// restarted job never re-pays for generation work already done.

func (db *DB) GetStoryClips(ctx context.Context, storyID string) (map[int]string, error) {
	query := `
		SELECT segment_index, clip_ref
		FROM story_clips
		WHERE story_id = $1
		ORDER BY segment_index
	`

	rows, err := db.QueryContext(ctx, query, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query story clips: %w", err)
	}
	defer rows.Close()

	clips := make(map[int]string)
	for rows.Next() {
		var index int
		var ref string
		if err := rows.Scan(&index, &ref); err != nil {
			return nil, fmt.Errorf("failed to scan story clip: %w", err)
		}
		clips[index] = ref
	}

	return clips, rows.Err()
}

func (db *DB) UpsertStoryClip(ctx context.Context, storyID string, segmentIndex int, clipRef string) error {
	query := `
		INSERT INTO story_clips (story_id, segment_index, clip_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (story_id, segment_index) DO UPDATE
		SET clip_ref = EXCLUDED.clip_ref, updated_at = now()
	`

	_, err := db.ExecContext(ctx, query, storyID, segmentIndex, clipRef)
	if err != nil {
		return fmt.Errorf("failed to upsert story clip: %w", err)
	}
	return nil
}

// ClipCache is the narrow view of the clip-reference cache the pipeline
// consumes; *DB satisfies it, tests substitute an in-memory map.
type ClipCache interface {
	GetStoryClips(ctx context.Context, storyID string) (map[int]string, error)
	UpsertStoryClip(ctx context.Context, storyID string, segmentIndex int, clipRef string) error
}

var _ ClipCache = (*DB)(nil)

// StoryStore is the read side the pipeline and API need for stories.
type StoryStore interface {
	GetStory(ctx context.Context, id string) (*models.Story, error)
}

var _ StoryStore = (*DB)(nil)
