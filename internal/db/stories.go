package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

// Stories are stored with their segments as a JSONB column: the pipeline
// always reads a story whole, and segments are immutable while a job runs.

func (db *DB) UpsertStory(ctx context.Context, story *models.Story) error {
	segmentsJSON, err := json.Marshal(story.Segments)
	if err != nil {
		return fmt.Errorf("failed to marshal segments: %w", err)
	}

	query := `
		INSERT INTO stories (id, title, segments)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, segments = EXCLUDED.segments, updated_at = now()
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(ctx, query, story.ID, story.Title, segmentsJSON).
		Scan(&story.CreatedAt, &story.UpdatedAt)
}

func (db *DB) GetStory(ctx context.Context, id string) (*models.Story, error) {
	query := `
		SELECT id, title, segments, created_at, updated_at
		FROM stories
		WHERE id = $1
	`

	story := &models.Story{}
	var segmentsJSON []byte
	err := db.QueryRowContext(ctx, query, id).Scan(
		&story.ID, &story.Title, &segmentsJSON, &story.CreatedAt, &story.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("story not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get story: %w", err)
	}

	if err := json.Unmarshal(segmentsJSON, &story.Segments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segments: %w", err)
	}

	return story, nil
}
