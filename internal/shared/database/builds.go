package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zeitwork/amibuild/internal/builder/types"
)

// Execer runs a statement; *pgxpool.Pool and pgx.Tx satisfy it
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// BuildStore writes finished builds to the builds table
type BuildStore struct {
	db Execer
}

var _ types.History = (*BuildStore)(nil)

func NewBuildStore(db Execer) *BuildStore {
	return &BuildStore{db: db}
}

const upsertBuild = `
INSERT INTO builds (id, instance_id, image_id, image_name, steps, succeeded, error, tags, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	instance_id = EXCLUDED.instance_id,
	image_id    = EXCLUDED.image_id,
	image_name  = EXCLUDED.image_name,
	steps       = EXCLUDED.steps,
	succeeded   = EXCLUDED.succeeded,
	error       = EXCLUDED.error,
	tags        = EXCLUDED.tags,
	finished_at = EXCLUDED.finished_at`

// RecordBuild stores result, replacing an earlier record of the same build
func (s *BuildStore) RecordBuild(ctx context.Context, result *types.BuildResult) error {
	tags := result.Tags
	if tags == nil {
		tags = []types.Tag{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	var imageID, imageName string
	if result.Image != nil {
		imageID = result.Image.ID
		imageName = result.Image.Name
	}

	_, err = s.db.Exec(ctx, upsertBuild,
		result.BuildID,
		result.InstanceID,
		imageID,
		imageName,
		result.Steps,
		result.Error == "",
		result.Error,
		string(tagsJSON),
		result.StartedAt,
		result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record build %s: %w", result.BuildID, err)
	}
	return nil
}
