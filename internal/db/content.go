package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/types"
)

// -----------------------------------------------------------------------------
// Outline Methods
// -----------------------------------------------------------------------------

const nodeColumns = `id, task_id, parent_id, level, sort_order, title, content, status,
	volume_id, chapter_id, created_at, updated_at`

func scanNode(row scanner) (*types.OutlineNode, error) {
	var n types.OutlineNode
	if err := row.Scan(&n.ID, &n.TaskID, &n.ParentID, &n.Level, &n.Order, &n.Title, &n.Content,
		&n.Status, &n.VolumeID, &n.ChapterID, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

// ReplaceOutline deletes the outline of a task and inserts nodes in one
// transaction
func (db *DB) ReplaceOutline(ctx context.Context, taskID uuid.UUID, nodes []types.OutlineNode) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM outline_nodes WHERE task_id = $1`, taskID); err != nil {
			return fmt.Errorf("failed to clear outline: %w", err)
		}

		batch := &pgx.Batch{}
		for i, n := range nodes {
			batch.Queue(
				`INSERT INTO outline_nodes (position, `+nodeColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				i, n.ID, taskID, n.ParentID, n.Level, n.Order, n.Title, n.Content, n.Status,
				n.VolumeID, n.ChapterID, n.CreatedAt, n.UpdatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert outline: %w", err)
		}
		return nil
	})
}

// GetOutline returns the outline nodes of a task in insertion order
func (db *DB) GetOutline(ctx context.Context, taskID uuid.UUID) ([]types.OutlineNode, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM outline_nodes WHERE task_id = $1 ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get outline: %w", err)
	}
	defer rows.Close()

	var nodes []types.OutlineNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// GetOutlineNode retrieves one node, or nil when it does not exist
func (db *DB) GetOutlineNode(ctx context.Context, taskID, nodeID uuid.UUID) (*types.OutlineNode, error) {
	n, err := scanNode(db.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM outline_nodes WHERE task_id = $1 AND id = $2`, taskID, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get outline node: %w", err)
	}
	return n, nil
}

// UpdateOutlineNode rewrites the mutable fields of a node
func (db *DB) UpdateOutlineNode(ctx context.Context, n *types.OutlineNode) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outline_nodes SET title = $3, content = $4, status = $5, volume_id = $6,
		        chapter_id = $7, updated_at = $8
		 WHERE task_id = $1 AND id = $2`,
		n.TaskID, n.ID, n.Title, n.Content, n.Status, n.VolumeID, n.ChapterID, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update outline node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outline node %s: %w", n.ID, pipeline.ErrNotFound)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Volume Methods
// -----------------------------------------------------------------------------

// UpsertVolume inserts or updates the volume at (task, order). The stored
// id and creation time are written back into v.
func (db *DB) UpsertVolume(ctx context.Context, v *types.Volume) error {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO volumes (id, task_id, outline_node_id, sort_order, title, summary, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (task_id, sort_order) DO UPDATE SET
		     outline_node_id = EXCLUDED.outline_node_id, title = EXCLUDED.title,
		     summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		v.ID, v.TaskID, v.OutlineNodeID, v.Order, v.Title, v.Summary, v.CreatedAt, v.UpdatedAt,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert volume %d: %w", v.Order, err)
	}
	return nil
}

// ListVolumes returns the volumes of a task by ascending order
func (db *DB) ListVolumes(ctx context.Context, taskID uuid.UUID) ([]types.Volume, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, task_id, outline_node_id, sort_order, title, summary, created_at, updated_at
		 FROM volumes WHERE task_id = $1 ORDER BY sort_order`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	defer rows.Close()

	var volumes []types.Volume
	for rows.Next() {
		var v types.Volume
		if err := rows.Scan(&v.ID, &v.TaskID, &v.OutlineNodeID, &v.Order, &v.Title, &v.Summary,
			&v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// -----------------------------------------------------------------------------
// Chapter Methods
// -----------------------------------------------------------------------------

const chapterColumns = `id, task_id, volume_id, outline_node_id, sort_order, title, content,
	summary, word_count, created_at, updated_at`

func scanChapter(row scanner) (*types.Chapter, error) {
	var c types.Chapter
	if err := row.Scan(&c.ID, &c.TaskID, &c.VolumeID, &c.OutlineNodeID, &c.Order, &c.Title,
		&c.Content, &c.Summary, &c.WordCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertChapter inserts or updates the chapter at (task, order). The stored
// id and creation time are written back into c.
func (db *DB) UpsertChapter(ctx context.Context, c *types.Chapter) error {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO chapters (`+chapterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (task_id, sort_order) DO UPDATE SET
		     volume_id = EXCLUDED.volume_id, outline_node_id = EXCLUDED.outline_node_id,
		     title = EXCLUDED.title, content = EXCLUDED.content, summary = EXCLUDED.summary,
		     word_count = EXCLUDED.word_count, updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		c.ID, c.TaskID, c.VolumeID, c.OutlineNodeID, c.Order, c.Title, c.Content, c.Summary,
		c.WordCount, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert chapter %d: %w", c.Order, err)
	}
	return nil
}

// GetChapter retrieves a chapter by ID, or nil
func (db *DB) GetChapter(ctx context.Context, taskID, chapterID uuid.UUID) (*types.Chapter, error) {
	return db.getChapter(ctx, `task_id = $1 AND id = $2`, taskID, chapterID)
}

// GetChapterByOrder retrieves the chapter at order, or nil
func (db *DB) GetChapterByOrder(ctx context.Context, taskID uuid.UUID, order int) (*types.Chapter, error) {
	return db.getChapter(ctx, `task_id = $1 AND sort_order = $2`, taskID, order)
}

func (db *DB) getChapter(ctx context.Context, where string, args ...any) (*types.Chapter, error) {
	c, err := scanChapter(db.pool.QueryRow(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	return c, nil
}

// ListChapters returns the chapters of a task by ascending order
func (db *DB) ListChapters(ctx context.Context, taskID uuid.UUID) ([]types.Chapter, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE task_id = $1 ORDER BY sort_order`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []types.Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, *c)
	}
	return chapters, rows.Err()
}
