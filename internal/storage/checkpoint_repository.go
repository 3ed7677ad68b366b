package storage

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/position-indexer/internal/errors"
)

// CheckpointRepository reads and writes the live indexer checkpoint
type CheckpointRepository struct {
	db *PostgresDB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *PostgresDB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get returns the last block fully committed by the live indexer, or nil if
// none has been committed yet
func (r *CheckpointRepository) Get(ctx context.Context) (*uint64, error) {
	conn, err := r.db.Acquire(ctx, "get checkpoint")
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var block *int64
	err = conn.QueryRow(ctx, `SELECT latest_block_processed FROM settings WHERE id`).Scan(&block)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get checkpoint", fmt.Errorf("failed to read checkpoint: %w", err))
	}

	if block == nil {
		return nil, nil
	}
	value := uint64(*block) // #nosec G115 - column is CHECKed non-negative
	return &value, nil
}

// Set moves the checkpoint to block, forwards or backwards
func (r *CheckpointRepository) Set(ctx context.Context, block uint64) error {
	conn, err := r.db.Acquire(ctx, "set checkpoint")
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, upsertCheckpointQuery, int64(block)); err != nil { // #nosec G115 - block numbers fit in BIGINT
		return apperrors.NewDatabaseError("set checkpoint", fmt.Errorf("failed to write checkpoint: %w", err))
	}
	return nil
}
