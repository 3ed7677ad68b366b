package storage

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/models"
)

// insertChunkSize bounds the rows sent in one INSERT ... SELECT unnest
const insertChunkSize = 5000

const upsertCheckpointQuery = `
	INSERT INTO settings (id, latest_block_processed, updated_at)
	VALUES (TRUE, $1, now())
	ON CONFLICT (id) DO UPDATE
	SET latest_block_processed = EXCLUDED.latest_block_processed, updated_at = now()
`

// LogRepository handles discovered log entry persistence
type LogRepository struct {
	db *PostgresDB
}

// NewLogRepository creates a new log repository
func NewLogRepository(db *PostgresDB) *LogRepository {
	return &LogRepository{db: db}
}

// InsertLogs stores entries, skipping ones already present. When checkpoint is
// non-nil the checkpoint is moved to it in the same transaction, so a reader
// that sees the checkpoint also sees every entry written with it. Returns the
// number of new rows.
func (r *LogRepository) InsertLogs(ctx context.Context, entries []models.LogEntry, checkpoint *uint64) (int64, error) {
	if len(entries) == 0 && checkpoint == nil {
		return 0, nil
	}

	query := `
		INSERT INTO logs (address, contract_address, metadata_key, metadata_value)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[])
		ON CONFLICT DO NOTHING
	`

	var inserted int64
	err := r.db.InTx(ctx, "insert logs", func(tx pgx.Tx) error {
		for start := 0; start < len(entries); start += insertChunkSize {
			chunk := entries[start:min(start+insertChunkSize, len(entries))]

			addresses := make([]string, len(chunk))
			contracts := make([]string, len(chunk))
			keys := make([]*string, len(chunk))
			values := make([]*string, len(chunk))
			for i, e := range chunk {
				addresses[i] = e.Address
				contracts[i] = e.ContractAddress
				keys[i] = e.MetadataKey
				values[i] = e.MetadataValue
			}

			tag, err := tx.Exec(ctx, query, addresses, contracts, keys, values)
			if err != nil {
				return fmt.Errorf("failed to insert %d logs: %w", len(chunk), err)
			}
			inserted += tag.RowsAffected()
		}

		if checkpoint != nil {
			if _, err := tx.Exec(ctx, upsertCheckpointQuery, int64(*checkpoint)); err != nil { // #nosec G115 - block numbers fit in BIGINT
				return fmt.Errorf("failed to update checkpoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// LogsByAddress returns every entry recorded for a user address
func (r *LogRepository) LogsByAddress(ctx context.Context, address string) ([]models.LogEntry, error) {
	if !common.IsHexAddress(address) {
		return nil, apperrors.NewInvalidAddressError(address)
	}

	query := `
		SELECT address, contract_address, metadata_key, metadata_value
		FROM logs
		WHERE address = $1
		ORDER BY id
	`

	conn, err := r.db.Acquire(ctx, "logs by address")
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query, common.HexToAddress(address).Hex())
	if err != nil {
		return nil, apperrors.NewDatabaseError("logs by address", fmt.Errorf("failed to query logs: %w", err))
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LogEntry, error) {
		var e models.LogEntry
		err := row.Scan(&e.Address, &e.ContractAddress, &e.MetadataKey, &e.MetadataValue)
		return e, err
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("logs by address", fmt.Errorf("failed to scan logs: %w", err))
	}

	return entries, nil
}
