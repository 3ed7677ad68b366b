package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/types"
)

// JobRepository handles watch job persistence
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `contract_address, topic_0, user_address_index, block_number, status,
	event_abi, additional_metadata_arguments, transform_user_address_type`

// RegisterJobs inserts jobs as pending with blockNumber as their target.
// Jobs whose (contract_address, topic_0, user_address_index) already exist are
// left untouched. Returns the number of new jobs.
func (r *JobRepository) RegisterJobs(ctx context.Context, jobs []models.JobRequest, blockNumber uint64) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6::jsonb, $7)
		ON CONFLICT (contract_address, topic_0, user_address_index) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, job := range jobs {
		transform, err := types.ParseAddressTransform(job.TransformType)
		if err != nil {
			return 0, apperrors.NewInvalidParameterError("transformType", err.Error())
		}

		metadata, err := encodeMetadataArguments(job.MetadataArgs)
		if err != nil {
			return 0, err
		}

		batch.Queue(query,
			strings.ToLower(job.ContractAddress),
			strings.ToLower(job.Topic0),
			job.UserAddressIndex,
			int64(blockNumber), // #nosec G115 - block numbers fit in BIGINT
			job.EventABI,
			metadata,
			transformColumn(transform),
		)
	}

	var inserted int64
	err := r.db.InTx(ctx, "register jobs", func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range jobs {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close() // nolint:errcheck // first error wins
				return fmt.Errorf("failed to insert job: %w", err)
			}
			inserted += tag.RowsAffected()
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// ListJobs returns every job regardless of status
func (r *JobRepository) ListJobs(ctx context.Context) ([]models.Job, error) {
	return r.list(ctx, "list jobs", `SELECT `+jobColumns+` FROM jobs ORDER BY contract_address, topic_0, user_address_index`)
}

// ListPendingJobs returns the jobs still waiting for historic indexing
func (r *JobRepository) ListPendingJobs(ctx context.Context) ([]models.Job, error) {
	return r.list(ctx, "list pending jobs",
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY contract_address, topic_0, user_address_index`,
		string(types.JobStatusPending))
}

// UpdateStatus moves pending jobs to status. Jobs that already left pending
// are not touched. Returns the number of jobs updated.
func (r *JobRepository) UpdateStatus(ctx context.Context, keys []models.JobKey, status types.JobStatus) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if !status.Valid() {
		return 0, apperrors.NewInvalidParameterError("status", fmt.Sprintf("unknown job status %q", status))
	}

	contracts := make([]string, len(keys))
	topics := make([]string, len(keys))
	indexes := make([]int32, len(keys))
	for i, key := range keys {
		contracts[i] = strings.ToLower(key.ContractAddress)
		topics[i] = strings.ToLower(key.Topic0)
		indexes[i] = int32(key.UserAddressIndex) // #nosec G115 - slot indexes are small
	}

	query := `
		UPDATE jobs AS j
		SET status = $1, updated_at = now()
		FROM unnest($2::text[], $3::text[], $4::int[]) AS k(contract_address, topic_0, user_address_index)
		WHERE j.contract_address = k.contract_address
		  AND j.topic_0 = k.topic_0
		  AND j.user_address_index = k.user_address_index
		  AND j.status = 'pending'
	`

	conn, err := r.db.Acquire(ctx, "update job status")
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, query, string(status), contracts, topics, indexes)
	if err != nil {
		return 0, apperrors.NewDatabaseError("update job status", fmt.Errorf("failed to update job status: %w", err))
	}

	return tag.RowsAffected(), nil
}

func (r *JobRepository) list(ctx context.Context, operation, query string, args ...interface{}) ([]models.Job, error) {
	conn, err := r.db.Acquire(ctx, operation)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(operation, fmt.Errorf("failed to query jobs: %w", err))
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError(operation, err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(operation, fmt.Errorf("error iterating jobs: %w", err))
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		block     int64
		status    string
		metadata  []byte
		transform *string
	)

	if err := row.Scan(
		&job.ContractAddress,
		&job.Topic0,
		&job.UserAddressIndex,
		&block,
		&status,
		&job.EventABI,
		&metadata,
		&transform,
	); err != nil {
		return models.Job{}, fmt.Errorf("failed to scan job: %w", err)
	}

	job.TargetBlockNumber = uint64(block) // #nosec G115 - column is CHECKed non-negative
	job.Status = types.JobStatus(status)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.MetadataArguments); err != nil {
			return models.Job{}, fmt.Errorf("failed to decode metadata arguments of %s: %w", job.ContractAddress, err)
		}
	}

	if transform != nil {
		t, err := types.ParseAddressTransform(*transform)
		if err != nil {
			return models.Job{}, fmt.Errorf("job %s: %w", job.ContractAddress, err)
		}
		job.Transform = t
	}

	return job, nil
}

func encodeMetadataArguments(args map[string]string) (*string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("metadataArgs", err.Error())
	}
	s := string(data)
	return &s, nil
}

func transformColumn(t types.AddressTransform) *string {
	if t == types.TransformNone {
		return nil
	}
	s := string(t)
	return &s
}
