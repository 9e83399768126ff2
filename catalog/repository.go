package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dspconnect/message"
)

// ErrDatasetNotFound signals the requested dataset does not exist.
var ErrDatasetNotFound = errors.New("catalog: dataset not found")

// PGStore persists dataset documents as JSONB rows keyed by dataset id.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgxpool-backed dataset store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Upsert inserts or replaces the dataset document.
func (s *PGStore) Upsert(ctx context.Context, ds message.Dataset) error {
	doc, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("catalog: marshal dataset: %w", err)
	}

	const upsertSQL = `
		INSERT INTO datasets (id, document)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, upsertSQL, ds.ID, doc); err != nil {
		return fmt.Errorf("catalog: upsert dataset: %w", err)
	}
	return nil
}

// Get fetches one dataset document by id.
func (s *PGStore) Get(ctx context.Context, id string) (message.Dataset, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM datasets WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return message.Dataset{}, ErrDatasetNotFound
		}
		return message.Dataset{}, fmt.Errorf("catalog: query dataset: %w", err)
	}
	return decodeDataset(doc)
}

// List fetches up to limit datasets ordered by id.
func (s *PGStore) List(ctx context.Context, limit int) ([]message.Dataset, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT document FROM datasets ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list datasets: %w", err)
	}
	defer rows.Close()

	return collectDatasets(rows, limit)
}

// SearchByKeyword fetches datasets whose keyword list contains the keyword,
// using jsonb containment on the stored document.
func (s *PGStore) SearchByKeyword(ctx context.Context, keyword string, limit int) ([]message.Dataset, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const searchSQL = `
		SELECT document
		FROM datasets
		WHERE document -> 'keyword' @> to_jsonb(ARRAY[$1::text])
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, searchSQL, keyword, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: search datasets: %w", err)
	}
	defer rows.Close()

	return collectDatasets(rows, limit)
}

func collectDatasets(rows pgx.Rows, limit int) ([]message.Dataset, error) {
	datasets := make([]message.Dataset, 0, limit)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("catalog: scan dataset: %w", err)
		}
		ds, err := decodeDataset(doc)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate datasets: %w", err)
	}
	return datasets, nil
}

func decodeDataset(doc []byte) (message.Dataset, error) {
	var ds message.Dataset
	if err := json.Unmarshal(doc, &ds); err != nil {
		return message.Dataset{}, fmt.Errorf("catalog: decode stored dataset: %w", err)
	}
	return ds, nil
}
