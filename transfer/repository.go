package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dspconnect/message"
)

// PGStore implements Store backed by PostgreSQL, with optimistic versioning
// mirroring the negotiation store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed transfer process store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const processColumns = `consumer_pid, provider_pid, state::text, agreement_id, format, data_address, version, created_at, updated_at`

// Get returns the process for the provider pid.
func (s *PGStore) Get(ctx context.Context, providerPid string) (Process, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+processColumns+` FROM transfer_processes WHERE provider_pid = $1`, providerPid)
	proc, err := scanProcess(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Process{}, ErrProcessNotFound
		}
		return Process{}, fmt.Errorf("transfer: get process: %w", err)
	}
	return proc, nil
}

// Insert creates the process record at version 1.
func (s *PGStore) Insert(ctx context.Context, proc Process) (Process, error) {
	addr, err := marshalAddress(proc.DataAddress)
	if err != nil {
		return Process{}, err
	}

	const insertSQL = `
		INSERT INTO transfer_processes (provider_pid, consumer_pid, state, agreement_id, format, data_address, version)
		VALUES ($1, $2, $3::transfer_state, $4, $5, $6, 1)
		RETURNING version, created_at, updated_at
	`
	if err := s.pool.QueryRow(ctx, insertSQL,
		proc.ProviderPid, proc.ConsumerPid, proc.State, proc.AgreementID, nullable(proc.Format), addr,
	).Scan(&proc.Version, &proc.CreatedAt, &proc.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Process{}, ErrStoreConflict
		}
		return Process{}, fmt.Errorf("transfer: insert process: %w", err)
	}
	return proc, nil
}

// Update writes the new state and data address if and only if the stored
// version still matches expectedVersion.
func (s *PGStore) Update(ctx context.Context, proc Process, expectedVersion int64) (Process, error) {
	addr, err := marshalAddress(proc.DataAddress)
	if err != nil {
		return Process{}, err
	}

	const updateSQL = `
		UPDATE transfer_processes
		SET state = $1::transfer_state,
		    data_address = $2,
		    version = version + 1,
		    updated_at = now()
		WHERE provider_pid = $3 AND version = $4
		RETURNING version, updated_at
	`
	if err := s.pool.QueryRow(ctx, updateSQL,
		proc.State, addr, proc.ProviderPid, expectedVersion,
	).Scan(&proc.Version, &proc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Process{}, s.classifyMiss(ctx, proc.ProviderPid)
		}
		return Process{}, fmt.Errorf("transfer: update process: %w", err)
	}
	return proc, nil
}

func (s *PGStore) classifyMiss(ctx context.Context, providerPid string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfer_processes WHERE provider_pid = $1)`, providerPid,
	).Scan(&exists); err != nil {
		return fmt.Errorf("transfer: classify update miss: %w", err)
	}
	if exists {
		return ErrStoreConflict
	}
	return ErrProcessNotFound
}

func scanProcess(row pgx.Row) (Process, error) {
	var (
		proc    Process
		format  *string
		addrDoc []byte
	)
	if err := row.Scan(
		&proc.ConsumerPid,
		&proc.ProviderPid,
		&proc.State,
		&proc.AgreementID,
		&format,
		&addrDoc,
		&proc.Version,
		&proc.CreatedAt,
		&proc.UpdatedAt,
	); err != nil {
		return Process{}, err
	}

	if format != nil {
		proc.Format = *format
	}
	if len(addrDoc) > 0 {
		var addr message.DataAddress
		if err := json.Unmarshal(addrDoc, &addr); err != nil {
			return Process{}, fmt.Errorf("transfer: decode stored data address: %w", err)
		}
		proc.DataAddress = &addr
	}
	return proc, nil
}

func marshalAddress(addr *message.DataAddress) ([]byte, error) {
	if addr == nil {
		return nil, nil
	}
	doc, err := json.Marshal(addr)
	if err != nil {
		return nil, fmt.Errorf("transfer: marshal data address: %w", err)
	}
	return doc, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
