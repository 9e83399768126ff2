package negotiation

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

// PGStore implements Store backed by PostgreSQL. Mutual exclusion per pid is
// optimistic: updates carry the version the caller read and fail with
// ErrStoreConflict when the row moved underneath them. Status reads take no
// locks; state is monotonic along the transition table so a stale read only
// ever shows a prior valid state.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed negotiation process store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const processColumns = `consumer_pid, provider_pid, state::text, offer, agreement, version, created_at, updated_at`

// Get returns the process for the provider pid.
func (s *PGStore) Get(ctx context.Context, providerPid string) (Process, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+processColumns+` FROM negotiation_processes WHERE provider_pid = $1`, providerPid)
	proc, err := scanProcess(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Process{}, ErrProcessNotFound
		}
		return Process{}, fmt.Errorf("negotiation: get process: %w", err)
	}
	return proc, nil
}

// GetByAgreementID returns the process that holds the given agreement.
func (s *PGStore) GetByAgreementID(ctx context.Context, agreementID string) (Process, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+processColumns+` FROM negotiation_processes WHERE agreement_id = $1`, agreementID)
	proc, err := scanProcess(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Process{}, ErrProcessNotFound
		}
		return Process{}, fmt.Errorf("negotiation: get process by agreement: %w", err)
	}
	return proc, nil
}

// Insert creates the process record at version 1.
func (s *PGStore) Insert(ctx context.Context, proc Process) (Process, error) {
	offer, agreement, agreementID, err := marshalDocs(proc)
	if err != nil {
		return Process{}, err
	}

	const insertSQL = `
		INSERT INTO negotiation_processes (provider_pid, consumer_pid, state, offer, agreement, agreement_id, version)
		VALUES ($1, $2, $3::negotiation_state, $4, $5, $6, 1)
		RETURNING version, created_at, updated_at
	`
	if err := s.pool.QueryRow(ctx, insertSQL,
		proc.ProviderPid, proc.ConsumerPid, proc.State, offer, agreement, agreementID,
	).Scan(&proc.Version, &proc.CreatedAt, &proc.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Process{}, ErrStoreConflict
		}
		return Process{}, fmt.Errorf("negotiation: insert process: %w", err)
	}
	return proc, nil
}

// Update writes the new state and documents if and only if the stored version
// still matches expectedVersion.
func (s *PGStore) Update(ctx context.Context, proc Process, expectedVersion int64) (Process, error) {
	offer, agreement, agreementID, err := marshalDocs(proc)
	if err != nil {
		return Process{}, err
	}

	const updateSQL = `
		UPDATE negotiation_processes
		SET state = $1::negotiation_state,
		    offer = $2,
		    agreement = $3,
		    agreement_id = $4,
		    version = version + 1,
		    updated_at = now()
		WHERE provider_pid = $5 AND version = $6
		RETURNING version, updated_at
	`
	if err := s.pool.QueryRow(ctx, updateSQL,
		proc.State, offer, agreement, agreementID, proc.ProviderPid, expectedVersion,
	).Scan(&proc.Version, &proc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Process{}, s.classifyMiss(ctx, proc.ProviderPid)
		}
		return Process{}, fmt.Errorf("negotiation: update process: %w", err)
	}
	return proc, nil
}

// classifyMiss distinguishes a vanished row from a lost version race.
func (s *PGStore) classifyMiss(ctx context.Context, providerPid string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM negotiation_processes WHERE provider_pid = $1)`, providerPid,
	).Scan(&exists); err != nil {
		return fmt.Errorf("negotiation: classify update miss: %w", err)
	}
	if exists {
		return ErrStoreConflict
	}
	return ErrProcessNotFound
}

func scanProcess(row pgx.Row) (Process, error) {
	var (
		proc         Process
		offerDoc     []byte
		agreementDoc []byte
	)
	if err := row.Scan(
		&proc.ConsumerPid,
		&proc.ProviderPid,
		&proc.State,
		&offerDoc,
		&agreementDoc,
		&proc.Version,
		&proc.CreatedAt,
		&proc.UpdatedAt,
	); err != nil {
		return Process{}, err
	}

	if len(offerDoc) > 0 {
		if err := json.Unmarshal(offerDoc, &proc.Offer); err != nil {
			return Process{}, fmt.Errorf("negotiation: decode stored offer: %w", err)
		}
	}
	if len(agreementDoc) > 0 {
		var agr message.Agreement
		if err := json.Unmarshal(agreementDoc, &agr); err != nil {
			return Process{}, fmt.Errorf("negotiation: decode stored agreement: %w", err)
		}
		proc.Agreement = &agr
	}
	return proc, nil
}

func marshalDocs(proc Process) (offer, agreement []byte, agreementID *string, err error) {
	offer, err = json.Marshal(proc.Offer)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("negotiation: marshal offer: %w", err)
	}
	if proc.Agreement != nil {
		agreement, err = json.Marshal(proc.Agreement)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("negotiation: marshal agreement: %w", err)
		}
		agreementID = &proc.Agreement.ID
	}
	return offer, agreement, agreementID, nil
}
