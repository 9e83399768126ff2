package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrParticipantNotFound signals that the participant does not exist.
	ErrParticipantNotFound = errors.New("auth: participant not found")
	// ErrDuplicateClientID signals that the client id is already registered.
	ErrDuplicateClientID = errors.New("auth: client id already exists")
)

// Repository handles data access for participant authentication.
type Repository interface {
	CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error)
	GetParticipant(ctx context.Context, clientID string) (Participant, error)
}

// CreateParticipantParams contains write parameters for registering
// participants.
type CreateParticipantParams struct {
	ClientID   string
	SecretHash string
	Role       Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed participant repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateParticipant inserts a new participant with a hashed secret.
func (r *PGRepository) CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error) {
	const insertSQL = `
		INSERT INTO participants (client_id, secret_hash, role)
		VALUES ($1, $2, $3)
		RETURNING client_id, secret_hash, role, created_at, updated_at
	`

	participant, err := scanParticipant(r.pool.QueryRow(ctx, insertSQL, params.ClientID, params.SecretHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Participant{}, ErrDuplicateClientID
		}
		return Participant{}, fmt.Errorf("auth: create participant: %w", err)
	}

	return participant, nil
}

// GetParticipant retrieves a participant by client id.
func (r *PGRepository) GetParticipant(ctx context.Context, clientID string) (Participant, error) {
	const selectSQL = `
		SELECT client_id, secret_hash, role, created_at, updated_at
		FROM participants
		WHERE client_id = $1
	`

	participant, err := scanParticipant(r.pool.QueryRow(ctx, selectSQL, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("auth: get participant: %w", err)
	}

	return participant, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var p Participant
	err := row.Scan(
		&p.ClientID,
		&p.SecretHash,
		&p.Role,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Participant{}, err
	}
	return p, nil
}
