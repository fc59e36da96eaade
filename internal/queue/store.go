package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrStoreUnavailable indicates the dead-letter store is not configured.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrDeadLetterNotFound is returned for unknown dead-letter identifiers.
	ErrDeadLetterNotFound = errors.New("queue: dead letter not found")
)

// DeadLetter is a task that exhausted its attempts. Message holds the encoded task so it can
// be replayed as-is.
type DeadLetter struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	TenantID       string    `json:"tenant_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Message        []byte    `json:"-"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists dead letters.
type Store interface {
	Insert(ctx context.Context, dl DeadLetter) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (DeadLetter, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, kind string, limit, offset int) ([]DeadLetter, error)
	Count(ctx context.Context, kind string) (int64, error)
}

// NewStore returns a Store backed by the queue_dead_letters table.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const deadLetterColumns = `id, kind, tenant_id, idem_key, message, attempts, last_error, created_at`

func (s *pgStore) Insert(ctx context.Context, dl DeadLetter) (uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `INSERT INTO queue_dead_letters (kind, tenant_id, idem_key, message, attempts, last_error)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		dl.Kind, dl.TenantID, dl.IdempotencyKey, dl.Message, dl.Attempts, dl.LastError).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	if s == nil || s.pool == nil {
		return DeadLetter{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM queue_dead_letters WHERE id = $1`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return dl, err
}

func (s *pgStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_dead_letters WHERE id = $1`, id)
	return err
}

func (s *pgStore) List(ctx context.Context, kind string, limit, offset int) ([]DeadLetter, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clamp(limit, 1, 500)
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT `+deadLetterColumns+` FROM queue_dead_letters
WHERE ($1 = '' OR kind = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`, strings.TrimSpace(kind), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DeadLetter, 0, limit)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *pgStore) Count(ctx context.Context, kind string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dead_letters WHERE ($1 = '' OR kind = $1)`,
		strings.TrimSpace(kind)).Scan(&total)
	return total, err
}

func scanDeadLetter(row pgx.Row) (DeadLetter, error) {
	var dl DeadLetter
	err := row.Scan(&dl.ID, &dl.Kind, &dl.TenantID, &dl.IdempotencyKey, &dl.Message, &dl.Attempts, &dl.LastError, &dl.CreatedAt)
	return dl, err
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
