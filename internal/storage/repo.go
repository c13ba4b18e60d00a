package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var interactionColumns = []string{"id", "kind", "client_addr", "summary", "payload", "key_id", "created_at"}

func (s *Store) InsertInteraction(ctx context.Context, in StoredInteraction) error {
	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("interaction id is empty")
	}
	if strings.TrimSpace(in.Kind) == "" {
		return fmt.Errorf("interaction kind is empty")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	q := s.sql.Insert("interactions").
		Columns(interactionColumns...).
		Values(in.ID, in.Kind, in.ClientAddr, in.Summary, in.Payload, in.KeyID, in.CreatedAt.UTC()).
		Suffix("ON CONFLICT(id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build interaction insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

func (s *Store) GetInteraction(ctx context.Context, id string) (StoredInteraction, error) {
	q := s.sql.Select(interactionColumns...).
		From("interactions").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return StoredInteraction{}, fmt.Errorf("build get interaction query: %w", err)
	}

	in, err := scanInteraction(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredInteraction{}, ErrNotFound
		}
		return StoredInteraction{}, fmt.Errorf("get interaction: %w", err)
	}
	return in, nil
}

// ListInteractions returns the newest records first. An empty kind lists all
// kinds; limit is clamped to [1, MaxListLimit] with DefaultListLimit for <= 0.
func (s *Store) ListInteractions(ctx context.Context, kind string, limit int) ([]StoredInteraction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := s.sql.Select(interactionColumns...).
		From("interactions").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	if kind != "" {
		q = q.Where(sq.Eq{"kind": kind})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list interactions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	out := make([]StoredInteraction, 0)
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}

// ListNotSealedWith returns up to limit records, oldest first, whose payload
// is plaintext or sealed under a key other than keyID.
func (s *Store) ListNotSealedWith(ctx context.Context, keyID string, limit int) ([]StoredInteraction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := s.sql.Select(interactionColumns...).
		From("interactions").
		Where(sq.Or{sq.Eq{"key_id": nil}, sq.NotEq{"key_id": keyID}}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list unsealed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list unsealed interactions: %w", err)
	}
	defer rows.Close()

	out := make([]StoredInteraction, 0, limit)
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}

// UpdatePayload replaces the stored payload and the key it is sealed with.
func (s *Store) UpdatePayload(ctx context.Context, id, payload string, keyID *string) error {
	q := s.sql.Update("interactions").
		Set("payload", payload).
		Set("key_id", keyID).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update payload query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(r rowScanner) (StoredInteraction, error) {
	var in StoredInteraction
	var keyID sql.NullString
	if err := r.Scan(
		&in.ID,
		&in.Kind,
		&in.ClientAddr,
		&in.Summary,
		&in.Payload,
		&keyID,
		&in.CreatedAt,
	); err != nil {
		return StoredInteraction{}, err
	}
	if keyID.Valid {
		in.KeyID = &keyID.String
	}
	return in, nil
}
