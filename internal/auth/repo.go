package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardvault/storefront/internal/shared"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	CreateSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByEmail fetches a user by email, case-insensitively.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	sqlStr, args, err := psql.
		Select("id", "email", "password_hash", "email_confirmed_at", "is_active", "created_at", "updated_at").
		From("users").
		Where(sq.Expr("lower(email) = lower(?)", email)).
		ToSql()
	if err != nil {
		return nil, err
	}
	var (
		user        User
		confirmedAt pgtype.Timestamptz
	)
	err = r.pool.QueryRow(ctx, sqlStr, args...).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &confirmedAt, &user.IsActive, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		user.EmailConfirmedAt = &t
	}
	return &user, nil
}

// CreateSession persists a new login session in the database for auditing.
func (r *PGRepository) CreateSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	sqlStr, args, err := psql.
		Insert("auth_sessions").
		Columns("id", "user_id", "created_at", "expires_at", "ip", "ua").
		Values(id, userID, time.Now().UTC(), expiresAt.UTC(),
			pgtype.Text{String: ip, Valid: ip != ""},
			pgtype.Text{String: ua, Valid: ua != ""}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, sqlStr, args...)
	return err
}

// DeleteSession removes a session record from the database.
func (r *PGRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE id = $1`, id)
	return err
}

// DeleteExpiredSessions purges session records that expired before the cutoff.
func (r *PGRepository) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("auth: purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Repository = (*PGRepository)(nil)
