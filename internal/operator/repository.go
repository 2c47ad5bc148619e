package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardvault/storefront/internal/platform/db"
	"github.com/cardvault/storefront/internal/shared"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repository is the PostgreSQL operator directory.
type Repository struct {
	pool  *pgxpool.Pool
	audit *shared.AuditLogger
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, audit *shared.AuditLogger) *Repository {
	return &Repository{pool: pool, audit: audit}
}

// FindByUserID returns the operator row of a user or ErrNotFound.
func (r *Repository) FindByUserID(ctx context.Context, userID string) (Operator, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return Operator{}, ErrNotFound
	}
	var op Operator
	var role string
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, role, created_at FROM operators WHERE user_id = $1`, userID,
	).Scan(&op.ID, &op.UserID, &role, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrNotFound
		}
		return Operator{}, fmt.Errorf("operator: find by user: %w", err)
	}
	op.Role = Role(role)
	return op, nil
}

// As returns a Store whose writes run under actorID.
func (r *Repository) As(actorID string) Store {
	return &scopedStore{repo: r, actorID: actorID}
}

// ListOperators returns operators with their user email, oldest first.
func (r *Repository) ListOperators(ctx context.Context, q db.Querier, filter ListFilter) ([]Operator, error) {
	query := psql.
		Select("o.id", "o.user_id", "u.email", "o.role", "o.created_at").
		From("operators o").
		Join("users u ON u.id = o.user_id").
		OrderBy("o.created_at", "o.id")
	if filter.Role != "" {
		query = query.Where(sq.Eq{"o.role": string(filter.Role)})
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("operator: build list: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("operator: list: %w", err)
	}
	defer rows.Close()
	var ops []Operator
	for rows.Next() {
		var op Operator
		var role string
		if err := rows.Scan(&op.ID, &op.UserID, &op.Email, &role, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.Role = Role(role)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

func (r *Repository) insert(ctx context.Context, tx pgx.Tx, actorID, userID string, role Role) (Operator, error) {
	op := Operator{ID: uuid.NewString(), UserID: userID, Role: role}
	err := tx.QueryRow(ctx,
		`INSERT INTO operators (id, user_id, role, created_at) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		op.ID, op.UserID, string(op.Role), time.Now().UTC(),
	).Scan(&op.CreatedAt)
	if err != nil {
		switch {
		case db.IsUniqueViolation(err):
			return Operator{}, ErrDuplicate
		case db.IsForeignKeyViolation(err):
			return Operator{}, ErrUnknownUser
		}
		return Operator{}, fmt.Errorf("operator: insert: %w", err)
	}
	if err := r.audit.Record(ctx, tx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "operator.grant",
		Entity:   "operator",
		EntityID: op.ID,
		Meta:     map[string]any{"user_id": op.UserID, "role": string(op.Role)},
	}); err != nil {
		return Operator{}, err
	}
	return op, nil
}

func (r *Repository) delete(ctx context.Context, tx pgx.Tx, actorID, id string) (Operator, error) {
	var op Operator
	var role string
	err := tx.QueryRow(ctx,
		`DELETE FROM operators WHERE id = $1 RETURNING id, user_id, role, created_at`, id,
	).Scan(&op.ID, &op.UserID, &role, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrNotFound
		}
		return Operator{}, fmt.Errorf("operator: delete: %w", err)
	}
	op.Role = Role(role)
	if err := r.audit.Record(ctx, tx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "operator.revoke",
		Entity:   "operator",
		EntityID: op.ID,
		Meta:     map[string]any{"user_id": op.UserID, "role": role},
	}); err != nil {
		return Operator{}, err
	}
	return op, nil
}

// GrantByUserID makes a user an operator outside any request, for the CLI.
func (r *Repository) GrantByUserID(ctx context.Context, actorID, userID string, role Role) (Operator, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return Operator{}, ErrUnknownUser
	}
	var op Operator
	err := db.WithActor(ctx, r.pool, actorID, func(tx pgx.Tx) error {
		var err error
		op, err = r.insert(ctx, tx, actorID, userID, role)
		return err
	})
	return op, err
}

// RevokeByUserID removes a user's operator row, for the CLI.
func (r *Repository) RevokeByUserID(ctx context.Context, actorID, userID string) (Operator, error) {
	existing, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return Operator{}, err
	}
	var op Operator
	err = db.WithActor(ctx, r.pool, actorID, func(tx pgx.Tx) error {
		var err error
		op, err = r.delete(ctx, tx, actorID, existing.ID)
		return err
	})
	return op, err
}

type scopedStore struct {
	repo    *Repository
	actorID string
}

func (s *scopedStore) ListOperators(ctx context.Context, filter ListFilter) ([]Operator, error) {
	var ops []Operator
	err := db.WithActor(ctx, s.repo.pool, s.actorID, func(tx pgx.Tx) error {
		var err error
		ops, err = s.repo.ListOperators(ctx, tx, filter)
		return err
	})
	return ops, err
}

func (s *scopedStore) GrantOperator(ctx context.Context, userID string, role Role) (Operator, error) {
	return s.repo.GrantByUserID(ctx, s.actorID, userID, role)
}

func (s *scopedStore) RevokeOperator(ctx context.Context, id string) (Operator, error) {
	// Operator ids are uuid columns; anything else cannot name a row.
	if _, err := uuid.Parse(id); err != nil {
		return Operator{}, ErrNotFound
	}
	var op Operator
	err := db.WithActor(ctx, s.repo.pool, s.actorID, func(tx pgx.Tx) error {
		var err error
		op, err = s.repo.delete(ctx, tx, s.actorID, id)
		return err
	})
	return op, err
}
