package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/daoistvideo/platform/internal/domain/users"
)

const userColumns = `id, username, email, first_name, last_name, role, is_active, password_hash, created_at, updated_at`

// UserRepository persists users in Postgres.
type UserRepository struct {
	db DBTX
}

// NewUserRepository constructs a postgres-backed user repository.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (users.User, error) {
	var (
		u    users.User
		role string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &role,
		&u.IsActive, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	u.Role = users.Role(role)
	return u, err
}

func (r *UserRepository) findOne(ctx context.Context, where string, arg any) (users.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return users.User{}, users.ErrNotFound
		}
		return users.User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (users.User, error) {
	return r.findOne(ctx, `id = $1`, id)
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (users.User, error) {
	return r.findOne(ctx, `username = $1`, username)
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (users.User, error) {
	if strings.TrimSpace(email) == "" {
		return users.User{}, users.ErrNotFound
	}
	return r.findOne(ctx, `LOWER(email) = LOWER($1)`, email)
}

// Save inserts a new user or updates an existing one by id.
func (r *UserRepository) Save(ctx context.Context, user users.User) (users.User, error) {
	const upsert = `
        INSERT INTO users (id, username, email, first_name, last_name, role, is_active, password_hash, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (id) DO UPDATE SET
            username      = EXCLUDED.username,
            email         = EXCLUDED.email,
            first_name    = EXCLUDED.first_name,
            last_name     = EXCLUDED.last_name,
            role          = EXCLUDED.role,
            is_active     = EXCLUDED.is_active,
            password_hash = EXCLUDED.password_hash,
            updated_at    = EXCLUDED.updated_at
        RETURNING created_at, updated_at
    `
	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	created := user.CreatedAt
	if created.IsZero() {
		created = now
	}

	err := r.db.QueryRow(ctx, upsert,
		user.ID,
		user.Username,
		user.Email,
		user.FirstName,
		user.LastName,
		string(user.Role),
		user.IsActive,
		user.PasswordHash,
		created,
		now,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if name, ok := violatedConstraint(err); ok {
			if strings.Contains(name, "email") {
				return users.User{}, users.ErrEmailExists
			}
			return users.User{}, users.ErrUsernameExists
		}
		return users.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// List returns users newest first.
func (r *UserRepository) List(ctx context.Context) ([]users.User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := make([]users.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *UserRepository) Count(ctx context.Context) (users.Counts, error) {
	const query = `
        SELECT COUNT(*), COUNT(*) FILTER (WHERE role = 'admin')
          FROM users
    `
	var total, admins int64
	if err := r.db.QueryRow(ctx, query).Scan(&total, &admins); err != nil {
		return users.Counts{}, fmt.Errorf("count users: %w", err)
	}
	return users.Counts{Total: int(total), Admins: int(admins)}, nil
}

var _ users.Repository = (*UserRepository)(nil)
