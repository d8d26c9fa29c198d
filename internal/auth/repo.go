package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepository defines persistence operations for the credential
// store. Implementations must be safe for concurrent use and keep the
// login-attempt increment atomic.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByLogin(ctx context.Context, login string) (*User, error)
	UpdateProfile(ctx context.Context, id int64, firstName, lastName string) (*User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	SetEmailVerified(ctx context.Context, id int64) error
	RecordLoginFailure(ctx context.Context, id int64, threshold int, lockedUntil time.Time) (int, *time.Time, error)
	RecordLoginSuccess(ctx context.Context, id int64, at time.Time) error
	ListByRole(ctx context.Context, role Role) ([]User, error)
}

const userColumns = `id, username, email, password_hash, first_name, last_name, role,
	is_active, email_verified, login_attempts, locked_until, last_login_at, created_at, updated_at`

// PGUserRepository implements UserRepository using PostgreSQL.
type PGUserRepository struct {
	pool *pgxpool.Pool
}

// NewPGUserRepository constructs a PostgreSQL repository.
func NewPGUserRepository(pool *pgxpool.Pool) *PGUserRepository {
	return &PGUserRepository{pool: pool}
}

// Create inserts a new user record. Unique-constraint violations map
// onto ErrEmailTaken / ErrUsernameTaken.
func (r *PGUserRepository) Create(ctx context.Context, user *User) error {
	row := r.pool.QueryRow(ctx, `INSERT INTO users
		(username, email, password_hash, first_name, last_name, role, is_active, email_verified, login_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		user.Username, user.Email, user.PasswordHash, user.FirstName, user.LastName,
		string(user.Role), user.IsActive, user.EmailVerified)
	if err := row.Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "users_email_key":
				return ErrEmailTaken
			default:
				return ErrUsernameTaken
			}
		}
		return err
	}
	return nil
}

// GetByID fetches a user by primary key.
func (r *PGUserRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByLogin fetches a user by normalized email or username.
func (r *PGUserRepository) GetByLogin(ctx context.Context, login string) (*User, error) {
	return r.scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 OR username = $1`, login))
}

// UpdateProfile mutates the profile fields and returns the fresh row.
func (r *PGUserRepository) UpdateProfile(ctx context.Context, id int64, firstName, lastName string) (*User, error) {
	return r.scanUser(r.pool.QueryRow(ctx, `UPDATE users
		SET first_name = $2, last_name = $3, updated_at = NOW()
		WHERE id = $1 RETURNING `+userColumns, id, firstName, lastName))
}

// UpdatePasswordHash replaces the stored password hash.
func (r *PGUserRepository) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetEmailVerified flips the email_verified flag.
func (r *PGUserRepository) SetEmailVerified(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RecordLoginFailure increments the attempt counter atomically and
// arms the lockout once the threshold is crossed. The counter is only
// reset by a later successful login.
func (r *PGUserRepository) RecordLoginFailure(ctx context.Context, id int64, threshold int, lockedUntil time.Time) (int, *time.Time, error) {
	row := r.pool.QueryRow(ctx, `UPDATE users
		SET login_attempts = login_attempts + 1,
		    locked_until = CASE WHEN login_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING login_attempts, locked_until`, id, threshold, lockedUntil)
	var attempts int
	var until *time.Time
	if err := row.Scan(&attempts, &until); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, ErrUserNotFound
		}
		return 0, nil, err
	}
	return attempts, until, nil
}

// RecordLoginSuccess resets the attempt counter, clears the lock and
// stamps last_login_at.
func (r *PGUserRepository) RecordLoginSuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users
		SET login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = NOW()
		WHERE id = $1`, id, at)
	return err
}

// ListByRole returns every user holding the given role.
func (r *PGUserRepository) ListByRole(ctx context.Context, role Role) ([]User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY id`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (r *PGUserRepository) scanUser(row pgx.Row) (*User, error) {
	user, err := scanUserRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func scanUserRow(row pgx.Row) (*User, error) {
	var user User
	var role string
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.FirstName, &user.LastName, &role, &user.IsActive, &user.EmailVerified,
		&user.LoginAttempts, &user.LockedUntil, &user.LastLoginAt,
		&user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, ok := ParseRole(role)
	if !ok {
		parsed = RoleUser
	}
	user.Role = parsed
	return &user, nil
}

var _ UserRepository = (*PGUserRepository)(nil)
