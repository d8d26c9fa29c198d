package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryUserRepository is a map-backed credential store for
// development and tests. The mutex keeps attempt increments atomic
// under concurrent login failures.
type MemoryUserRepository struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*User
}

// NewMemoryUserRepository constructs an empty in-memory store.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{nextID: 1, users: make(map[int64]*User)}
}

func (r *MemoryUserRepository) Create(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return ErrEmailTaken
		}
		if existing.Username == user.Username {
			return ErrUsernameTaken
		}
	}
	user.ID = r.nextID
	r.nextID++
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id int64) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (r *MemoryUserRepository) GetByLogin(_ context.Context, login string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == login || user.Username == login {
			clone := *user
			return &clone, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemoryUserRepository) UpdateProfile(_ context.Context, id int64, firstName, lastName string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	user.FirstName = firstName
	user.LastName = lastName
	user.UpdatedAt = time.Now()
	clone := *user
	return &clone, nil
}

func (r *MemoryUserRepository) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryUserRepository) SetEmailVerified(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.EmailVerified = true
	user.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryUserRepository) RecordLoginFailure(_ context.Context, id int64, threshold int, lockedUntil time.Time) (int, *time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return 0, nil, ErrUserNotFound
	}
	user.LoginAttempts++
	if user.LoginAttempts >= threshold {
		until := lockedUntil
		user.LockedUntil = &until
	}
	user.UpdatedAt = time.Now()
	return user.LoginAttempts, user.LockedUntil, nil
}

func (r *MemoryUserRepository) RecordLoginSuccess(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.LoginAttempts = 0
	user.LockedUntil = nil
	last := at
	user.LastLoginAt = &last
	user.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryUserRepository) ListByRole(_ context.Context, role Role) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var users []User
	for _, user := range r.users {
		if user.Role == role {
			users = append(users, *user)
		}
	}
	return users, nil
}

var _ UserRepository = (*MemoryUserRepository)(nil)
