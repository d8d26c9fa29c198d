// Package audit appends security events to an append-only trail.
// Recording is best effort: a failed append never fails the request
// that triggered it.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action tags for authentication decisions.
const (
	ActionLoginSuccess    = "auth.login.success"
	ActionLoginFailed     = "auth.login.failed"
	ActionLoginLocked     = "auth.login.locked"
	ActionRegister        = "auth.register"
	ActionTokenRefresh    = "auth.token.refresh"
	ActionLogout          = "auth.logout"
	ActionLogoutAll       = "auth.logout_all"
	ActionTokenAuth       = "auth.token.accepted"
	ActionSessionAuth     = "auth.session.accepted"
	ActionSessionRevoked  = "auth.session.revoked"
	ActionAccessDenied    = "auth.access.denied"
	ActionInactiveAccount = "auth.account.inactive"
	ActionEmailUnverified = "auth.email.unverified"
	ActionPasswordChanged = "auth.password.changed"
	ActionPasswordReset   = "auth.password.reset"
	ActionEmailVerified   = "auth.email.verified"
)

// Entry is one append-only record. UserID is nil for anonymous
// events; the application never mutates or deletes entries.
type Entry struct {
	ID           string
	UserID       *int64
	Action       string
	ResourceType string
	ResourceID   string
	IP           string
	UserAgent    string
	Details      map[string]any
	At           time.Time
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// PGRecorder writes entries into the audit_logs table. The insert
// runs detached from the request so the response never waits on it.
type PGRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGRecorder returns a PostgreSQL-backed recorder.
func NewPGRecorder(pool *pgxpool.Pool, logger *slog.Logger) *PGRecorder {
	return &PGRecorder{pool: pool, logger: logger}
}

// Record appends the entry asynchronously. Failures are logged and
// swallowed.
func (r *PGRecorder) Record(_ context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		details, err := json.Marshal(entry.Details)
		if err != nil {
			r.warn("marshal audit details", err)
			return
		}
		_, err = r.pool.Exec(ctx, `INSERT INTO audit_logs
			(id, user_id, action, resource_type, resource_id, ip, user_agent, details, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			entry.ID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID,
			entry.IP, entry.UserAgent, details, entry.At)
		if err != nil {
			r.warn("append audit entry", err)
		}
	}()
}

func (r *PGRecorder) warn(msg string, err error) {
	if r.logger != nil {
		r.logger.Warn(msg, slog.Any("error", err))
	}
}

// MemoryRecorder collects entries in memory for tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryRecorder returns an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends the entry synchronously.
func (r *MemoryRecorder) Record(_ context.Context, entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

// Entries returns a copy of everything recorded so far.
func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByAction filters recorded entries by action tag.
func (r *MemoryRecorder) ByAction(action string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
