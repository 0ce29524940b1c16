package relaydesk

import (
	"context"
	"time"
)

// UserStore persists end-users. InsertUser must report a (tenant, phone)
// uniqueness violation as ErrDuplicate and must never commit a second row.
type UserStore interface {
	InsertUser(ctx context.Context, user User) error
	FindUserByPhone(ctx context.Context, tenantID, phone string) (User, error)
	GetUser(ctx context.Context, tenantID, userID string) (User, error)
	TouchUser(ctx context.Context, tenantID, phone string, at time.Time) error
}

// SessionStore persists one session row per (tenant, user).
//
// SaveSession inserts when expectedVersion is 0 and no row exists, and
// otherwise updates only when the stored version equals expectedVersion.
// A lost race returns a *VersionConflictError. The stored row gets
// version expectedVersion+1.
type SessionStore interface {
	LoadSession(ctx context.Context, tenantID, userID string) (SessionRow, error)
	SaveSession(ctx context.Context, row SessionRow, expectedVersion int64) error
	ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]SessionRow, error)
}

type Backend interface {
	UserStore
	SessionStore
	Close() error
}
