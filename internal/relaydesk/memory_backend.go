package relaydesk

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// persistedTables is the whole state of the memory and file backends.
type persistedTables struct {
	Users    map[string]User       `json:"users"`
	Sessions map[string]SessionRow `json:"sessions"`
}

func newPersistedTables() *persistedTables {
	return &persistedTables{
		Users:    map[string]User{},
		Sessions: map[string]SessionRow{},
	}
}

func userKey(tenantID, phone string) string {
	return tenantID + "\x00" + phone
}

func sessionKey(tenantID, userID string) string {
	return tenantID + "\x00" + userID
}

func (t *persistedTables) insertUser(user User) error {
	key := userKey(user.TenantID, user.Phone)
	if _, exists := t.Users[key]; exists {
		return ErrDuplicate
	}
	t.Users[key] = user
	return nil
}

func (t *persistedTables) findUserByPhone(tenantID, phone string) (User, error) {
	user, ok := t.Users[userKey(tenantID, phone)]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (t *persistedTables) getUser(tenantID, userID string) (User, error) {
	for _, user := range t.Users {
		if user.TenantID == tenantID && user.ID == userID {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (t *persistedTables) touchUser(tenantID, phone string, at time.Time) error {
	key := userKey(tenantID, phone)
	user, ok := t.Users[key]
	if !ok {
		return ErrNotFound
	}
	user.UpdatedAt = at
	t.Users[key] = user
	return nil
}

func (t *persistedTables) loadSession(tenantID, userID string) (SessionRow, error) {
	row, ok := t.Sessions[sessionKey(tenantID, userID)]
	if !ok {
		return SessionRow{}, ErrNotFound
	}
	return row, nil
}

func (t *persistedTables) saveSession(row SessionRow, expectedVersion int64) error {
	key := sessionKey(row.TenantID, row.UserID)
	current, exists := t.Sessions[key]
	switch {
	case !exists && expectedVersion != 0:
		return &VersionConflictError{TenantID: row.TenantID, UserID: row.UserID, ExpectedVersion: expectedVersion}
	case exists && current.Version != expectedVersion:
		return &VersionConflictError{TenantID: row.TenantID, UserID: row.UserID, ExpectedVersion: expectedVersion}
	}
	if exists {
		row.ID = current.ID
	}
	row.Version = expectedVersion + 1
	t.Sessions[key] = row
	return nil
}

func (t *persistedTables) listIdleSessions(before time.Time, limit int) []SessionRow {
	rows := make([]SessionRow, 0)
	for _, row := range t.Sessions {
		if row.LastActivity.Before(before) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].LastActivity.Equal(rows[j].LastActivity) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].LastActivity.Before(rows[j].LastActivity)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// InMemoryBackend keeps users and sessions in process memory. It is the
// default backend and the one most tests run against.
type InMemoryBackend struct {
	mu     sync.Mutex
	tables *persistedTables
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{tables: newPersistedTables()}
}

func (b *InMemoryBackend) InsertUser(_ context.Context, user User) error {
	if strings.TrimSpace(user.TenantID) == "" || strings.TrimSpace(user.Phone) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.insertUser(user)
}

func (b *InMemoryBackend) FindUserByPhone(_ context.Context, tenantID, phone string) (User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.findUserByPhone(tenantID, phone)
}

func (b *InMemoryBackend) GetUser(_ context.Context, tenantID, userID string) (User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.getUser(tenantID, userID)
}

func (b *InMemoryBackend) TouchUser(_ context.Context, tenantID, phone string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.touchUser(tenantID, phone, at)
}

func (b *InMemoryBackend) LoadSession(_ context.Context, tenantID, userID string) (SessionRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.loadSession(tenantID, userID)
}

func (b *InMemoryBackend) SaveSession(_ context.Context, row SessionRow, expectedVersion int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.saveSession(row, expectedVersion)
}

func (b *InMemoryBackend) ListIdleSessions(_ context.Context, before time.Time, limit int) ([]SessionRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.listIdleSessions(before, limit), nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}
