package relaydesk

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JSONFileBackend keeps the same tables as InMemoryBackend and rewrites a
// JSON snapshot after every mutation. A failed write rolls the mutation back.
type JSONFileBackend struct {
	path string

	mu     sync.Mutex
	tables *persistedTables
}

func NewJSONFileBackend(path string) (*JSONFileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &JSONFileBackend{path: path, tables: newPersistedTables()}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *JSONFileBackend) InsertUser(_ context.Context, user User) error {
	if strings.TrimSpace(user.TenantID) == "" || strings.TrimSpace(user.Phone) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tables.insertUser(user); err != nil {
		return err
	}
	if err := b.saveLocked(); err != nil {
		delete(b.tables.Users, userKey(user.TenantID, user.Phone))
		return err
	}
	return nil
}

func (b *JSONFileBackend) FindUserByPhone(_ context.Context, tenantID, phone string) (User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.findUserByPhone(tenantID, phone)
}

func (b *JSONFileBackend) GetUser(_ context.Context, tenantID, userID string) (User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.getUser(tenantID, userID)
}

func (b *JSONFileBackend) TouchUser(_ context.Context, tenantID, phone string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, err := b.tables.findUserByPhone(tenantID, phone)
	if err != nil {
		return err
	}
	if err := b.tables.touchUser(tenantID, phone, at); err != nil {
		return err
	}
	if err := b.saveLocked(); err != nil {
		b.tables.Users[userKey(tenantID, phone)] = previous
		return err
	}
	return nil
}

func (b *JSONFileBackend) LoadSession(_ context.Context, tenantID, userID string) (SessionRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.loadSession(tenantID, userID)
}

func (b *JSONFileBackend) SaveSession(_ context.Context, row SessionRow, expectedVersion int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sessionKey(row.TenantID, row.UserID)
	previous, existed := b.tables.Sessions[key]
	if err := b.tables.saveSession(row, expectedVersion); err != nil {
		return err
	}
	if err := b.saveLocked(); err != nil {
		if existed {
			b.tables.Sessions[key] = previous
		} else {
			delete(b.tables.Sessions, key)
		}
		return err
	}
	return nil
}

func (b *JSONFileBackend) ListIdleSessions(_ context.Context, before time.Time, limit int) ([]SessionRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables.listIdleSessions(before, limit), nil
}

func (b *JSONFileBackend) Close() error {
	return nil
}

func (b *JSONFileBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot persistedTables
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Users != nil {
		b.tables.Users = snapshot.Users
	}
	if snapshot.Sessions != nil {
		b.tables.Sessions = snapshot.Sessions
	}
	return nil
}

func (b *JSONFileBackend) saveLocked() error {
	data, err := json.Marshal(b.tables)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
