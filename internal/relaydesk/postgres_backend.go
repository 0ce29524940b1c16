package relaydesk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresUsersTableName    = "users"
	postgresSessionsTableName = "sessions"
	postgresOperationTimeout  = 5 * time.Second
	postgresIdleSessionLimit  = 500

	postgresUniqueViolation = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores users and sessions in two tables created on first
// use. Uniqueness of (tenant_id, phone) is enforced by the database so that
// concurrent first-contact inserts from separate processes still commit a
// single row.
type PostgresBackend struct {
	dsn           string
	usersTable    string
	sessionsTable string
	openDB        sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:           dsn,
		usersTable:    postgresUsersTableName,
		sessionsTable: postgresSessionsTableName,
		openDB:        sql.Open,
	}, nil
}

func (b *PostgresBackend) InsertUser(ctx context.Context, user User) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, phone, name, type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, postgresQuoteIdentifier(b.usersTable))
	_, err := b.db.ExecContext(ctx, query, user.ID, user.TenantID, user.Phone, user.Name, user.Type, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s/%s", ErrDuplicate, user.TenantID, user.Phone)
	}
	return err
}

func (b *PostgresBackend) FindUserByPhone(ctx context.Context, tenantID, phone string) (User, error) {
	return b.queryUser(ctx, "tenant_id = $1 AND phone = $2", tenantID, phone)
}

func (b *PostgresBackend) GetUser(ctx context.Context, tenantID, userID string) (User, error) {
	return b.queryUser(ctx, "tenant_id = $1 AND id = $2", tenantID, userID)
}

func (b *PostgresBackend) queryUser(ctx context.Context, where string, args ...any) (User, error) {
	if err := b.ensureReady(); err != nil {
		return User{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, tenant_id, phone, name, type, created_at, updated_at
		FROM %s WHERE %s`, postgresQuoteIdentifier(b.usersTable), where)
	var user User
	err := b.db.QueryRowContext(ctx, query, args...).Scan(
		&user.ID, &user.TenantID, &user.Phone, &user.Name, &user.Type, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (b *PostgresBackend) TouchUser(ctx context.Context, tenantID, phone string, at time.Time) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET updated_at = $3 WHERE tenant_id = $1 AND phone = $2", postgresQuoteIdentifier(b.usersTable))
	result, err := b.db.ExecContext(ctx, query, tenantID, phone, at)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *PostgresBackend) LoadSession(ctx context.Context, tenantID, userID string) (SessionRow, error) {
	if err := b.ensureReady(); err != nil {
		return SessionRow{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, tenant_id, user_id, state, data, last_activity, version
		FROM %s WHERE tenant_id = $1 AND user_id = $2`, postgresQuoteIdentifier(b.sessionsTable))
	row, err := scanSessionRow(b.db.QueryRowContext(ctx, query, tenantID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	return row, err
}

func (b *PostgresBackend) SaveSession(ctx context.Context, row SessionRow, expectedVersion int64) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var (
		result sql.Result
		err    error
	)
	if expectedVersion == 0 {
		query := fmt.Sprintf(`
			INSERT INTO %s (id, tenant_id, user_id, state, data, last_activity, version)
			VALUES ($1, $2, $3, $4, $5, $6, 1)
			ON CONFLICT (tenant_id, user_id) DO NOTHING`, postgresQuoteIdentifier(b.sessionsTable))
		result, err = b.db.ExecContext(ctx, query, row.ID, row.TenantID, row.UserID, string(row.State), row.Payload, row.LastActivity)
	} else {
		query := fmt.Sprintf(`
			UPDATE %s
			SET state = $3, data = $4, last_activity = $5, version = version + 1
			WHERE tenant_id = $1 AND user_id = $2 AND version = $6`, postgresQuoteIdentifier(b.sessionsTable))
		result, err = b.db.ExecContext(ctx, query, row.TenantID, row.UserID, string(row.State), row.Payload, row.LastActivity, expectedVersion)
	}
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &VersionConflictError{TenantID: row.TenantID, UserID: row.UserID, ExpectedVersion: expectedVersion}
	}
	return nil
}

func (b *PostgresBackend) ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]SessionRow, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = postgresIdleSessionLimit
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, tenant_id, user_id, state, data, last_activity, version
		FROM %s
		WHERE last_activity < $1
		ORDER BY last_activity ASC, id ASC
		LIMIT $2`, postgresQuoteIdentifier(b.sessionsTable))
	rows, err := b.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SessionRow, 0)
	for rows.Next() {
		row, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					phone TEXT NOT NULL,
					name TEXT NOT NULL,
					type TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (tenant_id, phone)
				)`, postgresQuoteIdentifier(b.usersTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					state TEXT NOT NULL,
					data TEXT NOT NULL,
					last_activity TIMESTAMPTZ NOT NULL,
					version BIGINT NOT NULL DEFAULT 1,
					UNIQUE (tenant_id, user_id)
				)`, postgresQuoteIdentifier(b.sessionsTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (last_activity)",
				postgresQuoteIdentifier(b.sessionsTable+"_last_activity_idx"),
				postgresQuoteIdentifier(b.sessionsTable),
			),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(scanner rowScanner) (SessionRow, error) {
	var (
		row   SessionRow
		state string
	)
	if err := scanner.Scan(&row.ID, &row.TenantID, &row.UserID, &state, &row.Payload, &row.LastActivity, &row.Version); err != nil {
		return SessionRow{}, err
	}
	row.State = State(state)
	return row, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == postgresUniqueViolation
	}
	return false
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
