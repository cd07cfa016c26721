package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// SQL dialects, named after their database/sql driver.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
	// sqliteBusyTimeout keeps concurrent writers from failing with SQLITE_BUSY.
	sqliteBusyTimeout = "_busy_timeout=5000"
)

const (
	sessionsTable = "sessions"
	dedupTable    = "inbound_dedup"
)

// neverExpires is stored for ttl <= 0.
const neverExpires = int64(math.MaxInt64)

// Compile-time checks that SQLStore implements the store interfaces.
var (
	_ Backend = (*SQLStore)(nil)
	_ Purger  = (*SQLStore)(nil)
)

// SQLStore keeps sessions as JSON documents in SQLite or PostgreSQL. Times are
// stored as unix milliseconds so expiry comparisons behave the same in both.
type SQLStore struct {
	db      *sql.DB
	dialect string
	sb      sq.StatementBuilderType
	now     func() time.Time
}

// NewSQLStore opens the database named by the DSN, detects its dialect and
// applies pending migrations.
func NewSQLStore(opts ...Option) (*SQLStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("SQLStore.NewSQLStore: creating store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("SQLStore DSN not set")
		return nil, ErrInvalidDSN
	}

	dialect := DetectDSNType(cfg.DSN)
	dsn := cfg.DSN
	if dialect == DialectSQLite {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if !strings.Contains(dsn, "_busy_timeout") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + sqliteBusyTimeout
		}
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		slog.Error("SQLStore failed to open connection", "error", err, "dialect", dialect)
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectPostgres {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("SQLStore ping failed", "error", err, "dialect", dialect)
		return nil, fmt.Errorf("failed to reach %s database: %w", dialect, err)
	}
	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("SQLStore ready", "dialect", dialect)
	return NewSQLStoreWithDB(db, dialect, opts...), nil
}

// NewSQLStoreWithDB wraps an already migrated database handle.
func NewSQLStoreWithDB(db *sql.DB, dialect string, opts ...Option) *SQLStore {
	cfg := applyOpts(opts)
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if dialect == DialectPostgres {
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return &SQLStore{db: db, dialect: dialect, sb: sb, now: cfg.Now}
}

// Dialect returns the SQL dialect in use.
func (s *SQLStore) Dialect() string { return s.dialect }

func expiresMillis(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return neverExpires
	}
	return now.Add(ttl).UnixMilli()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	query, args, err := s.sb.Select("data").
		From(sessionsTable).
		Where(sq.Eq{"id": id}).
		Where(sq.Gt{"expires_at": s.now().UnixMilli()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build session query: %w", err)
	}
	var data string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLStore.Get failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return decodeSession(id, []byte(data))
}

func (s *SQLStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	now := s.now()
	query, args, err := s.sb.Insert(sessionsTable).
		Columns("id", "state", "data", "updated_at", "expires_at").
		Values(sess.ID, string(sess.State), string(data), now.UnixMilli(), expiresMillis(now, ttl)).
		Suffix("ON CONFLICT (id) DO UPDATE SET state = excluded.state, data = excluded.data, " +
			"updated_at = excluded.updated_at, expires_at = excluded.expires_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build session upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		slog.Error("SQLStore.Put failed", "error", err, "id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLStore.Put succeeded", "id", sess.ID, "state", sess.State)
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	query, args, err := s.sb.Delete(sessionsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build session delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// storedForms lists the raw column values that decode to st.
func storedForms(st models.State) []string {
	var out []string
	for _, f := range st.StoredForms() {
		out = append(out, string(f))
	}
	return out
}

func (s *SQLStore) ListByState(ctx context.Context, st models.State) ([]*models.Session, error) {
	query, args, err := s.sb.Select("id", "data").
		From(sessionsTable).
		Where(sq.Eq{"state": storedForms(st)}).
		Where(sq.Gt{"expires_at": s.now().UnixMilli()}).
		OrderBy("updated_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build session list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions in %s: %w", st, err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess, err := decodeSession(id, []byte(data))
		if err != nil {
			slog.Warn("SQLStore.ListByState: skipping undecodable session", "id", id, "error", err)
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// MarkSeen inserts the message id. An expired row for the same id is
// overwritten and counts as a first sighting.
func (s *SQLStore) MarkSeen(ctx context.Context, messageID, sender string, ttl time.Duration) (bool, error) {
	now := s.now()
	query, args, err := s.sb.Insert(dedupTable).
		Columns("message_id", "sender", "received_at", "expires_at").
		Values(messageID, sender, now.UnixMilli(), expiresMillis(now, ttl)).
		Suffix("ON CONFLICT (message_id) DO UPDATE SET sender = excluded.sender, " +
			"received_at = excluded.received_at, expires_at = excluded.expires_at " +
			"WHERE " + dedupTable + ".expires_at <= excluded.received_at").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build dedup insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired deletes expired sessions and dedup rows.
func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{sessionsTable, dedupTable} {
		query, args, err := s.sb.Delete(table).Where(sq.LtOrEq{"expires_at": now.UnixMilli()}).ToSql()
		if err != nil {
			return total, fmt.Errorf("failed to build purge for %s: %w", table, err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
