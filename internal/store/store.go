// Package store provides session storage backends for LeadPipe.
//
// Every backend implements SessionStore and DedupRepo. Reads never fabricate a
// session: an absent or expired record is (nil, nil) and any other failure is
// returned as an error, so callers can tell a new sender from an outage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Defaults shared by the backends.
const (
	// DefaultSessionTTL matches the two hour window a visitor has to finish the funnel.
	DefaultSessionTTL = 2 * time.Hour
	// DefaultDedupTTL covers the provider redelivery window for webhook events.
	DefaultDedupTTL = 24 * time.Hour
	// DefaultKeyPrefix namespaces Redis keys.
	DefaultKeyPrefix = "leadpipe:"
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

// Kind names a storage backend.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindRedis    Kind = "redis"
)

var (
	ErrInvalidDSN  = errors.New("database DSN not set")
	ErrUnknownKind = errors.New("unknown store kind")
	// ErrCorruptedSession marks a stored record that cannot be decoded. The
	// backend itself answered; callers may overwrite the record.
	ErrCorruptedSession = errors.New("corrupted session record")
)

// SessionStore persists sessions keyed by sender id. It does not lock:
// callers serialize read-modify-write per id themselves.
type SessionStore interface {
	// Get returns the session or (nil, nil) when none exists or it expired.
	Get(ctx context.Context, id string) (*models.Session, error)
	// Put writes the session with the given time to live. A ttl <= 0 never expires.
	Put(ctx context.Context, s *models.Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	// ListByState returns live sessions in state st.
	ListByState(ctx context.Context, st models.State) ([]*models.Session, error)
	Close() error
}

// DedupRepo remembers inbound provider message ids.
type DedupRepo interface {
	// MarkSeen records messageID and reports whether this is its first sighting.
	MarkSeen(ctx context.Context, messageID, sender string, ttl time.Duration) (bool, error)
}

// Purger is implemented by backends whose expired rows must be removed explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Backend is a store usable for both sessions and inbound dedup.
type Backend interface {
	SessionStore
	DedupRepo
}

// Opts holds configuration options for the stores.
type Opts struct {
	DSN       string // SQLite path or PostgreSQL connection string
	RedisURL  string // redis://[:password@]host:port/db
	KeyPrefix string // Redis key namespace
	Now       func() time.Time
}

// Option defines a configuration option for the stores.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL sets the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{KeyPrefix: DefaultKeyPrefix, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Open builds the backend named by kind.
func Open(kind Kind, opts ...Option) (Backend, error) {
	switch kind {
	case KindMemory, "":
		return NewMemoryStore(opts...), nil
	case KindSQLite, KindPostgres:
		return NewSQLStore(opts...)
	case KindRedis:
		return NewRedisStore(opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return DialectPostgres
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return DialectPostgres
	}
	return DialectSQLite
}

func encodeSession(s *models.Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session")
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to persist session %s: %w", s.ID, err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return data, nil
}

func decodeSession(id string, data []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w: %w", id, ErrCorruptedSession, err)
	}
	if s.ID == "" {
		s.ID = id
	}
	// Legacy aliases are rewritten; unknown states are left for the caller.
	if st, ok := models.ParseState(string(s.State)); ok {
		s.State = st
	}
	return &s, nil
}
