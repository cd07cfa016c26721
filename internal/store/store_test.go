package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// runBackendContract exercises the behavior every backend must share.
// advance moves the backend's notion of time forward.
func runBackendContract(t *testing.T, b Backend, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("absent is nil without error", func(t *testing.T) {
		got, err := b.Get(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("put then get round-trips", func(t *testing.T) {
		s := models.NewSession("5511", now)
		s.State = models.StateAwaitingEmail
		s.Name = "Ana"
		require.NoError(t, b.Put(ctx, s, time.Hour))

		got, err := b.Get(ctx, "5511")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, models.StateAwaitingEmail, got.State)
		assert.Equal(t, "Ana", got.Name)
	})

	t.Run("overwrite keeps one record", func(t *testing.T) {
		s := models.NewSession("5522", now)
		require.NoError(t, b.Put(ctx, s, time.Hour))
		s.State = models.StateCompleted
		s.Document = "doc"
		require.NoError(t, b.Put(ctx, s, time.Hour))

		got, err := b.Get(ctx, "5522")
		require.NoError(t, err)
		assert.Equal(t, models.StateCompleted, got.State)

		listed, err := b.ListByState(ctx, models.StateCompleted)
		require.NoError(t, err)
		count := 0
		for _, l := range listed {
			if l.ID == "5522" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("invalid session is refused", func(t *testing.T) {
		s := models.NewSession("5533", now)
		s.State = models.StateCompleted // no document
		assert.Error(t, b.Put(ctx, s, time.Hour))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, models.NewSession("5544", now), time.Hour))
		require.NoError(t, b.Delete(ctx, "5544"))
		got, err := b.Get(ctx, "5544")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("dedup first sighting only", func(t *testing.T) {
		first, err := b.MarkSeen(ctx, "wamid.1", "5511", time.Hour)
		require.NoError(t, err)
		assert.True(t, first)
		again, err := b.MarkSeen(ctx, "wamid.1", "5511", time.Hour)
		require.NoError(t, err)
		assert.False(t, again)
	})

	t.Run("expiry behaves as never started", func(t *testing.T) {
		s := models.NewSession("5555", now)
		s.State = models.StateGenerating
		require.NoError(t, b.Put(ctx, s, time.Minute))
		_, err := b.MarkSeen(ctx, "wamid.exp", "5555", time.Minute)
		require.NoError(t, err)

		advance(2 * time.Minute)

		got, err := b.Get(ctx, "5555")
		require.NoError(t, err)
		assert.Nil(t, got)

		listed, err := b.ListByState(ctx, models.StateGenerating)
		require.NoError(t, err)
		for _, l := range listed {
			assert.NotEqual(t, "5555", l.ID)
		}

		first, err := b.MarkSeen(ctx, "wamid.exp", "5555", time.Minute)
		require.NoError(t, err)
		assert.True(t, first, "expired dedup entry should not block")
	})
}

func TestMemoryStore(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	runBackendContract(t, s, clock.Advance)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := models.NewSession("1", time.Now())
	sess.Name = "Ana"
	require.NoError(t, s.Put(ctx, sess, time.Hour))

	sess.Name = "changed after put"
	got, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Name)

	got.Name = "changed after get"
	again, _ := s.Get(ctx, "1")
	assert.Equal(t, "Ana", again.Name)
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	require.NoError(t, s.Put(ctx, models.NewSession("a", clock.Now()), time.Minute))
	require.NoError(t, s.Put(ctx, models.NewSession("b", clock.Now()), 0))
	_, _ = s.MarkSeen(ctx, "m", "a", time.Minute)

	n, err := s.PurgeExpired(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, _ := s.Get(ctx, "b")
	assert.NotNil(t, got, "ttl 0 never expires")
}

func TestSQLiteStore(t *testing.T) {
	clock := newFakeClock()
	dsn := filepath.Join(t.TempDir(), "nested", "leadpipe.db")
	s, err := NewSQLStore(WithDSN(dsn), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	assert.Equal(t, DialectSQLite, s.Dialect())

	runBackendContract(t, s, clock.Advance)

	n, err := s.PurgeExpired(context.Background(), clock.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "leadpipe.db")

	s, err := NewSQLStore(WithDSN(dsn))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, models.NewSession("42", time.Now()), time.Hour))
	require.NoError(t, s.Close())

	s, err = NewSQLStore(WithDSN(dsn))
	require.NoError(t, err, "migrations must be idempotent")
	defer s.Close()
	got, err := s.Get(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance.
	dsn := os.Getenv("LEADPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEADPIPE_TEST_POSTGRES_DSN not set")
	}
	clock := newFakeClock()
	s, err := NewSQLStore(WithDSN(dsn), WithClock(clock.Now))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	s.db.Exec("DELETE FROM sessions")
	s.db.Exec("DELETE FROM inbound_dedup")
	runBackendContract(t, s, clock.Advance)
}

func TestNewSQLStoreRequiresDSN(t *testing.T) {
	_, err := NewSQLStore()
	assert.ErrorIs(t, err, ErrInvalidDSN)
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":       DialectPostgres,
		"postgresql://localhost/db":         DialectPostgres,
		"host=localhost user=x dbname=y":    DialectPostgres,
		"/var/lib/leadpipe/leadpipe.db":     DialectSQLite,
		"file:leadpipe.db?_foreign_keys=on": DialectSQLite,
	}
	for dsn, want := range tests {
		assert.Equal(t, want, DetectDSNType(dsn), dsn)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open("cassandra")
	assert.ErrorIs(t, err, ErrUnknownKind)

	b, err := Open(KindMemory)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, b)
}
