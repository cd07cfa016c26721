package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

type fakePurger struct {
	n     int64
	err   error
	calls int
	ctxOK bool
}

func (f *fakePurger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	f.calls++
	_, f.ctxOK = ctx.Deadline()
	return f.n, f.err
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	require.NoError(t, s.AddJob("* * * * *", func() {}))
	assert.Error(t, s.AddJob("not a cron expression", func() {}))
	assert.Error(t, s.AddJob("* * * * * *", func() {}), "seconds field is not accepted")
}

func TestAddJanitor(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()
	assert.NoError(t, s.AddJanitor(DefaultJanitorSchedule, &fakePurger{}))
}

func TestPurgeJobLogsResult(t *testing.T) {
	var logs bytes.Buffer
	p := &fakePurger{n: 7}

	PurgeJob(p, time.Second, testLogger(&logs))()

	assert.Equal(t, 1, p.calls)
	assert.True(t, p.ctxOK, "purge runs under a deadline")
	assert.Contains(t, logs.String(), "expired rows purged")
	assert.Contains(t, logs.String(), "rows=7")
}

func TestPurgeJobLogsFailure(t *testing.T) {
	var logs bytes.Buffer
	PurgeJob(&fakePurger{err: errors.New("database is locked")}, time.Second, testLogger(&logs))()
	assert.Contains(t, logs.String(), "purge failed")
	assert.Contains(t, logs.String(), "database is locked")
}

func TestPurgeJobAgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()
	s := models.NewSession("5511999990000", time.Now())
	require.NoError(t, st.Put(ctx, s, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	var logs bytes.Buffer
	PurgeJob(st, time.Second, testLogger(&logs))()

	assert.Contains(t, logs.String(), "rows=1")
	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
