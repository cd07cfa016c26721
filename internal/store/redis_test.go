package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(WithRedisURL("redis://" + mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	runBackendContract(t, s, mr.FastForward)
}

func TestRedisStoreKeysAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "test:")
	defer s.Close()

	require.NoError(t, s.Put(context.Background(), models.NewSession("5511", time.Now()), 2*time.Hour))
	assert.True(t, mr.Exists("test:session:5511"))
	assert.Equal(t, 2*time.Hour, mr.TTL("test:session:5511"))
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "")
	mr.Close()

	got, err := s.Get(context.Background(), "5511")
	assert.Error(t, err, "an outage must not look like a new sender")
	assert.NotErrorIs(t, err, ErrCorruptedSession)
	assert.Nil(t, got)
}

func TestRedisStoreUndecodableRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "test:")
	defer s.Close()
	require.NoError(t, mr.Set("test:session:5511", `{"state":"COMPLETED","document":"x","question_count":"3"}`))

	got, err := s.Get(context.Background(), "5511")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrCorruptedSession)
}

func TestRedisStoreListsLegacyGeneratingAlias(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "test:")
	defer s.Close()
	require.NoError(t, mr.Set("test:session:5511", `{"id":"5511","state":"GENERATING_LETTER","generation_id":"g1"}`))
	require.NoError(t, s.Put(context.Background(), models.NewSession("5522", time.Now()), time.Hour))

	got, err := s.ListByState(context.Background(), models.StateGenerating)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "5511", got[0].ID)
	assert.Equal(t, models.StateGenerating, got[0].State)
}

func TestNewRedisStoreRequiresURL(t *testing.T) {
	_, err := NewRedisStore()
	assert.Error(t, err)
}
