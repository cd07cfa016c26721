package flow

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/delivery"
	"github.com/BTreeMap/LeadPipe/internal/enrichment"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
	"github.com/BTreeMap/LeadPipe/internal/texts"
)

const malformedSession = `{"state":"COMPLETED","document":"x","question_count":"3"}`

type redisHarness struct {
	engine *Engine
	mr     *miniredis.Miniredis
	store  *store.RedisStore
	sender *messaging.MockSender
	logs   *bytes.Buffer
	cat    *texts.Catalog
}

func newRedisHarness(t *testing.T) *redisHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := &redisHarness{
		mr:     mr,
		store:  store.NewRedisStoreWithClient(client, "t:"),
		sender: &messaging.MockSender{},
		logs:   &bytes.Buffer{},
		cat:    texts.Default(),
	}
	t.Cleanup(func() { h.store.Close() })
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipeline := delivery.New(h.sender,
		delivery.WithChunkDelay(0),
		delivery.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		delivery.WithLogger(logger),
	)
	enricher := &fakeEnricher{result: enrichment.Result{Document: "Carta.", Outcome: enrichment.OutcomeComplete}}
	h.engine = New(h.store, pipeline, enricher, &fakeAssistant{answer: "ok"},
		WithDedup(h.store),
		WithLogger(logger),
		WithClock(testutil.NewClock(testutil.Epoch).Now),
	)
	require.NoError(t, mr.Set("t:session:555", malformedSession))
	return h
}

func (h *redisHarness) session(t *testing.T) *models.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), "555")
	require.NoError(t, err, "the record must be readable again")
	require.NotNil(t, s)
	return s
}

func TestUnreadableSessionHonorsReset(t *testing.T) {
	h := newRedisHarness(t)

	require.NoError(t, h.engine.HandleInbound(context.Background(), models.Inbound{From: "555", Text: "reset"}))

	s := h.session(t)
	assert.Equal(t, models.StateWelcome, s.State)
	assert.Equal(t, 1, s.ResetCount)
	assert.Equal(t, []string{h.cat.ResetDone, h.cat.Welcome}, h.sender.Bodies("555"))
	assert.NotContains(t, h.sender.Bodies("555"), h.cat.TryAgain)
	assert.Contains(t, h.logs.String(), "undecodable session record")
}

func TestUnreadableSessionStartsOver(t *testing.T) {
	h := newRedisHarness(t)

	require.NoError(t, h.engine.HandleInbound(context.Background(), models.Inbound{From: "555", Text: "Maria"}))

	s := h.session(t)
	assert.Equal(t, models.StateWelcome, s.State)
	assert.Empty(t, s.Name, "the text is not consumed as a name")
	assert.Equal(t, []string{h.cat.Corrupted, h.cat.Welcome}, h.sender.Bodies("555"))

	require.NoError(t, h.engine.HandleInbound(context.Background(), models.Inbound{From: "555", Text: "Maria"}))
	s = h.session(t)
	assert.Equal(t, models.StateAwaitingEmail, s.State)
	assert.Equal(t, "Maria", s.Name)
}

func TestResetSessionOverwritesUnreadableRecord(t *testing.T) {
	h := newRedisHarness(t)

	s, err := h.engine.ResetSession(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, models.StateWelcome, s.State)
	assert.Equal(t, models.StateWelcome, h.session(t).State)
	assert.Empty(t, h.sender.Messages())
}

func TestCommitOnUnreadableRecordRestartsSession(t *testing.T) {
	h := newRedisHarness(t)

	err := h.engine.commitGeneration(context.Background(), "555", "g1",
		enrichment.Result{Document: "Carta.", Outcome: enrichment.OutcomeComplete})
	require.NoError(t, err)

	s := h.session(t)
	assert.Equal(t, models.StateWelcome, s.State)
	assert.Empty(t, s.Document, "the result is discarded")
	assert.Equal(t, []string{h.cat.Corrupted, h.cat.Welcome}, h.sender.Bodies("555"))
}

func TestResumeSkipsUnreadableRecord(t *testing.T) {
	h := newRedisHarness(t)

	err := h.engine.Resume(context.Background(), "555")
	assert.ErrorIs(t, err, ErrNotGenerating)
}

func TestStoreOutageStillAbortsTurn(t *testing.T) {
	h := newRedisHarness(t)
	h.mr.Close()

	err := h.engine.HandleInbound(context.Background(), models.Inbound{From: "555", Text: "reset"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, []string{h.cat.TryAgain}, h.sender.Bodies("555"))
}
