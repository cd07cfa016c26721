package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

type fakeResumer struct {
	mu      sync.Mutex
	resumed []string
	fail    map[string]error
}

func (f *fakeResumer) Resume(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return err
	}
	f.resumed = append(f.resumed, id)
	return nil
}

type recoverableFunc func(ctx context.Context, r *RecoveryRegistry) error

func (f recoverableFunc) RecoverState(ctx context.Context, r *RecoveryRegistry) error { return f(ctx, r) }

type failingLister struct{}

func (failingLister) ListByState(context.Context, models.State) ([]*models.Session, error) {
	return nil, errors.New("store unavailable")
}

func seededStore() *testutil.FakeStore {
	st := testutil.NewFakeStore()
	st.Seed(
		testutil.Session("5511000000001", models.StateGenerating),
		testutil.Session("5511000000002", models.StateGenerating),
		testutil.Session("5511000000003", models.StateCompleted),
		testutil.Session("5511000000004", models.StateAwaitingEmail),
	)
	return st
}

func TestGenerationRecoveryResumesGeneratingSessions(t *testing.T) {
	resumer := &fakeResumer{}
	rm := NewRecoveryManager(seededStore(), nil)
	rm.RegisterRecoverable(NewGenerationRecovery(resumer))

	require.NoError(t, rm.RecoverAll(context.Background()))
	assert.ElementsMatch(t, []string{"5511000000001", "5511000000002"}, resumer.resumed)
}

func TestGenerationRecoveryReportsPartialFailure(t *testing.T) {
	resumer := &fakeResumer{fail: map[string]error{"5511000000001": errors.New("session is not generating")}}
	registry := NewRecoveryRegistry(seededStore(), nil)

	err := NewGenerationRecovery(resumer).RecoverState(context.Background(), registry)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Equal(t, []string{"5511000000002"}, resumer.resumed)
}

func TestGenerationRecoveryListFailure(t *testing.T) {
	registry := NewRecoveryRegistry(failingLister{}, nil)
	err := NewGenerationRecovery(&fakeResumer{}).RecoverState(context.Background(), registry)
	assert.ErrorContains(t, err, "store unavailable")
}

func TestRecoverAllContinuesAfterFailure(t *testing.T) {
	rm := NewRecoveryManager(testutil.NewFakeStore(), nil)
	var calls []string
	rm.RegisterRecoverable(recoverableFunc(func(context.Context, *RecoveryRegistry) error {
		calls = append(calls, "first")
		return errors.New("boom")
	}))
	rm.RegisterRecoverable(recoverableFunc(func(_ context.Context, r *RecoveryRegistry) error {
		calls = append(calls, "second")
		assert.NotNil(t, r.GetStore())
		assert.NotNil(t, r.Logger())
		return nil
	}))

	err := rm.RecoverAll(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 errors out of 2")
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestRecoverAllWithNothingRegistered(t *testing.T) {
	rm := NewRecoveryManager(testutil.NewFakeStore(), nil)
	assert.NoError(t, rm.RecoverAll(context.Background()))
	assert.NotNil(t, rm.GetRegistry())
}
