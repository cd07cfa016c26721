// Package testutil provides common test utilities and helpers for LeadPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// Clock is a settable clock for code that takes a func() time.Time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Epoch is the reference time used by tests.
var Epoch = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// Session returns a session for id in state st, with contact fields filled
// in as a visitor reaching that state would have them.
func Session(id string, st models.State) *models.Session {
	s := models.NewSession(id, Epoch)
	s.State = st
	switch st {
	case models.StateWelcome, models.StateAwaitingName:
		return s
	}
	s.Name = "Ana Souza"
	if st == models.StateAwaitingEmail {
		return s
	}
	s.Email = "ana@example.com"
	if st == models.StateAwaitingInstagram {
		return s
	}
	s.Handle = "ana.doces"
	if st == models.StateCompleted {
		done := Epoch.Add(time.Minute)
		s.Document = "Querida Ana,\n\nSua carta."
		s.CompletedAt = &done
	}
	return s
}

// FakeStore is an in-memory store.SessionStore and store.DedupRepo that,
// unlike the real backends, accepts sessions in any state and can be made
// to fail.
type FakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	seen     map[string]bool

	// GetErr and PutErr, when set, are returned by Get and Put.
	GetErr error
	PutErr error
	Puts   int
}

var (
	_ store.SessionStore = (*FakeStore)(nil)
	_ store.DedupRepo    = (*FakeStore)(nil)
)

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{sessions: make(map[string]*models.Session), seen: make(map[string]bool)}
}

// Seed stores copies of sessions without validation.
func (f *FakeStore) Seed(sessions ...*models.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sessions {
		f.sessions[s.ID] = s.Clone()
	}
}

// Session returns a copy of the stored session, or nil.
func (f *FakeStore) Session(id string) *models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Clone()
}

// SetErrors sets GetErr and PutErr under the store lock.
func (f *FakeStore) SetErrors(getErr, putErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetErr, f.PutErr = getErr, putErr
}

func (f *FakeStore) Get(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	return f.sessions[id].Clone(), nil
}

func (f *FakeStore) Put(ctx context.Context, s *models.Session, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Puts++
	if f.PutErr != nil {
		return f.PutErr
	}
	if err := s.Validate(); err != nil {
		return err
	}
	f.sessions[s.ID] = s.Clone()
	return nil
}

func (f *FakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *FakeStore) ListByState(ctx context.Context, st models.State) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	var out []*models.Session
	for _, s := range f.sessions {
		if cur, ok := models.ParseState(string(s.State)); ok && cur == st {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeStore) MarkSeen(ctx context.Context, messageID, sender string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[messageID] {
		return false, nil
	}
	f.seen[messageID] = true
	return true, nil
}

func (f *FakeStore) Close() error { return nil }

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
