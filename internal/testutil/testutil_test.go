package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")

			if tt.shouldFail != mockT.failed {
				t.Errorf("expected failed=%v, got %v (%s)", tt.shouldFail, mockT.failed, mockT.errorMsg)
			}
			if !mockT.helper {
				t.Error("expected Helper to be called")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{name: "valid JSON with matching status", jsonBody: `{"status":"ok","result":"test"}`, expectedStatus: "ok"},
		{name: "valid JSON with different status", jsonBody: `{"status":"error"}`, expectedStatus: "ok", shouldFail: true},
		{name: "invalid JSON", jsonBody: `{"status":}`, expectedStatus: "ok", shouldFail: true},
		{name: "missing status field", jsonBody: `{"result":"test"}`, expectedStatus: "ok", shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, tt.expectedStatus)

			if tt.shouldFail != mockT.failed {
				t.Errorf("expected failed=%v, got %v (%s)", tt.shouldFail, mockT.failed, mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("Expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, "POST", "/webhook", map[string]string{"object": "whatsapp_business_account"})
	if req.Method != "POST" || req.URL.Path != "/webhook" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
	if req.ContentLength == 0 {
		t.Error("expected a JSON body")
	}

	empty := CreateHTTPRequest(t, "GET", "/health", nil)
	if empty.ContentLength != 0 {
		t.Errorf("expected empty body, got %d bytes", empty.ContentLength)
	}
}

func TestMustJSONRoundTrip(t *testing.T) {
	data := MustMarshalJSON(t, map[string]any{"key": "value", "number": 123})
	var target map[string]any
	MustUnmarshalJSON(t, data, &target)
	if target["key"] != "value" || target["number"].(float64) != 123 {
		t.Errorf("unexpected round trip result %v", target)
	}
}

func TestClock(t *testing.T) {
	c := NewClock(Epoch)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(Epoch.Add(90 * time.Second)) {
		t.Errorf("expected advanced clock, got %v", got)
	}
}

func TestSessionBuilderProducesValidSessions(t *testing.T) {
	for _, st := range models.AllStates {
		s := Session("5511999990000", st)
		if err := s.Validate(); err != nil {
			t.Errorf("state %s: %v", st, err)
		}
	}
	if s := Session("1", models.StateAwaitingEmail); s.Name == "" || s.Email != "" {
		t.Errorf("unexpected fields for AWAITING_EMAIL: %+v", s)
	}
}

func TestFakeStore(t *testing.T) {
	ctx := context.Background()
	f := NewFakeStore()

	corrupted := Session("555", models.StateWelcome)
	corrupted.State = "BOGUS"
	f.Seed(corrupted)
	got, err := f.Get(ctx, "555")
	if err != nil || got.State != "BOGUS" {
		t.Fatalf("expected seeded corrupted session, got %+v, %v", got, err)
	}

	if err := f.Put(ctx, corrupted, time.Hour); err == nil {
		t.Error("expected Put to validate sessions")
	}

	boom := errors.New("boom")
	f.SetErrors(boom, nil)
	if _, err := f.Get(ctx, "555"); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	f.SetErrors(nil, nil)

	first, _ := f.MarkSeen(ctx, "wamid.1", "555", time.Hour)
	again, _ := f.MarkSeen(ctx, "wamid.1", "555", time.Hour)
	if !first || again {
		t.Errorf("expected first sighting only once, got %v then %v", first, again)
	}

	if err := f.Delete(ctx, "555"); err != nil || f.Session("555") != nil {
		t.Errorf("expected session deleted, err=%v", err)
	}
}

// mockTestingT implements TB for testing our test helpers
type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() {
	m.helper = true
}

func (m *mockTestingT) Errorf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}
