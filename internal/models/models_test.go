package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		in     string
		want   State
		wantOK bool
	}{
		{"WELCOME", StateWelcome, true},
		{"awaiting_email", StateAwaitingEmail, true},
		{" COMPLETED ", StateCompleted, true},
		{"NEW", StateWelcome, true},
		{"GENERATING_LETTER", StateGenerating, true},
		{"", "", false},
		{"DONE", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseState(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseState(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestAliasesAreNotPersistable(t *testing.T) {
	if State("NEW").IsValid() {
		t.Error("alias NEW must not be a persisted state")
	}
	for _, st := range AllStates {
		if !st.IsValid() {
			t.Errorf("%s should be valid", st)
		}
	}
}

func TestStoredForms(t *testing.T) {
	tests := []struct {
		st   State
		want []State
	}{
		{StateGenerating, []State{StateGenerating, "GENERATING_LETTER"}},
		{StateWelcome, []State{StateWelcome, "NEW"}},
		{StateCompleted, []State{StateCompleted}},
	}
	for _, tt := range tests {
		got := tt.st.StoredForms()
		if len(got) != len(tt.want) {
			t.Fatalf("%s.StoredForms() = %v; want %v", tt.st, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s.StoredForms() = %v; want %v", tt.st, got, tt.want)
			}
		}
	}
}

func TestSessionValidate(t *testing.T) {
	now := time.Now()
	s := NewSession("555", now)
	if err := s.Validate(); err != nil {
		t.Fatalf("new session invalid: %v", err)
	}

	s.State = StateCompleted
	if err := s.Validate(); !errors.Is(err, ErrMissingDocument) {
		t.Errorf("expected ErrMissingDocument, got %v", err)
	}

	s.State = "BOGUS"
	if err := s.Validate(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	s = NewSession(" ", now)
	if err := s.Validate(); !errors.Is(err, ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
}

func TestSessionResetArchivesDocument(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	done := now.Add(-time.Hour)
	s := &Session{
		ID: "555", State: StateCompleted, Name: "Ana", Email: "ana@x.io", Handle: "ana",
		Document: "doc", CompletedAt: &done, QuestionCount: 3, GenerationID: "g1",
		Conversation: []ConversationEntry{{At: now, Question: "q"}},
	}
	s.Reset(now)

	if s.State != StateWelcome {
		t.Errorf("state = %s", s.State)
	}
	if s.Name != "Ana" || s.Email != "ana@x.io" || s.Handle != "ana" {
		t.Error("contact fields must survive reset")
	}
	if len(s.History) != 1 || s.History[0].Document != "doc" || !s.History[0].CompletedAt.Equal(done) {
		t.Errorf("history = %+v", s.History)
	}
	if s.Document != "" || s.CompletedAt != nil || s.GenerationID != "" || s.Conversation != nil {
		t.Error("run fields must be cleared")
	}
	if s.ResetCount != 1 || s.QuestionCount != 3 {
		t.Errorf("counters = reset %d question %d", s.ResetCount, s.QuestionCount)
	}

	s.Reset(now)
	if len(s.History) != 1 || s.ResetCount != 2 {
		t.Errorf("second reset: history %d resets %d", len(s.History), s.ResetCount)
	}
}

func TestCloneIsDeep(t *testing.T) {
	at := time.Now()
	s := &Session{ID: "1", State: StateCompleted, Document: "d", CompletedAt: &at,
		History: []Completion{{Document: "old"}}}
	c := s.Clone()
	c.History[0].Document = "changed"
	*c.CompletedAt = at.Add(time.Hour)
	if s.History[0].Document != "old" || !s.CompletedAt.Equal(at) {
		t.Error("clone shares memory with original")
	}
}

func TestAppendConversationCaps(t *testing.T) {
	s := NewSession("1", time.Now())
	for i := 0; i < MaxConversationEntries+5; i++ {
		s.AppendConversation(ConversationEntry{Question: string(rune('a' + i%26))})
	}
	if len(s.Conversation) != MaxConversationEntries {
		t.Fatalf("len = %d", len(s.Conversation))
	}
	if got := s.RecentConversation(3); len(got) != 3 {
		t.Errorf("recent = %d", len(got))
	}
}

func TestSessionJSONKeepsUnknownState(t *testing.T) {
	var s Session
	if err := json.Unmarshal([]byte(`{"id":"1","state":"LIMBO"}`), &s); err != nil {
		t.Fatal(err)
	}
	if _, ok := ParseState(string(s.State)); ok {
		t.Error("unknown state should survive decoding so it can be detected")
	}
}

func TestCanonicalPhone(t *testing.T) {
	tests := map[string]string{
		"whatsapp:+55 11 99999-0000":      "5511999990000",
		"5511999990000@s.whatsapp.net":    "5511999990000",
		"5511999990000:12@s.whatsapp.net": "5511999990000",
		"+1 (555) 123":                    "1555123",
	}
	for in, want := range tests {
		if got := CanonicalPhone(in); got != want {
			t.Errorf("CanonicalPhone(%q) = %q, want %q", in, got, want)
		}
	}
}
