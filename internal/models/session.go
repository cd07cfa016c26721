package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxConversationEntries bounds the follow-up log kept on a session.
const MaxConversationEntries = 20

var (
	ErrEmptySessionID  = errors.New("session id cannot be empty")
	ErrInvalidState    = errors.New("invalid session state")
	ErrMissingDocument = errors.New("completed session has no document")
)

// Completion is a document produced by an earlier run of the funnel.
type Completion struct {
	CompletedAt time.Time `json:"completed_at"`
	Document    string    `json:"document"`
}

// ConversationEntry is one follow-up question asked after completion.
type ConversationEntry struct {
	At       time.Time `json:"at"`
	Question string    `json:"question"`
	Answer   string    `json:"answer,omitempty"`
}

// Session is the persisted funnel record of one sender.
type Session struct {
	ID                  string              `json:"id"`
	State               State               `json:"state"`
	Name                string              `json:"name,omitempty"`
	Email               string              `json:"email,omitempty"`
	Handle              string              `json:"handle,omitempty"`
	Document            string              `json:"document,omitempty"`
	ScrapePermission    bool                `json:"scrape_permission,omitempty"`
	GenerationID        string              `json:"generation_id,omitempty"`
	GenerationStartedAt *time.Time          `json:"generation_started_at,omitempty"`
	ErrorReason         string              `json:"error_reason,omitempty"`
	QuestionCount       int                 `json:"question_count"`
	ResetCount          int                 `json:"reset_count"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
	History             []Completion        `json:"history,omitempty"`
	Conversation        []ConversationEntry `json:"conversation,omitempty"`
}

// NewSession returns a session in the initial state.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		State:     StateWelcome,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing stored data.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.GenerationStartedAt != nil {
		t := *s.GenerationStartedAt
		c.GenerationStartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.History != nil {
		c.History = append([]Completion(nil), s.History...)
	}
	if s.Conversation != nil {
		c.Conversation = append([]ConversationEntry(nil), s.Conversation...)
	}
	return &c
}

// Validate checks the invariants every persisted session must hold.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrEmptySessionID
	}
	if !s.State.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, s.State)
	}
	if s.State == StateCompleted && strings.TrimSpace(s.Document) == "" {
		return ErrMissingDocument
	}
	return nil
}

// FirstName returns the first word of the name, or the empty string.
func (s *Session) FirstName() string {
	fields := strings.Fields(s.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// AppendConversation records a follow-up exchange, dropping the oldest
// entries beyond MaxConversationEntries.
func (s *Session) AppendConversation(e ConversationEntry) {
	s.Conversation = append(s.Conversation, e)
	if over := len(s.Conversation) - MaxConversationEntries; over > 0 {
		s.Conversation = append([]ConversationEntry(nil), s.Conversation[over:]...)
	}
}

// RecentConversation returns at most n of the latest follow-up entries.
func (s *Session) RecentConversation(n int) []ConversationEntry {
	if n <= 0 || len(s.Conversation) == 0 {
		return nil
	}
	if len(s.Conversation) <= n {
		return s.Conversation
	}
	return s.Conversation[len(s.Conversation)-n:]
}

// Reset archives any document into History and returns the session to
// StateWelcome. Contact fields are kept.
func (s *Session) Reset(now time.Time) {
	if strings.TrimSpace(s.Document) != "" {
		completedAt := now
		if s.CompletedAt != nil {
			completedAt = *s.CompletedAt
		}
		s.History = append(s.History, Completion{CompletedAt: completedAt, Document: s.Document})
	}
	s.State = StateWelcome
	s.Document = ""
	s.CompletedAt = nil
	s.ErrorReason = ""
	s.GenerationID = ""
	s.GenerationStartedAt = nil
	s.ScrapePermission = false
	s.Conversation = nil
	s.ResetCount++
	s.UpdatedAt = now
}
