// Package messaging defines the outbound transport contract of LeadPipe and
// the WhatsApp Cloud API implementation of it.
package messaging

import (
	"context"
	"sync"
)

// Sender delivers one text message to one recipient. Implementations return
// a *SendError (or a classifiable network error) on failure.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

// SentMessage is a message recorded by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records sends and can fail on demand. The zero value is ready to use.
type MockSender struct {
	mu sync.Mutex
	// Errors are returned, in order, by the next sends. A nil entry succeeds.
	Errors   []error
	Attempts int
	Sent     []SentMessage
}

// Compile-time check that MockSender implements Sender.
var _ Sender = (*MockSender)(nil)

func (m *MockSender) SendText(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Attempts++
	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		if err != nil {
			return err
		}
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the successfully sent messages.
func (m *MockSender) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

// Bodies returns the bodies of messages sent to recipient.
func (m *MockSender) Bodies(to string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.Sent {
		if s.To == to {
			out = append(out, s.Body)
		}
	}
	return out
}
