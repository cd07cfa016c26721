package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestWriteDocument_Success(t *testing.T) {
	mock := &mockChatService{resp: reply("  Querida Ana,\n\nSua carta.  ")}
	client := &Client{chat: mock, model: DefaultModel}
	out, err := client.WriteDocument(context.Background(), "Ana", &models.Profile{Username: "ana", Bio: "Doces"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Querida Ana,\n\nSua carta." {
		t.Errorf("expected trimmed document, got %q", out)
	}
	if len(mock.params) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.params))
	}
	p := mock.params[0]
	if p.Temperature.Value != 0.8 || p.MaxTokens.Value != 2000 {
		t.Errorf("unexpected sampling settings: temperature %v, max tokens %v", p.Temperature.Value, p.MaxTokens.Value)
	}
	if len(p.Messages) != 2 || p.Messages[0].OfSystem == nil || p.Messages[1].OfUser == nil {
		t.Errorf("expected system and user messages, got %d", len(p.Messages))
	}
}

func TestWriteDocument_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.WriteDocument(context.Background(), "Ana", nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestWriteDocument_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.WriteDocument(context.Background(), "Ana", nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestWriteDocument_EmptyContent(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: reply("   ")}}
	_, err := client.WriteDocument(context.Background(), "Ana", nil)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected empty response error, got %v", err)
	}
}

func TestDescribeProfile(t *testing.T) {
	noHandle := describeProfile("Ana", nil)
	if !strings.Contains(noHandle, "Instagram: não informado") {
		t.Errorf("expected missing handle line, got %q", noHandle)
	}

	full := describeProfile("Ana", &models.Profile{
		Username:  "ana.doces",
		Bio:       "Confeitaria artesanal",
		Followers: "1.2k",
		Hashtags:  []string{"#doces", "#bolo"},
		Themes:    []string{"confeitaria", "encomendas"},
	})
	for _, want := range []string{"@ana.doces", "Bio: Confeitaria artesanal", "Seguidores: 1.2k", "#doces #bolo", "confeitaria, encomendas"} {
		if !strings.Contains(full, want) {
			t.Errorf("expected %q in %q", want, full)
		}
	}
	if strings.Contains(full, "Não foi possível") {
		t.Error("profile with content reported as empty")
	}

	empty := describeProfile("Ana", &models.Profile{Username: "ana"})
	if !strings.Contains(empty, "Não foi possível obter dados") {
		t.Errorf("expected empty-profile note, got %q", empty)
	}
}

func TestExtractThemes(t *testing.T) {
	mock := &mockChatService{resp: reply("1. Confeitaria, - Encomendas\n• Festas; doces finos., bolos, brigadeiros")}
	client := &Client{chat: mock}
	themes, err := client.ExtractThemes(context.Background(), &models.Profile{Username: "ana", Bio: "Doces"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := []string{"Confeitaria", "Encomendas", "Festas", "doces finos", "bolos"}
	if strings.Join(themes, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, themes)
	}
	if mock.params[0].Temperature.Value != 0.3 || mock.params[0].MaxTokens.Value != 200 {
		t.Error("unexpected sampling settings for themes")
	}
}

func TestExtractThemes_Error(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("boom")}}
	themes, err := client.ExtractThemes(context.Background(), &models.Profile{Username: "ana"})
	if err == nil || themes != nil {
		t.Errorf("expected error and no themes, got %v, %v", themes, err)
	}
}

func TestAnswer_IncludesRecentConversation(t *testing.T) {
	mock := &mockChatService{resp: reply("Comece pelo passo um.")}
	client := &Client{chat: mock}
	now := time.Now()
	s := models.NewSession("5511999990000", now)
	s.Name = "Ana"
	s.Handle = "ana"
	s.State = models.StateCompleted
	s.Document = "Carta da Ana"
	for i := 0; i < 8; i++ {
		s.AppendConversation(models.ConversationEntry{At: now, Question: "pergunta", Answer: "resposta"})
	}

	out, err := client.Answer(context.Background(), s, "Por onde começo?")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Comece pelo passo um." {
		t.Errorf("unexpected answer %q", out)
	}
	msgs := mock.params[0].Messages
	// system + 6 exchanges (question and answer) + the new question
	if len(msgs) != 1+2*answerHistoryEntries+1 {
		t.Errorf("expected %d messages, got %d", 1+2*answerHistoryEntries+1, len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[len(msgs)-1].OfUser == nil || msgs[2].OfAssistant == nil {
		t.Error("unexpected message roles")
	}
	if mock.params[0].Temperature.Value != 0.7 || mock.params[0].MaxTokens.Value != 500 {
		t.Error("unexpected sampling settings for answers")
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("ção", 5); got != "ção" {
		t.Errorf("short string changed: %q", got)
	}
	if got := truncateRunes("çãoção", 3); got != "ção…" {
		t.Errorf("expected rune-safe truncation, got %q", got)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil || cli.model != "gpt-4o" {
		t.Errorf("expected configured client, got %+v", cli)
	}
}

func TestNewClient_EnvKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cli, err := NewClient()
	if err != nil {
		t.Fatalf("expected env key to be used, got %v", err)
	}
	if cli.model != DefaultModel {
		t.Errorf("expected default model, got %s", cli.model)
	}
}
