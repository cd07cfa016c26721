package genai

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	maxThemes = 5
	// documentContextRunes caps how much of the document is replayed in follow-up prompts.
	documentContextRunes = 3000
	// answerHistoryEntries is how many past exchanges accompany a follow-up question.
	answerHistoryEntries = 6
)

const documentSystemPrompt = `Você é um mentor de negócios brasileiro, caloroso e direto.
Escreva uma carta personalizada em português do Brasil para a pessoa indicada, em quatro partes com títulos curtos:
1. Um retrato de quem ela é hoje, com base nas informações disponíveis.
2. Os pontos fortes que ela já demonstra e como eles geram valor.
3. Os pontos cegos que podem estar travando o lucro dela.
4. Três próximos passos práticos para as próximas semanas.
Use parágrafos curtos separados por linha em branco, sem markdown pesado. Se houver poucas informações, escreva de forma genérica mas acolhedora, sem inventar fatos específicos.`

const themesSystemPrompt = `Você analisa perfis públicos do Instagram.
Responda apenas com até 5 temas de conteúdo do perfil, separados por vírgula, sem explicações.`

const answerSystemPrompt = `Você é o assistente que escreveu uma carta personalizada para %s%s.
Responda às perguntas de acompanhamento em português do Brasil, em no máximo dois parágrafos curtos, sempre coerente com a carta abaixo.
Se a pergunta fugir do assunto, traga a conversa de volta para os próximos passos da carta.

Carta:
%s`

// describeProfile renders what is known about the visitor as prompt lines.
func describeProfile(name string, p *models.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Nome: %s\n", name)
	if p == nil || p.Username == "" {
		b.WriteString("Instagram: não informado\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Instagram: @%s\n", p.Username)
	field := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	field("Nome no perfil", p.FullName)
	field("Bio", p.Bio)
	field("Seguidores", p.Followers)
	field("Seguindo", p.Following)
	field("Publicações", p.Posts)
	field("Link", p.ExternalLink)
	field("Localização", p.Location)
	if len(p.Hashtags) > 0 {
		field("Hashtags", strings.Join(p.Hashtags, " "))
	}
	if len(p.Themes) > 0 {
		field("Temas de conteúdo", strings.Join(p.Themes, ", "))
	}
	if p.IsEmpty() {
		b.WriteString("Não foi possível obter dados públicos do perfil.\n")
	}
	return b.String()
}

// WriteDocument produces the personalized letter for name from whatever
// profile data is available. A nil profile is allowed.
func (c *Client) WriteDocument(ctx context.Context, name string, p *models.Profile) (string, error) {
	doc, err := c.complete(ctx, documentGeneration, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(documentSystemPrompt),
		openai.UserMessage(describeProfile(name, p)),
	})
	if err != nil {
		return "", fmt.Errorf("write document: %w", err)
	}
	return doc, nil
}

// ExtractThemes asks for the main content themes of a profile.
func (c *Client) ExtractThemes(ctx context.Context, p *models.Profile) ([]string, error) {
	out, err := c.complete(ctx, themesGeneration, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(themesSystemPrompt),
		openai.UserMessage(describeProfile(p.FullName, p)),
	})
	if err != nil {
		return nil, fmt.Errorf("extract themes: %w", err)
	}
	return parseThemes(out), nil
}

func parseThemes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == ';' })
	var themes []string
	for _, f := range fields {
		f = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(f), "-•*0123456789. "))
		f = strings.TrimRight(f, ".")
		if f == "" {
			continue
		}
		themes = append(themes, f)
		if len(themes) == maxThemes {
			break
		}
	}
	return themes
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// Answer replies to a follow-up question from a visitor whose funnel is complete.
func (c *Client) Answer(ctx context.Context, s *models.Session, question string) (string, error) {
	handle := ""
	if s.Handle != "" {
		handle = " (@" + s.Handle + ")"
	}
	name := s.Name
	if name == "" {
		name = "esta pessoa"
	}
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(fmt.Sprintf(answerSystemPrompt, name, handle, truncateRunes(s.Document, documentContextRunes))),
	}
	for _, e := range s.RecentConversation(answerHistoryEntries) {
		messages = append(messages, openai.UserMessage(e.Question))
		if e.Answer != "" {
			messages = append(messages, openai.AssistantMessage(e.Answer))
		}
	}
	messages = append(messages, openai.UserMessage(question))

	answer, err := c.complete(ctx, answerGeneration, messages)
	if err != nil {
		return "", fmt.Errorf("answer follow-up: %w", err)
	}
	return answer, nil
}
