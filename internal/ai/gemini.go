package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Gemini calls the Google generative AI API. A zero-value/unconfigured
// instance is usable and answers every request with FallbackUnconfigured.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) *Gemini {
	if apiKey == "" {
		log.Warn().Msg("gemini api key not configured")
		return &Gemini{model: model}
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		log.Error().Err(err).Msg("gemini client init failed")
		return &Gemini{model: model}
	}
	return &Gemini{client: client, model: model}
}

func (g *Gemini) Close() {
	if g.client != nil {
		_ = g.client.Close()
	}
}

func (g *Gemini) Generate(ctx context.Context, content string, turns []Turn) string {
	if g.client == nil {
		return FallbackUnconfigured
	}

	var (
		text string
		err  error
	)
	switch {
	case len(turns) > 0:
		text, err = g.chat(ctx, turns)
	case strings.TrimSpace(content) != "":
		text, err = g.single(ctx, content)
	default:
		log.Error().Msg("gemini called with no context and no content")
		return FallbackNoInput
	}

	if err != nil {
		log.Error().Err(err).Msg("gemini api error")
		return FallbackAPIError
	}
	if strings.TrimSpace(text) == "" {
		return FallbackNoText
	}
	return text
}

// chat sends the final turn with everything before it as history.
func (g *Gemini) chat(ctx context.Context, turns []Turn) (string, error) {
	model := g.client.GenerativeModel(g.model)
	cs := model.StartChat()

	last := turns[len(turns)-1]
	for _, t := range turns[:len(turns)-1] {
		cs.History = append(cs.History, &genai.Content{
			Role:  t.Role,
			Parts: []genai.Part{genai.Text(t.Text)},
		})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(last.Text))
	if err != nil {
		return "", err
	}
	return extractText(resp)
}

func (g *Gemini) single(ctx context.Context, content string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	resp, err := model.GenerateContent(ctx, genai.Text(content))
	if err != nil {
		return "", err
	}
	return extractText(resp)
}

// extractText flattens the provider's polymorphic response into plain text
// so nothing past this point branches on provider shapes.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("empty candidate set")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}
