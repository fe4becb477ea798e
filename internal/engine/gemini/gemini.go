// Package gemini summarizes text with Google's Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const systemPrompt = "You summarize notes. Reply with a concise plain-text summary of the " +
	"user's note in at most a few sentences. Do not add commentary, headings or markdown."

var (
	// ErrBlocked is returned when the model refuses to answer.
	ErrBlocked = errors.New("gemini: response blocked")
	// ErrEmptyResponse is returned when the model answers without text.
	ErrEmptyResponse = errors.New("gemini: empty response")
)

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content,
		config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Engine implements engine.Engine on the Gemini API.
type Engine struct {
	apiKey string
	model  string
	models generator
}

func New(apiKey, model string) *Engine {
	return &Engine{apiKey: apiKey, model: model}
}

// Prepare builds the API client. It does not call the API.
func (e *Engine) Prepare(ctx context.Context) error {
	if e.apiKey == "" {
		return errors.New("gemini: API key cannot be empty")
	}
	if e.model == "" {
		return errors.New("gemini: model name cannot be empty")
	}
	if e.models != nil {
		return nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  e.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("gemini: create client: %w", err)
	}
	e.models = client.Models
	return nil
}

func (e *Engine) Summarize(ctx context.Context, text string) (string, error) {
	if e.models == nil {
		return "", errors.New("gemini: engine used before Prepare")
	}
	resp, err := e.models.GenerateContent(ctx, e.model, genai.Text(text), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		Temperature:       genai.Ptr[float32](0.2),
	})
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	return responseText(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return "", fmt.Errorf("%w: %s", ErrBlocked, fb.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: %s", ErrBlocked, cand.FinishReason)
	}
	if cand.Content == nil {
		return "", ErrEmptyResponse
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
