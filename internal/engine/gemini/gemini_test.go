package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type stubModels struct {
	resp  *genai.GenerateContentResponse
	err   error
	model string
	input string
}

func (s *stubModels) GenerateContent(_ context.Context, model string, contents []*genai.Content,
	_ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	s.model = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		s.input = contents[0].Parts[0].Text
	}
	return s.resp, s.err
}

func answer(parts ...string) *genai.GenerateContentResponse {
	c := &genai.Content{Role: "model"}
	for _, p := range parts {
		c.Parts = append(c.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: c, FinishReason: genai.FinishReasonStop}},
	}
}

func TestPrepareValidatesSettings(t *testing.T) {
	assert.Error(t, New("", "gemini-2.0-flash").Prepare(context.Background()))
	assert.Error(t, New("key", "").Prepare(context.Background()))
}

func TestSummarizeJoinsTextParts(t *testing.T) {
	stub := &stubModels{resp: answer("A short ", "summary. ")}
	e := &Engine{apiKey: "key", model: "gemini-2.0-flash", models: stub}
	require.NoError(t, e.Prepare(context.Background()))

	out, err := e.Summarize(context.Background(), "long note text")
	require.NoError(t, err)
	assert.Equal(t, "A short summary.", out)
	assert.Equal(t, "gemini-2.0-flash", stub.model)
	assert.Equal(t, "long note text", stub.input)
}

func TestSummarizeRejectsBadResponses(t *testing.T) {
	blocked := answer("nope")
	blocked.Candidates[0].FinishReason = genai.FinishReasonSafety

	cases := map[string]struct {
		resp *genai.GenerateContentResponse
		want error
	}{
		"nil":           {nil, ErrEmptyResponse},
		"no candidates": {&genai.GenerateContentResponse{}, ErrEmptyResponse},
		"blank":         {answer("  "), ErrEmptyResponse},
		"safety":        {blocked, ErrBlocked},
		"prompt blocked": {&genai.GenerateContentResponse{
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
		}, ErrBlocked},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e := &Engine{apiKey: "key", model: "m", models: &stubModels{resp: tc.resp}}
			_, err := e.Summarize(context.Background(), "text")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSummarizeWrapsTransportErrors(t *testing.T) {
	cause := errors.New("quota exceeded")
	e := &Engine{apiKey: "key", model: "m", models: &stubModels{err: cause}}

	_, err := e.Summarize(context.Background(), "text")
	assert.ErrorIs(t, err, cause)
}
