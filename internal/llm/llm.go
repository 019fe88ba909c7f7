package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/assessor/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrLeakedAnswer is returned when a generated hint gives the answer away.
var ErrLeakedAnswer = errors.New("generated hint reveals the answer")

type hintResponse struct {
	Hint string `json:"hint"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// GenerateHint asks the model for one more hint on q.
func (c *Client) GenerateHint(ctx context.Context, q model.Question, previous []string) (string, error) {
	prompt, err := BuildHintPrompt(q, previous)
	if err != nil {
		return "", err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.4,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM hint response", "question_id", q.ID, "raw", raw)

	return parseHint(q, raw)
}

func parseHint(q model.Question, raw string) (string, error) {
	var out hintResponse
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	hint := strings.TrimSpace(out.Hint)
	if hint == "" {
		return "", fmt.Errorf("LLM returned an empty hint")
	}
	if leaksAnswer(q, hint) {
		return "", ErrLeakedAnswer
	}
	return hint, nil
}

// leaksAnswer reports whether hint quotes the correct option's text.
func leaksAnswer(q model.Question, hint string) bool {
	for _, o := range q.Options {
		if !strings.EqualFold(o.Key, q.CorrectOption) {
			continue
		}
		text := strings.ToLower(strings.TrimSpace(o.Text))
		if len(text) < 4 {
			return false
		}
		return strings.Contains(strings.ToLower(hint), text)
	}
	return false
}
