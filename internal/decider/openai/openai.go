// Package openai is a decision port backed by any OpenAI-compatible chat
// completion endpoint, asking for JSON-schema structured output.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/decision"
)

const (
	FormatJSONSchema = "json_schema"
	FormatJSONObject = "json_object"
	FormatNone       = "none"
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	// ResponseFormat is json_schema (default), json_object, or none for
	// providers without structured output.
	ResponseFormat string
}

// ConfigFromEnv reads OPENAI_API_KEY, PGG_OPENAI_BASE_URL, PGG_OPENAI_MODEL
// and PGG_OPENAI_FORMAT.
func ConfigFromEnv() Config {
	cfg := Config{
		APIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL:        strings.TrimSpace(os.Getenv("PGG_OPENAI_BASE_URL")),
		Model:          strings.TrimSpace(os.Getenv("PGG_OPENAI_MODEL")),
		ResponseFormat: strings.TrimSpace(os.Getenv("PGG_OPENAI_FORMAT")),
		Temperature:    0.7,
		MaxTokens:      1024,
	}
	return cfg
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Port struct {
	client chatClient
	cfg    Config
}

func New(cfg Config) (*Port, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: missing api key (OPENAI_API_KEY)")
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return newPort(openai.NewClientWithConfig(c), cfg), nil
}

func newPort(client chatClient, cfg Config) *Port {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = FormatJSONSchema
	}
	return &Port{client: client, cfg: cfg}
}

func (p *Port) Decide(ctx context.Context, req decision.Request) (decision.Decision, error) {
	user, err := decisionPrompt(req)
	if err != nil {
		return decision.Decision{}, decision.Permanent(err)
	}
	out, err := p.complete(ctx, systemPrompt(req.Profile, req.Belief), user, "decision", protocol.DecisionSchema())
	if err != nil {
		return decision.Decision{}, err
	}
	return decision.Decode([]byte(out))
}

func (p *Port) Reflect(ctx context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
	user, err := reflectPrompt(req)
	if err != nil {
		return decision.Reflection{}, decision.Permanent(err)
	}
	out, err := p.complete(ctx, systemPrompt(req.Profile, req.CurrentBelief), user, "belief", protocol.BeliefSchema())
	if err != nil {
		return decision.Reflection{}, err
	}
	return decision.DecodeBelief([]byte(out))
}

func (p *Port) complete(ctx context.Context, system, user, name string, schema []byte) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	switch p.cfg.ResponseFormat {
	case FormatJSONSchema:
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: rawSchema(schema),
			},
		}
	case FormatJSONObject:
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", decision.Transient(errors.New("openai: empty choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

type rawSchema []byte

func (s rawSchema) MarshalJSON() ([]byte, error) { return s, nil }

// classify maps provider errors onto the retry taxonomy: auth and request
// shape problems are permanent, everything else (rate limits, 5xx, network)
// is transient.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return decision.Permanent(fmt.Errorf("openai: %w", err))
	}
	return decision.Transient(fmt.Errorf("openai: %w", err))
}
