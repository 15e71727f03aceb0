package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// Classifier turns free text into a structured request.
type Classifier interface {
	Classify(ctx context.Context, text string) (Request, error)
}

type CatalogProvider interface {
	Current() *core.Catalog
}

const systemPrompt = `You translate questions from on-call engineers into one JSON object.
Fields: kind, service, source, target, window, action_id, decision.
kind is one of AssessHealth, ProposeFailover, Resolve, QueryDeployments.
window is a lookback such as 15m, 1h or 2d. decision is approve or reject.
Leave a field empty when the text does not name it. Never invent backends.
Known services and their backends:
%s`

// OpenAIClassifier asks an OpenAI-compatible chat completion endpoint, in
// JSON mode, to classify operator questions.
type OpenAIClassifier struct {
	client  *openai.Client
	model   string
	catalog CatalogProvider
	logger  *zap.Logger
}

// NewOpenAIClassifier creates a classifier. An empty baseURL uses the
// public OpenAI endpoint.
func NewOpenAIClassifier(apiKey, baseURL, model string, catalog CatalogProvider, logger *zap.Logger) *OpenAIClassifier {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClassifier{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		catalog: catalog,
		logger:  logger,
	}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Request, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Request{}, model.Validation(model.ReasonInvalidRequest, "question is empty")
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, c.describeCatalog())},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Request{}, model.ProviderUnavailable("intent", err)
	}
	if len(resp.Choices) == 0 {
		return Request{}, model.ProviderUnavailable("intent", errors.New("completion returned no choices"))
	}

	content := resp.Choices[0].Message.Content
	var req Request
	if err := json.Unmarshal([]byte(content), &req); err != nil {
		c.logger.Warn("Unparseable classification", zap.String("content", content), zap.Error(err))
		return Request{}, model.Validation(model.ReasonInvalidRequest, "could not understand the question")
	}

	c.logger.Debug("Question classified",
		zap.String("kind", string(req.Kind)),
		zap.String("service", req.Service),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens))
	return req, nil
}

func (c *OpenAIClassifier) describeCatalog() string {
	var b strings.Builder
	for _, svc := range c.catalog.Current().Services() {
		fmt.Fprintf(&b, "- %s: %s\n", svc.Name, strings.Join(svc.Backends, ", "))
	}
	return b.String()
}
