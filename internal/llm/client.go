package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/storage/models"
	"github.com/symmetry-ai/backend/pkg/circuitbreaker"
	"github.com/symmetry-ai/backend/pkg/logger"
	"github.com/symmetry-ai/backend/pkg/retry"
)

// ErrEmbeddingUnavailable means the embedding provider stayed down after
// the retry policy was exhausted. Callers must fail the operation rather
// than substitute a zero vector.
var ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	JSONMode     bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ConversationDigest is the structured output of summarization.
type ConversationDigest struct {
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics"`
	Entities []string `json:"entities"`
}

// RawTriple is an unclassified statement extracted from a conversation.
type RawTriple struct {
	Subject    string `json:"subject"`
	Predicate  string `json:"predicate"`
	Object     string `json:"object"`
	SourceText string `json:"source_text"`
}

func NewClient(apiKey, baseURL, model, embeddingModel string, temperature float32, maxTokens int) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)

			if err != nil {
				return wrapAPIError(fmt.Errorf("failed to create completion: %w", err))
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)

			if err != nil {
				return wrapAPIError(fmt.Errorf("failed to generate embedding: %w", err))
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	return embedding, nil
}

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					},
				)

				if err != nil {
					return wrapAPIError(fmt.Errorf("failed to generate batch embeddings: %w", err))
				}

				for _, data := range resp.Data {
					embedding := make([]float32, len(data.Embedding))
					copy(embedding, data.Embedding)
					embeddings = append(embeddings, embedding)
				}

				return nil
			})
		})

		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// SummarizeConversation produces a short summary plus topic and entity
// lists for a conversation transcript.
func (c *Client) SummarizeConversation(ctx context.Context, messages []models.Message) (*ConversationDigest, error) {
	systemPrompt := `You summarize developer conversations for a personal context engine.
Given a transcript, produce:
- summary: 2-3 sentences covering what was discussed and any outcomes
- topics: up to 8 short lowercase topic phrases
- entities: named tools, libraries, products, services mentioned

Return JSON: {"summary": "...", "topics": [...], "entities": [...]}`

	userPrompt := fmt.Sprintf("Summarize this conversation:\n\n%s", renderTranscript(messages))

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.3,
		MaxTokens:    500,
		JSONMode:     true,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to summarize conversation: %w", err)
	}

	var digest ConversationDigest
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &digest); err != nil {
		return nil, fmt.Errorf("failed to parse digest: %w", err)
	}

	logger.Info("Conversation summarized",
		zap.Int("topics", len(digest.Topics)),
		zap.Int("entities", len(digest.Entities)),
	)

	return &digest, nil
}

// ExtractTriples pulls subject/predicate/object statements about tools
// and technical choices out of a transcript. The predicate is kept
// verbatim so the classifier can inspect its exact wording.
func (c *Client) ExtractTriples(ctx context.Context, messages []models.Message) ([]RawTriple, error) {
	systemPrompt := `You extract statements about technical choices from developer conversations.

For each statement where the user expresses a stance toward a tool, library,
database, language, framework or service, emit one triple:
- subject: who holds the stance, usually "user"
- predicate: the user's EXACT stance phrase, verbatim from the transcript
  (e.g. "decided to use", "am not going to use", "is leaning toward")
- object: the tool or technology
- source_text: the sentence the triple came from, verbatim

Return JSON: {"triples": [{"subject": "...", "predicate": "...", "object": "...", "source_text": "..."}]}`

	userPrompt := fmt.Sprintf("Extract stance triples from this conversation:\n\n%s", renderTranscript(messages))

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
		MaxTokens:    1000,
		JSONMode:     true,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to extract triples: %w", err)
	}

	var parsed struct {
		Triples []RawTriple `json:"triples"`
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse triples: %w", err)
	}

	logger.Info("Triples extracted", zap.Int("count", len(parsed.Triples)))

	return parsed.Triples, nil
}

// wrapAPIError marks rejections the provider will never accept on a
// replay (bad request, auth, model not found) as non-retryable. Rate
// limits and server errors stay retryable.
func wrapAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return retry.Permanent(err)
		}
	}
	return err
}

func renderTranscript(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Some providers wrap JSON in markdown fences even in JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
