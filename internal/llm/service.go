package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"chat-relay/internal/models"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

const (
	requestTimeout = 30 * time.Second
	temperature    = 0.7
)

type Service struct {
	llm       llms.Model
	encoding  *tiktoken.Tiktoken
	maxTokens int
	logger    *zap.Logger
}

func New(token, baseURL, model string, maxTokens int, logger *zap.Logger) (*Service, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(token),
		anthropic.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	llm, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize anthropic client: %w", err)
	}

	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding: %w", err)
	}

	return &Service{
		llm:       llm,
		encoding:  encoding,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Reply sends the conversation history to the model and returns the assistant
// text. Images are base64-encoded JPEG payloads appended as additional
// user-role entries after the text history.
func (s *Service) Reply(ctx context.Context, history []models.Message, images []string) (string, error) {
	history = s.TruncateToTokenLimit(history)

	content := make([]llms.MessageContent, 0, len(history)+len(images))
	for _, msg := range history {
		role := schema.ChatMessageTypeHuman
		if msg.Role == models.RoleAssistant {
			role = schema.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, msg.Content))
	}

	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return "", fmt.Errorf("failed to decode image payload: %w", err)
		}
		content = append(content, llms.MessageContent{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.BinaryPart("image/jpeg", data)},
		})
	}

	s.logger.Debug("sending request to model", zap.Int("messages", len(content)))

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := s.llm.GenerateContent(ctx, content,
		llms.WithMaxTokens(s.maxTokens),
		llms.WithTemperature(temperature),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}

	return resp.Choices[0].Content, nil
}

// EstimateTokens counts tokens in text using the cl100k_base encoding.
func (s *Service) EstimateTokens(text string) int {
	return len(s.encoding.Encode(text, nil, nil))
}

// TruncateToTokenLimit drops the oldest messages until the history fits the
// configured token limit. The newest messages are always kept.
func (s *Service) TruncateToTokenLimit(history []models.Message) []models.Message {
	total := 0
	kept := 0
	for i := len(history) - 1; i >= 0; i-- {
		tokens := s.EstimateTokens(history[i].Content)
		if total+tokens > s.maxTokens {
			break
		}
		total += tokens
		kept++
	}
	return history[len(history)-kept:]
}

// ClassifyError maps an upstream failure to a user-facing message.
func ClassifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return "Rate limit exceeded. Please wait a moment and try again."
	case strings.Contains(msg, "maximum context length"):
		return "The conversation is too long. Please start a new one."
	default:
		return fmt.Sprintf("An error occurred: %v", err)
	}
}
