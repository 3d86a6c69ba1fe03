package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/graceline/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

const systemPromptTemplate = `You are a gentle and compassionate spiritual companion.
You are speaking with %s.
Offer encouragement, prayer and scripture where it helps, listen carefully,
and answer with warmth and humility. Address the person by name when it feels natural.
Never claim to be a human or a member of the clergy, and suggest speaking with a
trusted pastor, counselor or emergency services when someone may be in danger.`

const defaultTimeout = 2 * time.Minute

// Generator is the part of a langchaingo model used for streaming chat.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

type Config struct {
	BaseURL     string
	Token       string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type Service struct {
	llm         Generator
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

func New(cfg Config) (*Service, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.Token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return NewWithGenerator(llm, cfg), nil
}

// NewWithGenerator wraps an already constructed model.
func NewWithGenerator(g Generator, cfg Config) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{
		llm:         g,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
	}
}

// SystemPrompt returns the fixed instruction addressed to user.
func SystemPrompt(user models.User) string {
	name := user.FirstName()
	if name == "" {
		name = "a friend"
	}
	return fmt.Sprintf(systemPromptTemplate, name)
}

// BuildMessages flattens history into role-tagged model input, preceded by
// the system instruction. Empty messages are skipped.
func BuildMessages(user models.User, history []models.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history)+1)
	out = append(out, llms.TextParts(schema.ChatMessageTypeSystem, SystemPrompt(user)))
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := schema.ChatMessageTypeHuman
		if m.Role == models.RoleAssistant {
			role = schema.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Text))
	}
	return out
}

// Stream sends the conversation to the model and calls onDelta for every
// piece of output as it arrives. An error returned by onDelta aborts the
// call. The full reply is returned only when the model finished normally.
func (s *Service) Stream(ctx context.Context, user models.User, history []models.Message, onDelta func(delta string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reply strings.Builder
	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			reply.Write(chunk)
			return onDelta(string(chunk))
		}),
	}
	if s.temperature > 0 {
		opts = append(opts, llms.WithTemperature(s.temperature))
	}
	if s.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(s.maxTokens))
	}

	resp, err := s.llm.GenerateContent(ctx, BuildMessages(user, history), opts...)
	if err != nil {
		return reply.String(), fmt.Errorf("failed to generate completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return reply.String(), errors.New("failed to generate completion: empty response")
	}
	if reply.Len() == 0 {
		// Some providers ignore streaming and return the whole reply at once.
		content := resp.Choices[0].Content
		if content != "" {
			if err := onDelta(content); err != nil {
				return "", err
			}
		}
		return content, nil
	}
	return reply.String(), nil
}
