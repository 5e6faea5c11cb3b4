package kaeru

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	// ticketTitleMaxLength caps summarized thread titles. Discord allows
	// 100 characters for a thread name, minus the case number prefix.
	ticketTitleMaxLength = 60

	summarizeTitlePrompt = "Summarize the following support request into a " +
		"short title of at most 6 words. Respond with only the title, no " +
		"quotes or punctuation at the end."

	moodCheckPrompt = "Describe the mood and tone of the following message " +
		"in one or two sentences. Be direct and concrete."

	translatePromptFormat = "Translate the following message into %s. " +
		"Respond with only the translation."
)

// OpenAIClient defines the interface for interacting with the OpenAI
// API. Only chat completions are used, which keeps mocking simple.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI wraps the OpenAI client used for ticket title summarization,
// mood analysis, and translation. All requests go through a shared rate
// limiter.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu *sync.RWMutex // primarily just protects requestLimiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config: config,
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			config.MaxRequestsPerSecond,
		),
	}
	o.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "openai")

	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)

	return o
}

func (d *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	// RUnlock isn't deferred here- `rate.Limiter` does not specify that
	// it's safe to concurrently call `Wait` and `SetLimit`.
	d.mu.RLock()
	requestLimiter := d.requestLimiter
	d.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// chatCompletion runs a single system-prompt/user-message completion
// and returns the trimmed response text.
func (d *OpenAI) chatCompletion(
	ctx context.Context,
	systemPrompt string,
	userMessage string,
) (string, error) {
	if err := d.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	resp, err := d.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: d.config.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: userMessage,
				},
			},
		},
	)
	if err != nil {
		d.logger.ErrorContext(ctx, "chat completion failed", tint.Err(err))
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// SummarizeTicketTitle condenses the user's opening message into a
// short thread title.
func (d *OpenAI) SummarizeTicketTitle(
	ctx context.Context,
	message string,
) (string, error) {
	title, err := d.chatCompletion(ctx, summarizeTitlePrompt, message)
	if err != nil {
		return "", err
	}
	title = strings.Trim(title, `"'`)
	return truncate(title, ticketTitleMaxLength), nil
}

// MoodCheck describes the mood and tone of the given message.
func (d *OpenAI) MoodCheck(ctx context.Context, message string) (string, error) {
	return d.chatCompletion(ctx, moodCheckPrompt, message)
}

// Translate translates the given message into the target language.
func (d *OpenAI) Translate(
	ctx context.Context,
	message string,
	language string,
) (string, error) {
	return d.chatCompletion(
		ctx,
		fmt.Sprintf(translatePromptFormat, language),
		message,
	)
}
