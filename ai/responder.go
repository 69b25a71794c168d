// ai/responder.go
// Chat-completion client for generating customer replies.

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies an AI failure for the pipeline's policy decisions.
type Kind string

const (
	RateLimited         Kind = "RateLimited"
	ProviderUnavailable Kind = "ProviderUnavailable"
	ContentRejected     Kind = "ContentRejected"
	Timeout             Kind = "Timeout"
)

// Error is a classified provider failure.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ai provider: %s: %s", e.Kind, e.Detail)
}

// KindOf extracts the failure kind from an error returned by Generate.
// Anything unclassified counts as ProviderUnavailable.
func KindOf(err error) Kind {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Kind
	}
	return ProviderUnavailable
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration

	// MaxHistory bounds how many prior exchanges make it into the prompt.
	MaxHistory int
	// MaxMessageLen truncates oversized customer messages before sending.
	MaxMessageLen int

	// Temperature left nil selects the default; point at zero for greedy
	// sampling.
	Temperature *float64
	MaxTokens   int
}

// DefaultConfig returns the production defaults. Low temperature and a
// small completion budget keep replies consistent and grounded.
func DefaultConfig() Config {
	temperature := 0.1
	return Config{
		Model:         "gpt-3.5-turbo",
		BaseURL:       "https://api.openai.com/v1",
		Timeout:       30 * time.Second,
		MaxHistory:    3,
		MaxMessageLen: 1000,
		Temperature:   &temperature,
		MaxTokens:     300,
	}
}

type Responder struct {
	config Config
	client *http.Client
}

// New builds a Responder. Zero-valued config fields fall back to defaults.
func New(config Config) *Responder {
	def := DefaultConfig()
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxHistory == 0 {
		config.MaxHistory = def.MaxHistory
	}
	if config.MaxMessageLen == 0 {
		config.MaxMessageLen = def.MaxMessageLen
	}
	if config.Temperature == nil {
		config.Temperature = def.Temperature
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = def.MaxTokens
	}
	return &Responder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Exchange is one prior user message and the reply it got, oldest first.
type Exchange struct {
	UserText  string
	ReplyText string
}

// Request carries everything needed to produce one reply.
type Request struct {
	BusinessName string
	Context      string // business-configured system-prompt context
	History      []Exchange
	Message      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate issues one synchronous completion call and returns the reply
// text. Failures come back as *Error with a Kind; the caller decides
// whether to substitute a fallback. There is no retry here - the webhook
// latency budget belongs to the caller.
func (r *Responder) Generate(ctx context.Context, req Request) (string, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return "", &Error{Kind: ContentRejected, Detail: "empty message"}
	}
	if len(message) > r.config.MaxMessageLen {
		// Back off to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := r.config.MaxMessageLen
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}

	messages := []chatMessage{{Role: "system", Content: buildSystemPrompt(req.BusinessName, req.Context)}}
	history := req.History
	if len(history) > r.config.MaxHistory {
		history = history[len(history)-r.config.MaxHistory:]
	}
	for _, ex := range history {
		if ex.UserText != "" {
			messages = append(messages, chatMessage{Role: "user", Content: ex.UserText})
		}
		if ex.ReplyText != "" {
			messages = append(messages, chatMessage{Role: "assistant", Content: ex.ReplyText})
		}
	}
	messages = append(messages, chatMessage{Role: "user", Content: message})

	payload := chatRequest{
		Model:       r.config.Model,
		Messages:    messages,
		MaxTokens:   r.config.MaxTokens,
		Temperature: *r.config.Temperature,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("error marshaling completion request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		r.config.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("error creating completion request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.config.APIKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return "", &Error{Kind: Timeout, Detail: err.Error()}
		}
		return "", &Error{Kind: ProviderUnavailable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: ProviderUnavailable, Detail: "reading response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPFailure(resp.StatusCode, respBody)
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", &Error{Kind: ProviderUnavailable, Detail: "parsing response: " + err.Error()}
	}

	if len(result.Choices) == 0 {
		return "", &Error{Kind: ContentRejected, Detail: "no choices in response"}
	}
	choice := result.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", &Error{Kind: ContentRejected, Detail: "completion stopped by content filter"}
	}
	reply := strings.TrimSpace(choice.Message.Content)
	if reply == "" {
		return "", &Error{Kind: ContentRejected, Detail: "empty completion"}
	}

	return reply, nil
}

func classifyHTTPFailure(status int, body []byte) *Error {
	detail := "status " + strconv.Itoa(status)
	var errResp chatErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		detail = detail + ": " + errResp.Error.Message
		if errResp.Error.Code == "content_filter" || errResp.Error.Type == "invalid_request_error" && strings.Contains(errResp.Error.Message, "content") {
			return &Error{Kind: ContentRejected, Detail: detail}
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: RateLimited, Detail: detail}
	case status >= 500:
		return &Error{Kind: ProviderUnavailable, Detail: detail}
	default:
		return &Error{Kind: ProviderUnavailable, Detail: detail}
	}
}

func isClientTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

// buildSystemPrompt frames the assistant for one business. The business
// context block is owner-configured free text (store hours, tone, product
// notes) appended verbatim.
func buildSystemPrompt(businessName, businessContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an AI assistant answering Instagram direct messages for %s.\n\n", businessName)
	b.WriteString(`RULES:
- Always introduce yourself as an AI assistant, not a person
- Always respond in English, regardless of the language the customer uses
- Never invent product names, prices, stock or availability
- Be direct and helpful; keep responses concise
- If you don't know something, say so and suggest contacting the business directly
- Only introduce yourself in the first message of a conversation`)
	if businessContext != "" {
		b.WriteString("\n\nBUSINESS CONTEXT:\n")
		b.WriteString(businessContext)
	}
	return b.String()
}
