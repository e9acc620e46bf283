package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"archiflow/internal/config"
	"archiflow/internal/logging"
)

// DefaultMaxRetries is the attempt ceiling after which a transport failure is
// terminal.
const DefaultMaxRetries = 3

// PendingRequest is the in-flight state of one user utterance.
type PendingRequest struct {
	Text      string
	Prompt    string
	ContextID string
	Attempt   int
}

// Scheduler runs f once after d without blocking the caller.
type Scheduler interface {
	AfterFunc(d time.Duration, f func())
}

type SchedulerFunc func(d time.Duration, f func())

func (fn SchedulerFunc) AfterFunc(d time.Duration, f func()) { fn(d, f) }

// TimerScheduler defers work with time.AfterFunc.
var TimerScheduler Scheduler = SchedulerFunc(func(d time.Duration, f func()) { time.AfterFunc(d, f) })

// Completer resolves a pending request to the model's reply text or a
// terminal error. done is called exactly once.
type Completer interface {
	Submit(ctx context.Context, req *PendingRequest, done func(content string, err error))
}

// Backoff returns the delay before retrying after the given failed attempt
// (1-based): initial * 2^(attempt-1).
func Backoff(initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return initial << uint(attempt-1)
}

// AuthenticationError is returned for 401 responses and provider-reported
// credential failures. It is never retried.
type AuthenticationError struct {
	StatusCode int
	Body       string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.StatusCode)
}

// ExhaustedRetriesError is returned once the attempt ceiling is reached.
type ExhaustedRetriesError struct {
	Attempts int
	Err      error
	Body     string
}

func (e *ExhaustedRetriesError) Error() string {
	msg := fmt.Sprintf("%v. Maximum retry attempts reached (%d)", e.Err, e.Attempts)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// MalformedEnvelopeError is returned for a successful response whose body is
// JSON but lacks choices[0].message.content. It is not retried.
type MalformedEnvelopeError struct {
	Body string
}

func (e *MalformedEnvelopeError) Error() string {
	return "unexpected response format: " + e.Body
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Transport talks to an OpenAI-compatible chat-completions endpoint and
// retries transient failures with exponential backoff.
type Transport struct {
	Endpoint     string
	APIKey       string
	Model        string
	Temperature  float64
	TopP         float64
	MaxTokens    int
	MaxRetries   int
	InitialDelay time.Duration
	HTTPClient   *http.Client
	Scheduler    Scheduler
	Logger       *zap.Logger
}

func NewTransport(cfg config.AssistantConfig, apiKey string, logger *zap.Logger) *Transport {
	return &Transport{
		Endpoint:     cfg.Endpoint(),
		APIKey:       apiKey,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		TopP:         cfg.TopP,
		MaxTokens:    cfg.MaxTokens,
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		HTTPClient:   &http.Client{Timeout: cfg.RequestTimeout},
		Scheduler:    TimerScheduler,
		Logger:       logging.OrNop(logger),
	}
}

func (t *Transport) maxRetries() int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return DefaultMaxRetries
}

func (t *Transport) initialDelay() time.Duration {
	if t.InitialDelay > 0 {
		return t.InitialDelay
	}
	return time.Second
}

func (t *Transport) scheduler() Scheduler {
	if t.Scheduler != nil {
		return t.Scheduler
	}
	return TimerScheduler
}

func (t *Transport) logger() *zap.Logger {
	return logging.OrNop(t.Logger)
}

// Submit starts the first attempt on its own goroutine and returns at once.
// Cancellation of ctx does not interrupt a running retry cycle.
func (t *Transport) Submit(ctx context.Context, req *PendingRequest, done func(content string, err error)) {
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	ctx = context.WithoutCancel(ctx)
	go t.attempt(ctx, req, done)
}

func (t *Transport) attempt(ctx context.Context, req *PendingRequest, done func(string, error)) {
	log := t.logger().With(zap.Int("attempt", req.Attempt), zap.Int("max_attempts", t.maxRetries()))
	log.Debug("sending chat completion request", zap.String("endpoint", t.Endpoint))

	payload, err := json.Marshal(chatRequest{
		Model:       t.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: t.Temperature,
		TopP:        t.TopP,
		MaxTokens:   t.MaxTokens,
		Stream:      false,
	})
	if err != nil {
		done("", fmt.Errorf("marshal request: %w", err))
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(payload))
	if err != nil {
		done("", fmt.Errorf("create request: %w", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.retryOrFail(ctx, req, done, fmt.Errorf("send request: %w", err), "")
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.retryOrFail(ctx, req, done, fmt.Errorf("read response: %w", err), "")
		return
	}

	if resp.StatusCode == http.StatusUnauthorized {
		log.Warn("chat completion rejected credentials", zap.Int("status", resp.StatusCode))
		done("", &AuthenticationError{StatusCode: resp.StatusCode, Body: string(body)})
		return
	}
	var envelope chatResponse
	decodeErr := json.Unmarshal(body, &envelope)
	if decodeErr == nil && envelope.Error != nil && isAuthFailure(envelope.Error.Type, envelope.Error.Code) {
		log.Warn("provider reported an authentication failure", zap.String("type", envelope.Error.Type))
		done("", &AuthenticationError{StatusCode: resp.StatusCode, Body: string(body)})
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.retryOrFail(ctx, req, done, fmt.Errorf("unexpected status %d", resp.StatusCode), string(body))
		return
	}
	if decodeErr != nil {
		t.retryOrFail(ctx, req, done, fmt.Errorf("decode response: %w", decodeErr), string(body))
		return
	}
	if len(envelope.Choices) == 0 || envelope.Choices[0].Message.Content == nil {
		log.Warn("chat completion envelope missing content")
		done("", &MalformedEnvelopeError{Body: string(body)})
		return
	}
	log.Debug("chat completion received", zap.Int("bytes", len(body)))
	done(*envelope.Choices[0].Message.Content, nil)
}

func (t *Transport) retryOrFail(ctx context.Context, req *PendingRequest, done func(string, error), cause error, body string) {
	if req.Attempt < t.maxRetries() {
		delay := Backoff(t.initialDelay(), req.Attempt)
		t.logger().Warn("chat completion failed, retry scheduled",
			zap.Error(cause), zap.Int("attempt", req.Attempt), zap.Duration("delay", delay))
		next := *req
		next.Attempt++
		t.scheduler().AfterFunc(delay, func() { t.attempt(ctx, &next, done) })
		return
	}
	t.logger().Error("chat completion failed, giving up", zap.Error(cause), zap.Int("attempts", req.Attempt))
	done("", &ExhaustedRetriesError{Attempts: req.Attempt, Err: cause, Body: body})
}

func isAuthFailure(errType string, code any) bool {
	lowered := strings.ToLower(errType)
	if strings.Contains(lowered, "authentication") || strings.Contains(lowered, "unauthorized") {
		return true
	}
	switch c := code.(type) {
	case string:
		return c == "invalid_api_key" || c == "401"
	case float64:
		return c == http.StatusUnauthorized
	}
	return false
}
