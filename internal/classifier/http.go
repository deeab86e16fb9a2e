package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"listing-sentinel/internal/model"
)

const (
	chatCompletionsPath = "/chat/completions"
	systemPrompt        = "You are a sentiment analysis expert. Respond only with: POSITIVE, NEGATIVE, or NEUTRAL."
)

// HTTPOptions parameterise the chat-completions client.
type HTTPOptions struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	MaxInputChars     int
	MaxOutputTokens   int
	DefaultConfidence float64
	UserAgent         string
}

// HTTPClient calls an OpenAI-compatible chat-completions endpoint and expects
// a one-word sentiment label back.
type HTTPClient struct {
	opts   HTTPOptions
	client *resty.Client
	logger zerolog.Logger
}

// NewHTTPClient constructs the classification client.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 1000
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 10
	}
	if opts.DefaultConfidence <= 0 {
		opts.DefaultConfidence = 95
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "listing-sentinel/1.0"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetAuthToken(opts.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", opts.UserAgent)

	return &HTTPClient{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify sends one review to the service.
func (c *HTTPClient) Classify(ctx context.Context, req Request) (Response, error) {
	modelName := c.opts.Model
	if req.ModelHint != "" {
		modelName = req.ModelHint
	}

	payload := chatRequest{
		Model: modelName,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req.Text, c.opts.MaxInputChars)},
		},
		Temperature: 0.1,
		MaxTokens:   c.opts.MaxOutputTokens,
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(chatCompletionsPath)
	if err != nil {
		if isTimeout(ctx, err) {
			return Response{}, NewError(KindTimeout, err)
		}
		return Response{}, NewError(KindUnavailable, err)
	}

	if err := statusError(resp.StatusCode(), resp.Body()); err != nil {
		return Response{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return Response{}, NewError(KindMalformed, fmt.Errorf("decode completion: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return Response{}, NewError(KindMalformed, errors.New("completion has no choices"))
	}

	label, confidence, err := parseAnswer(parsed.Choices[0].Message.Content, c.opts.DefaultConfidence)
	if err != nil {
		return Response{}, NewError(KindMalformed, err)
	}

	return Response{
		Label:      label,
		Confidence: confidence,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

func buildPrompt(text string, maxChars int) string {
	runes := []rune(strings.TrimSpace(text))
	if maxChars > 0 && len(runes) > maxChars {
		runes = runes[:maxChars]
	}

	var b strings.Builder
	b.WriteString("Analyze the sentiment of the following product review and classify it as POSITIVE, NEGATIVE, or NEUTRAL.\n\n")
	b.WriteString("Review: ")
	b.WriteString(string(runes))
	b.WriteString("\n\nInstructions:\n")
	b.WriteString("1. POSITIVE: Customer is satisfied, recommends the product, expresses happiness\n")
	b.WriteString("2. NEGATIVE: Customer is dissatisfied, complains, expresses frustration\n")
	b.WriteString("3. NEUTRAL: Mixed feelings, factual description without clear emotion\n\n")
	b.WriteString("Respond with ONLY one word: POSITIVE, NEGATIVE, or NEUTRAL.")
	return b.String()
}

// parseAnswer accepts "LABEL" or "LABEL <confidence>".
func parseAnswer(content string, defaultConfidence float64) (model.Sentiment, float64, error) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", 0, errors.New("empty completion")
	}
	label, err := model.ParseSentiment(fields[0])
	if err != nil {
		return "", 0, err
	}

	confidence := defaultConfidence
	if len(fields) > 1 {
		if v, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "%"), 64); err == nil && v >= 0 && v <= 100 {
			confidence = v
		}
	}
	return label, confidence, nil
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return NewError(KindRateLimited, apiError(status, body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuth, apiError(status, body))
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewError(KindTimeout, apiError(status, body))
	case status >= 500:
		return NewError(KindUnavailable, apiError(status, body))
	default:
		return NewError(KindMalformed, apiError(status, body))
	}
}

func apiError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("classifier api error (%d): %s", status, apiErr.Error.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("classifier api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("classifier api error (%d)", status)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

var _ Classifier = (*HTTPClient)(nil)
