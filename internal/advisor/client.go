package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"advisor-ledger/internal/apperr"
	"advisor-ledger/internal/market"
)

const (
	defaultAPIURL      = "https://api.deepseek.com/v1/chat/completions"
	defaultModel       = "deepseek-chat"
	defaultTemperature = 0.3
	defaultMaxTokens   = 1000

	modelVersionPrefix = "deepseek-api-"
)

// Options parameterise the completion client.
type Options struct {
	APIURL      string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	UserAgent   string
}

// Client calls an OpenAI-compatible chat completion endpoint and turns the answer into Advice.
type Client struct {
	opts   Options
	market market.Provider
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Client. provider may be nil, in which case the prompt omits market data.
func New(opts Options, provider market.Provider, logger zerolog.Logger) *Client {
	if opts.APIURL == "" {
		opts.APIURL = defaultAPIURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Temperature <= 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	return &Client{
		opts:   opts,
		market: provider,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "advisor").Logger(),
		now:    time.Now,
	}
}

// ModelVersion is the tag attached to successful advice.
func (c *Client) ModelVersion() string {
	return modelVersionPrefix + c.opts.Model
}

// Generate 生成投资建议。任何失败都会降级为固定的后备配置，不会返回错误。
func (c *Client) Generate(ctx context.Context, in InputData) Advice {
	advice, err := c.generate(ctx, in)
	if err != nil {
		c.logger.Error().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("生成投资建议失败，使用后备配置")
		return Fallback(err, c.now().Unix())
	}
	return advice
}

func (c *Client) generate(ctx context.Context, in InputData) (Advice, error) {
	if strings.TrimSpace(c.opts.APIKey) == "" {
		return Advice{}, apperr.Config("generate advice", "completion api key not configured")
	}

	var snap *market.Snapshot
	if c.market != nil {
		s := c.market.Snapshot(ctx)
		snap = &s
	}

	text, err := c.complete(ctx, systemPrompt, BuildUserMessage(in.WithDefaults(), snap))
	if err != nil {
		return Advice{}, err
	}
	c.logger.Debug().Str("preview", preview(text, 100)).Msg("completion received")

	advice, err := ParseAdvice(text)
	if err != nil {
		return Advice{}, err
	}
	advice.ModelVersion = c.ModelVersion()
	advice.Timestamp = c.now().Unix()
	return advice, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	payload := chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.New(apperr.KindRemote, "call completion api", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.New(apperr.KindRemote, "read completion response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Remote("call completion api", "status %d: %s", resp.StatusCode, preview(strings.TrimSpace(string(respBody)), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", apperr.Protocol("decode completion response", "%v", err)
	}
	if len(parsed.Choices) == 0 {
		return "", apperr.Protocol("decode completion response", "no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
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
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var _ Generator = (*Client)(nil)
