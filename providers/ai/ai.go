// Package ai is the model-completion client. It wraps the Anthropic
// Messages API and caches completions in the warehouse keyed by a
// deterministic fingerprint of the prompt contract, so a redelivered or
// re-run task replays the model's earlier answer instead of re-sampling.
package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/leadfold/enrich/cache"
	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/ops"
)

// Source names this provider in callback payloads and cache rows.
const Source = "anthropic"

// MessagesClient is the subset of the SDK the client uses. *sdk.Client's
// Messages service satisfies it; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Config bounds completions.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	CallTimeout time.Duration
	CacheTTL    time.Duration
}

// Request is one completion ask. Version is the caller's prompt-contract
// version: changing a handler's prompts or parsing must change its
// Version, which rolls that handler's slice of the cache forward.
type Request struct {
	Version string
	System  string
	Prompt  string
	// MaxTokens overrides the configured cap when positive.
	MaxTokens int
}

// Completion is the client's response shape, and also what the cache
// stores.
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Cached       bool   `json:"-"`
}

type Client struct {
	msg         MessagesClient
	cache       *cache.AICache
	model       string
	maxTokens   int64
	temperature float64
	timeout     time.Duration
	ttl         time.Duration
}

func NewClient(msg MessagesClient, aiCache *cache.AICache, cfg Config) (*Client, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if aiCache == nil {
		return nil, errors.New("completion cache is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 14 * 24 * time.Hour
	}
	return &Client{
		msg:         msg,
		cache:       aiCache,
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
		timeout:     cfg.CallTimeout,
		ttl:         cfg.CacheTTL,
	}, nil
}

// NewFromAPIKey constructs a client over the real SDK transport.
func NewFromAPIKey(apiKey string, aiCache *cache.AICache, cfg Config) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	var ac = sdk.NewClient(option.WithAPIKey(apiKey))
	return NewClient(&ac.Messages, aiCache, cfg)
}

// Complete returns the model's answer to |req|, from cache when a live
// entry exists. The SDK carries its own transport retries; completions
// are not additionally retried here.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}

	var maxTokens = c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	var key, err = cache.Key(Source, "messages.create", req.Version, map[string]interface{}{
		"model":       c.model,
		"system":      req.System,
		"prompt":      req.Prompt,
		"max_tokens":  maxTokens,
		"temperature": c.temperature,
	})
	if err != nil {
		return nil, err
	}
	if entry := c.cache.Get(ctx, key); entry != nil {
		var completion Completion
		if err = json.Unmarshal(entry.Body, &completion); err == nil {
			metrics.ProviderRequests.WithLabelValues(Source, "cached").Inc()
			completion.Cached = true
			return &completion, nil
		}
		ops.Warn(ctx, "discarding undecodable cached completion", "error", err)
	}

	var params = sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.msg.New(tctx, params)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(Source, "error").Inc()
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	metrics.ProviderRequests.WithLabelValues(Source, "ok").Inc()

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	var completion = &Completion{
		Text:         text.String(),
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}

	if encoded, err := json.Marshal(completion); err == nil {
		c.cache.Put(ctx, key, c.model, Fingerprint(req.Version, req.System, req.Prompt),
			encoded, c.ttl, map[string]interface{}{
				"stop_reason":   completion.StopReason,
				"output_tokens": completion.OutputTokens,
			})
	}
	return completion, nil
}

// Fingerprint digests the prompt material itself, independent of decoding
// parameters. It lands in the cache's prompt_fingerprint column so
// analysts can group rows by prompt across model and parameter changes.
func Fingerprint(version, system, prompt string) string {
	var h = sha256.New()
	for _, part := range []string{version, system, prompt} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
