package ai

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/leadfold/enrich/cache"
	"github.com/leadfold/enrich/warehouse"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	calls      int
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	s.calls++
	return s.resp, s.err
}

func newTestClient(t *testing.T, stub *stubMessagesClient, cfg Config) *Client {
	var wh, err = warehouse.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, wh.EnsureTables(context.Background()))
	t.Cleanup(func() { _ = wh.Close() })

	client, err := NewClient(stub, cache.NewAICache(wh), cfg)
	require.NoError(t, err)
	return client
}

func respondWith(text string) *sdk.Message {
	return &sdk.Message{
		Model: "claude-sonnet-4-0",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: text},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage: sdk.Usage{
			InputTokens:  12,
			OutputTokens: 4,
		},
	}
}

func TestCompleteBuildsParams(t *testing.T) {
	var stub = &stubMessagesClient{resp: respondWith("a fine answer")}
	var client = newTestClient(t, stub, Config{
		Model:       "claude-sonnet-4-0",
		MaxTokens:   256,
		Temperature: 0.2,
	})

	completion, err := client.Complete(context.Background(), Request{
		Version: "v1",
		System:  "You summarize companies.",
		Prompt:  "Summarize Acme Corp.",
	})
	require.NoError(t, err)

	require.Equal(t, "a fine answer", completion.Text)
	require.Equal(t, "claude-sonnet-4-0", completion.Model)
	require.Equal(t, string(sdk.StopReasonEndTurn), completion.StopReason)
	require.Equal(t, int64(12), completion.InputTokens)
	require.Equal(t, int64(4), completion.OutputTokens)
	require.False(t, completion.Cached)

	require.Equal(t, sdk.Model("claude-sonnet-4-0"), stub.lastParams.Model)
	require.Equal(t, int64(256), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.Messages, 1)
	require.Len(t, stub.lastParams.System, 1)
	require.Equal(t, "You summarize companies.", stub.lastParams.System[0].Text)
	require.Equal(t, sdk.Float(0.2), stub.lastParams.Temperature)
}

func TestCompleteServesRepeatFromCache(t *testing.T) {
	var stub = &stubMessagesClient{resp: respondWith("cached answer")}
	var client = newTestClient(t, stub, Config{Model: "claude-sonnet-4-0"})

	var req = Request{Version: "v1", Prompt: "What does Acme sell?"}

	first, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Equal(t, 1, stub.calls)

	second, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Text, second.Text)
	require.Equal(t, first.OutputTokens, second.OutputTokens)
	require.Equal(t, 1, stub.calls)
}

func TestCompleteVersionChangeMissesCache(t *testing.T) {
	var stub = &stubMessagesClient{resp: respondWith("per-version answer")}
	var client = newTestClient(t, stub, Config{Model: "claude-sonnet-4-0"})

	_, err := client.Complete(context.Background(), Request{Version: "v1", Prompt: "Classify Acme."})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), Request{Version: "v2", Prompt: "Classify Acme."})
	require.NoError(t, err)
	require.Equal(t, 2, stub.calls)
}

func TestCompleteRequestMaxTokensOverrides(t *testing.T) {
	var stub = &stubMessagesClient{resp: respondWith("short")}
	var client = newTestClient(t, stub, Config{Model: "claude-sonnet-4-0", MaxTokens: 1024})

	_, err := client.Complete(context.Background(), Request{Prompt: "One word.", MaxTokens: 16})
	require.NoError(t, err)
	require.Equal(t, int64(16), stub.lastParams.MaxTokens)
}

func TestCompletePropagatesModelError(t *testing.T) {
	var stub = &stubMessagesClient{err: errors.New("overloaded")}
	var client = newTestClient(t, stub, Config{Model: "claude-sonnet-4-0"})

	_, err := client.Complete(context.Background(), Request{Prompt: "Anything."})
	require.ErrorContains(t, err, "anthropic messages.new")
	require.ErrorContains(t, err, "overloaded")
}

func TestCompleteRequiresPrompt(t *testing.T) {
	var stub = &stubMessagesClient{resp: respondWith("unused")}
	var client = newTestClient(t, stub, Config{Model: "claude-sonnet-4-0"})

	_, err := client.Complete(context.Background(), Request{})
	require.ErrorContains(t, err, "prompt is required")
	require.Zero(t, stub.calls)
}

func TestCompleteConcatenatesTextBlocks(t *testing.T) {
	var stub = &stubMessagesClient{resp: &sdk.Message{
		Model: "claude-sonnet-4-0",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "part one "},
			{Type: "tool_use", Name: "ignored"},
			{Type: "text", Text: "part two"},
		},
		StopReason: sdk.StopReasonEndTurn,
	}}
	var client = newTestClient(t, stub, Config{Model: "claude-sonnet-4-0"})

	completion, err := client.Complete(context.Background(), Request{Prompt: "Join."})
	require.NoError(t, err)
	require.Equal(t, "part one part two", completion.Text)
}

func TestFingerprintIsStablePerPrompt(t *testing.T) {
	var a = Fingerprint("v1", "sys", "prompt")
	require.Equal(t, a, Fingerprint("v1", "sys", "prompt"))
	require.NotEqual(t, a, Fingerprint("v2", "sys", "prompt"))
	require.NotEqual(t, a, Fingerprint("v1", "sys", "prompt2"))
	require.Len(t, a, 64)
}

func TestNewClientValidates(t *testing.T) {
	var wh, err = warehouse.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = wh.Close() })

	_, err = NewClient(nil, cache.NewAICache(wh), Config{Model: "m"})
	require.ErrorContains(t, err, "messages client")
	_, err = NewClient(&stubMessagesClient{}, nil, Config{Model: "m"})
	require.ErrorContains(t, err, "completion cache")
	_, err = NewClient(&stubMessagesClient{}, cache.NewAICache(wh), Config{})
	require.ErrorContains(t, err, "model identifier")
}
