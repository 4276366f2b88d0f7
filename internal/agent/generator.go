package agent

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/tools"
)

// Generator is the model port used by the GENERATE step. It must return
// an assistant message, which may request tool calls.
type Generator interface {
	Generate(ctx context.Context, msgs []llm.Message, catalog []tools.Descriptor) (llm.Message, error)
}

// GeneratorFunc adapts a function to [Generator].
type GeneratorFunc func(ctx context.Context, msgs []llm.Message, catalog []tools.Descriptor) (llm.Message, error)

// Generate implements [Generator].
func (f GeneratorFunc) Generate(ctx context.Context, msgs []llm.Message, catalog []tools.Descriptor) (llm.Message, error) {
	return f(ctx, msgs, catalog)
}

// StreamClient is an [llm.Client] that can deliver tokens as they are
// generated. [llm.OllamaClient] implements it.
type StreamClient interface {
	ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error)
}

// ClientGenerator drives an [llm.Client] with a fixed model name.
type ClientGenerator struct {
	Client llm.Client
	Model  string

	// OnToken receives streamed content when Client implements
	// [StreamClient]. The returned message is the same either way.
	OnToken func(token string)

	// OnResponse sees every successful model response. The context
	// carries the conversation id (see [tools.ConversationIDFromContext]).
	OnResponse func(ctx context.Context, resp *llm.ChatResponse, elapsed time.Duration)
}

// Generate implements [Generator].
func (g ClientGenerator) Generate(ctx context.Context, msgs []llm.Message, catalog []tools.Descriptor) (llm.Message, error) {
	var toolMaps []map[string]any
	if len(catalog) > 0 {
		toolMaps = tools.DescriptorMaps(catalog)
	}

	var (
		resp *llm.ChatResponse
		err  error
	)
	start := time.Now()
	if sc, ok := g.Client.(StreamClient); ok && g.OnToken != nil {
		resp, err = sc.ChatStream(ctx, g.Model, msgs, toolMaps, g.OnToken)
	} else {
		resp, err = g.Client.Chat(ctx, g.Model, msgs, toolMaps)
	}
	if err != nil {
		return llm.Message{}, err
	}
	if resp == nil {
		return llm.Message{}, errors.New("empty response from model")
	}
	if g.OnResponse != nil {
		g.OnResponse(ctx, resp, time.Since(start))
	}
	return resp.Message, nil
}
