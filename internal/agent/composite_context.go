package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/toolloop/internal/notes"
	"github.com/nugget/toolloop/internal/tools"
)

// ContextProvider supplies extra system prompt text for a model call.
// The conversation id is available through
// [tools.ConversationIDFromContext].
type ContextProvider interface {
	GetContext(ctx context.Context, userMessage string) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is concatenated with blank lines.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(providers ...ContextProvider) *CompositeContextProvider {
	c := &CompositeContextProvider{logger: slog.Default()}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is logged and skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, userMessage string) (string, error) {
	var parts []string

	for _, p := range c.providers {
		content, err := p.GetContext(ctx, userMessage)
		if err != nil {
			c.logger.Warn("context provider failed",
				"provider", fmt.Sprintf("%T", p),
				"error", err,
			)
			continue
		}
		if content = strings.TrimSpace(content); content != "" {
			parts = append(parts, content)
		}
	}

	return strings.Join(parts, "\n\n"), nil
}

// StaticProvider returns fixed text.
type StaticProvider string

// GetContext implements [ContextProvider].
func (s StaticProvider) GetContext(context.Context, string) (string, error) {
	return string(s), nil
}

// NotesProvider surfaces the facts saved with the remember tool for the
// current conversation, so the model sees them without calling recall.
type NotesProvider struct {
	store *notes.Store
	limit int
}

// NewNotesProvider creates a provider listing at most limit notes.
// A limit of zero or less means 20.
func NewNotesProvider(store *notes.Store, limit int) *NotesProvider {
	if limit <= 0 {
		limit = 20
	}
	return &NotesProvider{store: store, limit: limit}
}

// GetContext implements [ContextProvider].
func (p *NotesProvider) GetContext(ctx context.Context, _ string) (string, error) {
	found, err := p.store.List(ctx, tools.ConversationIDFromContext(ctx), "")
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", nil
	}
	if len(found) > p.limit {
		found = found[:p.limit]
	}

	var sb strings.Builder
	sb.WriteString("Facts remembered in this conversation:\n")
	for _, n := range found {
		fmt.Fprintf(&sb, "- %s: %s\n", n.Key, n.Value)
	}
	return sb.String(), nil
}
