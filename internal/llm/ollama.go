package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/nugget/toolloop/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	normalizer Normalizer
}

// NewOllamaClient creates a new Ollama client. A nil logger discards
// output.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger:     logger,
		normalizer: Normalizer{Logger: logger},
	}
}

// ollamaRequest is the request format for Ollama chat API.
type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

// ollamaToolCall is the wire shape of a tool call. Ollama sends
// arguments as a JSON object, not a string.
type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ToolName implements [ToolCallAccessor].
func (c ollamaToolCall) ToolName() string { return c.Function.Name }

// ToolArguments implements [ToolCallAccessor].
func (c ollamaToolCall) ToolArguments() any { return c.Function.Arguments }

// ToolCallID returns the provider id, which is empty for most models.
func (c ollamaToolCall) ToolCallID() string { return c.ID }

type ollamaResponse struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// toOllamaMessages converts canonical messages to the Ollama wire format.
func toOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			var wire ollamaToolCall
			wire.ID = tc.ID
			wire.Function.Name = tc.Name
			wire.Function.Arguments = wireArguments(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, wire)
		}
		if m.Role == RoleTool {
			om.ToolName = m.Name
		}
		out = append(out, om)
	}
	return out
}

// wireArguments returns canonical arguments as a JSON object. Ollama
// rejects anything else, so non-object text is wrapped.
func wireArguments(args string) json.RawMessage {
	if gjson.Valid(args) && gjson.Parse(args).IsObject() {
		return json.RawMessage(args)
	}
	b, _ := json.Marshal(map[string]string{"raw": args})
	return b
}

// fromOllama converts a wire response to the provider-neutral form.
func (c *OllamaClient) fromOllama(r *ollamaResponse) *ChatResponse {
	role := r.Message.Role
	if role == "" {
		role = string(RoleAssistant)
	}
	msg := c.normalizer.Message(map[string]any{
		"role":    role,
		"content": r.Message.Content,
	})
	if len(r.Message.ToolCalls) > 0 {
		msg.ToolCalls = c.normalizer.ToolCalls(r.Message.ToolCalls)
	}
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return &ChatResponse{
		Model:         r.Model,
		CreatedAt:     created,
		Message:       msg,
		Done:          r.Done,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		LoadDuration:  time.Duration(r.LoadDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
	}
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// StreamCallback is called for each streamed token.
type StreamCallback func(token string)

// ChatStream sends a streaming chat request to Ollama.
// If callback is non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "model", model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var final ollamaResponse
	if !stream {
		if err := json.NewDecoder(resp.Body).Decode(&final); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	} else {
		var contentBuilder strings.Builder
		var calls []ollamaToolCall
		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaResponse
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF {
					break
				}
				return nil, fmt.Errorf("decode stream chunk: %w", err)
			}
			if chunk.Message.Content != "" {
				contentBuilder.WriteString(chunk.Message.Content)
				callback(chunk.Message.Content)
			}
			// Tool calls may arrive on any chunk, usually the last.
			calls = append(calls, chunk.Message.ToolCalls...)
			if chunk.Done {
				final = chunk
				break
			}
		}
		final.Message.Content = contentBuilder.String()
		final.Message.ToolCalls = calls
	}

	// Many models emit tool calls as text instead of native tool_calls.
	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("parsed text tool calls", "model", model, "count", len(parsed))
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
		}
	}

	return c.fromOllama(&final), nil
}

// extractToolNames returns the function names from a tool catalog.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

type textToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - Concatenated objects: {...}{...}, trailing prose ignored
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
//   - Name then object: tool_name {"key": "value"}
//
// When validTools is non-empty, calls naming any other tool are dropped.
func parseTextToolCalls(content string, validTools []string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}

	var found []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		var arr []textToolCall
		if err := json.Unmarshal([]byte(content), &arr); err == nil {
			found = arr
		}
	case strings.HasPrefix(content, "{"):
		found = decodeConcatenated(content)
	default:
		found = decodeNamePrefixed(content, validTools)
	}

	var out []ollamaToolCall
	for _, f := range found {
		if f.Name == "" || !allowedTool(f.Name, validTools) {
			continue
		}
		var tc ollamaToolCall
		tc.Function.Name = f.Name
		tc.Function.Arguments = f.Arguments
		out = append(out, tc)
	}
	return out
}

func decodeConcatenated(content string) []textToolCall {
	var out []textToolCall
	dec := json.NewDecoder(strings.NewReader(content))
	for {
		var tc textToolCall
		if err := dec.Decode(&tc); err != nil {
			break
		}
		out = append(out, tc)
		// Stop at trailing prose.
		rest := strings.TrimSpace(content[dec.InputOffset():])
		if !strings.HasPrefix(rest, "{") {
			break
		}
	}
	return out
}

func decodeNamePrefixed(content string, validTools []string) []textToolCall {
	brace := strings.Index(content, "{")
	if brace <= 0 {
		return nil
	}
	name := strings.TrimSpace(content[:brace])
	if !isIdentifier(name) || len(validTools) == 0 {
		return nil
	}
	var args json.RawMessage
	if err := json.NewDecoder(strings.NewReader(content[brace:])).Decode(&args); err != nil {
		return nil
	}
	return []textToolCall{{Name: name, Arguments: args}}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && r != '-' && r != '.' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func allowedTool(name string, validTools []string) bool {
	if len(validTools) == 0 {
		return true
	}
	for _, v := range validTools {
		if v == name {
			return true
		}
	}
	return false
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
