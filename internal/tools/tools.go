package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes a tool. args is the canonical JSON argument object,
// already validated against the tool's input schema. A string result is
// used verbatim as tool message content; anything else is JSON encoded.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Descriptor is the model-facing description of a registered tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Result is the outcome of running a tool handler. Handler failures
// and panics are reported here with IsError set rather than as errors,
// so a misbehaving tool can never abort the caller.
type Result struct {
	Content string
	IsError bool
	Kind    string
}

type tool struct {
	desc     Descriptor
	schema   *jsonschema.Schema
	handler  Handler
	category string
}

var defaultSchema = json.RawMessage(`{"type":"object"}`)

// Registry maps tool names to handlers. It is safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger discards output.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		tools:  make(map[string]*tool),
		logger: logger,
	}
}

// Register adds a tool. An empty schema accepts any JSON object.
func (r *Registry) Register(name, description string, inputSchema json.RawMessage, handler Handler) error {
	if strings.TrimSpace(name) == "" {
		return ErrToolNameEmpty
	}
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}
	if len(bytes.TrimSpace(inputSchema)) == 0 {
		inputSchema = defaultSchema
	}
	compiled, err := compileSchema(name, inputSchema)
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidSchema, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = &tool{
		desc: Descriptor{
			Name:        name,
			Description: description,
			InputSchema: append(json.RawMessage(nil), inputSchema...),
		},
		schema:  compiled,
		handler: handler,
	}
	r.order = append(r.order, name)
	r.logger.Debug("tool registered", "tool", name)
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	loc := "mem:///tools/" + url.PathEscape(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return c.Compile(loc)
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Describe returns descriptors for every tool in registration order.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc)
	}
	return out
}

// ToolMaps renders the catalog in the OpenAI/Ollama function-tool shape.
func (r *Registry) ToolMaps() []map[string]any {
	return DescriptorMaps(r.Describe())
}

// DescriptorMaps renders descriptors in the OpenAI/Ollama function-tool
// shape.
func DescriptorMaps(descs []Descriptor) []map[string]any {
	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		var params map[string]any
		if err := json.Unmarshal(d.InputSchema, &params); err != nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// SetCategory labels a tool. Routing policies use categories to treat
// groups of tools alike.
func (r *Registry) SetCategory(name, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return &ErrUnknownTool{Name: name}
	}
	t.category = category
	return nil
}

// Category returns the tool's category, or "" when unset or unknown.
func (r *Registry) Category(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t.category
	}
	return ""
}

// Invoke runs a tool by name. It returns *ErrUnknownTool when the name
// is not registered and *ErrInvalidArguments when argsJSON is not valid
// JSON or fails schema validation. Handler errors and panics are
// reported through the Result.
func (r *Registry) Invoke(ctx context.Context, name, argsJSON string) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, &ErrUnknownTool{Name: name}
	}

	raw := strings.TrimSpace(argsJSON)
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Result{}, &ErrInvalidArguments{Name: name, Err: err}
	}
	if dec.More() {
		return Result{}, &ErrInvalidArguments{Name: name, Err: fmt.Errorf("trailing data after arguments")}
	}
	if err := t.schema.Validate(doc); err != nil {
		return Result{}, &ErrInvalidArguments{Name: name, Err: err}
	}

	return r.run(ctx, t, json.RawMessage(raw)), nil
}

func (r *Registry) run(ctx context.Context, t *tool, args json.RawMessage) (res Result) {
	name := t.desc.Name
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				"tool", name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = Result{
				Content: ErrorContent(KindPanic, fmt.Sprint(p)),
				IsError: true,
				Kind:    KindPanic,
			}
		}
	}()

	out, err := t.handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return Result{
			Content: ErrorContent(KindHandlerError, err.Error()),
			IsError: true,
			Kind:    KindHandlerError,
		}
	}
	return Result{Content: resultContent(out)}
}

func resultContent(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.RawMessage:
		return string(c)
	case []byte:
		return string(c)
	case fmt.Stringer:
		return c.String()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}
