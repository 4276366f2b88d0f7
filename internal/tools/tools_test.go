package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func echoHandler(_ context.Context, args json.RawMessage) (any, error) {
	return string(args), nil
}

func TestRegister_Errors(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("echo", "echo", nil, echoHandler); err != nil {
		t.Fatalf("Register(echo): %v", err)
	}

	tests := []struct {
		name    string
		tool    string
		schema  json.RawMessage
		handler Handler
		want    error
	}{
		{"duplicate", "echo", nil, echoHandler, ErrDuplicateTool},
		{"empty name", "  ", nil, echoHandler, ErrToolNameEmpty},
		{"nil handler", "nothing", nil, nil, ErrNilHandler},
		{"broken schema", "broken", json.RawMessage(`{"type": 5}`), echoHandler, ErrInvalidSchema},
		{"schema not json", "notjson", json.RawMessage(`{`), echoHandler, ErrInvalidSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.tool, "", tt.schema, tt.handler)
			if !errors.Is(err, tt.want) {
				t.Errorf("Register() error = %v, want %v", err, tt.want)
			}
		})
	}

	if got := len(r.Describe()); got != 1 {
		t.Errorf("failed registrations leaked into catalog: %d tools", got)
	}
}

func TestDescribe_RegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(name, name+" tool", nil, echoHandler); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	got := r.Describe()
	want := []string{"zeta", "alpha", "mid"}
	for i, d := range got {
		if d.Name != want[i] {
			t.Errorf("Describe()[%d] = %q, want %q", i, d.Name, want[i])
		}
	}

	maps := r.ToolMaps()
	if len(maps) != 3 {
		t.Fatalf("ToolMaps() = %d entries, want 3", len(maps))
	}
	fn := maps[0]["function"].(map[string]any)
	if fn["name"] != "zeta" || maps[0]["type"] != "function" {
		t.Errorf("ToolMaps()[0] = %v", maps[0])
	}
	if params, ok := fn["parameters"].(map[string]any); !ok || params["type"] != "object" {
		t.Errorf("parameters = %v, want object schema", fn["parameters"])
	}
}

func TestInvoke_UnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Invoke(context.Background(), "missing", "{}")

	var unknown *ErrUnknownTool
	if !errors.As(err, &unknown) || unknown.Name != "missing" {
		t.Errorf("Invoke() error = %v, want *ErrUnknownTool", err)
	}
}

func TestInvoke_Arguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"n": {"type": "integer"}},
		"required": ["n"],
		"additionalProperties": false
	}`)
	r := NewRegistry(nil)
	if err := r.Register("count", "", schema, echoHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"n": 3}`, false},
		{"large integer", `{"n": 12345678901234567890}`, false},
		{"not json", `{n: 3`, true},
		{"missing required", `{}`, true},
		{"wrong type", `{"n": "three"}`, true},
		{"extra property", `{"n": 1, "x": 2}`, true},
		{"array", `[1]`, true},
		{"trailing data", `{"n": 1} {"n": 2}`, true},
		{"empty is treated as {}", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Invoke(context.Background(), "count", tt.args)
			if tt.wantErr {
				var invalid *ErrInvalidArguments
				if !errors.As(err, &invalid) {
					t.Fatalf("Invoke() error = %v, want *ErrInvalidArguments", err)
				}
				if invalid.Name != "count" {
					t.Errorf("Name = %q, want count", invalid.Name)
				}
				return
			}
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if res.IsError {
				t.Errorf("Result = %+v, want success", res)
			}
		})
	}
}

func TestInvoke_HandlerErrorAndPanic(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.Register("fail", "", nil, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	_ = r.Register("boom", "", nil, func(context.Context, json.RawMessage) (any, error) {
		panic("kaboom")
	})

	res, err := r.Invoke(context.Background(), "fail", "{}")
	if err != nil {
		t.Fatalf("Invoke(fail) error = %v, want nil", err)
	}
	if !res.IsError || res.Kind != KindHandlerError {
		t.Errorf("Invoke(fail) = %+v, want handler_error", res)
	}
	if d := gjson.Get(res.Content, "detail").String(); d != "disk on fire" {
		t.Errorf("detail = %q", d)
	}

	res, err = r.Invoke(context.Background(), "boom", "{}")
	if err != nil {
		t.Fatalf("Invoke(boom) error = %v, want nil", err)
	}
	if !res.IsError || res.Kind != KindPanic {
		t.Errorf("Invoke(boom) = %+v, want panic", res)
	}
	if !strings.Contains(res.Content, "kaboom") {
		t.Errorf("Content = %q, want panic value", res.Content)
	}
}

func TestInvoke_ResultEncoding(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.Register("obj", "", nil, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"a": "<b>", "n": 1}, nil
	})

	res, err := r.Invoke(context.Background(), "obj", "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != `{"a":"<b>","n":1}` {
		t.Errorf("Content = %q", res.Content)
	}
}

type addInput struct {
	A    int    `json:"a"`
	B    int    `json:"b"`
	Note string `json:"note,omitempty"`
}

func TestRegisterFunc(t *testing.T) {
	r := NewRegistry(nil)
	err := RegisterFunc(r, "add", "add two integers", func(_ context.Context, in addInput) (any, error) {
		return in.A + in.B, nil
	})
	if err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}

	schema := string(r.Describe()[0].InputSchema)
	if got := gjson.Get(schema, "properties.a.type").String(); got != "integer" {
		t.Errorf("schema a.type = %q, want integer (schema %s)", got, schema)
	}
	required := gjson.Get(schema, "required").Array()
	if len(required) != 2 {
		t.Errorf("required = %v, want a and b", required)
	}

	res, err := r.Invoke(context.Background(), "add", `{"a":2,"b":40}`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != "42" {
		t.Errorf("Content = %q, want 42", res.Content)
	}

	if _, err := r.Invoke(context.Background(), "add", `{"a":2}`); err == nil {
		t.Error("missing b should fail validation")
	}
}

func TestCategory(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.Register("search", "", nil, echoHandler)

	if got := r.Category("search"); got != "" {
		t.Errorf("Category() = %q before set", got)
	}
	if err := r.SetCategory("search", CategoryRetrieval); err != nil {
		t.Fatalf("SetCategory: %v", err)
	}
	if got := r.Category("search"); got != CategoryRetrieval {
		t.Errorf("Category() = %q, want %q", got, CategoryRetrieval)
	}

	var unknown *ErrUnknownTool
	if err := r.SetCategory("nope", "x"); !errors.As(err, &unknown) {
		t.Errorf("SetCategory(nope) = %v, want *ErrUnknownTool", err)
	}
}
