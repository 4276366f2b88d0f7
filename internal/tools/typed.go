package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a JSON Schema for the input type T. Field names
// follow json tags; fields without omitempty are required, and unknown
// properties are rejected.
func SchemaFor[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := r.Reflect(new(T))
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return b, nil
}

// RegisterFunc registers a handler taking a typed input struct. The
// input schema is reflected from T and arguments are decoded into a T
// after validation.
func RegisterFunc[T any](r *Registry, name, description string, fn func(context.Context, T) (any, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}
	schema, err := SchemaFor[T]()
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidSchema, name, err)
	}
	return r.Register(name, description, schema, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in T
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, in)
	})
}
