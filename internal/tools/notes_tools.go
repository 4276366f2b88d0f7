package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/toolloop/internal/notes"
)

// RememberInput is the argument object for the remember tool.
type RememberInput struct {
	Key   string `json:"key" jsonschema:"minLength=1" jsonschema_description:"Short name for the fact"`
	Value string `json:"value" jsonschema_description:"The fact to remember"`
}

// RecallInput is the argument object for the recall tool.
type RecallInput struct {
	Key   string `json:"key,omitempty" jsonschema_description:"Exact key to look up"`
	Query string `json:"query,omitempty" jsonschema_description:"Substring to match against keys and values when no key is given"`
}

// RegisterNoteTools registers remember and recall. Notes are scoped to
// the conversation id carried in the context.
func RegisterNoteTools(r *Registry, store *notes.Store) error {
	if store == nil {
		return errors.New("note tools need a store")
	}
	err := errors.Join(
		RegisterFunc(r, "remember",
			"Save a fact for later in this conversation. Overwrites any fact with the same key.",
			func(ctx context.Context, in RememberInput) (any, error) {
				ns := ConversationIDFromContext(ctx)
				if err := store.Set(ctx, ns, in.Key, in.Value); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Remembered %q.", in.Key), nil
			}),
		RegisterFunc(r, "recall",
			"Look up facts saved earlier with remember.",
			func(ctx context.Context, in RecallInput) (any, error) {
				ns := ConversationIDFromContext(ctx)
				if in.Key != "" {
					v, err := store.Get(ctx, ns, in.Key)
					if err != nil {
						return nil, err
					}
					if v == "" {
						return fmt.Sprintf("Nothing remembered under %q.", in.Key), nil
					}
					return v, nil
				}
				found, err := store.List(ctx, ns, in.Query)
				if err != nil {
					return nil, err
				}
				if len(found) == 0 {
					return "Nothing remembered yet.", nil
				}
				return found, nil
			}),
	)
	if err != nil {
		return err
	}
	return errors.Join(
		r.SetCategory("remember", CategoryMemory),
		r.SetCategory("recall", CategoryMemory),
	)
}
