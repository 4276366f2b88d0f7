package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/state"
)

// FinalizeResult is the outcome of a finalization pass. Exactly one of
// Message and SkipReason is set: a finalizer that cannot produce an
// answer says why instead of failing.
type FinalizeResult struct {
	Message    *llm.Message
	SkipReason string
}

// Finalizer produces a closing answer when a turn hits the step limit.
// It must not request tools; any tool calls it returns are dropped.
type Finalizer interface {
	Finalize(ctx context.Context, st state.State) (FinalizeResult, error)
}

// DefaultFinalizeInstruction asks the model to wrap up.
const DefaultFinalizeInstruction = "You have used all available steps for this request. " +
	"Do not call any tools. Answer the user now with what you already know, " +
	"and say briefly what is still missing."

// ModelFinalizer asks the model for one last answer without offering
// any tools. The call does not count as a step.
type ModelFinalizer struct {
	Model       Generator
	Instruction string
}

// Finalize implements [Finalizer].
func (f ModelFinalizer) Finalize(ctx context.Context, st state.State) (FinalizeResult, error) {
	if f.Model == nil {
		return FinalizeResult{SkipReason: "no model configured"}, nil
	}
	instruction := f.Instruction
	if instruction == "" {
		instruction = DefaultFinalizeInstruction
	}

	msgs := llm.SanitizeForModel(llm.NormalizeMessages(st.Messages))
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: instruction})

	reply, err := f.Model.Generate(ctx, msgs, nil)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("finalize: %w", err)
	}
	reply = llm.NormalizeMessage(reply)
	if strings.TrimSpace(reply.Content) == "" {
		return FinalizeResult{SkipReason: "model returned no text"}, nil
	}
	out := llm.Message{Role: llm.RoleAssistant, Content: reply.Content}
	return FinalizeResult{Message: &out}, nil
}
