// Package state holds the persisted conversation state and the reducer
// that merges partial updates into it.
//
// A State is a plain value. Every change goes through [Apply], which
// returns a new State and leaves its input untouched, so a snapshot
// handed to a caller can never change underneath it.
package state

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/nugget/toolloop/internal/llm"
)

// Node names the next step the engine will run for a conversation.
type Node string

// Nodes.
const (
	NodeGenerate Node = "generate"
	NodeAct      Node = "act"
	NodeDone     Node = "done"
)

// State is the full persisted state of one conversation.
type State struct {
	ConversationID     string          `json:"conversation_id"`
	Messages           []llm.Message   `json:"messages"`
	PendingToolCalls   []llm.ToolCall  `json:"pending_tool_calls,omitempty"`
	Steps              int             `json:"steps"`
	TurnStartStep      int             `json:"turn_start_step"`
	InterruptRequested bool            `json:"interrupt_requested"`
	Flags              map[string]bool `json:"flags,omitempty"`
	Counters           map[string]int  `json:"counters,omitempty"`
	Node               Node            `json:"node"`
	Revision           int             `json:"revision"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// New returns the initial state for a conversation.
func New(conversationID string) State {
	return State{ConversationID: conversationID, Node: NodeGenerate}
}

// Suspended reports whether the conversation is parked before tool
// execution, waiting for a resume.
func (s State) Suspended() bool {
	return s.Node == NodeAct && len(s.PendingToolCalls) > 0
}

// TurnSteps is the number of model calls made since the current user
// turn began.
func (s State) TurnSteps() int {
	return s.Steps - s.TurnStartStep
}

// LastAssistant returns the index of the most recent assistant message,
// or -1.
func (s State) LastAssistant() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Messages = llm.CloneMessages(s.Messages)
	if s.PendingToolCalls != nil {
		out.PendingToolCalls = append([]llm.ToolCall(nil), s.PendingToolCalls...)
	}
	out.Flags = maps.Clone(s.Flags)
	out.Counters = maps.Clone(s.Counters)
	return out
}

// Delta is a partial update. Zero fields mean "no change".
type Delta struct {
	// Messages are appended in order.
	Messages []llm.Message

	// SetPending replaces the pending tool calls with Pending. A nil
	// Pending with SetPending clears them.
	SetPending bool
	Pending    []llm.ToolCall

	// Steps and TurnStartStep are merged with max.
	Steps         int
	TurnStartStep int

	// Interrupt overwrites the flag when non-nil.
	Interrupt *bool

	// Flags are OR-merged and Counters max-merged per key.
	Flags    map[string]bool
	Counters map[string]int

	// Node overwrites the next node when non-empty.
	Node Node
}

// Bool returns a pointer to b, for Delta.Interrupt.
func Bool(b bool) *bool { return &b }

// Apply merges d into s and returns the result. s is not modified.
func Apply(s State, d Delta) State {
	out := s.Clone()

	if len(d.Messages) > 0 {
		out.Messages = append(out.Messages, llm.CloneMessages(d.Messages)...)
	}
	if d.SetPending {
		if len(d.Pending) == 0 {
			out.PendingToolCalls = nil
		} else {
			out.PendingToolCalls = append([]llm.ToolCall(nil), d.Pending...)
		}
	}
	out.Steps = max(out.Steps, d.Steps)
	out.TurnStartStep = max(out.TurnStartStep, d.TurnStartStep)
	if d.Interrupt != nil {
		out.InterruptRequested = *d.Interrupt
	}
	for k, v := range d.Flags {
		if out.Flags == nil {
			out.Flags = make(map[string]bool)
		}
		out.Flags[k] = out.Flags[k] || v
	}
	for k, v := range d.Counters {
		if out.Counters == nil {
			out.Counters = make(map[string]int)
		}
		if cur, ok := out.Counters[k]; !ok || v > cur {
			out.Counters[k] = v
		}
	}
	if d.Node != "" {
		out.Node = d.Node
	}
	return out
}

// Snapshot is a read-only view of a conversation for callers outside
// the engine.
type Snapshot struct {
	ConversationID     string         `json:"conversation_id"`
	Messages           []llm.Message  `json:"messages"`
	PendingToolCalls   []llm.ToolCall `json:"pending_tool_calls,omitempty"`
	Steps              int            `json:"steps"`
	TurnSteps          int            `json:"turn_steps"`
	InterruptRequested bool           `json:"interrupt_requested"`
	Suspended          bool           `json:"suspended"`
	Node               Node           `json:"node"`
	Revision           int            `json:"revision"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Snapshot returns a deep-copied read-only view of s.
func (s State) Snapshot() Snapshot {
	c := s.Clone()
	return Snapshot{
		ConversationID:     c.ConversationID,
		Messages:           c.Messages,
		PendingToolCalls:   c.PendingToolCalls,
		Steps:              c.Steps,
		TurnSteps:          c.TurnSteps(),
		InterruptRequested: c.InterruptRequested,
		Suspended:          c.Suspended(),
		Node:               c.Node,
		Revision:           c.Revision,
		UpdatedAt:          c.UpdatedAt,
	}
}

// Validate checks the structural invariants of a conversation history:
// every tool message answers a call of the nearest preceding assistant
// message, tool call lists are never empty-but-present, and pending
// calls match what the last assistant message left unanswered. All
// violations are reported together.
func Validate(s State) error {
	var errs []error
	var open map[string]bool // calls of the nearest preceding assistant message
	answered := map[string]bool{}

	for i, m := range s.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			if m.ToolCalls != nil && len(m.ToolCalls) == 0 {
				errs = append(errs, fmt.Errorf("message %d: assistant has empty tool call list", i))
			}
			open = make(map[string]bool, len(m.ToolCalls))
			answered = map[string]bool{}
			for _, tc := range m.ToolCalls {
				if open[tc.ID] {
					errs = append(errs, fmt.Errorf("message %d: duplicate tool call id %q", i, tc.ID))
				}
				open[tc.ID] = true
			}
		case llm.RoleTool:
			switch {
			case m.ToolCallID == "":
				errs = append(errs, fmt.Errorf("message %d: tool message without tool_call_id", i))
			case !open[m.ToolCallID]:
				errs = append(errs, fmt.Errorf("message %d: tool message answers unknown call %q", i, m.ToolCallID))
			case answered[m.ToolCallID]:
				errs = append(errs, fmt.Errorf("message %d: call %q answered twice", i, m.ToolCallID))
			default:
				answered[m.ToolCallID] = true
			}
		default:
			if m.ToolCalls != nil || m.ToolCallID != "" {
				errs = append(errs, fmt.Errorf("message %d: %s message carries tool fields", i, m.Role))
			}
		}
	}

	if len(s.PendingToolCalls) > 0 {
		last := s.LastAssistant()
		var unanswered []llm.ToolCall
		if last >= 0 {
			for _, tc := range s.Messages[last].ToolCalls {
				if !answered[tc.ID] {
					unanswered = append(unanswered, tc)
				}
			}
		}
		if !equalCalls(unanswered, s.PendingToolCalls) {
			errs = append(errs, errors.New("pending tool calls differ from the unanswered calls of the last assistant message"))
		}
	}
	if s.Steps < s.TurnStartStep {
		errs = append(errs, fmt.Errorf("steps %d below turn start %d", s.Steps, s.TurnStartStep))
	}
	return errors.Join(errs...)
}

func equalCalls(a, b []llm.ToolCall) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
