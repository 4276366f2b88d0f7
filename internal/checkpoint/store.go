// Package checkpoint persists conversation state so a conversation can
// be suspended and resumed, including across process restarts.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/toolloop/internal/state"
)

// ErrNoCheckpoint is returned when no checkpoint exists for a
// conversation.
var ErrNoCheckpoint = errors.New("no checkpoint for conversation")

// Trigger describes what caused a checkpoint write.
type Trigger string

const (
	TriggerStart     Trigger = "start"     // New conversation or new user turn
	TriggerGenerate  Trigger = "generate"  // After a model call
	TriggerRoute     Trigger = "route"     // Termination decided
	TriggerAct       Trigger = "act"       // After tool execution
	TriggerSuspend   Trigger = "suspend"   // Parked before tool execution
	TriggerInterrupt Trigger = "interrupt" // Interrupt flag set
	TriggerResume    Trigger = "resume"    // Interrupt flag cleared
	TriggerFinalize  Trigger = "finalize"  // Closing answer appended
	TriggerFork      Trigger = "fork"      // Copied from another conversation
)

// Store persists one state per conversation. Implementations must
// return exactly the state that was saved.
type Store interface {
	// Save writes st as the conversation's checkpoint, replacing any
	// previous one.
	Save(ctx context.Context, conversationID string, st state.State, trigger Trigger) error

	// Load returns the latest checkpoint or ErrNoCheckpoint.
	Load(ctx context.Context, conversationID string) (state.State, error)

	// Update atomically applies fn to the stored state and writes the
	// result. If fn returns an error nothing is written. Returns
	// ErrNoCheckpoint when the conversation has no checkpoint.
	Update(ctx context.Context, conversationID string, trigger Trigger, fn func(*state.State) error) (state.State, error)
}

// Meta describes a stored checkpoint without its state.
type Meta struct {
	ConversationID string    `json:"conversation_id"`
	Revision       int       `json:"revision"`
	Trigger        Trigger   `json:"trigger"`
	ByteSize       int64     `json:"byte_size"`
	MessageCount   int       `json:"message_count"`
	Steps          int       `json:"steps"`
	Suspended      bool      `json:"suspended"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summary returns a human-readable one-line summary.
func (m Meta) Summary() string {
	s := fmt.Sprintf("%s | %s | %s | %s, %s",
		m.ConversationID,
		m.UpdatedAt.Format("2006-01-02 15:04"),
		m.Trigger,
		formatCount(m.MessageCount, "msg"),
		formatCount(m.Steps, "step"),
	)
	if m.Suspended {
		s += " | suspended"
	}
	return s
}

func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
