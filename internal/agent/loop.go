// Package agent implements the execution engine: a resumable
// generate, route, act loop over a persisted conversation state.
//
// Every GENERATE and ACT transition is checkpointed before the loop
// moves on, so a conversation can be suspended before its tools run
// and picked up later by any process sharing the checkpoint store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/toolloop/internal/checkpoint"
	"github.com/nugget/toolloop/internal/events"
	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/state"
	"github.com/nugget/toolloop/internal/tools"
)

// DefaultStepLimit bounds model calls per user turn when Config leaves
// StepLimit unset.
const DefaultStepLimit = 8

// Outcome statuses reported in [Result.Status].
const (
	StatusCompleted = "completed"
	StatusSuspended = "suspended"
)

// Config holds the engine settings.
type Config struct {
	// StepLimit is the maximum number of model calls in one user turn.
	StepLimit int

	// ParallelTools runs the calls of one ACT step concurrently. Tool
	// messages are still appended in request order.
	ParallelTools bool

	// MaxParallelTools caps concurrent tool executions. Zero means no
	// cap.
	MaxParallelTools int

	// FinalizeOnLimit asks the finalizer for a closing answer when a
	// turn hits the step limit.
	FinalizeOnLimit bool

	// SystemPrompt is sent ahead of the history on every model call.
	// It is never stored in the checkpoint.
	SystemPrompt string
}

// Result is the outcome of Start, Resume, or Edit.
type Result struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	FinalText      string `json:"final_text,omitempty"`
	Steps          int    `json:"steps"`
	Reason         string `json:"reason"`
}

// Suspended reports whether the conversation is parked on pending tool
// calls.
func (r Result) Suspended() bool { return r.Status == StatusSuspended }

// Loop is the execution engine. It is safe for concurrent use across
// different conversations. Callers must serialize calls for the same
// conversation id.
type Loop struct {
	cfg       Config
	model     Generator
	registry  *tools.Registry
	store     checkpoint.Store
	logger    *slog.Logger
	events    *events.Bus
	finalizer Finalizer
	policy    *RoutePolicy
	context   ContextProvider
	now       func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithEvents publishes engine events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(l *Loop) { l.events = bus }
}

// WithFinalizer sets the finalizer used when FinalizeOnLimit is set.
func WithFinalizer(f Finalizer) Option {
	return func(l *Loop) { l.finalizer = f }
}

// WithRoutePolicy layers an expensive-tool policy over routing.
func WithRoutePolicy(p *RoutePolicy) Option {
	return func(l *Loop) { l.policy = p }
}

// WithContextProvider adds system prompt text from p on every model
// call.
func WithContextProvider(p ContextProvider) Option {
	return func(l *Loop) { l.context = p }
}

// WithClock overrides the clock used for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates an engine. A nil logger discards output.
func NewLoop(cfg Config, model Generator, registry *tools.Registry, store checkpoint.Store, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	l := &Loop{
		cfg:      cfg,
		model:    model,
		registry: registry,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() Config { return l.cfg }

// Start appends a user message to the conversation and runs the loop
// until the turn completes or suspends. A conversation without a
// checkpoint is created. Start refuses a suspended conversation and one
// whose last turn never got a model reply; Resume handles both.
func (l *Loop) Start(ctx context.Context, conversationID, userText string) (Result, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Result{}, ErrEmptyConversationID
	}

	st, err := l.store.Load(ctx, conversationID)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		st = state.New(conversationID)
	case err != nil:
		return Result{}, fmt.Errorf("load checkpoint: %w", err)
	case st.Suspended():
		return Result{}, fmt.Errorf("%w: %s", ErrConversationSuspended, conversationID)
	case st.Node == state.NodeGenerate:
		return Result{}, fmt.Errorf("%w: %s", ErrTurnUnfinished, conversationID)
	}

	st = state.Apply(st, state.Delta{
		Messages:      []llm.Message{{Role: llm.RoleUser, Content: userText}},
		TurnStartStep: st.Steps,
		Node:          state.NodeGenerate,
	})
	st, err = l.persist(ctx, st, checkpoint.TriggerStart)
	if err != nil {
		return Result{}, err
	}

	l.logger.Info("turn started",
		"conversation", conversationID,
		"steps", st.Steps,
		"messages", len(st.Messages),
	)
	l.publish(events.KindTurnStart, map[string]any{
		"conversation_id": conversationID,
		"steps":           st.Steps,
		"resumed":         false,
	})
	return l.run(ctx, st, time.Now())
}

// Resume continues a conversation from its checkpoint after clearing
// the interrupt flag. A suspended conversation re-enters ACT with its
// pending tool calls. A finished conversation replays its last
// assistant message.
func (l *Loop) Resume(ctx context.Context, conversationID string) (Result, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Result{}, ErrEmptyConversationID
	}

	st, err := l.store.Load(ctx, conversationID)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return Result{}, fmt.Errorf("%w: no checkpoint for %s", ErrNothingToResume, conversationID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load checkpoint: %w", err)
	}

	switch st.Node {
	case state.NodeAct, state.NodeGenerate:
		st, err = l.clearInterrupt(ctx, conversationID)
		if err != nil {
			return Result{}, err
		}
		l.logger.Info("turn resumed",
			"conversation", conversationID,
			"node", st.Node,
			"pending", len(st.PendingToolCalls),
		)
		l.publish(events.KindTurnStart, map[string]any{
			"conversation_id": conversationID,
			"steps":           st.Steps,
			"resumed":         true,
		})
		return l.run(ctx, st, time.Now())
	}

	idx := st.LastAssistant()
	if idx < 0 {
		return Result{}, fmt.Errorf("%w: %s has no assistant message", ErrNothingToResume, conversationID)
	}
	if st.InterruptRequested {
		if st, err = l.clearInterrupt(ctx, conversationID); err != nil {
			return Result{}, err
		}
	}
	l.logger.Debug("nothing pending, replaying last answer", "conversation", conversationID)
	return Result{
		ConversationID: conversationID,
		Status:         StatusCompleted,
		FinalText:      st.Messages[idx].Content,
		Steps:          st.TurnSteps(),
		Reason:         ReasonReplayed,
	}, nil
}

// Interrupt asks the conversation to suspend at its next ACT boundary.
// It does not cancel a model call or a tool already running. Calling it
// again is harmless.
func (l *Loop) Interrupt(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return ErrEmptyConversationID
	}
	_, err := l.store.Update(ctx, conversationID, checkpoint.TriggerInterrupt, func(cur *state.State) error {
		cur.InterruptRequested = true
		cur.Revision++
		cur.UpdatedAt = l.now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("interrupt %s: %w", conversationID, err)
	}
	l.logger.Info("interrupt requested", "conversation", conversationID)
	l.publish(events.KindInterrupt, map[string]any{"conversation_id": conversationID})
	return nil
}

// State returns a read-only view of the persisted conversation.
func (l *Loop) State(ctx context.Context, conversationID string) (state.Snapshot, error) {
	st, err := l.store.Load(ctx, conversationID)
	if err != nil {
		return state.Snapshot{}, err
	}
	return st.Snapshot(), nil
}

// ErrConversationExists is returned by Edit when the target id already
// has a checkpoint.
var ErrConversationExists = errors.New("conversation already exists")

// ErrNotUserMessage is returned by Edit when the index does not point at
// a user message.
var ErrNotUserMessage = errors.New("message is not a user message")

// Edit forks sourceID into newID: the history before the user message at
// messageIndex is copied and userText takes that message's place, then
// the new conversation runs. A negative index selects the last user
// message. The source is left untouched.
func (l *Loop) Edit(ctx context.Context, sourceID, newID string, messageIndex int, userText string) (Result, error) {
	if strings.TrimSpace(sourceID) == "" || strings.TrimSpace(newID) == "" {
		return Result{}, ErrEmptyConversationID
	}

	src, err := l.store.Load(ctx, sourceID)
	if err != nil {
		return Result{}, fmt.Errorf("load source: %w", err)
	}
	if _, err := l.store.Load(ctx, newID); err == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrConversationExists, newID)
	} else if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return Result{}, fmt.Errorf("load target: %w", err)
	}

	cut := messageIndex
	if cut < 0 {
		cut = len(src.Messages)
		for i := len(src.Messages) - 1; i >= 0; i-- {
			if src.Messages[i].Role == llm.RoleUser {
				cut = i
				break
			}
		}
	} else if cut >= len(src.Messages) || src.Messages[cut].Role != llm.RoleUser {
		return Result{}, fmt.Errorf("%w: index %d of %s", ErrNotUserMessage, messageIndex, sourceID)
	}

	st := state.New(newID)
	st = state.Apply(st, state.Delta{
		Messages: append(llm.CloneMessages(src.Messages[:cut]),
			llm.Message{Role: llm.RoleUser, Content: userText}),
	})
	st, err = l.persist(ctx, st, checkpoint.TriggerFork)
	if err != nil {
		return Result{}, err
	}

	l.logger.Info("conversation forked",
		"source", sourceID,
		"conversation", newID,
		"kept_messages", cut,
	)
	l.publish(events.KindTurnStart, map[string]any{
		"conversation_id": newID,
		"steps":           0,
		"resumed":         false,
		"forked_from":     sourceID,
	})
	return l.run(ctx, st, time.Now())
}

// run drives the state machine until DONE or SUSPENDED.
func (l *Loop) run(ctx context.Context, st state.State, started time.Time) (Result, error) {
	reason := ReasonNoToolCalls
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		switch st.Node {
		case state.NodeGenerate:
			next, dec, err := l.generate(ctx, st)
			if err != nil {
				return Result{}, err
			}
			st, reason = next, dec.Reason

		case state.NodeAct:
			next, suspended, err := l.act(ctx, st)
			if err != nil {
				return Result{}, err
			}
			st = next
			if suspended {
				return l.finish(st, StatusSuspended, ReasonInterrupted, started), nil
			}

		case state.NodeDone:
			return l.finish(st, StatusCompleted, reason, started), nil

		default:
			return Result{}, fmt.Errorf("conversation %s: unknown node %q", st.ConversationID, st.Node)
		}
	}
}

func (l *Loop) finish(st state.State, status, reason string, started time.Time) Result {
	res := Result{
		ConversationID: st.ConversationID,
		Status:         status,
		Steps:          st.TurnSteps(),
		Reason:         reason,
	}
	if status == StatusCompleted {
		if idx := st.LastAssistant(); idx >= 0 {
			res.FinalText = st.Messages[idx].Content
		}
	}

	elapsed := time.Since(started)
	l.logger.Info("turn finished",
		"conversation", st.ConversationID,
		"status", status,
		"reason", reason,
		"steps", res.Steps,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.publish(events.KindTurnComplete, map[string]any{
		"conversation_id": st.ConversationID,
		"status":          status,
		"reason":          reason,
		"steps":           res.Steps,
		"elapsed_ms":      elapsed.Milliseconds(),
	})
	return res
}

// generate runs one model call, routes on its reply, and checkpoints
// the result.
func (l *Loop) generate(ctx context.Context, st state.State) (state.State, Decision, error) {
	step := st.Steps + 1
	gctx := tools.WithConversationID(ctx, st.ConversationID)

	msgs := llm.SanitizeForModel(llm.NormalizeMessages(st.Messages))
	if sys := l.systemPrompt(gctx, st); sys != "" {
		msgs = append([]llm.Message{{Role: llm.RoleSystem, Content: sys}}, msgs...)
	}

	l.logger.Debug("calling model",
		"conversation", st.ConversationID,
		"step", step,
		"messages", len(msgs),
	)
	reply, err := l.model.Generate(gctx, msgs, l.registry.Describe())
	if err != nil {
		l.logger.Error("model call failed",
			"conversation", st.ConversationID,
			"step", step,
			"error", err,
		)
		return st, Decision{}, &ModelError{Step: step, Err: err}
	}
	reply = l.assistantReply(st.ConversationID, reply)

	next := state.Apply(st, state.Delta{
		Messages: []llm.Message{reply},
		Steps:    step,
	})
	dec := route(next, l.cfg.StepLimit, l.policy)

	l.publish(events.KindGenerate, map[string]any{
		"conversation_id": st.ConversationID,
		"step":            step,
		"tool_calls":      len(reply.ToolCalls),
	})
	l.publish(events.KindRoute, map[string]any{
		"conversation_id": st.ConversationID,
		"step":            step,
		"next":            string(dec.Next),
		"reason":          dec.Reason,
	})

	trigger := checkpoint.TriggerGenerate
	if dec.Next == state.NodeAct {
		next = state.Apply(next, state.Delta{
			SetPending: true,
			Pending:    reply.ToolCalls,
			Node:       state.NodeAct,
		})
	} else {
		if dec.Blocked != "" {
			l.logger.Info("routing policy ended turn",
				"conversation", st.ConversationID,
				"tool", dec.Blocked,
			)
		}
		next, trigger = l.terminate(ctx, next, dec)
	}

	saved, err := l.persist(ctx, next, trigger)
	return saved, dec, err
}

// assistantReply canonicalizes a model reply. A reply with another role
// is treated as assistant text.
func (l *Loop) assistantReply(conversationID string, reply llm.Message) llm.Message {
	reply = llm.NormalizeMessage(reply)
	if reply.Role != llm.RoleAssistant {
		l.logger.Warn("model reply has non-assistant role, coercing",
			"conversation", conversationID,
			"role", reply.Role,
		)
		reply = llm.Message{Role: llm.RoleAssistant, Content: reply.Content}
	}
	return reply
}

// terminate ends the turn. Calls of the last assistant message that
// will never run are answered with skipped tool messages, so the
// history keeps one result per request.
func (l *Loop) terminate(ctx context.Context, st state.State, dec Decision) (state.State, checkpoint.Trigger) {
	var add []llm.Message
	if last := st.Messages[len(st.Messages)-1]; last.HasToolCalls() {
		detail := "turn ended before this call ran (" + dec.Reason + ")"
		for _, tc := range last.ToolCalls {
			add = append(add, llm.Message{
				Role:       llm.RoleTool,
				Content:    tools.ErrorContent(tools.KindSkipped, detail),
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
	}
	st = state.Apply(st, state.Delta{Messages: add, SetPending: true, Node: state.NodeDone})

	if dec.Reason != ReasonStepLimit || !l.cfg.FinalizeOnLimit || l.finalizer == nil {
		return st, checkpoint.TriggerRoute
	}

	res, err := l.finalizer.Finalize(tools.WithConversationID(ctx, st.ConversationID), st)
	switch {
	case err != nil:
		l.logger.Warn("finalize failed", "conversation", st.ConversationID, "error", err)
	case res.Message != nil:
		msg := llm.Message{Role: llm.RoleAssistant, Content: res.Message.Content}
		return state.Apply(st, state.Delta{Messages: []llm.Message{msg}}), checkpoint.TriggerFinalize
	default:
		l.logger.Info("finalize skipped", "conversation", st.ConversationID, "reason", res.SkipReason)
	}
	return st, checkpoint.TriggerRoute
}

// act runs the pending tool calls unless an interrupt is pending in the
// store, in which case it parks the conversation and reports true.
func (l *Loop) act(ctx context.Context, st state.State) (state.State, bool, error) {
	cur, err := l.store.Load(ctx, st.ConversationID)
	if err != nil {
		return st, false, fmt.Errorf("reload checkpoint: %w", err)
	}
	if cur.InterruptRequested {
		st.InterruptRequested = true
		saved, err := l.persist(ctx, st, checkpoint.TriggerSuspend)
		if err != nil {
			return st, false, err
		}
		l.logger.Info("suspended before tool execution",
			"conversation", st.ConversationID,
			"pending", len(saved.PendingToolCalls),
		)
		l.publish(events.KindSuspended, map[string]any{
			"conversation_id": st.ConversationID,
			"pending":         len(saved.PendingToolCalls),
		})
		return saved, true, nil
	}

	calls := st.PendingToolCalls
	results := l.runTools(ctx, st.ConversationID, calls)

	next := state.Apply(st, state.Delta{
		Messages:   results,
		SetPending: true,
		Counters:   l.policy.Record(st.Steps, calls),
		Node:       state.NodeGenerate,
	})
	saved, err := l.persist(ctx, next, checkpoint.TriggerAct)
	return saved, false, err
}

func (l *Loop) systemPrompt(ctx context.Context, st state.State) string {
	var parts []string
	if p := strings.TrimSpace(l.cfg.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	if l.context != nil {
		extra, err := l.context.GetContext(ctx, lastUserText(st.Messages))
		if err != nil {
			l.logger.Warn("context provider failed", "conversation", st.ConversationID, "error", err)
		} else if extra = strings.TrimSpace(extra); extra != "" {
			parts = append(parts, extra)
		}
	}
	return strings.Join(parts, "\n\n")
}

func lastUserText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// persist writes st as the conversation's checkpoint. An interrupt
// recorded in the store since st was loaded is carried over, never
// lost.
func (l *Loop) persist(ctx context.Context, st state.State, trigger checkpoint.Trigger) (state.State, error) {
	if err := state.Validate(st); err != nil {
		l.logger.Error("checkpoint violates history invariants",
			"conversation", st.ConversationID,
			"trigger", trigger,
			"error", err,
		)
	}

	saved, err := l.store.Update(ctx, st.ConversationID, trigger, func(cur *state.State) error {
		next := st.Clone()
		next.InterruptRequested = st.InterruptRequested || cur.InterruptRequested
		next.Revision = cur.Revision + 1
		next.UpdatedAt = l.now().UTC()
		*cur = next
		return nil
	})
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		first := st.Clone()
		first.Revision = 1
		first.UpdatedAt = l.now().UTC()
		if err := l.store.Save(ctx, st.ConversationID, first, trigger); err != nil {
			return st, fmt.Errorf("save %s checkpoint: %w", trigger, err)
		}
		return first, nil
	}
	if err != nil {
		return st, fmt.Errorf("save %s checkpoint: %w", trigger, err)
	}
	return saved, nil
}

func (l *Loop) clearInterrupt(ctx context.Context, conversationID string) (state.State, error) {
	st, err := l.store.Update(ctx, conversationID, checkpoint.TriggerResume, func(cur *state.State) error {
		cur.InterruptRequested = false
		cur.Revision++
		cur.UpdatedAt = l.now().UTC()
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("clear interrupt: %w", err)
	}
	return st, nil
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.events.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   kind,
		Data:   data,
	})
}
