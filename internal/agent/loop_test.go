package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nugget/toolloop/internal/checkpoint"
	"github.com/nugget/toolloop/internal/events"
	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/state"
	"github.com/nugget/toolloop/internal/tools"
)

// mockModel replays scripted replies and records every request.
type mockModel struct {
	mu       sync.Mutex
	replies  []llm.Message
	calls    [][]llm.Message
	catalogs [][]tools.Descriptor
	err      error
	onCall   func(n int)
}

func (m *mockModel) Generate(_ context.Context, msgs []llm.Message, catalog []tools.Descriptor) (llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.calls)
	m.calls = append(m.calls, llm.CloneMessages(msgs))
	m.catalogs = append(m.catalogs, catalog)
	if m.onCall != nil {
		m.onCall(n)
	}
	if m.err != nil {
		return llm.Message{}, m.err
	}
	if n >= len(m.replies) {
		return llm.Message{}, fmt.Errorf("unexpected model call %d", n+1)
	}
	return m.replies[n], nil
}

func (m *mockModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func toolReply(calls ...llm.ToolCall) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}
}

func textReply(s string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: s}
}

func call(name, args string) llm.ToolCall {
	return llm.ToolCall{Name: name, Arguments: args}
}

type sleepInput struct {
	Ms int `json:"ms"`
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil)
	fixed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	if err := tools.RegisterBuiltins(r, tools.Builtins{
		Now:      func() time.Time { return fixed },
		Searcher: fakeSearcher{},
	}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	err := errors.Join(
		r.Register("fail", "Always fails.", nil, func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		}),
		r.Register("boom", "Always panics.", nil, func(context.Context, json.RawMessage) (any, error) {
			panic("kaboom")
		}),
		r.Register("whoami", "Reports the call context.", nil, func(ctx context.Context, _ json.RawMessage) (any, error) {
			return tools.ConversationIDFromContext(ctx) + "/" + tools.CallIDFromContext(ctx), nil
		}),
		tools.RegisterFunc(r, "sleep", "Sleeps.", func(ctx context.Context, in sleepInput) (any, error) {
			time.Sleep(time.Duration(in.Ms) * time.Millisecond)
			return fmt.Sprintf("slept %d", in.Ms), nil
		}),
	)
	if err != nil {
		t.Fatalf("register test tools: %v", err)
	}
	return r
}

type fakeSearcher struct{}

func (fakeSearcher) Search(_ context.Context, query string, topK int) ([]tools.SearchHit, error) {
	return []tools.SearchHit{{Title: "About " + query, Snippet: "stub"}}, nil
}

func buildTestLoop(t *testing.T, model Generator, cfg Config, opts ...Option) (*Loop, *checkpoint.MemoryStore) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	return NewLoop(cfg, model, testRegistry(t), store, nil, opts...), store
}

func mustState(t *testing.T, l *Loop, id string) state.Snapshot {
	t.Helper()
	snap, err := l.State(context.Background(), id)
	if err != nil {
		t.Fatalf("State(%q): %v", id, err)
	}
	return snap
}

func mustLoad(t *testing.T, store checkpoint.Store, id string) state.State {
	t.Helper()
	st, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%q): %v", id, err)
	}
	if err := state.Validate(st); err != nil {
		t.Errorf("persisted state for %q is malformed: %v", id, err)
	}
	return st
}

func TestStart_CalculatorRoundTrip(t *testing.T) {
	model := &mockModel{replies: []llm.Message{
		toolReply(call("calculator", `{"expression":"123*987"}`)),
		textReply("123 times 987 is 121401."),
	}}
	loop, store := buildTestLoop(t, model, Config{StepLimit: 6})

	res, err := loop.Start(context.Background(), "c1", "What is 123*987?")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if res.Status != StatusCompleted || res.Reason != ReasonNoToolCalls {
		t.Errorf("result = %+v, want completed/no_tool_calls", res)
	}
	if !strings.Contains(res.FinalText, "121401") {
		t.Errorf("FinalText = %q, want it to contain 121401", res.FinalText)
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}

	st := mustLoad(t, store, "c1")
	roles := make([]llm.Role, len(st.Messages))
	for i, m := range st.Messages {
		roles[i] = m.Role
	}
	wantRoles := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	if !reflect.DeepEqual(roles, wantRoles) {
		t.Fatalf("roles = %v, want %v", roles, wantRoles)
	}

	tc := st.Messages[1].ToolCalls[0]
	if !strings.HasPrefix(tc.ID, "tc_") {
		t.Errorf("tool call id = %q, want a fabricated id", tc.ID)
	}
	toolMsg := st.Messages[2]
	if toolMsg.ToolCallID != tc.ID || toolMsg.Name != "calculator" {
		t.Errorf("tool message = %+v, want answer to %q", toolMsg, tc.ID)
	}
	if toolMsg.Content != "123*987 = 121401" {
		t.Errorf("tool content = %q, want %q", toolMsg.Content, "123*987 = 121401")
	}
	if len(st.PendingToolCalls) != 0 {
		t.Errorf("pending = %v, want none", st.PendingToolCalls)
	}
	if st.Node != state.NodeDone {
		t.Errorf("Node = %q, want done", st.Node)
	}

	// The second model call sees the tool result and the catalog.
	if got := model.calls[1][len(model.calls[1])-1]; got.Role != llm.RoleTool {
		t.Errorf("second call last message role = %q, want tool", got.Role)
	}
	if len(model.catalogs[0]) == 0 {
		t.Error("model call was not given the tool catalog")
	}
}

func TestStart_InterruptBeforeAct(t *testing.T) {
	ctx := context.Background()
	model := &mockModel{replies: []llm.Message{
		toolReply(call("calculator", `{"expression":"2+2"}`)),
		textReply("It is 4."),
	}}
	loop, store := buildTestLoop(t, model, Config{StepLimit: 6})

	// The interrupt lands while the first model call is in flight.
	model.onCall = func(n int) {
		if n == 0 {
			if err := loop.Interrupt(ctx, "c2"); err != nil {
				t.Errorf("Interrupt() error: %v", err)
			}
		}
	}

	res, err := loop.Start(ctx, "c2", "unused")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !res.Suspended() || res.Reason != ReasonInterrupted {
		t.Fatalf("result = %+v, want suspended/interrupted", res)
	}
	if res.FinalText != "" {
		t.Errorf("FinalText = %q, want empty while suspended", res.FinalText)
	}

	snap := mustState(t, loop, "c2")
	if !snap.Suspended {
		t.Error("snapshot not suspended")
	}
	if len(snap.PendingToolCalls) != 1 {
		t.Fatalf("pending = %d, want 1", len(snap.PendingToolCalls))
	}
	if snap.Node != state.NodeAct {
		t.Errorf("Node = %q, want act", snap.Node)
	}
	if got := store.LastTrigger("c2"); got != checkpoint.TriggerSuspend {
		t.Errorf("last trigger = %q, want suspend", got)
	}
	// No tool ran.
	for _, m := range snap.Messages {
		if m.Role == llm.RoleTool {
			t.Errorf("tool message present before resume: %+v", m)
		}
	}

	model.onCall = nil
	res, err = loop.Resume(ctx, "c2")
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if res.Status != StatusCompleted || res.FinalText != "It is 4." {
		t.Errorf("resume result = %+v, want completed with final text", res)
	}

	st := mustLoad(t, store, "c2")
	if len(st.PendingToolCalls) != 0 {
		t.Errorf("pending after resume = %v, want none", st.PendingToolCalls)
	}
	if st.InterruptRequested {
		t.Error("interrupt flag still set after resume")
	}
	if st.Steps != 2 {
		t.Errorf("Steps = %d, want 2", st.Steps)
	}
}

func TestStart_RejectsSuspendedConversation(t *testing.T) {
	ctx := context.Background()
	model := &mockModel{replies: []llm.Message{toolReply(call("calculator", `{"expression":"1"}`))}}
	loop, _ := buildTestLoop(t, model, Config{})
	model.onCall = func(int) { _ = loop.Interrupt(ctx, "c3") }

	if _, err := loop.Start(ctx, "c3", "hi"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	_, err := loop.Start(ctx, "c3", "again")
	if !errors.Is(err, ErrConversationSuspended) {
		t.Errorf("second Start() error = %v, want ErrConversationSuspended", err)
	}
}

func TestStart_StepLimitAlwaysTool(t *testing.T) {
	var calls int
	model := GeneratorFunc(func(context.Context, []llm.Message, []tools.Descriptor) (llm.Message, error) {
		calls++
		return toolReply(call("calculator", fmt.Sprintf(`{"expression":"%d+1"}`, calls))), nil
	})
	loop, store := buildTestLoop(t, model, Config{StepLimit: 6})

	res, err := loop.Start(context.Background(), "loop", "count forever")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if res.Steps != 6 || calls != 6 {
		t.Errorf("steps = %d, model calls = %d, want 6 and 6", res.Steps, calls)
	}
	if res.Reason != ReasonStepLimit || res.Status != StatusCompleted {
		t.Errorf("result = %+v, want completed/step_limit", res)
	}

	st := mustLoad(t, store, "loop")
	last := st.Messages[len(st.Messages)-1]
	if last.Role != llm.RoleTool {
		t.Fatalf("last message role = %q, want a skipped tool result", last.Role)
	}
	if got := gjson.Get(last.Content, "kind").String(); got != tools.KindSkipped {
		t.Errorf("last tool kind = %q, want skipped", got)
	}
	if len(st.PendingToolCalls) != 0 {
		t.Errorf("pending = %v, want none after termination", st.PendingToolCalls)
	}
	if got := store.LastTrigger("loop"); got != checkpoint.TriggerRoute {
		t.Errorf("last trigger = %q, want route", got)
	}
}

func TestStart_StepLimitCountsPerTurn(t *testing.T) {
	ctx := context.Background()
	model := &mockModel{replies: []llm.Message{
		toolReply(call("calculator", `{"expression":"1+1"}`)),
		textReply("2"),
		toolReply(call("calculator", `{"expression":"2+2"}`)),
		textReply("4"),
	}}
	loop, _ := buildTestLoop(t, model, Config{StepLimit: 2})

	for _, q := range []string{"1+1?", "2+2?"} {
		res, err := loop.Start(ctx, "multi", q)
		if err != nil {
			t.Fatalf("Start(%q) error: %v", q, err)
		}
		if res.Reason != ReasonNoToolCalls || res.Steps != 2 {
			t.Errorf("Start(%q) = %+v, want two steps ending without tools", q, res)
		}
	}
	if snap := mustState(t, loop, "multi"); snap.Steps != 4 || snap.TurnSteps != 2 {
		t.Errorf("steps = %d turn = %d, want 4 and 2", snap.Steps, snap.TurnSteps)
	}
}

func TestStart_FinalizeOnLimit(t *testing.T) {
	model := GeneratorFunc(func(context.Context, []llm.Message, []tools.Descriptor) (llm.Message, error) {
		return toolReply(call("get_time", `{}`)), nil
	})

	var gotCatalog []tools.Descriptor
	var sawInstruction bool
	closing := GeneratorFunc(func(_ context.Context, msgs []llm.Message, catalog []tools.Descriptor) (llm.Message, error) {
		gotCatalog = catalog
		sawInstruction = msgs[len(msgs)-1].Content == DefaultFinalizeInstruction
		// Tool calls from the finalizer are dropped.
		return llm.Message{
			Role:      llm.RoleAssistant,
			Content:   "I could not finish, but it is mid-afternoon.",
			ToolCalls: []llm.ToolCall{call("get_time", `{}`)},
		}, nil
	})

	loop, store := buildTestLoop(t, model, Config{StepLimit: 3, FinalizeOnLimit: true},
		WithFinalizer(ModelFinalizer{Model: closing}))

	res, err := loop.Start(context.Background(), "fin", "what time is it, really?")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if res.FinalText != "I could not finish, but it is mid-afternoon." {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	if res.Steps != 3 {
		t.Errorf("Steps = %d, want 3 (finalize is not a step)", res.Steps)
	}
	if gotCatalog != nil {
		t.Errorf("finalizer was offered tools: %v", gotCatalog)
	}
	if !sawInstruction {
		t.Error("finalizer did not send the closing instruction")
	}

	st := mustLoad(t, store, "fin")
	last := st.Messages[len(st.Messages)-1]
	if last.Role != llm.RoleAssistant || len(last.ToolCalls) != 0 {
		t.Errorf("last message = %+v, want plain assistant text", last)
	}
	if got := store.LastTrigger("fin"); got != checkpoint.TriggerFinalize {
		t.Errorf("last trigger = %q, want finalize", got)
	}
}

func TestStart_FinalizeSkipped(t *testing.T) {
	model := GeneratorFunc(func(context.Context, []llm.Message, []tools.Descriptor) (llm.Message, error) {
		return toolReply(call("get_time", `{}`)), nil
	})
	empty := GeneratorFunc(func(context.Context, []llm.Message, []tools.Descriptor) (llm.Message, error) {
		return textReply("   "), nil
	})
	loop, store := buildTestLoop(t, model, Config{StepLimit: 1, FinalizeOnLimit: true},
		WithFinalizer(ModelFinalizer{Model: empty}))

	res, err := loop.Start(context.Background(), "skip", "now?")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if res.Reason != ReasonStepLimit {
		t.Errorf("Reason = %q, want step_limit", res.Reason)
	}
	if got := store.LastTrigger("skip"); got != checkpoint.TriggerRoute {
		t.Errorf("last trigger = %q, want route", got)
	}
}

func TestAct_FaultIsolation(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			model := &mockModel{replies: []llm.Message{
				toolReply(
					call("no_such_tool", `{}`),
					call("calculator", `{"expression":5}`),
					call("fail", `{}`),
					call("boom", `{}`),
					call("", `{}`),
					call("calculator", `{"expression":"6*7"}`),
				),
				textReply("Some tools failed, but 6*7 is 42."),
			}}
			loop, store := buildTestLoop(t, model, Config{ParallelTools: parallel, MaxParallelTools: 2})

			res, err := loop.Start(context.Background(), "faults", "try everything")
			if err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			if res.Status != StatusCompleted {
				t.Fatalf("Status = %q, want completed", res.Status)
			}

			st := mustLoad(t, store, "faults")
			requested := st.Messages[1].ToolCalls
			results := st.Messages[2 : 2+len(requested)]
			wantKinds := []string{
				tools.KindUnknownTool,
				tools.KindInvalidArguments,
				tools.KindHandlerError,
				tools.KindPanic,
				tools.KindMissingName,
				"",
			}
			for i, m := range results {
				if m.Role != llm.RoleTool || m.ToolCallID != requested[i].ID {
					t.Errorf("result %d = %+v, want tool answer to %q", i, m, requested[i].ID)
				}
				kind := gjson.Get(m.Content, "kind").String()
				if wantKinds[i] == "" {
					if m.Content != "6*7 = 42" {
						t.Errorf("result %d content = %q, want 6*7 = 42", i, m.Content)
					}
					continue
				}
				if !gjson.Get(m.Content, "error").Bool() || kind != wantKinds[i] {
					t.Errorf("result %d content = %s, want error kind %q", i, m.Content, wantKinds[i])
				}
			}
		})
	}
}

func TestAct_ParallelKeepsRequestOrder(t *testing.T) {
	model := &mockModel{replies: []llm.Message{
		toolReply(
			call("sleep", `{"ms":40}`),
			call("sleep", `{"ms":1}`),
			call("sleep", `{"ms":20}`),
		),
		textReply("rested"),
	}}
	loop, store := buildTestLoop(t, model, Config{ParallelTools: true})

	if _, err := loop.Start(context.Background(), "par", "nap"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	st := mustLoad(t, store, "par")
	want := []string{"slept 40", "slept 1", "slept 20"}
	for i, w := range want {
		m := st.Messages[2+i]
		if m.Content != w || m.ToolCallID != st.Messages[1].ToolCalls[i].ID {
			t.Errorf("result %d = %+v, want %q answering call %d", i, m, w, i)
		}
	}
}

func TestAct_ToolContext(t *testing.T) {
	model := &mockModel{replies: []llm.Message{
		toolReply(llm.ToolCall{ID: "call-7", Name: "whoami", Arguments: `{}`}),
		textReply("ok"),
	}}
	loop, store := buildTestLoop(t, model, Config{})

	if _, err := loop.Start(context.Background(), "ctx-conv", "who?"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	st := mustLoad(t, store, "ctx-conv")
	if got := st.Messages[2].Content; got != "ctx-conv/call-7" {
		t.Errorf("whoami = %q, want ctx-conv/call-7", got)
	}
}

func TestStart_ModelErrorPropagates(t *testing.T) {
	ctx := context.Background()
	model := &mockModel{err: errors.New("connection refused")}
	loop, store := buildTestLoop(t, model, Config{})

	_, err := loop.Start(ctx, "down", "hello?")
	if !errors.Is(err, ErrModelTransport) {
		t.Fatalf("Start() error = %v, want ErrModelTransport", err)
	}
	var me *ModelError
	if !errors.As(err, &me) || me.Step != 1 {
		t.Errorf("error = %#v, want *ModelError for step 1", err)
	}

	// The user message is checkpointed and the turn can be retried.
	st := mustLoad(t, store, "down")
	if len(st.Messages) != 1 || st.Node != state.NodeGenerate || st.Steps != 0 {
		t.Errorf("state after failure = %+v, want one message at generate", st)
	}

	model.mu.Lock()
	model.err = nil
	model.replies = []llm.Message{{}, textReply("back online")}
	model.mu.Unlock()

	// A new message would stack a second user turn on the unanswered one.
	if _, err := loop.Start(ctx, "down", "hello again?"); !errors.Is(err, ErrTurnUnfinished) {
		t.Fatalf("Start() after failure error = %v, want ErrTurnUnfinished", err)
	}
	if st := mustLoad(t, store, "down"); len(st.Messages) != 1 {
		t.Errorf("rejected Start wrote %d messages, want 1", len(st.Messages))
	}

	res, err := loop.Resume(ctx, "down")
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if res.FinalText != "back online" || res.Steps != 1 {
		t.Errorf("resume result = %+v, want one step with final text", res)
	}
}

func TestResume_NothingToResume(t *testing.T) {
	loop, _ := buildTestLoop(t, &mockModel{}, Config{})

	_, err := loop.Resume(context.Background(), "never-started")
	if !errors.Is(err, ErrNothingToResume) {
		t.Errorf("Resume() error = %v, want ErrNothingToResume", err)
	}
}

func TestResume_ReplaysCompletedConversation(t *testing.T) {
	ctx := context.Background()
	model := &mockModel{replies: []llm.Message{textReply("Hello there.")}}
	loop, _ := buildTestLoop(t, model, Config{})

	if _, err := loop.Start(ctx, "done", "hi"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	res, err := loop.Resume(ctx, "done")
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if res.FinalText != "Hello there." || res.Reason != ReasonReplayed {
		t.Errorf("Resume() = %+v, want replay of last answer", res)
	}
	if n := model.callCount(); n != 1 {
		t.Errorf("model calls = %d, want 1 (replay makes no call)", n)
	}
}

func TestInterrupt_UnknownConversation(t *testing.T) {
	loop, _ := buildTestLoop(t, &mockModel{}, Config{})

	err := loop.Interrupt(context.Background(), "ghost")
	if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Errorf("Interrupt() error = %v, want ErrNoCheckpoint", err)
	}
}

func TestInterrupt_Idempotent(t *testing.T) {
	ctx := context.Background()
	model := &mockModel{replies: []llm.Message{textReply("hi")}}
	loop, _ := buildTestLoop(t, model, Config{})
	if _, err := loop.Start(ctx, "idem", "hello"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := loop.Interrupt(ctx, "idem"); err != nil {
			t.Fatalf("Interrupt() #%d error: %v", i+1, err)
		}
	}
	snap := mustState(t, loop, "idem")
	if !snap.InterruptRequested || snap.Suspended {
		t.Errorf("snapshot = %+v, want flag set on a finished conversation", snap)
	}
}

func TestSuspendResumeMatchesStraightRun(t *testing.T) {
	ctx := context.Background()
	script := func() []llm.Message {
		return []llm.Message{
			toolReply(call("calculator", `{"expression":"3**4"}`), call("get_time", `{"timezone":"UTC"}`)),
			toolReply(call("calculator", `{"expression":"81+1"}`)),
			textReply("82, and it is 15:09 UTC."),
		}
	}

	straight, straightStore := buildTestLoop(t, &mockModel{replies: script()}, Config{})
	want, err := straight.Start(ctx, "eq", "go")
	if err != nil {
		t.Fatalf("straight Start() error: %v", err)
	}

	model := &mockModel{replies: script()}
	interrupted, store := buildTestLoop(t, model, Config{})
	model.onCall = func(n int) {
		// Interrupt before each ACT.
		if n < 2 {
			_ = interrupted.Interrupt(ctx, "eq")
		}
	}

	got, err := interrupted.Start(ctx, "eq", "go")
	for err == nil && got.Suspended() {
		got, err = interrupted.Resume(ctx, "eq")
	}
	if err != nil {
		t.Fatalf("interrupted run error: %v", err)
	}

	if got.FinalText != want.FinalText || got.Steps != want.Steps {
		t.Errorf("result = %+v, want %+v", got, want)
	}
	a := mustLoad(t, straightStore, "eq")
	b := mustLoad(t, store, "eq")
	if !reflect.DeepEqual(a.Messages, b.Messages) {
		t.Errorf("histories differ:\nstraight:    %+v\ninterrupted: %+v", a.Messages, b.Messages)
	}
	if !reflect.DeepEqual(a.PendingToolCalls, b.PendingToolCalls) || a.Steps != b.Steps {
		t.Errorf("pending/steps differ: %v/%d vs %v/%d", a.PendingToolCalls, a.Steps, b.PendingToolCalls, b.Steps)
	}
}

func TestEdit_ForksConversation(t *testing.T) {
	ctx := context.Background()
	model := &mockModel{replies: []llm.Message{
		textReply("Paris."),
		textReply("Berlin."),
		textReply("Rome."),
	}}
	loop, store := buildTestLoop(t, model, Config{})

	for _, q := range []string{"Capital of France?", "Capital of Germany?"} {
		if _, err := loop.Start(ctx, "orig", q); err != nil {
			t.Fatalf("Start(%q) error: %v", q, err)
		}
	}
	before := mustLoad(t, store, "orig")

	res, err := loop.Edit(ctx, "orig", "fork", -1, "Capital of Italy?")
	if err != nil {
		t.Fatalf("Edit() error: %v", err)
	}
	if res.FinalText != "Rome." {
		t.Errorf("FinalText = %q, want Rome.", res.FinalText)
	}

	after := mustLoad(t, store, "orig")
	if !reflect.DeepEqual(before.Messages, after.Messages) {
		t.Error("source conversation changed")
	}
	fork := mustLoad(t, store, "fork")
	if len(fork.Messages) != 4 || fork.Messages[2].Content != "Capital of Italy?" {
		t.Errorf("fork messages = %+v", fork.Messages)
	}

	if _, err := loop.Edit(ctx, "orig", "fork", -1, "again"); !errors.Is(err, ErrConversationExists) {
		t.Errorf("second Edit() error = %v, want ErrConversationExists", err)
	}
	if _, err := loop.Edit(ctx, "orig", "fork2", 1, "not a user turn"); !errors.Is(err, ErrNotUserMessage) {
		t.Errorf("Edit() at assistant index error = %v, want ErrNotUserMessage", err)
	}

	// Editing the first question keeps nothing before it.
	res, err = loop.Edit(ctx, "orig", "fork3", 0, "Capital of Spain?")
	if err == nil {
		t.Fatalf("Edit() with exhausted script = %+v, want model error", res)
	}
	if first := mustLoad(t, store, "fork3"); len(first.Messages) != 1 || first.Messages[0].Content != "Capital of Spain?" {
		t.Errorf("fork3 messages = %+v, want only the edited question", first.Messages)
	}
}

func TestStart_CoercesNonAssistantReply(t *testing.T) {
	model := &mockModel{replies: []llm.Message{{Role: llm.RoleUser, Content: "I am the model"}}}
	loop, store := buildTestLoop(t, model, Config{})

	res, err := loop.Start(context.Background(), "odd", "hi")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if res.FinalText != "I am the model" {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	st := mustLoad(t, store, "odd")
	if st.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("reply role = %q, want assistant", st.Messages[1].Role)
	}
}

func TestStart_EmptyConversationID(t *testing.T) {
	loop, _ := buildTestLoop(t, &mockModel{}, Config{})
	if _, err := loop.Start(context.Background(), " ", "hi"); !errors.Is(err, ErrEmptyConversationID) {
		t.Errorf("Start() error = %v, want ErrEmptyConversationID", err)
	}
}

func TestStart_SystemPromptNotPersisted(t *testing.T) {
	model := &mockModel{replies: []llm.Message{textReply("ok")}}
	loop, store := buildTestLoop(t, model, Config{SystemPrompt: "Be brief."},
		WithContextProvider(StaticProvider("Today is Saturday.")))

	if _, err := loop.Start(context.Background(), "sys", "hi"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	first := model.calls[0][0]
	if first.Role != llm.RoleSystem || first.Content != "Be brief.\n\nToday is Saturday." {
		t.Errorf("first message = %+v, want combined system prompt", first)
	}
	for _, m := range mustLoad(t, store, "sys").Messages {
		if m.Role == llm.RoleSystem {
			t.Error("system prompt was persisted")
		}
	}
}

func TestStart_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(64, nil)
	defer bus.Unsubscribe(ch)

	model := &mockModel{replies: []llm.Message{
		toolReply(call("calculator", `{"expression":"1+1"}`)),
		textReply("2"),
	}}
	loop, _ := buildTestLoop(t, model, Config{}, WithEvents(bus))
	if _, err := loop.Start(context.Background(), "ev", "1+1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	wantKeys := map[string][]string{
		events.KindTurnStart:    {"conversation_id", "steps", "resumed"},
		events.KindGenerate:     {"conversation_id", "step", "tool_calls"},
		events.KindRoute:        {"conversation_id", "step", "next", "reason"},
		events.KindToolCall:     {"conversation_id", "tool", "call_id"},
		events.KindToolDone:     {"conversation_id", "tool", "call_id", "ok", "kind", "duration_ms"},
		events.KindTurnComplete: {"conversation_id", "status", "reason", "steps", "elapsed_ms"},
	}
	var kinds []string
	for len(ch) > 0 {
		e := <-ch
		if e.Source != events.SourceAgent {
			t.Errorf("event source = %q, want agent", e.Source)
		}
		if e.ConversationID() != "ev" {
			t.Errorf("%s: conversation_id = %q, want ev", e.Kind, e.ConversationID())
		}
		for _, k := range wantKeys[e.Kind] {
			if _, ok := e.Data[k]; !ok {
				t.Errorf("%s event missing %q: %v", e.Kind, k, e.Data)
			}
		}
		kinds = append(kinds, e.Kind)
	}
	want := []string{
		events.KindTurnStart,
		events.KindGenerate, events.KindRoute,
		events.KindToolCall, events.KindToolDone,
		events.KindGenerate, events.KindRoute,
		events.KindTurnComplete,
	}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
}
