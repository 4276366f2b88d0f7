package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/state"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "checkpoint_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

// stores returns one of each implementation for contract tests.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newSQLiteStore(t),
		"memory": NewMemoryStore(),
	}
}

func sampleState(id string) state.State {
	calls := []llm.ToolCall{{ID: "tc_1", Name: "calculator", Arguments: `{"expression":"123*987"}`}}
	return state.State{
		ConversationID: id,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "what is 123*987? <b>&</b>"},
			{Role: llm.RoleAssistant, ToolCalls: calls},
		},
		PendingToolCalls:   calls,
		Steps:              1,
		TurnStartStep:      0,
		InterruptRequested: true,
		Flags:              map[string]bool{"rag_used": true},
		Counters:           map[string]int{"expensive:search": 1},
		Node:               state.NodeAct,
		Revision:           3,
		UpdatedAt:          time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleState("c1")
			if err := s.Save(ctx, "c1", want, TriggerSuspend); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := s.Load(ctx, "c1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
			}
			if !got.Suspended() {
				t.Error("loaded state lost its suspension")
			}
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), "nope")
			if !errors.Is(err, ErrNoCheckpoint) {
				t.Errorf("Load() error = %v, want ErrNoCheckpoint", err)
			}
			_, err = s.Update(context.Background(), "nope", TriggerInterrupt, func(*state.State) error { return nil })
			if !errors.Is(err, ErrNoCheckpoint) {
				t.Errorf("Update() error = %v, want ErrNoCheckpoint", err)
			}
		})
	}
}

func TestStore_SaveOverwrites(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := sampleState("c1")
			second := state.Apply(first, state.Delta{Steps: 2, SetPending: true, Node: state.NodeGenerate})

			if err := s.Save(ctx, "c1", first, TriggerGenerate); err != nil {
				t.Fatal(err)
			}
			if err := s.Save(ctx, "c1", second, TriggerAct); err != nil {
				t.Fatal(err)
			}
			got, err := s.Load(ctx, "c1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Steps != 2 || got.PendingToolCalls != nil {
				t.Errorf("Load() = steps %d pending %v, want latest save", got.Steps, got.PendingToolCalls)
			}
		})
	}
}

func TestStore_UpdateErrorWritesNothing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Save(ctx, "c1", sampleState("c1"), TriggerStart); err != nil {
				t.Fatal(err)
			}
			boom := errors.New("boom")
			_, err := s.Update(ctx, "c1", TriggerInterrupt, func(st *state.State) error {
				st.Steps = 99
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Update() error = %v, want boom", err)
			}
			got, _ := s.Load(ctx, "c1")
			if got.Steps != 1 {
				t.Errorf("Steps = %d after failed update, want 1", got.Steps)
			}
		})
	}
}

func TestStore_ConcurrentUpdatesAreAtomic(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Save(ctx, "c1", state.New("c1"), TriggerStart); err != nil {
				t.Fatal(err)
			}

			const n = 20
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, "c1", TriggerInterrupt, func(st *state.State) error {
						st.Revision++
						return nil
					})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("Update: %v", err)
				}
			}

			got, _ := s.Load(ctx, "c1")
			if got.Revision != n {
				t.Errorf("Revision = %d, want %d (lost updates)", got.Revision, n)
			}
		})
	}
}

func TestMemoryStore_NoAliasing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st := sampleState("c1")
	if err := s.Save(ctx, "c1", st, TriggerStart); err != nil {
		t.Fatal(err)
	}
	st.Messages[0].Content = "mutated"
	st.Flags["x"] = true

	got, _ := s.Load(ctx, "c1")
	if got.Messages[0].Content != "be brief" || got.Flags["x"] {
		t.Error("stored state aliases the caller's state")
	}
	if s.LastTrigger("c1") != TriggerStart {
		t.Errorf("LastTrigger = %q", s.LastTrigger("c1"))
	}
}

func TestSQLiteStore_ListDeletePrune(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		st := sampleState(id)
		if id != "a" {
			st.PendingToolCalls = nil
			st.Node = state.NodeDone
		}
		if err := s.Save(ctx, id, st, TriggerGenerate); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	metas, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 3 || metas[0].ConversationID != "c" {
		t.Fatalf("List() = %+v, want newest first", metas)
	}
	if metas[2].ConversationID != "a" || !metas[2].Suspended || metas[2].MessageCount != 3 {
		t.Errorf("meta for a = %+v", metas[2])
	}
	if metas[0].Summary() == "" {
		t.Error("empty summary")
	}

	if err := s.Delete(ctx, "c"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "c"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Delete(missing) = %v, want ErrNoCheckpoint", err)
	}

	// Everything is older than 0s; a is suspended and b is the one to go.
	pruned, err := s.Prune(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Prune() = %d, want 1", pruned)
	}
	if _, err := s.Load(ctx, "a"); err != nil {
		t.Errorf("suspended conversation was pruned: %v", err)
	}
}

func TestMeta_Summary(t *testing.T) {
	m := Meta{
		ConversationID: "c1",
		UpdatedAt:      time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		Trigger:        TriggerSuspend,
		MessageCount:   12,
		Steps:          1,
		Suspended:      true,
	}
	want := "c1 | 2026-01-02 03:04 | suspend | 12 msgs, 1 step | suspended"
	if got := m.Summary(); got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
