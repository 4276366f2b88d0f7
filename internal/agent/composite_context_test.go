package agent

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/toolloop/internal/checkpoint"
	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/notes"
	"github.com/nugget/toolloop/internal/tools"
)

type failingProvider struct{}

func (failingProvider) GetContext(context.Context, string) (string, error) {
	return "", errors.New("unavailable")
}

func TestCompositeContextProvider(t *testing.T) {
	c := NewCompositeContextProvider(
		StaticProvider("first"),
		nil,
		failingProvider{},
		StaticProvider("  "),
		StaticProvider("second\n"),
	)
	got, err := c.GetContext(context.Background(), "hi")
	if err != nil {
		t.Fatalf("GetContext() error: %v", err)
	}
	if got != "first\n\nsecond" {
		t.Errorf("GetContext() = %q, want %q", got, "first\n\nsecond")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agent_test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open %q: %v", dbPath, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNotesProvider(t *testing.T) {
	ns, err := notes.NewStore(openTestDB(t))
	if err != nil {
		t.Fatalf("notes.NewStore: %v", err)
	}
	ctx := tools.WithConversationID(context.Background(), "c1")
	if err := ns.Set(ctx, "c1", "color", "blue"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ns.Set(ctx, "other", "color", "red"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := NewNotesProvider(ns, 0).GetContext(ctx, "")
	if err != nil {
		t.Fatalf("GetContext() error: %v", err)
	}
	if !strings.Contains(got, "- color: blue") || strings.Contains(got, "red") {
		t.Errorf("GetContext() = %q, want only this conversation's notes", got)
	}

	empty, err := NewNotesProvider(ns, 0).GetContext(tools.WithConversationID(context.Background(), "nobody"), "")
	if err != nil || empty != "" {
		t.Errorf("GetContext() for empty namespace = %q, %v; want empty", empty, err)
	}
}

// The engine runs unchanged over the SQLite checkpoint store, including
// a remember call whose note shows up in the next model call's prompt.
func TestLoop_SQLiteStoreWithNotes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ns, err := notes.NewStore(db)
	if err != nil {
		t.Fatalf("notes.NewStore: %v", err)
	}
	registry := testRegistry(t)
	if err := tools.RegisterNoteTools(registry, ns); err != nil {
		t.Fatalf("RegisterNoteTools: %v", err)
	}

	model := &mockModel{replies: []llm.Message{
		toolReply(call("remember", `{"key":"pet","value":"a cat named Go"}`)),
		textReply("Noted."),
	}}
	loop := NewLoop(Config{}, model, registry, store, nil,
		WithContextProvider(NewNotesProvider(ns, 5)))
	model.onCall = func(n int) {
		if n == 0 {
			_ = loop.Interrupt(ctx, "sql")
		}
	}

	res, err := loop.Start(ctx, "sql", "My pet is a cat named Go.")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !res.Suspended() {
		t.Fatalf("Start() = %+v, want suspended", res)
	}

	res, err = loop.Resume(ctx, "sql")
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if res.FinalText != "Noted." {
		t.Errorf("FinalText = %q, want Noted.", res.FinalText)
	}

	second := model.calls[1][0]
	if second.Role != llm.RoleSystem || !strings.Contains(second.Content, "pet: a cat named Go") {
		t.Errorf("second call system prompt = %+v, want the remembered note", second)
	}

	st := mustLoad(t, store, "sql")
	if st.Revision < 4 {
		t.Errorf("Revision = %d, want one per checkpoint write", st.Revision)
	}
}
