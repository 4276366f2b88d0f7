package tools

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/toolloop/internal/usage"
)

func usageRegistry(t *testing.T) (*Registry, *usage.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := usage.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r := NewRegistry(nil)
	if err := RegisterUsageTool(r, store, nil); err != nil {
		t.Fatalf("RegisterUsageTool: %v", err)
	}
	return r, store
}

func TestUsageSummary(t *testing.T) {
	r, store := usageRegistry(t)
	ctx := context.Background()

	now := time.Now()
	for _, rec := range []usage.Record{
		{Timestamp: now, ConversationID: "c1", Model: "qwen3:4b", InputTokens: 1200, OutputTokens: 30},
		{Timestamp: now, ConversationID: "c2", Model: "llama3.2", InputTokens: 5, OutputTokens: 5},
	} {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	res, err := r.Invoke(WithConversationID(ctx, "c1"), "usage_summary", `{"period":"today","by_model":true}`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", res.Content)
	}
	for _, want := range []string{
		"This conversation:\n  1 model calls, 1.2K in / 30 out",
		"All conversations (today):\n  2 model calls, 1.2K in / 35 out",
		"llama3.2: ",
		"qwen3:4b: ",
	} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("content missing %q:\n%s", want, res.Content)
		}
	}
	if strings.Index(res.Content, "llama3.2") > strings.Index(res.Content, "qwen3:4b") {
		t.Error("models not sorted")
	}
}

func TestUsageSummary_NoConversation(t *testing.T) {
	r, _ := usageRegistry(t)

	res, err := r.Invoke(context.Background(), "usage_summary", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Content, "This conversation") {
		t.Errorf("content = %q, want only totals", res.Content)
	}
	if !strings.Contains(res.Content, "All conversations (all):\n  0 model calls") {
		t.Errorf("content = %q", res.Content)
	}
	if got := r.Category("usage_summary"); got != CategoryCompute {
		t.Errorf("category = %q, want %q", got, CategoryCompute)
	}
}

func TestUsageSummary_BadPeriod(t *testing.T) {
	r, _ := usageRegistry(t)

	_, err := r.Invoke(context.Background(), "usage_summary", `{"period":"fortnight"}`)
	var invalid *ErrInvalidArguments
	if !errors.As(err, &invalid) {
		t.Errorf("error = %v, want ErrInvalidArguments from the schema", err)
	}
}

func TestRegisterUsageTool_NilStore(t *testing.T) {
	if err := RegisterUsageTool(NewRegistry(nil), nil, nil); err == nil {
		t.Error("nil store accepted")
	}
}
