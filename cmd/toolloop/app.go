package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/toolloop/internal/agent"
	"github.com/nugget/toolloop/internal/api"
	"github.com/nugget/toolloop/internal/checkpoint"
	"github.com/nugget/toolloop/internal/config"
	"github.com/nugget/toolloop/internal/events"
	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/notes"
	"github.com/nugget/toolloop/internal/search"
	"github.com/nugget/toolloop/internal/tools"
	"github.com/nugget/toolloop/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app is the wired engine shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	store    checkpoint.Store
	history  api.ConversationLister
	usage    *usage.Store
	client   *llm.OllamaClient
	registry *tools.Registry
	loop     *agent.Loop
	bus      *events.Bus
}

// openDB opens the SQLite database holding checkpoints and notes. The
// memory checkpoint driver still gets an in-process database so the
// note tools work.
func openDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Checkpoint.Driver == "memory" {
		db, err := sql.Open("sqlite3", ":memory:")
		if err != nil {
			return nil, err
		}
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		return db, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return sql.Open("sqlite3", cfg.CheckpointPath()+"?_journal_mode=WAL&_busy_timeout=5000")
}

// buildApp wires storage, tools, the model client, and the engine from
// cfg. onToken, when non-nil and streaming is enabled, receives model
// output as it is generated.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, onToken func(string)) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: db, bus: events.New()}

	switch cfg.Checkpoint.Driver {
	case "memory":
		a.store = checkpoint.NewMemoryStore()
	default:
		s, err := checkpoint.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		a.store = s
		a.history = s

		if cfg.Checkpoint.RetainDays > 0 {
			olderThan := time.Duration(cfg.Checkpoint.RetainDays) * 24 * time.Hour
			n, err := s.Prune(ctx, olderThan, 10)
			if err != nil {
				logger.Warn("checkpoint prune failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned old checkpoints", "count", n, "retain_days", cfg.Checkpoint.RetainDays)
			}
		}
	}

	noteStore, err := notes.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open note store: %w", err)
	}
	a.usage, err = usage.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	a.registry = tools.NewRegistry(logger)
	builtins := tools.Builtins{}
	if cfg.Search.Configured() {
		builtins.Searcher = search.NewSearXNG(cfg.Search.SearXNGURL, cfg.Search.Language, logger)
		logger.Debug("search backend configured", "provider", "searxng", "url", cfg.Search.SearXNGURL)
	}
	if err := errors.Join(
		tools.RegisterBuiltins(a.registry, builtins),
		tools.RegisterNoteTools(a.registry, noteStore),
		tools.RegisterUsageTool(a.registry, a.usage, nil),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	scope, err := agent.ParsePolicyScope(cfg.Agent.ExpensiveScope)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.client = llm.NewOllamaClient(cfg.Model.OllamaURL, logger)
	model := agent.ClientGenerator{
		Client:     a.client,
		Model:      cfg.Model.Name,
		OnResponse: a.recordUsage,
	}
	if cfg.Model.Stream {
		model.OnToken = onToken
	}

	opts := []agent.Option{
		agent.WithEvents(a.bus),
		agent.WithFinalizer(agent.ModelFinalizer{Model: model}),
	}
	if len(cfg.Agent.ExpensiveCategories) > 0 {
		opts = append(opts, agent.WithRoutePolicy(
			agent.NewRoutePolicy(a.registry, scope, cfg.Agent.ExpensiveCategories...)))
	}
	if cfg.Agent.NotesInPrompt {
		opts = append(opts, agent.WithContextProvider(
			agent.NewCompositeContextProvider(agent.NewNotesProvider(noteStore, 0))))
	}

	a.loop = agent.NewLoop(agent.Config{
		StepLimit:        cfg.Agent.StepLimit,
		ParallelTools:    cfg.Agent.ParallelTools,
		MaxParallelTools: cfg.Agent.MaxParallelTools,
		FinalizeOnLimit:  cfg.Agent.FinalizeOnLimit,
		SystemPrompt:     cfg.Agent.SystemPrompt,
	}, model, a.registry, a.store, logger, opts...)

	logger.Debug("engine ready",
		"model", cfg.Model.Name,
		"checkpoint", cfg.Checkpoint.Driver,
		"tools", len(a.registry.Describe()),
	)
	return a, nil
}

// recordUsage stores the token counts of one model call. Accounting
// failures are logged and never fail the turn.
func (a *app) recordUsage(ctx context.Context, resp *llm.ChatResponse, elapsed time.Duration) {
	model := resp.Model
	if model == "" {
		model = a.cfg.Model.Name
	}
	rec := usage.Record{
		ConversationID: tools.ConversationIDFromContext(ctx),
		Model:          model,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		Duration:       elapsed,
	}
	if err := a.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Warn("usage record failed", "conversation", rec.ConversationID, "error", err)
	}
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}
