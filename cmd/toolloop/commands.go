package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolloop/internal/agent"
	"github.com/nugget/toolloop/internal/api"
	"github.com/nugget/toolloop/internal/buildinfo"
	"github.com/nugget/toolloop/internal/connwatch"
	"github.com/nugget/toolloop/internal/events"
	"github.com/nugget/toolloop/internal/mqtt"
	"github.com/nugget/toolloop/internal/transcript"
	"github.com/nugget/toolloop/internal/usage"
)

// runServe starts the API server and, when configured, the MQTT
// forwarder. It blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, logger, err := setup(stdout, opts)
	if err != nil {
		return err
	}
	logger.Info("starting toolloop", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.registry, logger)
	server.SetEventBus(a.bus)
	server.SetUsage(a.usage)
	if a.history != nil {
		server.SetHistory(a.history)
	}

	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	watch.Watch(ctx, "model", a.client.Ping, connwatch.DefaultBackoff(), func(st connwatch.ServiceStatus) {
		publishServiceStatus(a.bus, st)
	})
	server.SetHealth(watch)

	var pub *mqtt.Publisher
	if cfg.MQTT.Enabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, instanceID, a.bus, a.loop, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if pub != nil {
			if err := pub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("toolloop stopped")
	return nil
}

// runAsk runs one user turn. Without -c a new conversation id is
// generated.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	var id string
	var words []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" && i+1 < len(args) {
			id = args[i+1]
			i++
			continue
		}
		words = append(words, args[i])
	}
	question := strings.Join(words, " ")
	if question == "" {
		return usageError("toolloop ask [-c id] <question>")
	}
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate conversation id: %w", err)
		}
		id = u.String()
	}

	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}

	// Streamed tokens go straight to the terminal in text mode.
	var streamed bool
	var onToken func(string)
	if opts.output == outputText {
		onToken = func(tok string) {
			streamed = true
			io.WriteString(stdout, tok)
		}
	}

	a, err := buildApp(ctx, cfg, logger, onToken)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.loop.Start(ctx, id, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if streamed {
		fmt.Fprintln(stdout)
		res.FinalText = ""
	}
	return printResult(ctx, stdout, a, opts.output, res)
}

func runResume(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	if len(args) != 1 {
		return usageError("toolloop resume <id>")
	}
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.loop.Resume(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return printResult(ctx, stdout, a, opts.output, res)
}

func runInterrupt(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	if len(args) != 1 {
		return usageError("toolloop interrupt <id>")
	}
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loop.Interrupt(ctx, args[0]); err != nil {
		return err
	}
	if opts.output == outputJSON {
		return writeJSON(stdout, map[string]any{"conversation_id": args[0], "interrupt_requested": true})
	}
	fmt.Fprintf(stdout, "Interrupt requested for %s\n", args[0])
	return nil
}

func runState(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	if len(args) != 1 {
		return usageError("toolloop state <id>")
	}
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return printState(ctx, stdout, a, opts.output, args[0])
}

// runEdit forks a conversation: edit [-i index] [-n new-id] <id> <message>.
func runEdit(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	index := -1
	var newID string
	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-i" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return usageError("-i wants a message index, got %q", args[i+1])
			}
			index = n
			i++
		case args[i] == "-n" && i+1 < len(args):
			newID = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}
	if len(rest) < 2 {
		return usageError("toolloop edit [-i index] [-n new-id] <id> <message>")
	}
	if newID == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate conversation id: %w", err)
		}
		newID = u.String()
	}

	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.loop.Edit(ctx, rest[0], newID, index, strings.Join(rest[1:], " "))
	if err != nil {
		return fmt.Errorf("edit: %w", err)
	}
	return printResult(ctx, stdout, a, opts.output, res)
}

func runList(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return usageError("toolloop list [limit]")
		}
		limit = n
	}
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.history == nil {
		return errors.New("list: the memory checkpoint driver keeps no history")
	}
	metas, err := a.history.List(ctx, limit)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if opts.output == outputJSON {
		return writeJSON(stdout, metas)
	}
	for _, m := range metas {
		fmt.Fprintln(stdout, m.Summary())
	}
	return nil
}

func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	descs := a.registry.Describe()
	if opts.output == outputJSON {
		return writeJSON(stdout, descs)
	}
	for _, d := range descs {
		fmt.Fprintf(stdout, "%-12s %-10s %s\n", d.Name, a.registry.Category(d.Name), d.Description)
	}
	return nil
}

// publishServiceStatus announces a dependency transition on the bus.
func publishServiceStatus(bus *events.Bus, st connwatch.ServiceStatus) {
	e := events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceHealth,
		Kind:      events.KindServiceReady,
		Data:      map[string]any{"service": st.Name},
	}
	if !st.Ready {
		e.Kind = events.KindServiceDown
		e.Data["error"] = st.LastError
	}
	bus.Publish(e)
}

// runUsage prints token usage: usage [-c id] [period].
func runUsage(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	var id, period string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-c" && i+1 < len(args):
			id = args[i+1]
			i++
		case period == "":
			period = args[i]
		default:
			return usageError("toolloop usage [-c id] [period]")
		}
	}
	start, end, err := usage.Period(period, time.Now())
	if err != nil {
		return usageError("%v", err)
	}
	if period == "" {
		period = "all"
	}

	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if id != "" {
		sum, err := a.usage.Conversation(ctx, id)
		if err != nil {
			return err
		}
		if opts.output == outputJSON {
			return writeJSON(stdout, map[string]any{"conversation_id": id, "usage": sum})
		}
		fmt.Fprintf(stdout, "%s: %s\n", id, usageLine(sum))
		return nil
	}

	total, err := a.usage.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := a.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}
	if opts.output == outputJSON {
		return writeJSON(stdout, map[string]any{"period": period, "usage": total, "by_model": byModel})
	}
	fmt.Fprintf(stdout, "Usage (%s): %s\n", period, usageLine(total))
	for _, model := range slices.Sorted(maps.Keys(byModel)) {
		fmt.Fprintf(stdout, "  %-20s %s\n", model, usageLine(byModel[model]))
	}
	return nil
}

func usageLine(s usage.Summary) string {
	return fmt.Sprintf("%d model calls, %s in / %s out, %s",
		s.Calls, usage.FormatTokens(s.TotalInputTokens), usage.FormatTokens(s.TotalOutputTokens),
		s.TotalDuration.Round(time.Millisecond))
}

// printResult reports a turn outcome. Markdown and HTML print the whole
// conversation.
func printResult(ctx context.Context, w io.Writer, a *app, output string, res agent.Result) error {
	switch output {
	case outputJSON:
		return writeJSON(w, res)
	case outputMarkdown, outputHTML:
		return printState(ctx, w, a, output, res.ConversationID)
	}

	if res.FinalText != "" {
		fmt.Fprintln(w, res.FinalText)
	}
	if res.Suspended() {
		snap, err := a.loop.State(ctx, res.ConversationID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Suspended with %d pending tool call(s). Resume with: toolloop resume %s\n",
			len(snap.PendingToolCalls), res.ConversationID)
		return nil
	}
	fmt.Fprintf(w, "[%s, %d step(s), %s]\n", res.ConversationID, res.Steps, res.Reason)
	return nil
}

func printState(ctx context.Context, w io.Writer, a *app, output, id string) error {
	snap, err := a.loop.State(ctx, id)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	if output == outputJSON {
		return writeJSON(w, snap)
	}
	out, err := transcript.Render(snap, output)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}
