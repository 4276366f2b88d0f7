// toolloop runs a tool-using language model agent with resumable,
// checkpointed conversations.
//
// It exposes an HTTP API, forwards engine events to MQTT when a broker
// is configured, and offers CLI subcommands that drive the same engine
// directly. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolloop serve                        Start the API server
//	toolloop init [dir]                   Write an example config.yaml
//	toolloop ask [-c id] <question>       Run one user turn
//	toolloop resume <id>                  Resume a suspended conversation
//	toolloop interrupt <id>               Ask a conversation to suspend
//	toolloop state <id>                   Show a conversation
//	toolloop edit [-i n] [-n new] <id> <message>
//	                                      Fork a conversation from an edited message
//	toolloop list [limit]                 List stored conversations
//	toolloop tools                        List the tool catalog
//	toolloop usage [-c id] [period]       Show model token usage
//	toolloop version                      Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/toolloop/examples"
	"github.com/nugget/toolloop/internal/buildinfo"
	"github.com/nugget/toolloop/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// Output formats accepted by -o.
const (
	outputText     = "text"
	outputJSON     = "json"
	outputMarkdown = "markdown"
	outputHTML     = "html"
)

// options are the global flags.
type options struct {
	configPath string
	output     string
}

// run is the real entry point. Arguments are parsed by hand to avoid
// the flag package's globals, which interfere with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.output == "" {
		opts.output = outputText
	}
	switch opts.output {
	case outputText, outputJSON, outputMarkdown, outputHTML:
	default:
		return fmt.Errorf("unknown output format: %q (expected text, json, markdown or html)", opts.output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, opts, cmdArgs)
	case "resume":
		return runResume(ctx, stdout, stderr, opts, cmdArgs)
	case "interrupt":
		return runInterrupt(ctx, stdout, stderr, opts, cmdArgs)
	case "state":
		return runState(ctx, stdout, stderr, opts, cmdArgs)
	case "edit":
		return runEdit(ctx, stdout, stderr, opts, cmdArgs)
	case "list":
		return runList(ctx, stdout, stderr, opts, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "usage":
		return runUsage(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, output string) error {
	info := buildinfo.RuntimeInfo()
	if output == outputJSON {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "toolloop - resumable tool-using agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolloop [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the API server")
	fmt.Fprintln(w, "  init [dir]                   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-c id] <question>       Run one user turn")
	fmt.Fprintln(w, "  resume <id>                  Resume a suspended conversation")
	fmt.Fprintln(w, "  interrupt <id>               Ask a conversation to suspend before its tools run")
	fmt.Fprintln(w, "  state <id>                   Show a conversation")
	fmt.Fprintln(w, "  edit [-i n] [-n new] <id> <message>")
	fmt.Fprintln(w, "                               Fork from an edited user message")
	fmt.Fprintln(w, "  list [limit]                 List stored conversations")
	fmt.Fprintln(w, "  tools                        List the tool catalog")
	fmt.Fprintln(w, "  usage [-c id] [period]       Show model token usage (today, week, month, all)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default), json, markdown or html")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runInit writes the example configuration into dir. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", path)
		return nil
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "Wrote %s\n", path)
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// setup loads the config and builds a logger at the configured level.
func setup(w io.Writer, opts options) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(w, level, false)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errUsage is returned for malformed subcommand arguments.
var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}
