package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/opchain/internal/chains"
	"github.com/rendis/opchain/internal/diagram"
	"github.com/rendis/opchain/internal/engine"
	"github.com/rendis/opchain/internal/jobs"
	"github.com/rendis/opchain/internal/logging"
	"github.com/rendis/opchain/internal/scheduler"
	"github.com/rendis/opchain/internal/streaming"
	mcpserver "github.com/rendis/opchain/pkg/mcp"
	"github.com/rendis/opchain/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runChain(ctx, rest, stdout, stderr, getenv)
	case "validate":
		return runValidate(ctx, rest, stdout, stderr, getenv)
	case "serve":
		return runServe(ctx, rest, stderr, getenv)
	case "diagram":
		return runDiagram(ctx, rest, stdout, stderr, getenv)
	case "init":
		return runInit(rest, stdout, stderr)
	case "version":
		printVersion(stdout)
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: opchain <command> [flags]

commands:
  run <chain-file>       run a chain as a job and print its result
                         (-chain-id runs a stored chain, -resume continues one)
  validate <chain-file>  check a chain definition
  serve                  serve the MCP tools over stdio
  diagram <chain-file>   draw a chain (or -chain-id for a stored one)
  init                   write a default settings file
  version                print the version
`)
}

// varFlags collects repeated -var key=value flags. Values that parse as
// JSON keep their type; anything else is a string.
type varFlags map[string]any

func (v varFlags) String() string { return fmt.Sprint(map[string]any(v)) }

func (v varFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	v[key] = val
	return nil
}

func runChain(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "settings file, JSON or YAML (default: ~/.opchain/settings.json)")
	varsJSON := fs.String("vars", "", "JSON object of variables")
	vars := varFlags{}
	fs.Var(vars, "var", "variable as key=value (repeatable, overrides -vars)")
	retries := fs.Int("retries", 0, "job retries after a failed run")
	timeout := fs.Duration("timeout", 0, "job timeout (0 = none)")
	memory := fs.Bool("memory", false, "use an in-memory store instead of db_path")
	events := fs.Bool("events", false, "print chain and job events to stderr as JSON lines")
	chainID := fs.String("chain-id", "", "run a stored chain instead of a file and save its outcome")
	resume := fs.String("resume", "", "continue a failed or cancelled stored chain from its first unfinished step")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	sources := fs.NArg()
	if *chainID != "" {
		sources++
	}
	if *resume != "" {
		sources++
	}
	if sources != 1 || fs.NArg() > 1 {
		fmt.Fprintln(stderr, "run: exactly one of a chain file, -chain-id or -resume is required")
		return 2
	}

	variables := map[string]any{}
	if *varsJSON != "" {
		if err := json.Unmarshal([]byte(*varsJSON), &variables); err != nil {
			fmt.Fprintf(stderr, "run: -vars: %v\n", err)
			return 2
		}
	}
	for k, v := range vars {
		variables[k] = v
	}

	cfg, err := loadConfig(*configPath, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *memory {
		cfg.DBPath = memoryDB
	}
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)

	payload := engine.ChainJobPayload{ChainID: *chainID, ResumeChainID: *resume, Variables: variables}
	metadata := map[string]any{"source": "cli"}
	if fs.NArg() == 1 {
		def, err := chains.LoadFile(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		payload.Chain = def
		metadata["file"] = fs.Arg(0)
	}

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := a.shutdown(shutdownTimeout); err != nil {
			logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	if *events {
		printed := streamEvents(ctx, a.hub, stderr)
		defer printed()
	}

	a.queue.Start()
	job, err := a.queue.Submit(ctx, schema.JobTypeChain, payload, jobs.SubmitOptions{
		MaxRetries: *retries,
		TimeoutMs:  int(timeout.Milliseconds()),
		Metadata:   metadata,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	final, err := a.queue.Wait(ctx, job.ID)
	if err != nil {
		// Interrupted: flag the job and wait for it to wind down.
		_ = a.queue.Cancel(context.Background(), job.ID)
		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		final, err = a.queue.Wait(waitCtx, job.ID)
		cancel()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 130
		}
	}

	if err := writeJSON(stdout, jobOutput(final)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if final.Status != schema.JobStatusCompleted {
		return 1
	}
	return 0
}

// streamEvents prints hub events until the returned stop func is called.
func streamEvents(ctx context.Context, hub *streaming.Hub, w io.Writer) (stop func()) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for ev := range ch {
			_ = enc.Encode(ev)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func jobOutput(j *schema.Job) map[string]any {
	out := map[string]any{
		"job_id":      j.ID,
		"status":      j.Status,
		"retry_count": j.RetryCount,
	}
	if j.Error != "" {
		out["error"] = j.Error
	}
	if len(j.Result) > 0 {
		var result any
		if err := json.Unmarshal(j.Result, &result); err == nil {
			out["result"] = result
		}
	}
	return out
}

func runValidate(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "settings file, JSON or YAML (default: ~/.opchain/settings.json)")
	noPlugins := fs.Bool("no-plugins", false, "do not load plugins; steps calling plugin tools are reported")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "validate: exactly one chain file is required")
		return 2
	}

	cfg, err := loadConfig(*configPath, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	cfg.DBPath = memoryDB
	cfg.ChainsDir = ""
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)

	def, err := chains.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	a, err := newApp(ctx, cfg, logger, appOptions{skipPlugins: *noPlugins})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	result := a.validator.Validate(def)
	if *asJSON {
		if err := writeJSON(stdout, result); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		for _, issue := range result.Errors {
			fmt.Fprintf(stdout, "error   %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
		}
		for _, issue := range result.Warnings {
			fmt.Fprintf(stdout, "warning %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
		}
		if result.Valid() {
			fmt.Fprintf(stdout, "%s: ok (%d steps)\n", fs.Arg(0), len(def.Steps))
		}
	}
	if !result.Valid() {
		return 1
	}
	return 0
}

func runServe(ctx context.Context, args []string, stderr io.Writer, getenv func(string) string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "settings file, JSON or YAML (default: ~/.opchain/settings.json)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	// stdout carries the MCP protocol; logs go to stderr only.
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	srv := mcpserver.NewServer(mcpserver.ServerDeps{
		Queue:   a.queue,
		Catalog: a.catalog,
		Tools:   a.registry,
		Events:  a.store,
		Version: version,
		Logger:  logger,
	})
	a.sink.Swap(srv.Notifier())

	if n, err := a.queue.Recover(ctx); err != nil {
		logger.Warn("job recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("jobs recovered", slog.Int("count", n))
	}
	a.queue.Start()

	sched := scheduler.NewScheduler(a.queue, logger)
	for _, s := range cfg.Schedules {
		if err := sched.Add(s); err != nil {
			logger.Error("schedule rejected", slog.String("schedule", s.Name), slog.String("error", err.Error()))
		}
	}
	sched.Start()

	watchCtx, stopWatch := context.WithCancel(ctx)
	if len(cfg.Plugins) > 0 && cfg.PluginHealthIntervalMs > 0 {
		go a.plugins.Watch(watchCtx, ms(cfg.PluginHealthIntervalMs))
	}

	logger.Info("opchain serving",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Int("workers", cfg.Workers),
		slog.Int("tools", len(a.registry.List())),
		slog.Int("schedules", len(sched.List())),
	)
	serveErr := srv.Serve(ctx)
	stopWatch()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("scheduler stop", slog.String("error", err.Error()))
	}
	if err := a.shutdown(shutdownTimeout); err != nil {
		logger.Warn("shutdown", slog.String("error", err.Error()))
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		fmt.Fprintf(stderr, "Error: %v\n", serveErr)
		return 1
	}
	return 0
}

func runDiagram(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "settings file, JSON or YAML (default: ~/.opchain/settings.json)")
	chainID := fs.String("chain-id", "", "draw a chain stored in db_path, with its last run state")
	format := fs.String("format", "ascii", "output format: ascii, mermaid, png, svg")
	outPath := fs.String("o", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*chainID == "") == (fs.NArg() != 1) {
		fmt.Fprintln(stderr, "diagram: give exactly one chain file or -chain-id")
		return 2
	}

	var def *schema.ChainDefinition
	if *chainID != "" {
		cfg, err := loadConfig(*configPath, getenv)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		st, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		def, err = st.GetChain(ctx, *chainID)
		_ = st.Close()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		var err error
		if def, err = chains.LoadFile(fs.Arg(0)); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	out, err := renderDiagram(ctx, def, *format)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *outPath != "" {
		if err := os.WriteFile(*outPath, out, 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: cannot write %s: %v\n", *outPath, err)
			return 1
		}
		return 0
	}
	_, _ = stdout.Write(out)
	return 0
}

func renderDiagram(ctx context.Context, def *schema.ChainDefinition, format string) ([]byte, error) {
	model, err := diagram.Build(def)
	if err != nil {
		return nil, err
	}
	switch format {
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "png", "svg":
		return diagram.RenderImage(ctx, model, diagram.ImageFormat(format))
	default:
		return nil, fmt.Errorf("unknown diagram format %q", format)
	}
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("path", settingsPath(), "settings file to write")
	dbPath := fs.String("db-path", "", "database path (default: ~/.opchain/opchain.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	workers := fs.Int("workers", 4, "concurrent jobs")
	force := fs.Bool("force", false, "overwrite an existing settings file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Fprintf(stderr, "Error: %s exists (use -force to overwrite)\n", *path)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(*path), 0o700); err != nil {
		fmt.Fprintf(stderr, "Error: cannot create %s: %v\n", filepath.Dir(*path), err)
		return 1
	}

	cfg := defaultConfig()
	cfg.LogLevel = *logLevel
	cfg.Workers = *workers
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(*path, data, 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: cannot write %s: %v\n", *path, err)
		return 1
	}
	fmt.Fprintf(stdout, "Config written to %s\n", *path)
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
