// Apiloop answers natural-language requests by letting a language model
// drive a REST API: the model proposes calls, apiloop executes them,
// classifies failures, and remembers which calls work.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	apiloop serve                  Start the HTTP API server
//	apiloop init [dir]             Write an example config into dir
//	apiloop ask <question>         Run one request and print the answer
//	apiloop condense <file>        Print the condensed endpoint listing
//	apiloop memory [show|insights|learn <text>|reset]
//	apiloop version                Print version and build information
//	apiloop -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nugget/apiloop/internal/agent"
	"github.com/nugget/apiloop/internal/api"
	"github.com/nugget/apiloop/internal/buildinfo"
	"github.com/nugget/apiloop/internal/catalog"
	"github.com/nugget/apiloop/internal/config"
	"github.com/nugget/apiloop/internal/memory"
	"github.com/nugget/apiloop/internal/mqtt"
)

// main constructs the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; fatal
// errors are returned for main to print.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Arguments are parsed by hand so run can be called concurrently
	// from tests without flag.CommandLine.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "warning: .env not loaded: %v\n", err)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: apiloop ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "condense":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: apiloop condense <file>")
		}
		return runCondense(stdout, cmdArgs[0])
	case "memory":
		return runMemory(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Apiloop - natural-language access to a REST API")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: apiloop [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the HTTP API server")
	fmt.Fprintln(w, "  init [dir]       Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <question>   Run one request and print the answer")
	fmt.Fprintln(w, "  condense <file>  Print the condensed endpoint listing for a summary or OpenAPI file")
	fmt.Fprintln(w, "  memory [cmd]     Inspect pattern memory: show, insights, learn <text>, reset")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk runs a single request through the loop using the configured
// state backend, so whatever the run learns is kept.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout carries only the answer.
	logger := newLogger(stderr, cfg)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.loop.Run(ctx, &agent.Request{Message: strings.Join(args, " ")})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, resp)
	}
	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runCondense prints the endpoint listing exactly as the model sees it.
func runCondense(w io.Writer, path string) error {
	text, err := catalog.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, text)
	return nil
}

// runMemory inspects or edits pattern memory without starting a server.
func runMemory(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	sub := "show"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	state, err := openState(ctx, cfg)
	if err != nil {
		return err
	}
	defer state.Close()
	mem := openPatterns(ctx, state, logger)

	switch sub {
	case "show":
		snap := mem.Snapshot()
		if outputFmt == "json" {
			return writeJSON(stdout, snap)
		}
		fmt.Fprintf(stdout, "%d patterns, %d global learnings\n", len(snap.Patterns), len(snap.GlobalLearnings))
		for _, p := range snap.Patterns {
			fmt.Fprintf(stdout, "  %-7s %-40s ok=%d errors=%d\n", p.Method, p.Endpoint, p.SuccessCount, len(p.CommonErrors))
		}
		return nil
	case "insights":
		if outputFmt == "json" {
			return writeJSON(stdout, map[string]string{
				"insights":  mem.Insights(),
				"learnings": mem.GlobalLearnings(),
			})
		}
		fmt.Fprint(stdout, mem.Insights())
		fmt.Fprint(stdout, mem.GlobalLearnings())
		return nil
	case "learn":
		insight := strings.TrimSpace(strings.Join(args, " "))
		if insight == "" {
			return fmt.Errorf("usage: apiloop memory learn <insight>")
		}
		if err := mem.AddGlobalLearning(ctx, insight); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "learning recorded")
		return nil
	case "reset":
		if err := mem.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "pattern memory cleared")
		return nil
	default:
		return fmt.Errorf("unknown memory command: %s (expected show, insights, learn, reset)", sub)
	}
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then drains the HTTP server, disconnects MQTT, and flushes
// pattern memory before closing the stores.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting apiloop",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"api", cfg.API.BaseURL,
		"model", cfg.Models.Default,
		"state", cfg.State.Backend,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	conversations := memory.NewStore(a.state, memory.DefaultMaxMessages, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, logger)
	server.SetConversations(conversations)
	server.SetPatterns(a.patterns)
	server.SetEventBus(a.bus)
	server.SetServiceWatch(a.watch)
	if a.usage != nil {
		server.SetUsageStore(a.usage)
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			logger.Warn("mqtt instance id unavailable, using bare client id", "error", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, a.bus, logger)
		publisher.SetLearningSink(a.patterns)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "base_topic", cfg.MQTT.BaseTopic)
	} else {
		logger.Info("mqtt forwarding disabled")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if publisher != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := publisher.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("apiloop stopped")
	return nil
}

// newLogger builds the configured logger. Level and format were checked
// by config.Validate.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return config.NewLogger(w, level, cfg.LogFormat)
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

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
