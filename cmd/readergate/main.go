// Readergate is a fleet-management gateway for RFID readers.
//
// It maintains a durable command queue in SQLite, pushes commands to
// readers over MQTT, correlates reader responses back to commands, and
// ingests tag reads and status telemetry from the fleet. An HTTP API
// serves operators and sidecar deployments. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	readergate serve           Start the gateway
//	readergate init [dir]      Initialize a working directory with defaults
//	readergate genkey          Generate an API key for the config file
//	readergate version         Print version and build information
//	readergate -o json version Output version information as JSON
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/smartfleet/readergate/internal/api"
	"github.com/smartfleet/readergate/internal/broker"
	"github.com/smartfleet/readergate/internal/buildinfo"
	"github.com/smartfleet/readergate/internal/config"
	"github.com/smartfleet/readergate/internal/defaults"
	"github.com/smartfleet/readergate/internal/events"
	"github.com/smartfleet/readergate/internal/inbound"
	"github.com/smartfleet/readergate/internal/pump"
	"github.com/smartfleet/readergate/internal/reaper"
	"github.com/smartfleet/readergate/internal/scheduler"
	"github.com/smartfleet/readergate/internal/store"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the readergate command. All OS-level
// dependencies are injected as parameters: ctx controls the lifetime of
// the process, stdout and stderr receive all program output, and args
// is os.Args[1:]. Arguments are parsed by hand because the flag package
// relies on package-level globals (flag.CommandLine), which makes it
// impossible to call run() concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-") && command != "":
			cmdArgs = append(cmdArgs, args[i])
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

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "genkey":
		return runGenkey(stdout)
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
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runGenkey prints a fresh random API key suitable for the api_key
// config field.
func runGenkey(w io.Writer) error {
	key, err := newAPIKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, key)
	return nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// runInit initializes a readergate working directory. It creates the
// data directory and writes the example config with a freshly
// generated API key. An existing config is never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing readergate workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "  %s already exists, left untouched\n", configPath)
		return nil
	}

	key, err := newAPIKey()
	if err != nil {
		return err
	}
	content := bytes.Replace(defaults.ConfigYAML, []byte("REPLACE_WITH_API_KEY"), []byte(key), 1)
	// The config holds the generated API key, so keep it owner-only.
	if err := os.WriteFile(configPath, content, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}

	fmt.Fprintf(w, "  wrote %s\n", configPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your MQTT broker, then run: readergate serve")
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Readergate - RFID Reader Fleet Gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: readergate [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the gateway")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  genkey       Generate an API key for the config file")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/readergate/config.yaml, /etc/readergate/config.yaml")
	return nil
}

// runServe handles the "readergate serve" subcommand. It is the primary
// operating mode: loads config, opens the database, connects to the
// MQTT broker, starts the background workers, starts the HTTP API, and
// blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Background workers stop at their next tick
//  4. The broker session disconnects and the database closes via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting readergate",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"broker", cfg.MQTT.Broker,
		"data_dir", cfg.DataDir,
	)

	if cfg.APIKey == "" {
		return fmt.Errorf("api_key is not set; generate one with: readergate genkey")
	}

	// --- Database ---
	// All persistent state (readers, commands, telemetry, schedules,
	// firmware catalog) lives in one SQLite file under the data dir.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "readergate.db")
	st, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", dbPath)

	// --- Event bus ---
	// Fan-out of lifecycle events to the operator WebSocket feed.
	bus := events.New()

	// --- Inbound router ---
	// Routes every message from a reader topic to the right ingestion
	// path (tag reads, status telemetry, LWT, command results).
	rtr := inbound.NewRouter(st, bus, logger)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Broker session ---
	// Optional: when no broker is configured, the gateway runs in
	// webhook-only mode. Inbound traffic arrives via POST
	// /api/mqtt/process/ and a sidecar drains the queue through GET
	// /api/commands/pending/.
	var session *broker.Session
	if cfg.MQTT.Broker != "" {
		session = broker.NewSession(cfg.MQTT, func(topic string, payload []byte) {
			if err := rtr.Process(ctx, topic, payload); err != nil {
				logger.Error("inbound message processing failed", "topic", topic, "error", err)
			}
		}, bus, logger)

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer func() {
			discCtx, discCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer discCancel()
			if err := session.Disconnect(discCtx); err != nil {
				logger.Error("broker disconnect failed", "error", err)
			}
		}()
	} else {
		logger.Warn("no MQTT broker configured, running in webhook-only mode")
	}

	// --- Background workers ---
	// The pump publishes claimed commands to the broker, the reaper
	// times out commands whose responses never arrived, and the
	// scheduler materializes due scheduled commands into the queue.
	// The pump only runs with a live broker session; in webhook-only
	// mode a sidecar claims commands over HTTP instead.
	if session != nil {
		go pump.New(st, session, bus, logger, cfg.Workers.PumpInterval()).Run(ctx)
	}
	go reaper.New(st, bus, logger, cfg.Workers.ReapInterval(), cfg.Workers.ReapThreshold()).Run(ctx)
	go scheduler.New(st, bus, logger, cfg.Workers.SchedulerInterval()).Run(ctx)

	// --- API server ---
	server := api.NewServer(cfg, st, session, rtr, bus, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("readergate stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
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
