// Caregent is a conversational healthcare appointment assistant.
//
// It exposes an HTTP API for multi-turn conversations backed by the
// Anthropic Messages API, with identity verification gating all
// appointment access. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	caregent serve             Start the API server
//	caregent chat <message>    Process a single message (for testing)
//	caregent version           Print version and build information
//	caregent -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/caregent/caregent/internal/api"
	"github.com/caregent/caregent/internal/appointments"
	"github.com/caregent/caregent/internal/buildinfo"
	"github.com/caregent/caregent/internal/config"
	"github.com/caregent/caregent/internal/engine"
	"github.com/caregent/caregent/internal/llm"
	"github.com/caregent/caregent/internal/session"
	"github.com/caregent/caregent/internal/tools"
	"github.com/caregent/caregent/internal/usage"
	"github.com/caregent/caregent/internal/verify"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
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
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, configPath)
	case "chat":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: caregent chat <message>")
		}
		return runChat(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Caregent - Healthcare Appointment Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: caregent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  chat         Process a single message (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./caregent.yaml, ~/.config/caregent/caregent.yaml, /etc/caregent/caregent.yaml")
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig resolves .env, discovers the config file, and parses it.
func loadConfig(explicit string) (*config.Config, string, error) {
	// Secrets referenced as ${VAR} in the YAML come from the
	// environment; .env fills it for local development.
	_ = godotenv.Load()

	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// assemble builds the full dependency graph from config.
func assemble(cfg *config.Config, logger *slog.Logger) (*engine.Engine, session.Store, *usage.Store, error) {
	if cfg.Anthropic.APIKey == "" {
		return nil, nil, nil, fmt.Errorf("anthropic.api_key is required (set ANTHROPIC_API_KEY)")
	}

	storeOpts := []session.StoreOption{session.WithTimeout(cfg.Sessions.SessionTimeout())}
	if session.Driver(cfg.Sessions.Driver) == session.DriverRedis {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Sessions.RedisAddr,
			DB:   cfg.Sessions.RedisDB,
		})
		storeOpts = append(storeOpts, session.WithRedisClient(client))
	}
	sessions, err := session.NewStore(session.Driver(cfg.Sessions.Driver), storeOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("session store: %w", err)
	}

	usageStore, err := usage.NewStore(cfg.UsageDB)
	if err != nil {
		sessions.Close()
		return nil, nil, nil, fmt.Errorf("usage store: %w", err)
	}

	provider := llm.NewAnthropicClient(cfg.Anthropic.APIKey, llm.Options{
		Model:                 cfg.Anthropic.Model,
		MaxTokens:             cfg.Anthropic.MaxTokens,
		Temperature:           cfg.Anthropic.Temperature,
		MaxRetries:            cfg.Anthropic.MaxRetries,
		RetryDelay:            cfg.Anthropic.RetryDelay(),
		MaxMessageTokens:      cfg.Limits.MaxMessageTokens,
		MaxConversationTokens: cfg.Limits.MaxConversationTokens,
		TokenHeadroom:         cfg.Limits.TokenHeadroom,
		RequestsPerMinute:     cfg.Limits.RequestsPerMinute,
		TokensPerMinute:       cfg.Limits.TokensPerMinute,
	}, logger)

	registry := tools.NewDefaultRegistry(
		verify.NewStaticDirectory(verify.TestPatients()),
		appointments.NewInMemoryService(),
		logger,
	)

	eng := engine.New(provider, registry, sessions, usageStore, cfg.Anthropic.Model,
		cfg.Engine.MaxTurns, cfg.Engine.MaxErrorRetries, logger)
	return eng, sessions, usageStore, nil
}

// runServe starts the HTTP API and blocks until shutdown.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info(buildinfo.String())
	logger.Info("config loaded", "path", cfgPath)

	eng, sessions, usageStore, err := assemble(cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()
	defer usageStore.Close()

	addr := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	server := api.NewServer(addr, eng, sessions, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runChat processes one message against a fresh session and prints
// the reply. Useful for smoke tests without starting the server.
func runChat(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(io.Discard, slog.LevelError)

	eng, sessions, usageStore, err := assemble(cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()
	defer usageStore.Close()

	message := strings.Join(args, " ")
	reply, err := eng.Process(ctx, message, "")
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	fmt.Fprintln(stdout, reply.Response)
	fmt.Fprintf(stdout, "(session %s, %d in / %d out tokens)\n",
		reply.SessionID,
		reply.Metadata.TotalInputTokens,
		reply.Metadata.TotalOutputTokens,
	)
	return nil
}
