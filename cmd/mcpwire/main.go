// Command mcpwire is a command-line client for MCP servers speaking the
// streamable HTTP transport. The config file is discovered automatically
// (see [config.DefaultSearchPaths]) or given via -config.
package main

import (
	"context"
	"database/sql"
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

	_ "github.com/mattn/go-sqlite3"

	"github.com/stationkeep/mcpwire/internal/buildinfo"
	"github.com/stationkeep/mcpwire/internal/config"
	"github.com/stationkeep/mcpwire/internal/connwatch"
	"github.com/stationkeep/mcpwire/internal/mcp"
	"github.com/stationkeep/mcpwire/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	// Parse -config by hand so it may appear before or after the
	// subcommand without registering on flag globals.
	var configPath string
	var cmdArgs []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		default:
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if len(cmdArgs) == 0 {
		usage(stderr)
		return fmt.Errorf("no command given")
	}

	cmd := cmdArgs[0]
	cmdArgs = cmdArgs[1:]

	if cmd == "version" {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}

	app, err := setup(stdout, configPath)
	if err != nil {
		return err
	}
	defer app.shutdown()

	switch cmd {
	case "init":
		return app.runInit(ctx, stdout)
	case "tools":
		return app.runTools(ctx, stdout)
	case "call":
		return app.runCall(ctx, stdout, cmdArgs)
	case "send":
		return app.runSend(ctx, stdout, cmdArgs)
	case "flush":
		return app.runFlush(ctx, stdout)
	case "watch":
		return app.runWatch(ctx, stdout)
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: mcpwire [-config <path>] <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  init                 perform the initialize handshake and print session info")
	fmt.Fprintln(w, "  tools                list the server's tools")
	fmt.Fprintln(w, "  call <tool> [json]   invoke a tool with JSON arguments")
	fmt.Fprintln(w, "  send <method> [json] send a raw JSON-RPC request (queued when offline)")
	fmt.Fprintln(w, "  flush                replay queued requests")
	fmt.Fprintln(w, "  watch                watch connectivity and flush the queue when the server recovers")
	fmt.Fprintln(w, "  version              print build information")
}

// app holds the wired-up client and its supporting pieces.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	queue  *queue.Queue
	client *mcp.Client
}

func setup(stdout io.Writer, configPath string) (*app, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	logger.Debug("config loaded", "path", cfgPath, "server", cfg.Server.URL)

	a := &app{cfg: cfg, logger: logger}

	if cfg.Queue.Enabled {
		store, err := a.openQueueStore()
		if err != nil {
			return nil, err
		}
		a.queue = queue.New(queue.Config{
			Store:   store,
			MaxSize: cfg.Queue.MaxSize,
			Logger:  logger,
		})
	}

	var auth mcp.HeaderProvider
	if cfg.Auth.BearerToken != "" {
		auth = &mcp.BearerToken{Token: cfg.Auth.BearerToken}
	}

	transport := mcp.NewStreamableHTTP(mcp.StreamableHTTPConfig{
		BaseURL:        cfg.Server.URL,
		Endpoint:       cfg.Server.Endpoint,
		UploadPath:     cfg.Server.UploadPath,
		Headers:        cfg.Auth.Headers,
		Auth:           auth,
		Retry:          retryPolicy(cfg.Retry),
		RequestTimeout: requestTimeout(cfg.Server),
		Logger:         logger,
	})

	a.client = mcp.NewClient(mcp.ClientConfig{
		Name:      cfg.Server.URL,
		Transport: transport,
		ClientInfo: mcp.ClientInfo{
			Name:    "mcpwire",
			Version: buildinfo.Version,
		},
		Queue:  a.queue,
		Logger: logger,
	})

	return a, nil
}

func (a *app) openQueueStore() (queue.Store, error) {
	if a.cfg.Queue.Path == "" {
		a.logger.Warn("queue enabled without a path; queued requests will not survive restarts")
		return queue.NewMemoryStore(), nil
	}
	db, err := sql.Open("sqlite3", a.cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	a.db = db
	store, err := queue.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		a.db = nil
		return nil, err
	}
	return store, nil
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Close(ctx); err != nil {
		a.logger.Warn("client close failed", "error", err)
	}
	if a.db != nil {
		a.db.Close()
	}
}

func retryPolicy(cfg config.RetryConfig) mcp.RetryPolicy {
	p := mcp.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseDelayMS > 0 {
		p.BaseDelay = time.Duration(cfg.BaseDelayMS) * time.Millisecond
	}
	if cfg.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelayMS) * time.Millisecond
	}
	return p
}

func requestTimeout(cfg config.ServerConfig) time.Duration {
	if cfg.TimeoutSec > 0 {
		return time.Duration(cfg.TimeoutSec) * time.Second
	}
	return 30 * time.Second
}

func (a *app) runInit(ctx context.Context, stdout io.Writer) error {
	result, err := a.client.Initialize(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "server: %s %s\n", result.ServerInfo.Name, result.ServerInfo.Version)
	fmt.Fprintf(stdout, "protocol: %s\n", result.ProtocolVersion)
	return nil
}

func (a *app) runTools(ctx context.Context, stdout io.Writer) error {
	if _, err := a.client.Initialize(ctx); err != nil {
		return err
	}
	tools, err := a.client.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		fmt.Fprintf(stdout, "%s\t%s\n", tool.Name, tool.Description)
	}
	return nil
}

func (a *app) runCall(ctx context.Context, stdout io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("call requires a tool name")
	}
	var toolArgs map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	if _, err := a.client.Initialize(ctx); err != nil {
		return err
	}
	result, err := a.client.CallTool(ctx, args[0], toolArgs)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result)
	return nil
}

func (a *app) runSend(ctx context.Context, stdout io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("send requires a method name")
	}
	var params any
	if len(args) > 1 {
		params = json.RawMessage(args[1])
	}

	if _, err := a.client.Initialize(ctx); err != nil {
		// A failed handshake is exactly what the offline queue is for;
		// only give up when no queue is configured.
		if a.queue == nil {
			return err
		}
		a.logger.Warn("initialize failed, request may be queued", "error", err)
	}

	result, err := a.client.Call(ctx, args[0], params)
	if err != nil {
		return err
	}
	if ack, ok := mcp.IsQueued(result); ok {
		fmt.Fprintf(stdout, "queued (id %s)\n", ack.ID)
		return nil
	}
	fmt.Fprintln(stdout, string(result))
	return nil
}

func (a *app) runFlush(ctx context.Context, stdout io.Writer) error {
	if a.queue == nil {
		return errors.New("no queue configured")
	}
	if _, err := a.client.Initialize(ctx); err != nil {
		return err
	}
	sent, err := a.client.FlushQueue(ctx)
	fmt.Fprintf(stdout, "flushed %d request(s)\n", sent)
	return err
}

// runWatch keeps a connectivity watcher running and flushes the queue
// each time the server becomes reachable. Runs until interrupted.
func (a *app) runWatch(ctx context.Context, stdout io.Writer) error {
	if a.queue == nil {
		return errors.New("no queue configured")
	}

	watcher := connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name:   a.cfg.Server.URL,
		Logger: a.logger,
		Probe: func(ctx context.Context) error {
			return a.client.Ping(ctx)
		},
		OnReady: func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			sent, err := a.client.FlushQueue(flushCtx)
			if err != nil {
				a.logger.Warn("flush after recovery failed", "error", err)
			}
			if sent > 0 {
				fmt.Fprintf(stdout, "flushed %d request(s)\n", sent)
			}
		},
	})
	defer watcher.Stop()

	<-ctx.Done()
	return nil
}
