package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/bebsworthy/toolbridge/internal/bridge"
	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/logging"
	"github.com/bebsworthy/toolbridge/internal/metrics"
	"github.com/bebsworthy/toolbridge/internal/server"
	"github.com/bebsworthy/toolbridge/internal/session"
	"github.com/bebsworthy/toolbridge/internal/subprocess"
)

var mcpStdio bool

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge",
	Long: `Start the bridge, which provides:
- A child tool server process spoken to over newline-delimited JSON-RPC
- REST endpoints for sessions, tool listing, tool calls, health and reconnects
- A WebSocket push channel per session
- Prometheus metrics
- Optionally, an MCP interface over stdio mirroring the tool server's tools`,
	Example: `  # Bridge a tool server on the default port (8080)
  toolbridge serve --command ./my-tool-server

  # Pass arguments to the tool server
  toolbridge serve --command python3 --arg server.py --arg --quiet

  # Also speak MCP on stdin/stdout
  toolbridge serve --command ./my-tool-server --mcp-stdio`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Serve-specific flags (these will override config file values)
	flags := serveCmd.Flags()
	flags.String("host", "", "host to bind the HTTP server to (overrides config)")
	flags.Int("port", 0, "HTTP port (overrides config and $PORT)")
	flags.String("command", "", "tool server executable (overrides config and $TOOL_SERVER_PATH)")
	flags.StringArray("arg", nil, "argument passed to the tool server (repeatable)")
	flags.BoolVar(&mcpStdio, "mcp-stdio", false, "also serve MCP over stdin/stdout")

	for key, name := range map[string]string{
		"server.host":        "host",
		"server.port":        "port",
		"subprocess.command": "command",
		"subprocess.args":    "arg",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if cfg.Subprocess.Command == "" {
		return fmt.Errorf("no tool server command: use --command, subprocess.command or $TOOL_SERVER_PATH")
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitor := metrics.NewMonitor(reg)
	monitor.SetLogger(logger.Logger)

	bridgeLogger := logger.Component("bridge")
	spawner := subprocess.NewProcessSpawner(subprocess.ConfigFrom(cfg.Subprocess), logger.Component("subprocess"))
	b := bridge.New(spawner, bridge.Options{
		RequestTimeout: cfg.Request.Timeout,
		Reconnect:      bridge.PolicyFrom(cfg.Reconnect),
		QueueSize:      cfg.Queue.MaxSize,
		StderrLines:    cfg.Subprocess.StderrLines,
		Logger:         bridgeLogger,
		Observer:       monitor,
		OnRetry: func(attempt int, delay time.Duration) {
			bridgeLogger.Info("Scheduling reconnect attempt",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
		},
	})
	b.Pending().SetObserver(monitor)

	sessions := session.NewManager(b.Pending(), session.Options{
		MaxIdle:       cfg.Session.MaxIdle,
		SweepInterval: cfg.Session.SweepInterval,
		Logger:        logger.Component("session"),
	})
	monitor.Watch(b, sessions)

	opts := server.Options{
		PublicURL:      cfg.Server.PublicURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebSocket:      cfg.WebSocket,
		Monitor:        monitor,
		Logger:         logger,
	}
	if cfg.Metrics.Enabled {
		opts.Gatherer = reg
		opts.MetricsPath = cfg.Metrics.Path
	}
	srv := server.New(b, sessions, opts)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "toolbridge %s starting...\n", Version)
	fmt.Fprintf(os.Stderr, "   HTTP server: http://%s\n", cfg.Server.Address())
	fmt.Fprintf(os.Stderr, "   Tool server: %s %v\n", cfg.Subprocess.Command, cfg.Subprocess.Args)
	fmt.Fprintf(os.Stderr, "   Request timeout: %v, reconnect: %v..%v x%d\n",
		cfg.Request.Timeout, cfg.Reconnect.InitialDelay, cfg.Reconnect.MaxDelay, cfg.Reconnect.MaxAttempts)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(os.Stderr, "   Metrics: %s\n", cfg.Metrics.Path)
	}
	if mcpStdio {
		fmt.Fprintf(os.Stderr, "   MCP interface: stdio\n")
	}
	fmt.Fprintln(os.Stderr)

	if err := b.Start(ctx); err != nil {
		logger.LogError(ctx, "Tool server did not start, retrying in the background", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	var wg conc.WaitGroup

	wg.Go(func() {
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
			stop()
		}
	})

	if mcpStdio {
		front := server.NewMCPServer(b, sessions, Version, logger)
		if _, err := front.SyncTools(ctx); err != nil {
			logger.LogError(ctx, "Could not mirror tool list", err)
		}
		wg.Go(func() {
			if err := front.Serve(ctx, os.Stdin, os.Stdout); err != nil {
				errCh <- fmt.Errorf("MCP server error: %w", err)
			}
			// The MCP client going away ends the process.
			stop()
		})
	}

	fmt.Fprintf(os.Stderr, "Server is ready to accept connections.\n")
	fmt.Fprintf(os.Stderr, "Press Ctrl+C to stop the server.\n")

	<-ctx.Done()
	fmt.Fprintf(os.Stderr, "\nShutting down toolbridge...\n")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "HTTP server shutdown error", err)
	}
	_ = srv.Close()
	sessions.Close(errors.ConnectionLostError("bridge shutting down", nil))
	if err := b.Close(); err != nil {
		logger.LogError(shutdownCtx, "Bridge shutdown error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		fmt.Fprintf(os.Stderr, "Server stopped gracefully.\n")
	case <-shutdownCtx.Done():
		fmt.Fprintf(os.Stderr, "Server shutdown timeout - force stopping.\n")
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
