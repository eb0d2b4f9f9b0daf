package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/studyd/internal/api"
	"github.com/kalambet/studyd/internal/config"
	"github.com/kalambet/studyd/internal/engine"
	"github.com/kalambet/studyd/internal/ingest"
	"github.com/kalambet/studyd/internal/metrics"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/storage"
	"github.com/kalambet/studyd/internal/study"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the studyd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running studyd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show studyd status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "studyd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(ctx context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "studyd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("studyd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("studyd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	if n, err := store.RequeueRunningJobs(); err != nil {
		return fmt.Errorf("requeueing interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}

	m := metrics.New()
	arb := mode.New(mode.Config{
		Authorized:     cfg.RemoteAuthorized(),
		DegradeAfter:   cfg.Mode.DegradeAfter,
		TripAfter:      cfg.Mode.TripAfter,
		Cooldown:       cfg.Mode.Cooldown,
		CallsPerWindow: cfg.Mode.CallsPerWindow,
		Window:         cfg.Mode.Window,
		Timeout:        cfg.Remote.Timeout,
	}, mode.WithHooks(m.Hooks()), mode.WithLogger(logger))

	var remote engine.Engine
	if cfg.RemoteAuthorized() {
		remote, err = engine.Detect(engine.DetectConfig{
			Provider: cfg.Remote.Provider,
			BaseURL:  cfg.Remote.BaseURL,
			APIKey:   cfg.Remote.APIKey,
		})
		if err != nil {
			return fmt.Errorf("configuring remote provider: %w", err)
		}
		slog.Info("remote provider configured", "provider", cfg.Remote.Provider, "chat_model", cfg.Remote.ChatModel, "embed_model", cfg.Remote.EmbedModel)
	} else {
		slog.Info("no remote credential, running offline")
	}

	svc := study.New(study.Config{
		Arbitrator:          arb,
		Remote:              remote,
		ChatModel:           cfg.Remote.ChatModel,
		EmbedModel:          cfg.Remote.EmbedModel,
		TopK:                cfg.Retrieval.TopK,
		MaxContextTokens:    cfg.Retrieval.MaxContextTokens,
		ExtractiveThreshold: cfg.Quiz.ExtractiveThreshold,
		PlanMaxInterval:     cfg.Plan.MaxInterval,
		PlanHalfLife:        cfg.Plan.HalfLife,
		Repository:          store,
		Queue:               ingest.NewQueue(store),
		Observer:            m,
		Logger:              logger,
	})
	if err := svc.Restore(ctx); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	worker := ingest.NewWorker(store, svc, cfg.Worker.PollInterval,
		ingest.WithSweep(cfg.Worker.SweepInterval, func() bool { return arb.Usable(mode.Embedding) }),
		ingest.WithLogger(logger),
	)
	go worker.Run(ctx)

	if cfg.Server.APIToken == "" {
		slog.Warn("STUDYD_API_TOKEN not set, API is unauthenticated")
	}
	handler := api.NewHandler(api.Deps{
		Study:      svc,
		Token:      cfg.Server.APIToken,
		Metrics:    m.Handler(),
		Instrument: m.Middleware,
	})

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(svc, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("studyd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("studyd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop studyd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to studyd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.RemoteAuthorized() {
		printStatus("Remote", "%s (chat %s, embed %s)", cfg.Remote.Provider, cfg.Remote.ChatModel, cfg.Remote.EmbedModel)
		if eng, err := engine.Detect(engine.DetectConfig{Provider: cfg.Remote.Provider, BaseURL: cfg.Remote.BaseURL, APIKey: cfg.Remote.APIKey}); err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if eng.IsRunning(pingCtx) {
				printStatus("Remote reachable", "yes")
			} else {
				printStatus("Remote reachable", "no")
			}
			cancel()
		}
	} else {
		printStatus("Remote", "not configured (offline)")
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if r, err := c.get(ctx, "/documents"); err == nil {
				var docs []api.DocumentSummary
				if decodeJSON(r, &docs) == nil {
					printStatus("Documents", "%d", len(docs))
				}
			}
			if r, err := c.get(ctx, "/mode"); err == nil {
				var ms modeResponse
				if decodeJSON(r, &ms) == nil {
					for _, st := range ms.Capabilities {
						printStatus(string(st.Capability), "%s", st.State)
					}
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.FilePath())
	return nil
}
