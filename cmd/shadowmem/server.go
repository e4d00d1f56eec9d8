package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/avansa/shadowmem/internal/api"
	"github.com/avansa/shadowmem/internal/config"
	"github.com/avansa/shadowmem/internal/ingest"
	"github.com/avansa/shadowmem/internal/injector"
	"github.com/avansa/shadowmem/internal/lifecycle"
	"github.com/avansa/shadowmem/internal/ollama"
	"github.com/avansa/shadowmem/internal/retrieval"
	"github.com/avansa/shadowmem/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the shadowmem server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running shadowmem server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shadowmem system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "shadowmem.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "shadowmem version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the API token exists before anything binds a port.
	apiToken, err := config.APIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("shadowmem is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("shadowmem is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check embedding provider readiness. A dead provider is not fatal:
	// keyword and fuzzy search still work, and the embed worker retries.
	embedder := ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel, cfg.Ollama.Dimensions)
	if !embedder.IsRunning(ctx) {
		printWarning("Ollama not reachable at %s; vector search disabled until it comes up", cfg.Ollama.BaseURL)
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build retrieval, lifecycle, ingestion, and injection components.
	signalTimeout, err := time.ParseDuration(cfg.Retrieval.SignalTimeout)
	if err != nil {
		slog.Warn("invalid signal timeout, using default 3s", "value", cfg.Retrieval.SignalTimeout, "error", err)
		signalTimeout = 3 * time.Second
	}
	retriever := retrieval.New(store, embedder, store, retrieval.Options{
		RecencyWeight: cfg.Retrieval.RecencyWeight,
		SignalTimeout: signalTimeout,
		Limit:         cfg.Retrieval.Limit,
	})

	lifecycleMgr := lifecycle.NewManager(store)
	sweeper := lifecycle.NewSweeper(store, lifecycle.SweeperConfig{
		PurgeAfterDays: cfg.Lifecycle.PurgeAfterDays,
		StaleAfterDays: cfg.Lifecycle.StaleAfterDays,
		Schedule:       cfg.Lifecycle.SweepSchedule,
	})
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting retention sweeper: %w", err)
	}
	defer sweeper.Stop()

	writer := ingest.NewWriter(store, cfg.Ingest.AutoEmbed)
	worker := ingest.NewWorker(store, embedder, 500*time.Millisecond)
	go worker.Run(ctx)

	injectTTL, err := time.ParseDuration(cfg.Inject.TTL)
	if err != nil {
		slog.Warn("invalid inject TTL, using default", "value", cfg.Inject.TTL, "error", err)
		injectTTL = injector.DefaultTTL
	}
	inj := injector.New(store, injector.Config{
		Mode:           injector.Mode(cfg.Inject.Mode),
		TTL:            injectTTL,
		Budgets:        parseBudgets(cfg.Inject.Budgets),
		FallbackBudget: cfg.Inject.DefaultBudget,
	})

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Retriever: retriever,
		Writer:    writer,
		Lifecycle: lifecycleMgr,
		Injector:  inj,
		Token:     apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Retriever: retriever,
		Writer:    writer,
		Lifecycle: lifecycleMgr,
		Injector:  inj,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "shadowmem listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// parseBudgets turns "claude=16000,gpt-4=12000" into ordered budget rules.
// Malformed entries are logged and skipped.
func parseBudgets(s string) []injector.ModelBudget {
	if s == "" {
		return nil
	}
	var budgets []injector.ModelBudget
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		substr, val, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(substr) == "" {
			slog.Warn("skipping malformed budget rule", "entry", entry)
			continue
		}
		budget, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || budget <= 0 {
			slog.Warn("skipping budget rule with invalid amount", "entry", entry)
			continue
		}
		budgets = append(budgets, injector.ModelBudget{
			ModelSubstring: strings.TrimSpace(substr),
			Budget:         budget,
		})
	}
	return budgets
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
		printError("shadowmem is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop shadowmem (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to shadowmem (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check Ollama.
	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Embed model", "%s (%d dimensions)", cfg.Ollama.EmbedModel, cfg.Ollama.Dimensions)

	// Show memory counts if server is running.
	apiToken, tokenErr := config.APIToken(cfg.Storage.DataDir)
	if tokenErr == nil && resp != nil && resp.StatusCode == 200 {
		statsResp, err := apiGet(client, serverURL+"/stats", apiToken)
		if err == nil {
			var stats struct {
				ActiveRecords  int `json:"active_records"`
				DeletedRecords int `json:"deleted_records"`
				WithEmbedding  int `json:"with_embedding"`
			}
			if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
				printStatus("Memories", "%d active, %d deleted, %d embedded",
					stats.ActiveRecords, stats.DeletedRecords, stats.WithEmbedding)
			}
			statsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
