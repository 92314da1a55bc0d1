package main

import (
	"context"
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

	"github.com/nlowen/cited/internal/agent"
	"github.com/nlowen/cited/internal/api"
	"github.com/nlowen/cited/internal/config"
	"github.com/nlowen/cited/internal/engine"
	"github.com/nlowen/cited/internal/ingest"
	"github.com/nlowen/cited/internal/retrieval"
	"github.com/nlowen/cited/internal/semcache"
	"github.com/nlowen/cited/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cited server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cited server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cited system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

// pidFile tracks the running server's process ID under the data directory
// so stop and status can find it.
type pidFile string

func pidFileIn(dataDir string) pidFile {
	return pidFile(filepath.Join(dataDir, "cited.pid"))
}

func (p pidFile) write() error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(string(p), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (p pidFile) remove() {
	os.Remove(string(p))
}

func logLevelFrom(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "cited version %s\n", version)

	backend, err := config.NewFileBackend()
	if err != nil {
		return err
	}
	cfg, err := config.Load(backend)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevelFrom(cfg.Log.Level),
	})))

	apiToken, err := config.GetAPIToken(backend)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to double-start: probe the health endpoint before claiming the port.
	pf := pidFileIn(cfg.Storage.DataDir)
	probe := &http.Client{Timeout: 2 * time.Second}
	if resp, err := probe.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := pf.read(); pidErr == nil {
			printWarning("cited is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("cited is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := pf.write(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer pf.remove()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Detect the model backend: local Ollama, or split judgment to the
	// cloud when an OpenRouter key is configured.
	eng, err := engine.Detect(engine.DetectConfig{
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OpenRouterAPIKey: cfg.Proxy.OpenRouterAPIKey,
		OpenRouterModel:  cfg.Proxy.OpenRouterModel,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Assemble the loop.
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	evidenceStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, evidenceStore)
	loop := agent.New(eng, cfg.Ollama.ChatModel, retriever, agent.Options{
		TopK:        cfg.Agent.TopK,
		MaxRewrites: cfg.Agent.MaxRewrites,
	}, slog.Default())
	cache := semcache.New(embedder, semcache.Options{
		Threshold:  cfg.Cache.Threshold,
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
	}, slog.Default())

	// Build HTTP server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Agent:     loop,
		Cache:     cache,
		Store:     store,
		Fragments: evidenceStore,
		Enqueue:   func(fragmentID string) error { return ingest.Enqueue(store, fragmentID) },
		Token:     apiToken,
		Logger:    slog.Default(),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Background embedding worker; pick up fragments left unembedded by a
	// previous run before polling.
	worker := ingest.NewWorker(store, evidenceStore, embedder, 500*time.Millisecond, slog.Default())
	if queued, err := worker.EnqueuePending(1000); err != nil {
		slog.Warn("queueing leftover fragments failed", "error", err)
	} else if queued > 0 {
		slog.Info("queued leftover fragments for embedding", "count", queued)
	}
	go worker.Run(ctx)

	// MCP server on stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Agent:     loop,
		Cache:     cache,
		Retriever: retriever,
		Logger:    slog.Default(),
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "cited listening on %s\n", addr)
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
	backend, err := config.NewFileBackend()
	if err != nil {
		return err
	}
	cfg, err := config.Load(backend)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pf := pidFileIn(cfg.Storage.DataDir)
	pid, err := pf.read()
	if err != nil {
		printError("cited is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cited (PID %d): %v", pid, err)
		pf.remove()
		return err
	}

	printSuccess("Sent stop signal to cited (PID %d)", pid)
	return nil
}

func showStatus() error {
	backend, err := config.NewFileBackend()
	if err != nil {
		return err
	}
	cfg, err := config.Load(backend)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

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

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.Proxy.OpenRouterAPIKey != "" {
		printStatus("Cloud judgment", "%s via OpenRouter", cfg.Proxy.OpenRouterModel)
	} else {
		printStatus("Cloud judgment", "disabled (local only)")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
