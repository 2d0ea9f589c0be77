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

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/groundgen/groundgen/internal/api"
	"github.com/groundgen/groundgen/internal/chunk"
	"github.com/groundgen/groundgen/internal/compose"
	"github.com/groundgen/groundgen/internal/config"
	"github.com/groundgen/groundgen/internal/embed"
	"github.com/groundgen/groundgen/internal/index"
	idxsqlite "github.com/groundgen/groundgen/internal/index/sqlite"
	"github.com/groundgen/groundgen/internal/openai"
	"github.com/groundgen/groundgen/internal/pipeline"
	"github.com/groundgen/groundgen/internal/retrieval"
	"github.com/groundgen/groundgen/internal/source"
	"github.com/groundgen/groundgen/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the groundgen server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running groundgen server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show groundgen server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "groundgen.pid")
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

// chatGenerator adapts the OpenAI chat endpoint to the composer's
// generation interface.
type chatGenerator struct {
	client *openai.Client
	model  string
}

func (g chatGenerator) Complete(ctx context.Context, system, user string) (string, error) {
	return g.client.ChatCompletion(ctx, g.model, system, user)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "groundgen version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}

	apiToken := cfg.Server.Token
	if apiToken == "" {
		apiToken = uuid.New().String()
		printWarning("GROUNDGEN_API_TOKEN not set, generated session token")
		printStatus("Token", "%s", apiToken)
	}

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	enc, err := chunk.NewEncoding(cfg.Chunking.Encoding)
	if err != nil {
		return fmt.Errorf("loading token encoding %q: %w", cfg.Chunking.Encoding, err)
	}
	chunker, err := chunk.New(enc, cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return fmt.Errorf("building chunker: %w", err)
	}

	oai := openai.New(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Timeout)
	embedder := embed.New(oai, cfg.OpenAI.EmbedModel, cfg.Index.Dimension, embed.DefaultRetryPolicy())

	idx := idxsqlite.New(store.DB())
	sources := source.NewManager(store, source.NewVerifier(nil, 30*time.Second))
	pipe := pipeline.New(sources, chunker, embedder, idx, pipeline.Options{
		Namespace: cfg.Index.Namespace,
		Metric:    index.Metric(cfg.Index.Metric),
		BatchSize: cfg.Index.BatchSize,
	})
	retriever := retrieval.New(embedder, idx, cfg.Index.Namespace)
	composer := compose.New(
		retriever,
		chatGenerator{client: oai, model: cfg.OpenAI.ChatModel},
		enc,
		cfg.Generation.TopK,
		cfg.Generation.MaxContextTokens,
	)

	handler := api.NewHandler(api.Deps{
		Sources:   sources,
		Pipeline:  pipe,
		Retriever: retriever,
		Composer:  composer,
		Token:     apiToken,
		TopK:      cfg.Generation.TopK,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio so agent hosts can drive the pipeline directly.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Sources:   sources,
		Pipeline:  pipe,
		Retriever: retriever,
		Composer:  composer,
		TopK:      cfg.Generation.TopK,
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
		fmt.Fprintf(os.Stderr, "groundgen listening on %s\n", addr)
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
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("no running server found (missing PID file): %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("signalling process %d: %w", pid, err)
	}

	printSuccess("Sent shutdown signal to groundgen (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	resp, err := healthClient.Get(healthURL)
	if err != nil {
		printStatus("Server", "not running")
		return nil
	}
	resp.Body.Close()
	printStatus("Server", "running on port %d", cfg.Server.Port)

	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printStatus("PID", "%d", pid)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Namespace", "%s (%d-dim %s)", cfg.Index.Namespace, cfg.Index.Dimension, cfg.Index.Metric)
	return nil
}
