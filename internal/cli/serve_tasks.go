package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigachain-team/giga-agent/internal/config"
	"github.com/gigachain-team/giga-agent/internal/logger"
	"github.com/gigachain-team/giga-agent/pkg/kernel"
	"github.com/gigachain-team/giga-agent/pkg/mcpproxy"
	"github.com/gigachain-team/giga-agent/pkg/tasks"
)

var serveTasksCmd = &cobra.Command{
	Use:   "serve-tasks",
	Short: "Start the task service and MCP proxy",
	Long: `Start the service behind the UI task list. It also relays browser MCP
traffic through /mcp/@<url> and converts MCP tool output on /mcp-content.`,
	RunE: runServeTasks,
}

func init() {
	rootCmd.AddCommand(serveTasksCmd)
}

// newTasksHandler opens the task store, seeds it and builds the routes.
// The caller closes the returned store.
func newTasksHandler(ctx context.Context, cfg *config.Config, log *logger.Logger) (http.Handler, *tasks.Store, error) {
	store, err := tasks.Open(cfg.Tasks.DBPath, log.Component("tasks"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Tasks.SeedPath != "" {
		if _, err := store.Seed(ctx, cfg.Tasks.SeedPath); err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	mux := http.NewServeMux()
	tasks.NewHandler(store, log.Component("tasks")).Register(mux)
	mux.HandleFunc("POST /mcp-content", mcpproxy.ContentHandler(kernel.NewUploader(cfg.Kernel.UploadURL), log.Component("mcpproxy")))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mcpproxy.New(log.Component("mcpproxy")).Wrap(mux), store, nil
}

func runServeTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, store, err := newTasksHandler(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Tasks.Host, cfg.Tasks.Port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting task service")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown task service: %w", err)
	}
	log.Info().Msg("Task service stopped")
	return nil
}
