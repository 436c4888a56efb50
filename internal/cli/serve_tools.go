package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gigachain-team/giga-agent/internal/config"
	"github.com/gigachain-team/giga-agent/pkg/toolserver"
	"github.com/gigachain-team/giga-agent/pkg/tools/rag"
)

var serveToolsCmd = &cobra.Command{
	Use:   "serve-tools",
	Short: "Start the tool server",
	Long: `Start the HTTP tool server that executes service tools such as
get_documents. Tools whose environment is incomplete are not exposed.`,
	RunE: runServeTools,
}

func init() {
	rootCmd.AddCommand(serveToolsCmd)
}

// newToolExecutor registers the bundled service tools. Config values
// stand in for their environment variables.
func newToolExecutor(cfg *config.Config) (*toolserver.Executor, error) {
	getenv := func(key string) string {
		switch {
		case key == rag.EnvURL && cfg.RAG.APIURL != "":
			return cfg.RAG.APIURL
		case key == rag.EnvToken && cfg.RAG.SecretToken != "":
			return cfg.RAG.SecretToken
		}
		return os.Getenv(key)
	}

	exec := toolserver.NewExecutor(toolserver.WithEnv(getenv), toolserver.WithTimeout(cfg.ToolTimeout()))
	searcher := rag.NewSearcher(getenv(rag.EnvURL), getenv(rag.EnvToken))
	if _, err := exec.RegisterIfEligible(rag.Definition(searcher), rag.Requirements()...); err != nil {
		return nil, err
	}
	return exec, nil
}

func runServeTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	exec, err := newToolExecutor(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := toolserver.NewServer(exec, log.Component("toolserver"))
	addr := fmt.Sprintf("%s:%d", cfg.ToolServer.Host, cfg.ToolServer.Port)
	if err := srv.ListenAndServe(ctx, addr); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
