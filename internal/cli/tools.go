package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/toolclient"
	"github.com/gigachain-team/giga-agent/pkg/toolschema"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tool server's tools and their eligibility",
	Long: `List the tools exposed by the configured tool server. Each tool is
checked against the manifest requirements the agent server applies.`,
	RunE: runToolsList,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Work with tool schemas",
}

var schemaSimplifyCmd = &cobra.Command{
	Use:   "simplify [file]",
	Short: "Simplify a tool definition for the model",
	Long: `Read a tool definition ({name, description, parameters}) as JSON from
the file or stdin and print it with the parameters schema simplified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchemaSimplify,
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
	schemaCmd.AddCommand(schemaSimplifyCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	manifest := registry.DefaultManifest()
	if cfg.Registry.ManifestPath != "" {
		if manifest, err = registry.LoadManifest(cfg.Registry.ManifestPath); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client := toolclient.New(cfg.ToolServer.BaseURL)
	descs, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools at %s: %w", cfg.ToolServer.BaseURL, err)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })

	reg := registry.New()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tELIGIBLE\tREQUIRES")
	for _, d := range descs {
		reqs := manifest.Requirements(d.Name)
		eligible := reg.RegisterIfEligible(toolclient.NewRemoteTool(client, d), reqs...)
		fmt.Fprintf(w, "%s\t%t\t%s\n", d.Name, eligible, requirementList(reqs))
	}
	return w.Flush()
}

func requirementList(reqs []registry.Requirement) string {
	if len(reqs) == 0 {
		return "-"
	}
	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, r.String())
	}
	return strings.Join(names, ", ")
}

func runSchemaSimplify(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	var tool map[string]any
	if err := json.NewDecoder(in).Decode(&tool); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(toolschema.SimplifyTool(tool))
}
