package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"appforge/internal/catalog"
	"appforge/internal/logging"

	"github.com/spf13/cobra"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models grouped by capability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logging.L(), false)
		if err != nil {
			return err
		}
		defer a.close()

		reg, err := a.refreshCatalog(cmd.Context(), true)
		if err != nil {
			return err
		}
		if modelsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reg.Categorize())
		}
		return printCategories(cmd.OutOrStdout(), reg)
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "print JSON instead of a table")
}

func printCategories(w io.Writer, reg *catalog.Registry) error {
	cats := reg.Categorize()
	groups := []struct {
		name   string
		models []catalog.Capability
	}{
		{"Coder", cats.Coder},
		{"Reasoning", cats.Reasoning},
		{"Vision", cats.Vision},
		{"General", cats.General},
	}

	if id, ok := reg.Select(catalog.Any, catalog.DefaultPreference); ok {
		fmt.Fprintf(w, "Default model: %s\n\n", id)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, g := range groups {
		if len(g.models) == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s (%d)\n", g.name, len(g.models))
		for _, m := range g.models {
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%s\n", m.ID, m.QualityScore, m.ContextSize, m.Description)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
