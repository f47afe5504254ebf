package cmd

import (
	"fmt"

	"appforge/internal/logging"
	"appforge/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pruneKeep int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the run history tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		// Open already migrates; this reports the outcome.
		fmt.Fprintf(cmd.OutOrStdout(), "run history ready (%s)\n", st.Driver())
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest run records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.Prune(cmd.Context(), pruneKeep)
		if err != nil {
			return err
		}
		logging.L().Info("run history pruned", zap.Int64("deleted", n), zap.Int("kept", pruneKeep))
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d run record(s)\n", n)
		return nil
	},
}

func init() {
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 500, "number of newest records to keep")
	migrateCmd.AddCommand(pruneCmd)
}

func openStore() (*store.Store, error) {
	if cfg.Store.DSN == "" {
		return nil, fmt.Errorf("no store configured: set store.dsn or DATABASE_URL")
	}
	return store.Open(cfg.Store.DSN, logging.L().Named("store"))
}
