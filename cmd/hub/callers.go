package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"llmhub/pkg/callers"
	"llmhub/pkg/db"

	"github.com/spf13/cobra"
)

var callersCmd = &cobra.Command{
	Use:   "callers",
	Short: "Manage API callers",
}

var callersImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update callers from a YAML file",
	Long: `Reads a YAML file with a top-level "callers" list and upserts every entry.
Generated API keys are printed once and cannot be recovered later.`,
	Args: cobra.ExactArgs(1),
	RunE: runCallersImport,
}

var callersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered callers",
	Args:  cobra.NoArgs,
	RunE:  runCallersList,
}

func init() {
	callersCmd.PersistentFlags().String("db-path", "data/hub.sqlite", "SQLite database path")
	callersCmd.AddCommand(callersImportCmd)
	callersCmd.AddCommand(callersListCmd)
}

func openCallers(cmd *cobra.Command) (*callers.Store, func() error, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	store, err := callers.NewStore(cmd.Context(), database)
	if err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return store, database.Close, nil
}

func runCallersImport(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openCallers(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer file.Close()

	imported, err := callers.Import(cmd.Context(), store, file)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tAPI KEY")
	for _, c := range imported {
		key := c.APIKey
		if key == "" {
			key = "(unchanged)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Name, key)
	}
	return w.Flush()
}

func runCallersList(cmd *cobra.Command, _ []string) error {
	store, closeDB, err := openCallers(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	list, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tRPM\tRPH\tACTIVE")
	for _, c := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%t\n",
			c.ID, c.Name, c.Priority, c.RateLimitPerMinute, c.RateLimitPerHour, c.IsActive)
	}
	return w.Flush()
}
