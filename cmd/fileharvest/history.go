package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List downloads recorded in the history database",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	cmd.Flags().String("run", "", "Only show downloads of this run ID")
	cmd.Flags().Int("limit", 50, "Maximum number of records, 0 for all")
	cmd.Flags().Bool("json", false, "Print records as JSON")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Storage.HistoryDB == "" {
		return errors.New("storage.history_db is not configured")
	}
	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	runID, _ := cmd.Flags().GetString("run")
	limit, _ := cmd.Flags().GetInt("limit")
	records, err := history.Records(cmd.Context(), runID, limit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	for _, r := range records {
		fmt.Fprintf(out, "%s %s\n", r.RunID, r.LogLine())
	}
	return nil
}
