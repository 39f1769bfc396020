package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amosWeiskopf/fileharvest/internal/metrics"
)

func newBlocklistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocklist",
		Short: "Print the hosts that will never be crawled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			c, err := newCrawler(cfg, logger, metrics.New(), nil)
			if err != nil {
				return err
			}
			for _, host := range c.GetBlockList() {
				fmt.Fprintln(cmd.OutOrStdout(), host)
			}
			return nil
		},
	}
}
