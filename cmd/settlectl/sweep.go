package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/promptsettle/internal/config"
	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/logging"
	"github.com/mbd888/promptsettle/internal/notify"
	"github.com/mbd888/promptsettle/internal/swaps"
)

func sweepCmd() *cobra.Command {
	var maxAgeDays int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire requested swaps older than --max-age-days",
		Long: `Run one swap expiry sweep against the database and print the result.

The sweep is safe to run alongside live servers: each swap is expired
through the same guarded transition the scheduled sweeper uses, so a swap
accepted in the meantime is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
			catalog := items.NewPostgresStore(db)
			store := swaps.NewPostgresStore(db, catalog)
			service := swaps.NewService(store, catalog, notify.NewPostgresOutbox(db), logger)

			res, err := swaps.NewSweeper(service, store, logger).Sweep(cmd.Context(), time.Now(), maxAgeDays)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", config.DefaultSwapMaxAgeDays, "expire requested swaps created more than this many days ago")
	return cmd
}
