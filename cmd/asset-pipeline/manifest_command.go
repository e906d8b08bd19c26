package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-asset-pipeline/internal/ledger"
	"github.com/tendant/simple-asset-pipeline/internal/logging"
	"github.com/tendant/simple-asset-pipeline/internal/storage"
)

func newManifestCommand(ctx *commandContext) *cobra.Command {
	var (
		format  string
		history bool
	)

	cmd := &cobra.Command{
		Use:   "manifest <root>",
		Short: "Show which original file each asset slot came from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger(cfg)
			if err != nil {
				return err
			}
			root := args[0]

			store, err := storage.NewStore(root, storage.Options{
				SummaryName:  cfg.SummaryName,
				ManifestName: cfg.ManifestName,
			}, logger)
			if err != nil {
				return err
			}
			m, err := store.LoadManifest()
			if err != nil {
				return err
			}
			entries := m.Entries()

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "    ")
				return enc.Encode(entries)
			}

			seen := map[string]ledger.Ingest{}
			if history && cfg.Ledger.DSN != "" {
				l, err := ledger.Open(cmd.Context(), cfg.Ledger.Driver, cfg.Ledger.DSN)
				if err != nil {
					logger.Warn("ingest ledger unavailable", logging.Error(err))
				} else {
					defer l.Close()
					ingests, err := l.Ingests(cmd.Context(), root)
					if err != nil {
						return err
					}
					for _, in := range ingests {
						seen[in.Original] = in
					}
				}
			}

			headers := []string{"Slot", "Original"}
			aligns := []columnAlignment{alignLeft, alignLeft}
			if history {
				headers = append(headers, "First Seen", "Seen")
				aligns = append(aligns, alignLeft, alignRight)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				row := []string{e.Name, e.Original}
				if history {
					if in, ok := seen[e.Original]; ok {
						row = append(row, in.FirstSeen.Format(time.DateTime), strconv.Itoa(in.SeenCount))
					} else {
						row = append(row, "-", "-")
					}
				}
				rows = append(rows, row)
			}
			fmt.Fprintln(out, renderTable(headers, rows, aligns))

			summary, err := store.LoadSummary()
			if err != nil {
				return err
			}
			if summary != nil {
				updated := time.Unix(int64(summary.LastUpdated), 0)
				fmt.Fprintf(out, "%d assets, last updated %s\n", summary.TotalImages, updated.Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")
	cmd.Flags().BoolVar(&history, "history", false, "Include ingest history from the ledger")

	return cmd
}
