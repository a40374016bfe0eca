package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"tellbot/internal/app"
	"tellbot/internal/config"
	"tellbot/internal/storage"
	logx "tellbot/pkg/logx"
)

func newStatusCommand() *cobra.Command {
	var cfgPath string
	var envFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print pending tells per recipient and authored tells per sender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			sc, err := app.MapStorageConfig(cfg)
			if err != nil {
				return err
			}
			st, err := storage.Open(sc, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()
			return printStatus(cmd.Context(), cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config (json, yaml or toml)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file with TELLBOT_* overrides; missing is fine")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, st storage.Store) error {
	if ctx == nil {
		ctx = context.Background()
	}
	totals, err := st.Totals(ctx)
	if err != nil {
		return err
	}
	pending, err := st.CountsUnsentByRecipient(ctx)
	if err != nil {
		return err
	}
	authored, err := st.CountsBySender(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "pending: %d  delivered: %d\n\n", totals.Pending, totals.Sent)
	writeCounts(w, "Recipient", "Pending", pending)
	fmt.Fprintln(w)
	writeCounts(w, "Sender", "Authored", authored)
	return nil
}

// writeCounts renders counts as a two column table, largest first.
func writeCounts(w io.Writer, keyHeader, countHeader string, counts map[string]int) {
	keys := lo.Keys(counts)
	slices.SortFunc(keys, func(a, b string) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{keyHeader, countHeader})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, k := range keys {
		table.Append([]string{k, strconv.Itoa(counts[k])})
	}
	if len(keys) == 0 {
		table.SetFooter([]string{"(none)", ""})
	}
	table.Render()
}
