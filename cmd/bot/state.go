package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"twbot/internal/config"
	"twbot/internal/persistence/indexdb"
	"twbot/internal/persistence/statefile"
	"twbot/internal/world"
)

func showState(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = config.Defaults()
	case err != nil && !errors.Is(err, config.ErrMissingCredentials):
		return fmt.Errorf("config: %w", err)
	}
	applyOverrides(&cfg)

	m, err := statefile.Load(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	out := cmd.OutOrStdout()
	printModel(out, m)

	if cfg.LedgerDB == "" {
		return nil
	}
	db, err := indexdb.OpenExisting(cfg.LedgerDB)
	if err != nil {
		fmt.Fprintf(out, "\nledger: %v\n", err)
		return nil
	}
	defer db.Close()
	ctx := cmd.Context()
	sum, err := indexdb.SummarizeTrades(ctx, db)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	fmt.Fprintf(out, "\nledger %s: %d trades (%d buys, %d sells), profit %d\n",
		cfg.LedgerDB, sum.Trades, sum.Buys, sum.Sells, sum.Profit)

	recent, err := indexdb.RecentTrades(ctx, db, 10)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, t := range recent {
		fmt.Fprintf(tw, "  %s\t%s\t%s x%d\t@%d\tport %d\tprofit %d\n",
			t.At.Format("2006-01-02 15:04"), t.Side, t.Commodity, t.Quantity, t.UnitPrice, t.PortID, t.Profit)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	bugs, err := indexdb.BugReports(ctx, db)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if len(bugs) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nbug reports:")
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, b := range bugs {
		fmt.Fprintf(tw, "  %s\t%s\t%d\tx%d\t%s\n", b.Dir, b.Kind, b.Code, b.Count, b.LastSeen.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func printModel(out io.Writer, m *world.Model) {
	fmt.Fprintf(out, "sector %d, credits %d, bank %d, total profit %d, trades %d\n",
		m.PlayerLocationSector, m.Credits(), m.BankBalance, m.TotalProfit, len(m.TradeLog))
	fmt.Fprintf(out, "known sectors %d, ports %d\n", len(m.Sectors), len(m.Ports))
	fmt.Fprintf(out, "warp blacklist %v\nport blacklist %v\nschema blacklist %v\n",
		m.WarpBlacklist.Sorted(), m.PortTradeBlacklist.Sorted(), m.SchemaBlacklist.Sorted())

	ctxs := m.Tables.Contexts()
	fmt.Fprintf(out, "\nbandit contexts: %d\n", len(ctxs))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, c := range ctxs {
		action, q, ok := m.Tables.Best(c)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "  %s\t%s\t%.3f\t%d visits\n", c, action, q, m.Tables.Visits(c))
	}
	_ = tw.Flush()
}
