package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
)

// --- rollCmd ---

type rollCmd struct {
	symbol string
	price  string
	day    string
}

func (*rollCmd) Name() string     { return "roll" }
func (*rollCmd) Synopsis() string { return "records a settlement price and rolls the symbol to the next day" }
func (*rollCmd) Usage() string {
	return `ledgerctl [-config file] roll -symbol <sym> -price <settle> -day <YYYY-MM-DD>

Stores the settlement price for the trading day and the start-of-day price
of the next business day. Repeating an identical roll is a no-op.
`
}
func (c *rollCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "symbol", "", "symbol to roll")
	f.StringVar(&c.price, "price", "", "settlement price")
	f.StringVar(&c.day, "day", "", "trading day being settled")
}

func (c *rollCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.symbol == "" || c.price == "" || c.day == "" {
		fmt.Fprintln(os.Stderr, "Error: -symbol, -price and -day are required.")
		return subcommands.ExitUsageError
	}
	price, err := decimal.NewFromString(c.price)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid price %q\n", c.price)
		return subcommands.ExitUsageError
	}
	day, err := clock.ParseDate(c.day)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		res, err := e.svc.RollDayBoundary(ctx, c.symbol, price, day)
		if err != nil {
			return err
		}
		verb := "rolled"
		if res.Repeated {
			verb = "already rolled"
		}
		fmt.Printf("%s %s %s: settle %s, start of %s %s\n", verb, res.Symbol, res.TradingDay,
			res.Settle.Price, res.StartOfDay.TradingDay, res.StartOfDay.Price)
		return nil
	})
}

// --- finalizeCmd ---

type finalizeCmd struct {
	day     string
	symbols string
}

func (*finalizeCmd) Name() string     { return "finalize" }
func (*finalizeCmd) Synopsis() string { return "finalizes the daily position snapshots of a trading day" }
func (*finalizeCmd) Usage() string {
	return `ledgerctl [-config file] finalize -day <YYYY-MM-DD> [-symbols ES,NQ]

Writes the end-of-day open position and unrealized P&L for every method and
symbol. Without -symbols, every symbol active on the day is finalized.
`
}
func (c *finalizeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.day, "day", "", "trading day to finalize")
	f.StringVar(&c.symbols, "symbols", "", "comma-separated symbols (default: all active)")
}

func (c *finalizeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	day, err := clock.ParseDate(c.day)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -day: %v\n", err)
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		res, err := e.svc.FinalizeDay(ctx, day, splitList(c.symbols))
		for _, s := range res.Snapshots {
			unrealized := "n/a"
			if s.UnrealizedPnL != nil {
				unrealized = s.UnrealizedPnL.String()
			}
			fmt.Printf("%s open=%s unrealized=%s\n", s.SnapshotKey, s.OpenPosition, unrealized)
		}
		return err
	})
}
