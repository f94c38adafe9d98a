package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/model"
	"github.com/atmx/settlement-ledger/internal/store"
)

// rangeFlags are the filters shared by the query commands.
type rangeFlags struct {
	from, to, method, symbol string
}

func (r *rangeFlags) set(f *flag.FlagSet) {
	f.StringVar(&r.from, "from", "", "first trading day (YYYY-MM-DD)")
	f.StringVar(&r.to, "to", "", "last trading day (YYYY-MM-DD)")
	f.StringVar(&r.method, "method", "", "fifo or lifo (default: both)")
	f.StringVar(&r.symbol, "symbol", "", "symbol (default: all)")
}

func (r *rangeFlags) parse() (from, to clock.Date, method model.Method, err error) {
	if r.from != "" {
		if from, err = clock.ParseDate(r.from); err != nil {
			return
		}
	}
	if r.to != "" {
		if to, err = clock.ParseDate(r.to); err != nil {
			return
		}
	}
	if r.method != "" {
		method, err = model.ParseMethod(r.method)
	}
	return
}

// --- snapshotsCmd ---

type snapshotsCmd struct{ rangeFlags }

func (*snapshotsCmd) Name() string     { return "snapshots" }
func (*snapshotsCmd) Synopsis() string { return "prints daily position snapshots as JSON" }
func (*snapshotsCmd) Usage() string {
	return "ledgerctl [-config file] snapshots [-from day] [-to day] [-method m] [-symbol s]\n"
}
func (c *snapshotsCmd) SetFlags(f *flag.FlagSet) { c.set(f) }

func (c *snapshotsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	from, to, method, err := c.parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		snaps, err := e.store.ListSnapshots(ctx, store.SnapshotFilter{From: from, To: to, Method: method, Symbol: c.symbol})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, snaps)
	})
}

// --- matchesCmd ---

type matchesCmd struct{ rangeFlags }

func (*matchesCmd) Name() string     { return "matches" }
func (*matchesCmd) Synopsis() string { return "prints realized matches as JSON" }
func (*matchesCmd) Usage() string {
	return "ledgerctl [-config file] matches [-from day] [-to day] [-method m] [-symbol s]\n"
}
func (c *matchesCmd) SetFlags(f *flag.FlagSet) { c.set(f) }

func (c *matchesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	from, to, method, err := c.parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		matches, err := e.store.ListMatches(ctx, store.MatchFilter{From: from, To: to, Method: method, Symbol: c.symbol})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, matches)
	})
}

// --- lotsCmd ---

type lotsCmd struct{ rangeFlags }

func (*lotsCmd) Name() string     { return "lots" }
func (*lotsCmd) Synopsis() string { return "prints open lots as JSON" }
func (*lotsCmd) Usage() string {
	return "ledgerctl [-config file] lots [-method m] [-symbol s]\n"
}
func (c *lotsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.method, "method", "", "fifo or lifo (default: both)")
	f.StringVar(&c.symbol, "symbol", "", "symbol (default: all)")
}

func (c *lotsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	_, _, method, err := c.parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		open, err := e.store.ListLots(ctx, method, c.symbol)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, open)
	})
}

// --- markCmd ---

type markCmd struct {
	symbol string
	method string
	at     string
}

func (*markCmd) Name() string     { return "mark" }
func (*markCmd) Synopsis() string { return "prices the open lots of a symbol without writing" }
func (*markCmd) Usage() string {
	return "ledgerctl [-config file] mark -symbol s [-method fifo|lifo] [-at RFC3339]\n"
}
func (c *markCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "symbol", "", "symbol to mark")
	f.StringVar(&c.method, "method", "fifo", "fifo or lifo")
	f.StringVar(&c.at, "at", "", "instant to mark at (default: now)")
}

func (c *markCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.symbol == "" {
		fmt.Fprintln(os.Stderr, "Error: -symbol is required.")
		return subcommands.ExitUsageError
	}
	method, err := model.ParseMethod(c.method)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	var at time.Time
	if c.at != "" {
		if at, err = time.Parse(time.RFC3339Nano, c.at); err != nil {
			fmt.Fprintf(os.Stderr, "Error: -at: %v\n", err)
			return subcommands.ExitUsageError
		}
	}
	return run(ctx, func(e *env) error {
		res, err := e.svc.Mark(ctx, method, c.symbol, at)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	})
}
