// Command ledgerctl operates a settlement ledger database directly:
// migrations, batch imports, day rolls, finalization, queries and
// verification.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/google/subcommands"

	"github.com/atmx/settlement-ledger/internal/app"
	"github.com/atmx/settlement-ledger/internal/config"
	"github.com/atmx/settlement-ledger/internal/ledger"
	"github.com/atmx/settlement-ledger/internal/logging"
	"github.com/atmx/settlement-ledger/internal/store"
)

var configPath = flag.String("config", "", "path to YAML config (default $LEDGER_CONFIG or "+config.DefaultPath+")")

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, "ledgerctl")
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&migrateCmd{}, "admin")
	commander.Register(&verifyCmd{}, "admin")
	commander.Register(&resumeCmd{}, "admin")
	commander.Register(&importCmd{kind: "trades"}, "ingest")
	commander.Register(&importCmd{kind: "quotes"}, "ingest")
	commander.Register(&rollCmd{}, "day")
	commander.Register(&finalizeCmd{}, "day")
	commander.Register(&snapshotsCmd{}, "query")
	commander.Register(&matchesCmd{}, "query")
	commander.Register(&lotsCmd{}, "query")
	commander.Register(&markCmd{}, "query")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}

// env is the opened ledger shared by every command.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	svc    *ledger.Service
}

func (e *env) Close() { e.store.Close() }

// open loads configuration, opens the store and builds the service. Logs go
// to stderr so command output on stdout stays machine-readable.
func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.Init(os.Stderr, cfg.LogLevel)
	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	svc, err := app.NewService(ctx, cfg, st, nil, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, store: st, svc: svc}, nil
}

// run opens the ledger, calls fn and maps its error onto an exit status.
func run(ctx context.Context, fn func(e *env) error) subcommands.ExitStatus {
	e, err := open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer e.Close()
	if err := fn(e); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
