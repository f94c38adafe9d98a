// Package ledger orchestrates the lot ledger, matching engine, position
// aggregator, mark pipeline and ingestion gate over one Store.
//
// Every mutating operation runs in a single store transaction. Work on one
// symbol is serialised in-process (both methods share the symbol's lock);
// different symbols proceed in parallel. Transient store failures are
// retried at batch granularity only, which is safe because the batch's
// processed-record is written in the same transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/contract"
	"github.com/atmx/settlement-ledger/internal/ingest"
	"github.com/atmx/settlement-ledger/internal/mark"
	"github.com/atmx/settlement-ledger/internal/matching"
	"github.com/atmx/settlement-ledger/internal/metrics"
	"github.com/atmx/settlement-ledger/internal/model"
	"github.com/atmx/settlement-ledger/internal/position"
	"github.com/atmx/settlement-ledger/internal/store"
)

// RetryPolicy bounds batch retries after store.ErrTransient.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used for zero fields of Options.Retry.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        5,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Clock       *clock.Clock
	Multipliers *contract.Registry
	Notifier    Notifier
	Logger      *slog.Logger
	Now         func() time.Time
	Retry       RetryPolicy
	// FinalizeWorkers bounds the symbols finalized in parallel.
	FinalizeWorkers int
}

// Service is the ledger's single entry point for ingestion, day lifecycle
// and queries.
type Service struct {
	store       store.Store
	clock       *clock.Clock
	multipliers *contract.Registry
	engine      *matching.Engine
	agg         *position.Aggregator
	marks       *mark.Pipeline
	tracker     *ingest.Tracker
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	retry       RetryPolicy
	workers     int

	locks keyLocks

	haltMu sync.Mutex
	halted map[Pair]string
}

// NewService wires a Service over st.
func NewService(st store.Store, opts Options) (*Service, error) {
	if st == nil {
		return nil, errors.New("ledger: nil store")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Multipliers == nil {
		reg, err := contract.NewRegistry(nil, decimal.Zero, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Multipliers = reg
	}
	if opts.Retry.MaxTries == 0 {
		opts.Retry.MaxTries = DefaultRetryPolicy.MaxTries
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if opts.FinalizeWorkers <= 0 {
		opts.FinalizeWorkers = 4
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}

	return &Service{
		store:       st,
		clock:       opts.Clock,
		multipliers: opts.Multipliers,
		engine:      matching.NewEngine(opts.Clock),
		agg:         position.NewAggregator(opts.Now),
		marks:       mark.NewPipeline(opts.Clock),
		tracker:     ingest.NewTracker(opts.Now),
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		now:         opts.Now,
		retry:       opts.Retry,
		workers:     opts.FinalizeWorkers,
		locks:       keyLocks{m: make(map[string]*sync.Mutex)},
		halted:      make(map[Pair]string),
	}, nil
}

// Clock returns the venue calendar the service buckets trading days with.
func (s *Service) Clock() *clock.Clock { return s.clock }

// Store returns the underlying store for read-only queries.
func (s *Service) Store() store.Store { return s.store }

// inTx runs fn in a transaction, retrying the whole transaction on
// store.ErrTransient. fn must reset any state it captures on each call.
func (s *Service) inTx(ctx context.Context, kind string, fn func(tx store.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval

	op := func() (struct{}, error) {
		err := s.store.WithTx(ctx, fn)
		if err != nil && !errors.Is(err, store.ErrTransient) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.BatchRetries.Inc()
			s.logger.Warn("transient store failure, retrying", "kind", kind, "next", next, "err", err)
		}),
	)
	return err
}

// keyLocks serialises work per symbol.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// lock acquires the locks of keys in sorted order and returns the release
// function.
func (k *keyLocks) lock(keys []string) func() {
	sorted := uniqueSorted(keys)
	held := make([]*sync.Mutex, 0, len(sorted))
	for _, key := range sorted {
		k.mu.Lock()
		l, ok := k.m[key]
		if !ok {
			l = &sync.Mutex{}
			k.m[key] = l
		}
		k.mu.Unlock()
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Pair is one method/symbol ledger.
type Pair struct {
	Method model.Method `json:"method"`
	Symbol string       `json:"symbol"`
}

func (p Pair) String() string { return string(p.Method) + "/" + p.Symbol }

// HaltedPair reports a pair stopped by an invariant violation.
type HaltedPair struct {
	Pair
	Reason string `json:"reason"`
}

// checkHalted fails when any method of any symbol is halted.
func (s *Service) checkHalted(symbols []string) error {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	for _, sym := range symbols {
		for _, m := range model.Methods {
			if reason, ok := s.halted[Pair{m, sym}]; ok {
				return fmt.Errorf("%w: %s/%s: %s", model.ErrHalted, m, sym, reason)
			}
		}
	}
	return nil
}

// noteFailure halts the pair named by an invariant violation and records
// the halt in the store.
func (s *Service) noteFailure(ctx context.Context, err error) {
	var inv *model.InvariantError
	if !errors.As(err, &inv) {
		return
	}
	metrics.InvariantViolations.WithLabelValues(string(inv.Method)).Inc()

	s.haltMu.Lock()
	p := Pair{inv.Method, inv.Symbol}
	_, known := s.halted[p]
	if !known {
		s.halted[p] = inv.Error()
	}
	n := len(s.halted)
	s.haltMu.Unlock()

	metrics.HaltedPairs.Set(float64(n))
	s.logger.Error("invariant violation, pair halted",
		"method", inv.Method,
		"symbol", inv.Symbol,
		"err", err,
	)
	if known {
		return
	}
	h := model.Halt{Method: inv.Method, Symbol: inv.Symbol, Reason: inv.Error(), HaltedAt: s.now().UTC()}
	if perr := s.store.PutHalt(context.WithoutCancel(ctx), h); perr != nil {
		s.logger.Error("halt not persisted", "method", inv.Method, "symbol", inv.Symbol, "err", perr)
	}
}

// RestoreHalts loads halts recorded by earlier processes. Call it once
// before serving.
func (s *Service) RestoreHalts(ctx context.Context) error {
	halts, err := s.store.ListHalts(ctx)
	if err != nil {
		return fmt.Errorf("ledger: restore halts: %w", err)
	}
	s.haltMu.Lock()
	for _, h := range halts {
		s.halted[Pair{h.Method, h.Symbol}] = h.Reason
	}
	n := len(s.halted)
	s.haltMu.Unlock()

	metrics.HaltedPairs.Set(float64(n))
	for _, h := range halts {
		s.logger.Warn("pair halted by earlier run", "method", h.Method, "symbol", h.Symbol, "since", h.HaltedAt, "reason", h.Reason)
	}
	return nil
}

// Halted lists halted pairs.
func (s *Service) Halted() []HaltedPair {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	out := make([]HaltedPair, 0, len(s.halted))
	for p, reason := range s.halted {
		out = append(out, HaltedPair{Pair: p, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.String() < out[j].Pair.String() })
	return out
}

// Resume clears the halt on a pair after operator review, in memory and in
// the store. It reports whether the pair was halted.
func (s *Service) Resume(ctx context.Context, method model.Method, symbol string) (bool, error) {
	stored, err := s.store.DeleteHalt(ctx, method, symbol)
	if err != nil {
		return false, fmt.Errorf("ledger: resume %s/%s: %w", method, symbol, err)
	}

	s.haltMu.Lock()
	p := Pair{method, symbol}
	_, ok := s.halted[p]
	delete(s.halted, p)
	n := len(s.halted)
	s.haltMu.Unlock()

	ok = ok || stored
	if ok {
		metrics.HaltedPairs.Set(float64(n))
		s.logger.Warn("halted pair resumed", "method", method, "symbol", symbol)
	}
	return ok, nil
}

// isHalted reports whether a single pair is halted.
func (s *Service) isHalted(method model.Method, symbol string) bool {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	_, ok := s.halted[Pair{method, symbol}]
	return ok
}
