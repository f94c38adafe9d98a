// Package contract resolves per-symbol contract multipliers.
//
// Multipliers are configured per instrument family as a symbol prefix
// ("ES" -> 50, "CL" -> 1000). The longest configured prefix of a symbol
// wins. Symbols with no configured prefix fall back to a default, and each
// fallback is logged at warn level and counted so missing configuration
// shows up in operations.
package contract

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/metrics"
)

// DefaultMultiplier applies to symbols with no configured prefix.
var DefaultMultiplier = decimal.NewFromInt(1000)

// fallbackWarnWindow bounds how often a fallback is logged per symbol.
const fallbackWarnWindow = time.Hour

// prefixRegex matches a configured instrument family prefix.
var prefixRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9./_-]*$`)

var (
	ErrInvalidPrefix     = errors.New("contract: invalid symbol prefix")
	ErrInvalidMultiplier = errors.New("contract: multiplier must be positive")
)

type entry struct {
	prefix     string
	multiplier decimal.Decimal
}

// Registry is safe for concurrent use after construction.
type Registry struct {
	entries []entry // longest prefix first
	def     decimal.Decimal
	warned  *cache.Cache
	logger  *slog.Logger
}

// NewRegistry validates prefixes and multipliers. A zero def selects
// DefaultMultiplier. A nil logger selects slog.Default().
func NewRegistry(prefixes map[string]decimal.Decimal, def decimal.Decimal, logger *slog.Logger) (*Registry, error) {
	if def.IsZero() {
		def = DefaultMultiplier
	}
	if !def.IsPositive() {
		return nil, fmt.Errorf("%w: default %s", ErrInvalidMultiplier, def)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		entries: make([]entry, 0, len(prefixes)),
		def:     def,
		warned:  cache.New(fallbackWarnWindow, 2*fallbackWarnWindow),
		logger:  logger,
	}
	for p, m := range prefixes {
		p = strings.ToUpper(strings.TrimSpace(p))
		if !prefixRegex.MatchString(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPrefix, p)
		}
		if !m.IsPositive() {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidMultiplier, p, m)
		}
		r.entries = append(r.entries, entry{prefix: p, multiplier: m})
	}
	sort.Slice(r.entries, func(i, j int) bool {
		if len(r.entries[i].prefix) != len(r.entries[j].prefix) {
			return len(r.entries[i].prefix) > len(r.entries[j].prefix)
		}
		return r.entries[i].prefix < r.entries[j].prefix
	})
	return r, nil
}

// ParseMultipliers converts textual config values into decimals.
func ParseMultipliers(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for p, v := range raw {
		m, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %s -> %q", ErrInvalidMultiplier, p, v)
		}
		out[p] = m
	}
	return out, nil
}

// Lookup returns the multiplier of the longest configured prefix of symbol.
func (r *Registry) Lookup(symbol string) (decimal.Decimal, bool) {
	s := strings.ToUpper(symbol)
	for _, e := range r.entries {
		if strings.HasPrefix(s, e.prefix) {
			return e.multiplier, true
		}
	}
	return decimal.Decimal{}, false
}

// Multiplier returns the symbol's multiplier, or the default with a warning
// when no prefix matches.
func (r *Registry) Multiplier(symbol string) decimal.Decimal {
	if m, ok := r.Lookup(symbol); ok {
		return m
	}
	metrics.MultiplierFallbacks.Inc()
	if r.warned.Add(symbol, struct{}{}, cache.DefaultExpiration) == nil {
		r.logger.Warn("no contract multiplier configured, using default",
			"symbol", symbol, "multiplier", r.def.String())
	}
	return r.def
}

// Default returns the fallback multiplier.
func (r *Registry) Default() decimal.Decimal { return r.def }
