package config

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Validate rejects configurations that would fail at runtime. Provider
// fallback chains are checked for cycles here so a loop is a load error,
// never a request-time loop.
func Validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("store.backend must be redis or memory, got %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "redis" && cfg.Store.Addr == "" {
		return fmt.Errorf("store.addr is required for the redis backend")
	}

	if cfg.Billing.LockTTL <= 0 {
		return fmt.Errorf("billing.lock_ttl must be positive, got %s", cfg.Billing.LockTTL)
	}
	if cfg.Billing.DailyCreditNoteCapMicro <= 0 {
		return fmt.Errorf("billing.daily_credit_note_cap_micro must be positive, got %d",
			cfg.Billing.DailyCreditNoteCapMicro)
	}

	if cfg.Market.LotSize <= 0 {
		return fmt.Errorf("market.lot_size must be positive, got %d", cfg.Market.LotSize)
	}
	if cfg.Market.MinOrderLots <= 0 {
		return fmt.Errorf("market.min_order_lots must be positive, got %d", cfg.Market.MinOrderLots)
	}
	fee, err := decimal.NewFromString(cfg.Market.FeeRate)
	if err != nil {
		return fmt.Errorf("market.fee_rate %q is not a decimal: %w", cfg.Market.FeeRate, err)
	}
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("market.fee_rate must be in [0, 1), got %s", fee)
	}
	if cfg.Market.FeeWallet == "" {
		return fmt.Errorf("market.fee_wallet must not be empty")
	}

	switch cfg.Snapshot.Backend {
	case "pebble", "leveldb", "memory":
	default:
		return fmt.Errorf("snapshot.backend must be pebble, leveldb, or memory, got %q",
			cfg.Snapshot.Backend)
	}

	switch cfg.History.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("history.driver must be sqlite or postgres, got %q", cfg.History.Driver)
	}
	if cfg.History.Driver == "postgres" && cfg.History.DSN == "" {
		return fmt.Errorf("history.dsn is required for the postgres driver")
	}

	if cfg.Facilitator.SubmitTimeout <= 0 {
		return fmt.Errorf("facilitator.submit_timeout must be positive, got %s",
			cfg.Facilitator.SubmitTimeout)
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", cfg.Log.Encoding)
	}

	return validateProviderChains(cfg.Providers)
}

// validateProviderChains rejects fallbacks to unknown providers and cycles
// in the fallback graph.
func validateProviderChains(providers map[string]ProviderConfig) error {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fb := providers[name].Fallback
		if fb == "" {
			continue
		}
		if _, ok := providers[fb]; !ok {
			return fmt.Errorf("provider %q falls back to unknown provider %q", name, fb)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(providers))

	var walk func(name string, trail []string) error
	walk = func(name string, trail []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("provider fallback cycle: %s -> %s",
				joinChain(trail), name)
		}
		state[name] = visiting
		if fb := providers[name].Fallback; fb != "" {
			if err := walk(fb, append(trail, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range names {
		if err := walk(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func joinChain(trail []string) string {
	out := ""
	for i, name := range trail {
		if i > 0 {
			out += " -> "
		}
		out += name
	}
	return out
}
