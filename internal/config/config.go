// Package config loads gatewayd configuration from defaults, a TOML file,
// and GATEWAYD_-prefixed environment variables, then validates the result.
package config

import (
	"path/filepath"
	"time"
)

// Config is the complete gatewayd configuration.
type Config struct {
	NodeID  string `toml:"node_id" mapstructure:"node_id"`
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`

	WAL         WALConfig                 `toml:"wal" mapstructure:"wal"`
	EventStream EventStreamConfig         `toml:"event_stream" mapstructure:"event_stream"`
	Store       StoreConfig               `toml:"store" mapstructure:"store"`
	Billing     BillingConfig             `toml:"billing" mapstructure:"billing"`
	Market      MarketConfig              `toml:"market" mapstructure:"market"`
	Snapshot    SnapshotConfig            `toml:"snapshot" mapstructure:"snapshot"`
	History     HistoryConfig             `toml:"history" mapstructure:"history"`
	Facilitator FacilitatorConfig         `toml:"facilitator" mapstructure:"facilitator"`
	Providers   map[string]ProviderConfig `toml:"providers" mapstructure:"providers"`
	Log         LogConfig                 `toml:"log" mapstructure:"log"`

	configPath string `toml:"-" mapstructure:"-"`
}

// WALConfig controls the write-ahead log.
type WALConfig struct {
	// Dir overrides <data_dir>/wal when set.
	Dir             string `toml:"dir" mapstructure:"dir"`
	SegmentMaxBytes int64  `toml:"segment_max_bytes" mapstructure:"segment_max_bytes"`
	// SyncOnAppend fsyncs after every append.
	SyncOnAppend bool `toml:"sync_on_append" mapstructure:"sync_on_append"`
	// ArchiveDir receives lz4-compressed sealed segments when set.
	ArchiveDir string `toml:"archive_dir" mapstructure:"archive_dir"`
}

// EventStreamConfig controls the per-stream event store.
type EventStreamConfig struct {
	// Dir overrides <data_dir>/events when set.
	Dir             string `toml:"dir" mapstructure:"dir"`
	SegmentMaxBytes int64  `toml:"segment_max_bytes" mapstructure:"segment_max_bytes"`
}

// StoreConfig selects the shared store.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend  string `toml:"backend" mapstructure:"backend"`
	Addr     string `toml:"addr" mapstructure:"addr"`
	Password string `toml:"password" mapstructure:"password"`
	DB       int    `toml:"db" mapstructure:"db"`
}

// BillingConfig tunes the billing state machine.
type BillingConfig struct {
	LockTTL time.Duration `toml:"lock_ttl" mapstructure:"lock_ttl"`
	// DailyCreditNoteCapMicro is the per-wallet per-UTC-day cap in micro-USD.
	DailyCreditNoteCapMicro int64 `toml:"daily_credit_note_cap_micro" mapstructure:"daily_credit_note_cap_micro"`
}

// MarketConfig tunes the credit marketplace.
type MarketConfig struct {
	LotSize          int64         `toml:"lot_size" mapstructure:"lot_size"`
	MinOrderLots     int64         `toml:"min_order_lots" mapstructure:"min_order_lots"`
	FeeRate          string        `toml:"fee_rate" mapstructure:"fee_rate"`
	FeeWallet        string        `toml:"fee_wallet" mapstructure:"fee_wallet"`
	MaxOrdersPerHour int           `toml:"max_orders_per_hour" mapstructure:"max_orders_per_hour"`
	RateLimitWindow  time.Duration `toml:"rate_limit_window" mapstructure:"rate_limit_window"`
	RelistCooldown   time.Duration `toml:"relist_cooldown" mapstructure:"relist_cooldown"`
}

// SnapshotConfig selects the key-value snapshot backend.
type SnapshotConfig struct {
	// Backend is "pebble", "leveldb", or "memory".
	Backend string `toml:"backend" mapstructure:"backend"`
	// Path overrides <data_dir>/snapshots when set.
	Path        string `toml:"path" mapstructure:"path"`
	CacheSizeMB int    `toml:"cache_size_mb" mapstructure:"cache_size_mb"`
}

// HistoryConfig selects the relational history database.
type HistoryConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver" mapstructure:"driver"`
	// DSN defaults to <data_dir>/history.db for sqlite.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// FacilitatorConfig controls external settlement submission.
type FacilitatorConfig struct {
	URL           string        `toml:"url" mapstructure:"url"`
	SubmitTimeout time.Duration `toml:"submit_timeout" mapstructure:"submit_timeout"`
	DirectSubmit  bool          `toml:"direct_submit" mapstructure:"direct_submit"`

	BreakerFailureThreshold int           `toml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerCountWindow      int           `toml:"breaker_count_window" mapstructure:"breaker_count_window"`
	BreakerResetTimeout     time.Duration `toml:"breaker_reset_timeout" mapstructure:"breaker_reset_timeout"`
	BreakerHalfOpenProbes   int           `toml:"breaker_half_open_probes" mapstructure:"breaker_half_open_probes"`
}

// ProviderConfig describes one upstream inference provider and its
// fallback chain.
type ProviderConfig struct {
	Endpoint string `toml:"endpoint" mapstructure:"endpoint"`
	// Fallback names the provider tried when this one fails. Chains must
	// be acyclic; validation rejects loops at load time.
	Fallback string `toml:"fallback" mapstructure:"fallback"`
	// PricePerMillionInput/Output are decimal USD strings.
	PricePerMillionInput  string `toml:"price_per_million_input" mapstructure:"price_per_million_input"`
	PricePerMillionOutput string `toml:"price_per_million_output" mapstructure:"price_per_million_output"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `toml:"level" mapstructure:"level"`
	// Encoding is json or console.
	Encoding string `toml:"encoding" mapstructure:"encoding"`
}

// ConfigPath returns the file the configuration was loaded from, if any.
func (c *Config) ConfigPath() string { return c.configPath }

// WALDir resolves the WAL directory against data_dir.
func (c *Config) WALDir() string {
	if c.WAL.Dir != "" {
		return c.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// EventDir resolves the event stream directory against data_dir.
func (c *Config) EventDir() string {
	if c.EventStream.Dir != "" {
		return c.EventStream.Dir
	}
	return filepath.Join(c.DataDir, "events")
}

// SnapshotPath resolves the snapshot backend path against data_dir.
func (c *Config) SnapshotPath() string {
	if c.Snapshot.Path != "" {
		return c.Snapshot.Path
	}
	return filepath.Join(c.DataDir, "snapshots")
}

// HistoryDSN resolves the relational DSN, defaulting sqlite into data_dir.
func (c *Config) HistoryDSN() string {
	if c.History.DSN != "" {
		return c.History.DSN
	}
	if c.History.Driver == "sqlite" {
		return filepath.Join(c.DataDir, "history.db")
	}
	return ""
}
