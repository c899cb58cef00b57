package config

import "github.com/spf13/viper"

// setDefaults seeds viper before any file or environment source is read.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("data_dir", "./data")

	v.SetDefault("wal.dir", "")
	v.SetDefault("wal.segment_max_bytes", 64<<20)
	v.SetDefault("wal.sync_on_append", false)
	v.SetDefault("wal.archive_dir", "")

	v.SetDefault("event_stream.dir", "")
	v.SetDefault("event_stream.segment_max_bytes", 64<<20)

	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.addr", "127.0.0.1:6379")
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)

	v.SetDefault("billing.lock_ttl", "30s")
	v.SetDefault("billing.daily_credit_note_cap_micro", 100_000_000)

	v.SetDefault("market.lot_size", 100)
	v.SetDefault("market.min_order_lots", 1)
	v.SetDefault("market.fee_rate", "0.02")
	v.SetDefault("market.fee_wallet", "treasury")
	v.SetDefault("market.max_orders_per_hour", 20)
	v.SetDefault("market.rate_limit_window", "1h")
	v.SetDefault("market.relist_cooldown", "5m")

	v.SetDefault("snapshot.backend", "pebble")
	v.SetDefault("snapshot.path", "")
	v.SetDefault("snapshot.cache_size_mb", 64)

	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.dsn", "")

	v.SetDefault("facilitator.url", "")
	v.SetDefault("facilitator.submit_timeout", "10s")
	v.SetDefault("facilitator.direct_submit", false)
	v.SetDefault("facilitator.breaker_failure_threshold", 5)
	v.SetDefault("facilitator.breaker_count_window", 10)
	v.SetDefault("facilitator.breaker_reset_timeout", "30s")
	v.SetDefault("facilitator.breaker_half_open_probes", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
}
