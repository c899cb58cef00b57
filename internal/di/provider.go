package di

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/billing"
	"github.com/oberonpay/gatewayd/internal/config"
	"github.com/oberonpay/gatewayd/internal/core/money"
	"github.com/oberonpay/gatewayd/internal/credits"
	"github.com/oberonpay/gatewayd/internal/eventstream"
	"github.com/oberonpay/gatewayd/internal/facilitator"
	"github.com/oberonpay/gatewayd/internal/logging"
	"github.com/oberonpay/gatewayd/internal/market"
	"github.com/oberonpay/gatewayd/internal/storage/kv"
	"github.com/oberonpay/gatewayd/internal/storage/relational"
	"github.com/oberonpay/gatewayd/internal/store"
	"github.com/oberonpay/gatewayd/internal/wal"
)

// Provider registers builders for every gatewayd service.
type Provider struct {
	container *Container
	config    *config.Config
}

// NewProvider binds a container to a loaded configuration.
func NewProvider(container *Container, cfg *config.Config) *Provider {
	return &Provider{container: container, config: cfg}
}

// RegisterAll registers the configuration plus lazy builders for all
// services. Nothing is constructed until first resolved.
func (p *Provider) RegisterAll() {
	p.container.Register(ServiceConfig, p.config)
	p.registerInfra()
	p.registerStorage()
	p.registerDomain()
}

func (p *Provider) registerInfra() {
	p.container.RegisterBuilder(ServiceLogger, func(c *Container) (any, error) {
		return logging.New(p.config.Log.Level, p.config.Log.Encoding)
	})

	p.container.RegisterBuilder(ServiceStore, func(c *Container) (any, error) {
		if p.config.Store.Backend == "memory" {
			return store.NewMemoryStore(), nil
		}
		return store.NewRedisStore(context.Background(), store.RedisConfig{
			Addr:     p.config.Store.Addr,
			Password: p.config.Store.Password,
			DB:       p.config.Store.DB,
		})
	})

	p.container.RegisterBuilder(ServiceWriterLock, func(c *Container) (any, error) {
		st, err := p.Store()
		if err != nil {
			return nil, err
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		instanceID := p.config.NodeID
		if instanceID == "" {
			host, _ := os.Hostname()
			instanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
		}
		return wal.NewWriterLock(st, instanceID, log), nil
	})

	p.container.RegisterBuilder(ServiceWAL, func(c *Container) (any, error) {
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		lock, err := p.WriterLock()
		if err != nil {
			return nil, err
		}
		return wal.Open(context.Background(), wal.Config{
			Dir:            p.config.WALDir(),
			MaxSegmentSize: p.config.WAL.SegmentMaxBytes,
			SyncOnAppend:   p.config.WAL.SyncOnAppend,
			ArchiveDir:     p.config.WAL.ArchiveDir,
		}, log, wal.WithLock(lock))
	})

	p.container.RegisterBuilder(ServiceEventStore, func(c *Container) (any, error) {
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		return eventstream.Open(eventstream.Config{
			Dir:            p.config.EventDir(),
			MaxSegmentSize: p.config.EventStream.SegmentMaxBytes,
		}, log)
	})

	p.container.RegisterBuilder(ServiceEmitter, func(c *Container) (any, error) {
		es, err := p.EventStore()
		if err != nil {
			return nil, err
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		return eventstream.NewEmitter(es, log), nil
	})
}

func (p *Provider) registerStorage() {
	p.container.RegisterBuilder(ServiceSnapshot, func(c *Container) (any, error) {
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		be, err := kv.Create(p.config.Snapshot.Backend, &kv.Config{
			Path:        p.config.SnapshotPath(),
			CacheSizeMB: p.config.Snapshot.CacheSizeMB,
		})
		if err != nil {
			return nil, err
		}
		if err := be.Open(true); err != nil {
			return nil, err
		}
		return kv.NewSnapshotStore(be, log), nil
	})

	p.container.RegisterBuilder(ServiceHistory, func(c *Container) (any, error) {
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		db, err := relational.Open(relational.Config{
			Driver: p.config.History.Driver,
			DSN:    p.config.HistoryDSN(),
		})
		if err != nil {
			return nil, err
		}
		return relational.NewHistoryRepo(db, log), nil
	})
}

func (p *Provider) registerDomain() {
	p.container.RegisterBuilder(ServiceBilling, func(c *Container) (any, error) {
		w, err := p.WAL()
		if err != nil {
			return nil, err
		}
		st, err := p.Store()
		if err != nil {
			return nil, err
		}
		emitter, err := p.Emitter()
		if err != nil {
			return nil, err
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		snap, err := p.Snapshot()
		if err != nil {
			return nil, err
		}
		repo, err := p.History()
		if err != nil {
			return nil, err
		}
		cfg := billing.Config{
			LockTTL:            p.config.Billing.LockTTL,
			DailyCreditNoteCap: money.MicroUSD(p.config.Billing.DailyCreditNoteCapMicro),
		}
		archive := multiSink{snap, repo}
		return billing.NewMachine(w, st, emitter, cfg, log,
			billing.WithArchive(archive),
			billing.WithUsageRecorder(repo)), nil
	})

	p.container.RegisterBuilder(ServiceCredits, func(c *Container) (any, error) {
		st, err := p.Store()
		if err != nil {
			return nil, err
		}
		emitter, err := p.Emitter()
		if err != nil {
			return nil, err
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		return credits.NewLedger(st, credits.DefaultConfig(), emitter, log), nil
	})

	p.container.RegisterBuilder(ServiceSettlement, func(c *Container) (any, error) {
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		return market.NewSettlement(p.config.Market.FeeWallet, log), nil
	})

	p.container.RegisterBuilder(ServiceMarket, func(c *Container) (any, error) {
		st, err := p.Store()
		if err != nil {
			return nil, err
		}
		settle, err := p.Settlement()
		if err != nil {
			return nil, err
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		fee, err := decimal.NewFromString(p.config.Market.FeeRate)
		if err != nil {
			return nil, fmt.Errorf("di: market fee rate: %w", err)
		}
		cfg := market.Config{
			LotSize:          p.config.Market.LotSize,
			FeeRate:          fee,
			MinOrderLots:     p.config.Market.MinOrderLots,
			MaxOrdersPerHour: int64(p.config.Market.MaxOrdersPerHour),
			RateLimitWindow:  p.config.Market.RateLimitWindow,
			RelistCooldown:   p.config.Market.RelistCooldown,
		}
		return market.NewEngine(st, settle, cfg, log), nil
	})

	p.container.RegisterBuilder(ServiceFacilitator, func(c *Container) (any, error) {
		if p.config.Facilitator.URL == "" {
			return (*facilitator.Client)(nil), nil
		}
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		machine, err := p.Billing()
		if err != nil {
			return nil, err
		}
		breaker := facilitator.NewBreaker(facilitator.BreakerConfig{
			FailureThreshold: p.config.Facilitator.BreakerFailureThreshold,
			CountWindow:      p.config.Facilitator.BreakerCountWindow,
			ResetTimeout:     p.config.Facilitator.BreakerResetTimeout,
			HalfOpenProbes:   p.config.Facilitator.BreakerHalfOpenProbes,
		}, nil)
		sub := facilitator.NewHTTPSubmitter(p.config.Facilitator.URL)
		return facilitator.NewClient(sub, breaker, log,
			facilitator.WithCompensator(machine)), nil
	})
}

// multiSink fans one archive write out to every configured sink.
type multiSink []billing.ArchiveSink

func (m multiSink) ArchiveEntry(e *billing.Entry) {
	for _, sink := range m {
		sink.ArchiveEntry(e)
	}
}

// Typed accessors.

func (p *Provider) Logger() (*zap.Logger, error) {
	v, err := p.container.Get(ServiceLogger)
	if err != nil {
		return nil, err
	}
	return v.(*zap.Logger), nil
}

func (p *Provider) Store() (store.Store, error) {
	v, err := p.container.Get(ServiceStore)
	if err != nil {
		return nil, err
	}
	return v.(store.Store), nil
}

func (p *Provider) WriterLock() (*wal.WriterLock, error) {
	v, err := p.container.Get(ServiceWriterLock)
	if err != nil {
		return nil, err
	}
	return v.(*wal.WriterLock), nil
}

func (p *Provider) WAL() (*wal.Manager, error) {
	v, err := p.container.Get(ServiceWAL)
	if err != nil {
		return nil, err
	}
	return v.(*wal.Manager), nil
}

func (p *Provider) EventStore() (*eventstream.Store, error) {
	v, err := p.container.Get(ServiceEventStore)
	if err != nil {
		return nil, err
	}
	return v.(*eventstream.Store), nil
}

func (p *Provider) Emitter() (*eventstream.Emitter, error) {
	v, err := p.container.Get(ServiceEmitter)
	if err != nil {
		return nil, err
	}
	return v.(*eventstream.Emitter), nil
}

func (p *Provider) Snapshot() (*kv.SnapshotStore, error) {
	v, err := p.container.Get(ServiceSnapshot)
	if err != nil {
		return nil, err
	}
	return v.(*kv.SnapshotStore), nil
}

func (p *Provider) History() (*relational.HistoryRepo, error) {
	v, err := p.container.Get(ServiceHistory)
	if err != nil {
		return nil, err
	}
	return v.(*relational.HistoryRepo), nil
}

func (p *Provider) Billing() (*billing.Machine, error) {
	v, err := p.container.Get(ServiceBilling)
	if err != nil {
		return nil, err
	}
	return v.(*billing.Machine), nil
}

func (p *Provider) Credits() (*credits.Ledger, error) {
	v, err := p.container.Get(ServiceCredits)
	if err != nil {
		return nil, err
	}
	return v.(*credits.Ledger), nil
}

func (p *Provider) Settlement() (*market.Settlement, error) {
	v, err := p.container.Get(ServiceSettlement)
	if err != nil {
		return nil, err
	}
	return v.(*market.Settlement), nil
}

func (p *Provider) Market() (*market.Engine, error) {
	v, err := p.container.Get(ServiceMarket)
	if err != nil {
		return nil, err
	}
	return v.(*market.Engine), nil
}

// Facilitator returns nil when no facilitator URL is configured.
func (p *Provider) Facilitator() (*facilitator.Client, error) {
	v, err := p.container.Get(ServiceFacilitator)
	if err != nil {
		return nil, err
	}
	return v.(*facilitator.Client), nil
}

// Config returns the loaded configuration.
func (p *Provider) Config() *config.Config {
	return p.config
}
