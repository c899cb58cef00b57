package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oberonpay/gatewayd/internal/di"
)

var (
	heartbeatInterval time.Duration
	snapshotInterval  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing core",
	Long: `Start the gatewayd core: replay the WAL to rebuild billing state,
then run the event emitter drain loop, the WAL writer fence heartbeat,
and the periodic snapshot flusher until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&heartbeatInterval, "heartbeat", 10*time.Second,
		"writer fence heartbeat interval")
	serveCmd.Flags().DurationVar(&snapshotInterval, "snapshot-interval", time.Minute,
		"billing entry snapshot flush interval")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := di.NewProvider(di.New(), cfg)
	p.RegisterAll()

	log, err := p.Logger()
	if err != nil {
		return err
	}
	defer log.Sync()

	w, err := p.WAL()
	if err != nil {
		return err
	}
	defer w.Close(context.Background())

	machine, err := p.Billing()
	if err != nil {
		return err
	}
	if err := machine.Restore(ctx); err != nil {
		return err
	}
	log.Info("billing state restored",
		zap.Uint64("wal_sequence", w.Sequence()),
		zap.Int("entries", len(machine.Entries())))

	emitter, err := p.Emitter()
	if err != nil {
		return err
	}
	lock, err := p.WriterLock()
	if err != nil {
		return err
	}
	snap, err := p.Snapshot()
	if err != nil {
		return err
	}
	repo, err := p.History()
	if err != nil {
		return err
	}
	defer repo.Close()

	g, ctx := errgroup.WithContext(ctx)
	emitter.StartDraining(ctx, g)

	// Writer fence heartbeat. Losing the fence is fatal: another writer
	// owns the WAL now.
	g.Go(func() error {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := lock.Validate(ctx); err != nil {
					log.Error("writer fence lost", zap.Error(err))
					return err
				}
			}
		}
	})

	// Periodic snapshot flush of all in-memory billing entries.
	g.Go(func() error {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, e := range machine.Entries() {
					snap.ArchiveEntry(e)
				}
			}
		}
	})

	log.Info("gatewayd running",
		zap.String("data_dir", cfg.DataDir),
		zap.String("store", cfg.Store.Backend))

	err = g.Wait()
	emitter.Flush()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("gatewayd stopped")
	return nil
}
