package commands

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michiel/ratchet-sub009/internal/config"
	"github.com/michiel/ratchet-sub009/internal/delivery"
	"github.com/michiel/ratchet-sub009/internal/dispatcher"
	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/httpclient"
	"github.com/michiel/ratchet-sub009/internal/log"
	"github.com/michiel/ratchet-sub009/internal/queue"
	"github.com/michiel/ratchet-sub009/internal/registry"
	"github.com/michiel/ratchet-sub009/internal/registrysync"
	"github.com/michiel/ratchet-sub009/internal/scheduler"
	"github.com/michiel/ratchet-sub009/internal/store"
	"github.com/michiel/ratchet-sub009/internal/workerpool"
)

// ServeCmd starts the coordinator and runs it until interrupted.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator (worker pool, dispatcher, scheduler, registry)",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return run(configPath)
	},
}

func init() {
	ServeCmd.Flags().String("config", "", "path to a ratchetd config file (optional; env and defaults otherwise)")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errs.Wrap(err, "load config")
	}

	st, err := store.OpenStore(cfg.Database.Path)
	if err != nil {
		return errs.Wrap(err, "open store")
	}
	defer st.DB.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(cfg.Registry.CacheCapacity)
	loader, err := buildLoader(cfg.Registry)
	if err != nil {
		return errs.Wrap(err, "build registry loader")
	}

	syncer := registrysync.New(reg, st)
	go runRegistrySync(ctx, reg, syncer, cfg.Registry.PollInterval)

	var fsWatcher *registry.Watcher
	if len(cfg.Registry.FilesystemRoots) == 1 {
		fsLoader := registry.NewFilesystemLoader(cfg.Registry.FilesystemRoots[0])
		fsWatcher, err = registry.NewWatcher(reg, fsLoader)
		if err != nil {
			log.Warnw("serve: failed to start filesystem watcher, falling back to poll-only", "error", err)
		}
	}

	go reg.Watch(ctx, loader, cfg.Registry.PollInterval)
	if fsWatcher != nil {
		go func() {
			if err := fsWatcher.Run(ctx); err != nil {
				log.Warnw("serve: filesystem watcher stopped", "error", err)
			}
		}()
	}

	poolSize := cfg.WorkerPool.Workers
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	pool := workerpool.New(workerpool.Config{
		Size:              poolSize,
		BinaryPath:        cfg.WorkerPool.WorkerBinaryPath,
		HeartbeatInterval: cfg.WorkerPool.HeartbeatInterval,
		RestartBackoffCap: cfg.WorkerPool.RestartBackoffCap,
	})
	// The pool is not tied to ctx either: cancelling its context kills every
	// worker subprocess, so it is stopped explicitly by pool.Stop below.
	if err := pool.Start(context.Background()); err != nil {
		return errs.Wrap(err, "start worker pool")
	}

	deliverer := delivery.New(st.Deliveries, st.Tasks)
	jobQueue := queue.New(st.Jobs)

	disp := dispatcher.New(jobQueue, pool, st.Tasks, st.Executions, reg, deliverer, dispatcher.Config{
		StuckClaimGrace: cfg.Dispatcher.StuckClaimThreshold,
		ExecuteTimeout:  cfg.Dispatcher.DefaultExecutionDeadline,
	})

	// dispatcherCtx/schedulerCtx are deliberately NOT derived from ctx: §5
	// requires the scheduler and dispatcher to stop in a specific order on
	// shutdown signal, not simultaneously when ctx is cancelled.
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		disp.Run(dispatcherCtx)
	}()

	sched := scheduler.New(st.Schedules, jobQueue)
	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		sched.Run(schedulerCtx)
	}()

	log.Infow("ratchetd started", "workers", poolSize, "database", cfg.Database.Path)

	<-ctx.Done()
	log.Infow("ratchetd: shutdown signal received, beginning ordered shutdown")

	// §5 shutdown sequence: stop the scheduler ticker, stop claiming new
	// jobs, wait up to grace_period for in-flight executions, send
	// Shutdown to each worker, forcibly kill survivors after another 5s.
	stopScheduler()
	<-schedulerDone

	stopDispatcher()
	select {
	case <-dispatcherDone:
	case <-time.After(cfg.Dispatcher.GracePeriod):
		log.Warnw("ratchetd: grace period elapsed with executions still in flight")
	}

	killCtx, cancelKill := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelKill()
	if err := pool.Stop(killCtx); err != nil {
		log.Warnw("ratchetd: worker pool did not stop cleanly", "error", err)
	}

	log.Infow("ratchetd stopped")
	return nil
}

// runRegistrySync drives Syncer.Sync on each tick and on every RegistryEvent
// (§4.E: "On each tick (and on any RegistryEvent)").
func runRegistrySync(ctx context.Context, reg *registry.Registry, syncer *registrysync.Syncer, tickInterval time.Duration) {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	events := reg.Events()
	sync := func() {
		if err := syncer.Sync(); err != nil {
			log.Errorw("registrysync: sync failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		case _, ok := <-events:
			if !ok {
				return
			}
			sync()
		}
	}
}

// buildLoader wires every configured filesystem root and HTTP index into
// one registry.Loader (§4.D supports multiple concurrent sources).
func buildLoader(cfg config.RegistryConfig) (registry.Loader, error) {
	var sources []registry.Loader
	for _, root := range cfg.FilesystemRoots {
		sources = append(sources, registry.NewFilesystemLoader(root))
	}
	if len(cfg.HTTPIndexURLs) > 0 {
		client := httpclient.NewSaferClient(30 * time.Second)
		for _, indexURL := range cfg.HTTPIndexURLs {
			sources = append(sources, registry.NewHTTPLoader(indexURL, client))
		}
	}
	if len(sources) == 0 {
		return nil, errs.New("no registry sources configured (set registry.filesystem_roots or registry.http_index_urls)")
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return registry.NewCompositeLoader(sources...), nil
}
