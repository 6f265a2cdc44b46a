// Package daemon wires the transaction engine together: journal, id
// allocator, collaborators, scheduler, restoration, reconciler,
// metrics and the RPC surface, composed by a single New with
// Run/Shutdown lifecycle methods.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/events"
	"github.com/chefpack/chefd/pkg/journal"
	"github.com/chefpack/chefd/pkg/log"
	"github.com/chefpack/chefd/pkg/logsink"
	"github.com/chefpack/chefd/pkg/metrics"
	"github.com/chefpack/chefd/pkg/mount"
	"github.com/chefpack/chefd/pkg/packstore"
	"github.com/chefpack/chefd/pkg/reconciler"
	"github.com/chefpack/chefd/pkg/restore"
	"github.com/chefpack/chefd/pkg/rpcsurface"
	"github.com/chefpack/chefd/pkg/scheduler"
	"github.com/chefpack/chefd/pkg/security"
	"github.com/chefpack/chefd/pkg/services"
	"github.com/chefpack/chefd/pkg/trust"
)

// Version is set via ldflags during build.
var Version = "dev"

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    Config
	logger zerolog.Logger

	journal    *journal.Journal
	ids        *clock.IDAllocator
	sink       *logsink.Sink
	broker     *events.Broker
	store      *packstore.Store
	truststore *trust.Store
	mounter    *mount.Mounter
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	rpc        *rpcsurface.Server
	ca         *security.CertAuthority

	httpServer *http.Server
	errCh      chan error
}

// New constructs the daemon's component graph without starting it.
func New(cfg Config) (*Daemon, error) {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("daemon")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	jrnl, err := journal.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	ids, err := clock.NewIDAllocator(cfg.DataDir)
	if err != nil {
		jrnl.Close()
		return nil, err
	}

	signer, rootKey, err := trust.NewSigner()
	if err != nil {
		jrnl.Close()
		ids.Close()
		return nil, err
	}
	truststore, err := trust.New(cfg.DataDir, rootKey)
	if err != nil {
		jrnl.Close()
		ids.Close()
		return nil, err
	}

	// The default store fabricates deterministic artifacts and signs
	// them with the locally-trusted publisher key; a real deployment
	// swaps in a remote index-backed fetcher.
	store, err := packstore.New(filepath.Join(cfg.DataDir, "cache"), nil,
		func(_ context.Context, publisher, pkg, revision string) ([]byte, []byte, error) {
			hash := packstore.ExpectedContentHash(publisher, pkg, revision)
			return signer.PublisherProof(), signer.PackageProof(hash), nil
		})
	if err != nil {
		jrnl.Close()
		ids.Close()
		truststore.Close()
		return nil, err
	}

	clk := clock.SystemClock{}
	sink := logsink.New(clk, cfg.LogCapacity)
	broker := events.NewBroker()
	mounter := mount.New(cfg.RootDir)
	backend := services.New()

	sched := scheduler.New(scheduler.Config{
		RootDir:               cfg.RootDir,
		GracePeriod:           cfg.GracePeriod,
		DownloadRetryCap:      cfg.DownloadRetryCap,
		DependencyWaitTimeout: cfg.DependencyWaitTimeout,
	}, jrnl, ids, clk, sink, broker, scheduler.Collaborators{
		PackageStore:     store,
		ProofVerifier:    truststore,
		ImageMounter:     mounter,
		ContainerBackend: backend,
	})

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		journal:    jrnl,
		ids:        ids,
		sink:       sink,
		broker:     broker,
		store:      store,
		truststore: truststore,
		mounter:    mounter,
		scheduler:  sched,
		reconciler: reconciler.NewReconciler(sched, jrnl, clk, cfg.GracePeriod, 0),
		collector:  metrics.NewCollector(sched),
		rpc:        rpcsurface.NewServer(sched, broker),
		errCh:      make(chan error, 2),
	}

	if cfg.ListenAddr != "" {
		ca, err := security.OpenCertAuthority(cfg.DataDir)
		if err != nil {
			d.closeStores()
			return nil, err
		}
		d.ca = ca
	}
	return d, nil
}

// Run restores journaled transactions, starts every component and
// blocks until ctx is cancelled or a listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	metrics.SetVersion(Version)
	metrics.RegisterComponent("journal", true, "open")
	metrics.RegisterComponent("scheduler", false, "restoring")
	metrics.RegisterComponent("rpc", false, "initializing")

	d.broker.Start()

	restorer := &restore.Restorer{
		RootDir:     d.cfg.RootDir,
		DataDir:     d.cfg.DataDir,
		GracePeriod: d.cfg.GracePeriod,
		Journal:     d.journal,
		Scheduler:   d.scheduler,
		Mounter:     d.mounter,
		Clock:       clock.SystemClock{},
	}
	summary, err := restorer.Run()
	if err != nil {
		return fmt.Errorf("restoration failed: %w", err)
	}
	d.logger.Info().
		Int("resumed", summary.Resumed).
		Int("retained", summary.Retained).
		Bool("reboot_detected", summary.RebootDetected).
		Msg("Journal restored")

	d.scheduler.Start()
	metrics.RegisterComponent("scheduler", true, "running")
	d.reconciler.Start()
	d.collector.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	d.httpServer = &http.Server{
		Addr:         d.cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		if err := d.rpc.StartLocal(rpcsurface.SocketPath(d.cfg.RootDir)); err != nil {
			d.errCh <- fmt.Errorf("IPC listener: %w", err)
		}
	}()
	if d.cfg.ListenAddr != "" {
		go func() {
			if err := d.rpc.StartRemote(d.cfg.ListenAddr, d.ca); err != nil {
				d.errCh <- fmt.Errorf("remote listener: %w", err)
			}
		}()
	}
	metrics.RegisterComponent("rpc", true, "listening")

	select {
	case <-ctx.Done():
		d.logger.Info().Msg("Shutdown requested")
		return d.Shutdown()
	case err := <-d.errCh:
		d.logger.Error().Err(err).Msg("Listener failed")
		_ = d.Shutdown()
		return err
	}
}

// Shutdown stops components in reverse dependency order.
func (d *Daemon) Shutdown() error {
	d.rpc.Stop()
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpServer.Shutdown(ctx)
	}
	d.collector.Stop()
	d.reconciler.Stop()
	d.scheduler.Stop()
	d.broker.Stop()
	d.closeStores()
	d.logger.Info().Msg("Shutdown complete")
	return nil
}

func (d *Daemon) closeStores() {
	if d.ca != nil {
		d.ca.Close()
	}
	d.store.Close()
	d.truststore.Close()
	d.ids.Close()
	d.journal.Close()
}
