package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/clickcluster/segmentd/pkg/allocate"
	"github.com/clickcluster/segmentd/pkg/config"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/metrics"
	"github.com/clickcluster/segmentd/pkg/refcache"
	"github.com/clickcluster/segmentd/pkg/scan"
	"github.com/clickcluster/segmentd/pkg/server"
	"github.com/clickcluster/segmentd/pkg/store"
	"github.com/clickcluster/segmentd/pkg/validate"
	"github.com/clickcluster/segmentd/pkg/version"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := boot()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	client, err := newIPAMClient(cfg)
	if err != nil {
		return err
	}

	// fail fast on an unreachable IPAM or a bad token
	status, err := client.Status(ctx)
	if err != nil {
		return errors.Wrap(err, "probing IPAM")
	}
	logging.Verbosef("IPAM reachable, version %s", status.Version)

	cache := refcache.New(client, cfg.TenantName)
	if err := cache.Warm(ctx); err != nil {
		logging.Verbosef("cache warm-up incomplete: %v", err)
	}

	if _, err := scan.New(cache).Run(ctx); err != nil {
		logging.Verbosef("startup scan failed: %v", err)
	}

	st := store.New(client, cache)
	srv := server.New(allocate.NewEngine(st, cache, cfg), st, validate.New(cfg, cache))

	stopChan := make(chan struct{})
	var wg sync.WaitGroup
	metrics.StartMetricsServer(cfg.MetricsAddr, stopChan, &wg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(cfg.ListenAddr)
	}()
	srv.SetReady(true)
	logging.Verbosef("segmentd %s serving on %s", version.Version, cfg.ListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logging.Verbosef("received %s, shutting down", sig)
	case err := <-errChan:
		close(stopChan)
		wg.Wait()
		return err
	}

	srv.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = logging.Errorf("HTTP shutdown: %v", err)
	}
	close(stopChan)
	wg.Wait()
	return nil
}
