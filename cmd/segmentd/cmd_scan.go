package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/clickcluster/segmentd/pkg/config"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/refcache"
	"github.com/clickcluster/segmentd/pkg/scan"
)

func newScanCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Check IPAM records against the segment model",
		Long: `Scan lists every prefix owned by the tenant, projects each onto a
segment, and reports records that do not fit: unprojectable prefixes,
duplicate vlan ids, overlapping prefixes, reused EPG names, and lease
state out of step with the cluster list. The scan never writes.

Without --once it keeps running on the cron expression found in the
schedule file (SCAN_SCHEDULE_FILE, hourly when absent) and follows
edits to that file without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := boot()
			if err != nil {
				return err
			}
			client, err := newIPAMClient(cfg)
			if err != nil {
				return err
			}
			scanner := scan.New(refcache.New(client, cfg.TenantName))
			if once {
				return scanOnce(cmd.Context(), scanner)
			}
			return scanForever(cfg, scanner)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass, exiting non-zero on findings")
	return cmd
}

// scanOnce runs a single pass; findings become the exit status.
func scanOnce(ctx context.Context, scanner *scan.Scanner) error {
	report, err := scanner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d prefixes: %d segments, %d unprojectable, %d violations\n",
		report.Prefixes, report.Segments, len(report.Degraded), len(report.Violations))
	return report.Err()
}

// scanForever runs passes on the cron schedule, following schedule file
// edits, until a signal arrives.
func scanForever(cfg *config.Config, scanner *scan.Scanner) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer notifier.Close()

	run := func() {
		if _, err := scanner.Run(context.Background()); err != nil {
			_ = logging.Errorf("scan pass failed: %v", err)
		}
	}
	watcher, err := scan.NewScheduleWatcher(cfg.ScanScheduleFile, scheduler, notifier, run)
	if err != nil {
		return err
	}

	// one pass up front, the schedule covers the rest
	run()
	scheduler.Start()
	watcher.Sync(func(event fsnotify.Event) bool {
		return event.Name == cfg.ScanScheduleFile && event.Op&fsnotify.Write == fsnotify.Write
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logging.Verbosef("received %s, shutting down", sig)
	return scheduler.Shutdown()
}
