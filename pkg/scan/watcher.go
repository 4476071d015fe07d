package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"github.com/clickcluster/segmentd/pkg/logging"
)

// defaultSchedule runs the scan hourly when the schedule file is
// missing or empty.
const defaultSchedule = "0 * * * *"

// ScheduleWatcher keeps the scan's cron job in step with a schedule
// file. The file holds a single cron expression; rewriting it
// re-schedules the job without a restart.
type ScheduleWatcher struct {
	scheduleDir     string
	schedulePath    string
	currentSchedule string
	job             gocron.Job
	scheduler       gocron.Scheduler
	runFunc         func()
	jobFactoryFunc  func(string) gocron.JobDefinition
	watcher         *fsnotify.Watcher
}

// NewScheduleWatcher registers runFunc with the scheduler under the
// cron expression read from schedulePath and prepares the file watch.
func NewScheduleWatcher(schedulePath string, scheduler gocron.Scheduler, watcher *fsnotify.Watcher, runFunc func()) (*ScheduleWatcher, error) {
	return newScheduleWatcher(
		schedulePath,
		scheduler,
		watcher,
		func(schedule string) gocron.JobDefinition {
			return gocron.CronJob(schedule, false)
		},
		runFunc,
	)
}

func newScheduleWatcher(
	schedulePath string,
	scheduler gocron.Scheduler,
	watcher *fsnotify.Watcher,
	jobFactoryFunc func(string) gocron.JobDefinition,
	runFunc func(),
) (*ScheduleWatcher, error) {
	schedule := readSchedule(schedulePath)

	job, err := scheduler.NewJob(
		jobFactoryFunc(schedule),
		gocron.NewTask(runFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling scan on %q: %v", schedule, err)
	}

	return &ScheduleWatcher{
		scheduleDir:     filepath.Dir(schedulePath),
		schedulePath:    schedulePath,
		currentSchedule: schedule,
		job:             job,
		scheduler:       scheduler,
		watcher:         watcher,
		runFunc:         runFunc,
		jobFactoryFunc:  jobFactoryFunc,
	}, nil
}

// readSchedule returns the cron expression held by the schedule file,
// falling back to the hourly default when the file is unreadable or
// empty.
func readSchedule(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		logging.Debugf("no schedule file at %s, running %q: %v", path, defaultSchedule, err)
		return defaultSchedule
	}
	schedule := strings.TrimSpace(string(raw))
	if schedule == "" {
		return defaultSchedule
	}
	return schedule
}

// Sync starts following the schedule file. The watch covers the whole
// directory: an atomic write replaces the file and would drop a
// file-level watch.
func (w *ScheduleWatcher) Sync(relevantEventPredicate func(event fsnotify.Event) bool) {
	go w.follow(relevantEventPredicate)
	if err := w.watcher.Add(w.scheduleDir); err != nil {
		_ = logging.Errorf("cannot watch schedule directory %q: %v", w.scheduleDir, err)
	}
}

func (w *ScheduleWatcher) follow(relevantEventPredicate func(event fsnotify.Event) bool) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevantEventPredicate(event) {
				logging.Debugf("ignoring event: %v", event)
				continue
			}

			updated := readSchedule(w.schedulePath)
			if updated == w.currentSchedule {
				logging.Debugf("schedule unchanged, nothing to do")
				continue
			}
			if _, err := w.scheduler.Update(
				w.job.ID(),
				w.jobFactoryFunc(updated),
				gocron.NewTask(w.runFunc),
			); err != nil {
				_ = logging.Errorf("cannot re-schedule scan on %q: %v", updated, err)
				continue
			}
			logging.Verbosef("scan schedule changed from %q to %q", w.currentSchedule, updated)
			w.currentSchedule = updated
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			_ = logging.Errorf("schedule watch: %v", err)
		}
	}
}
