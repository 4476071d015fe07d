package scan

import (
	"os"
	"path/filepath"
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
)

var _ = ginkgo.Describe("Schedule watcher", func() {
	var (
		scheduleFile *os.File
		scheduler    gocron.Scheduler
		notifier     *fsnotify.Watcher
		mailbox      chan struct{}
	)

	ginkgo.BeforeEach(func() {
		var err error

		mailbox = make(chan struct{})

		dir, err := os.MkdirTemp("", "schedule")
		Expect(err).NotTo(HaveOccurred())
		ginkgo.DeferCleanup(func() { Expect(os.RemoveAll(dir)).To(Succeed()) })

		const initialCronWithSeconds = "0/1 2 3 * * *"
		scheduleFile, err = os.Create(filepath.Join(dir, "schedule"))
		Expect(err).NotTo(HaveOccurred())
		ginkgo.DeferCleanup(func() { Expect(scheduleFile.Close()).To(Succeed()) })
		Expect(scheduleFile.Write([]byte(initialCronWithSeconds))).To(Equal(len(initialCronWithSeconds)))

		scheduler, err = gocron.NewScheduler()
		Expect(err).NotTo(HaveOccurred())
		notifier, err = fsnotify.NewWatcher()
		Expect(err).NotTo(HaveOccurred())
		ginkgo.DeferCleanup(func() { Expect(notifier.Close()).To(Succeed()) })

		watcher, err := newScheduleWatcher(
			scheduleFile.Name(),
			scheduler,
			notifier,
			func(schedule string) gocron.JobDefinition {
				return gocron.CronJob(schedule, true)
			},
			func() {
				// drop the signal when nobody is listening so shutdown
				// never waits on a stuck task
				select {
				case mailbox <- struct{}{}:
				default:
				}
			},
		)
		Expect(err).NotTo(HaveOccurred())

		scheduler.Start()
		ginkgo.DeferCleanup(func() { Expect(scheduler.Shutdown()).To(Succeed()) })
		watcher.Sync(func(event fsnotify.Event) bool {
			return event.Name == scheduleFile.Name() && event.Op&fsnotify.Write == fsnotify.Write
		})
	})

	ginkgo.When("the cron expression is rewritten in the file-system", func() {
		const updatedCronWithSeconds = "0/1 * * * * *"

		ginkgo.It("re-schedules the scan onto the new expression", func() {
			Expect(scheduleFile.WriteAt([]byte(updatedCronWithSeconds), 0)).To(Equal(len(updatedCronWithSeconds)))
			Eventually(mailbox).WithTimeout(time.Minute).Should(Receive())
		})
	})
})

var _ = ginkgo.Describe("Schedule file", func() {
	var dir string

	ginkgo.BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "schedule")
		Expect(err).NotTo(HaveOccurred())
		ginkgo.DeferCleanup(func() { Expect(os.RemoveAll(dir)).To(Succeed()) })
	})

	ginkgo.It("falls back to the hourly default when the file is missing", func() {
		Expect(readSchedule(filepath.Join(dir, "absent"))).To(Equal(defaultSchedule))
	})

	ginkgo.It("falls back when the file is empty", func() {
		path := filepath.Join(dir, "schedule")
		Expect(os.WriteFile(path, []byte("  \n"), 0o600)).To(Succeed())
		Expect(readSchedule(path)).To(Equal(defaultSchedule))
	})

	ginkgo.It("trims whitespace around the expression", func() {
		path := filepath.Join(dir, "schedule")
		Expect(os.WriteFile(path, []byte(" */5 * * * *\n"), 0o600)).To(Succeed())
		Expect(readSchedule(path)).To(Equal("*/5 * * * *"))
	})
})
