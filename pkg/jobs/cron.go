// Package jobs schedules the recurring referral program tasks: payout
// digests, earnings summaries, code expiry reminders and statements.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// CronManager manages scheduled jobs
type CronManager struct {
	cron   *cron.Cron
	tasks  *Tasks
	logger *log.Logger
}

// NewCronManager creates a new cron manager. Schedules run in UTC.
func NewCronManager(tasks *Tasks, logger *log.Logger) *CronManager {
	if logger == nil {
		logger = log.Default()
	}

	return &CronManager{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		tasks:  tasks,
		logger: logger,
	}
}

type job struct {
	spec    string
	name    string
	timeout time.Duration
	run     func(context.Context) error
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	cm.logger.Println("Setting up cron jobs...")

	jobs := []job{
		{"0 8 * * *", "pending payout digest", 5 * time.Minute, cm.tasks.PendingPayoutDigest},
		{"0 7 * * *", "code expiry reminders", 10 * time.Minute, cm.tasks.ExpiringCodeReminders},
		{"0 9 * * 1", "weekly earnings summaries", 30 * time.Minute, cm.tasks.EarningsSummaries},
		{"0 6 1 * *", "monthly statements", time.Hour, cm.tasks.MonthlyStatements},
	}
	for _, j := range jobs {
		j := j
		if _, err := cm.cron.AddFunc(j.spec, func() { cm.runJob(j) }); err != nil {
			return err
		}
	}

	if _, err := cm.cron.AddFunc("@every 1m", cm.tasks.RefreshPoolMetrics); err != nil {
		return err
	}

	cm.logger.Println("✅ Cron jobs configured successfully")
	cm.logger.Println("  - Daily at 7 AM: Code expiry reminders")
	cm.logger.Println("  - Daily at 8 AM: Pending payout digest")
	cm.logger.Println("  - Weekly on Monday at 9 AM: Earnings summaries")
	cm.logger.Println("  - Monthly on the 1st at 6 AM: Statements")

	return nil
}

func (cm *CronManager) runJob(j job) {
	cm.logger.Printf("🕐 Running %s job...", j.name)

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	if err := j.run(ctx); err != nil {
		cm.logger.Printf("❌ %s job failed: %v", j.name, err)
		return
	}
	cm.logger.Printf("✅ %s job completed in %s", j.name, time.Since(start).Round(time.Millisecond))
}

// Entries returns the number of registered schedules.
func (cm *CronManager) Entries() int {
	return len(cm.cron.Entries())
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.logger.Println("🚀 Starting cron scheduler...")
	cm.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs.
func (cm *CronManager) Stop() {
	cm.logger.Println("🛑 Stopping cron scheduler...")
	<-cm.cron.Stop().Done()
}

// GetTasks returns the task set (for manual triggers)
func (cm *CronManager) GetTasks() *Tasks {
	return cm.tasks
}
