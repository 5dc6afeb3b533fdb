package renosync

import (
	"context"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/reno_backend/config"
	"bitbucket.org/mmdatafocus/reno_backend/models"
	"bitbucket.org/mmdatafocus/reno_backend/utils"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// StartScheduler runs full syncs on a cron schedule. Projects go first so
// that the property link pass finds its parents already synced. Returns nil
// when the scheduler is disabled.
func StartScheduler() *cron.Cron {
	if !utils.EnvBoolDefault("ENABLE_SYNC_SCHEDULER", false) {
		return nil
	}

	schedule := strings.TrimSpace(os.Getenv("SYNC_CRON"))
	if schedule == "" {
		schedule = "0 3 * * *"
	}

	logger := config.GetLogger()
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		runScheduledSync(logger)
	})
	if err != nil {
		config.LogError(logger, "renosync", "StartScheduler", "invalid cron schedule", map[string]interface{}{"schedule": schedule}, err)
		return nil
	}

	c.Start()
	logger.WithFields(logrus.Fields{"schedule": schedule}).Info("sync scheduler started")
	return c
}

func runScheduledSync(logger *logrus.Logger) {
	timeout := time.Duration(intFromEnv("SYNC_SCHEDULE_TIMEOUT_MINUTES", 30)) * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, table := range []TableKind{TableProjects, TableProperties} {
		result, record, err := ExecuteFullSync(ctx, table, models.SyncTriggeredSchedule)
		if err != nil {
			config.LogError(logger, "renosync", "runScheduledSync", "scheduled full sync failed", map[string]interface{}{"table": string(table)}, err)
			continue
		}
		fields := logrus.Fields{
			"table":   string(table),
			"created": result.Created,
			"updated": result.Updated,
			"skipped": result.Skipped,
			"errors":  len(result.Errors),
		}
		if record != nil {
			fields["runId"] = record.ID
		}
		logger.WithFields(fields).Info("scheduled full sync finished")
	}
}
