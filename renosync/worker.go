package renosync

import (
	"context"
	"errors"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/reno_backend/config"
	"bitbucket.org/mmdatafocus/reno_backend/models"
	"bitbucket.org/mmdatafocus/reno_backend/utils"
	"gorm.io/gorm"
)

var (
	engineOnce sync.Once
	engineInst *Engine
	engineErr  error
)

// GetEngine builds the process-wide engine on first use. Construction can
// fail only on missing CRM configuration, so the error is sticky.
func GetEngine() (*Engine, error) {
	engineOnce.Do(func() {
		source, err := NewCRMClient()
		if err != nil {
			engineErr = err
			return
		}
		engineInst = NewEngine(source, NewGormStore(config.GetDB()), NewDocumentFetcher(), config.GetLogger())
	})
	return engineInst, engineErr
}

// ExecuteFullSync runs one full sync and records it in the audit trail. The
// persisted row exists before the run starts so an interrupted process still
// leaves a visible running entry.
func ExecuteFullSync(ctx context.Context, table TableKind, triggeredBy string) (*SyncRun, *models.SyncRunRecord, error) {
	db := config.GetDB().WithContext(ctx)
	now := time.Now()
	record := &models.SyncRunRecord{
		TableKind:   string(table),
		Status:      models.SyncRunStatusRunning,
		TriggeredBy: triggeredBy,
		StartedAt:   &now,
	}
	if err := db.Create(record).Error; err != nil {
		return nil, nil, err
	}

	engine, err := GetEngine()
	if err != nil {
		finishRun(db, record, nil, err)
		return nil, record, err
	}

	result, runErr := engine.FullSync(ctx, table)
	finishRun(db, record, result, runErr)
	return result, record, runErr
}

// processSyncRun executes a previously queued run delivered over pub/sub.
// Terminal runs are skipped so redelivered messages stay idempotent.
func processSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 {
		return errors.New("invalid payload")
	}

	db := config.GetDB().WithContext(ctx)

	var record models.SyncRunRecord
	if err := db.Where("id = ?", payload.RunId).Take(&record).Error; err != nil {
		return err
	}
	switch record.Status {
	case models.SyncRunStatusSuccess, models.SyncRunStatusFailed, models.SyncRunStatusPartial:
		return nil
	}

	table, err := ParseTableKind(record.TableKind)
	if err != nil {
		finishRun(db, &record, nil, err)
		return err
	}

	now := time.Now()
	if err := db.Model(&record).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": now,
	}).Error; err != nil {
		return err
	}
	record.StartedAt = &now

	engine, err := GetEngine()
	if err != nil {
		finishRun(db, &record, nil, err)
		return err
	}

	result, runErr := engine.FullSync(ctx, table)
	finishRun(db, &record, result, runErr)
	return runErr
}

func finishRun(db *gorm.DB, record *models.SyncRunRecord, result *SyncRun, runErr error) {
	now := time.Now()
	update := map[string]interface{}{
		"finished_at": now,
	}
	if record.StartedAt != nil {
		update["duration_ms"] = now.Sub(*record.StartedAt).Milliseconds()
	}

	status := models.SyncRunStatusSuccess
	if runErr != nil {
		status = models.SyncRunStatusFailed
	} else if result != nil && len(result.Errors) > 0 {
		status = models.SyncRunStatusPartial
	}
	update["status"] = status

	if result != nil {
		update["created"] = result.Created
		update["updated"] = result.Updated
		update["skipped"] = result.Skipped
		update["orphaned"] = len(result.Orphaned)
		update["error_count"] = len(result.Errors)
		if stats, err := utils.MarshalToJSON(map[string]interface{}{
			"state":       string(result.State),
			"linked":      result.Linked,
			"orphanedIds": result.Orphaned,
		}); err == nil {
			update["stats_json"] = []byte(stats)
		}

		for _, se := range result.Errors {
			_ = db.Create(&models.SyncErrorRecord{
				SyncRunId:  record.ID,
				TableKind:  string(result.Table),
				ExternalId: se.ExternalId,
				ErrorCode:  se.Code,
				Message:    se.Reason,
				Retryable:  se.Retryable,
			}).Error
		}
	}

	if err := db.Model(record).Updates(update).Error; err != nil {
		config.LogError(config.GetLogger(), "renosync", "finishRun", "persist run result", map[string]interface{}{"runId": record.ID}, err)
	}
}
