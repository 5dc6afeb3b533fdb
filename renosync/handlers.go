package renosync

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/reno_backend/config"
	"bitbucket.org/mmdatafocus/reno_backend/models"
	"bitbucket.org/mmdatafocus/reno_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// FullSyncHandler runs a full sync synchronously and returns the run result.
// Long tables should go through QueueSyncHandler instead.
func FullSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FullSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		table, err := ParseTableKind(req.TableKind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, _, err := ExecuteFullSync(c.Request.Context(), table, models.SyncTriggeredManual)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, FullSyncResponse{
			Created:  result.Created,
			Updated:  result.Updated,
			Skipped:  result.Skipped,
			Orphaned: result.Orphaned,
			Errors:   result.Errors,
		})
	}
}

// QueueSyncHandler records a queued run and hands it to pub/sub for the
// push worker to pick up.
func QueueSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QueueSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		table, err := ParseTableKind(req.TableKind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		run := models.SyncRunRecord{
			TableKind:   string(table),
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: models.SyncTriggeredManual,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(c.Request.Context(), run.ID, string(table))

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		query := db.Model(&models.SyncRunRecord{})
		if v := strings.TrimSpace(c.Query("tableKind")); v != "" {
			table, err := ParseTableKind(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			query = query.Where("table_kind = ?", string(table))
		}

		var runs []models.SyncRunRecord
		if err := query.Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.SyncRunRecord
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SyncErrorRecord
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrorRecords(errs),
		})
	}
}

// RetrySyncRunHandler queues a fresh run for the same table as a previous
// run and links it to its parent.
func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.SyncRunRecord
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.SyncRunRecord{
			TableKind:   run.TableKind,
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: models.SyncTriggeredRetry,
			ParentRunId: &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(c.Request.Context(), newRun.ID, newRun.TableKind)

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

// WebhookHandler receives change events from the external system. Requests
// must carry the shared-secret bearer token. Every event is written to the
// audit log whether or not it applied; a stale event is a successful no-op
// from the caller's point of view so the external system never retries it.
func WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !webhookAuthorized(c) {
			c.JSON(http.StatusUnauthorized, WebhookResponse{Success: false, Error: "unauthorized"})
			return
		}

		var req WebhookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, WebhookResponse{Success: false, Error: "invalid request"})
			return
		}
		table, err := ParseTableKind(req.TableKind)
		if err != nil {
			c.JSON(http.StatusBadRequest, WebhookResponse{Success: false, Error: err.Error()})
			return
		}

		event := WebhookEvent{
			EventType:     req.EventType,
			Table:         table,
			ExternalId:    req.ExternalId,
			ChangedFields: req.ChangedFields,
			ReceivedAt:    time.Now(),
		}

		db := config.GetDB().WithContext(c.Request.Context())
		audit := models.WebhookEventRecord{
			EventType:  req.EventType,
			TableKind:  string(table),
			ExternalId: req.ExternalId,
			ReceivedAt: event.ReceivedAt,
		}
		if fields, err := utils.MarshalToJSON(req.ChangedFields); err == nil {
			audit.ChangedFieldsJSON = []byte(fields)
		}

		engine, err := GetEngine()
		if err != nil {
			audit.Outcome = "engine_unavailable"
			_ = db.Create(&audit).Error
			c.JSON(http.StatusInternalServerError, WebhookResponse{Success: false, Error: err.Error()})
			return
		}

		result, err := engine.IncrementalSync(c.Request.Context(), event)
		if err != nil {
			audit.Outcome = "failed"
			_ = db.Create(&audit).Error
			c.JSON(http.StatusInternalServerError, WebhookResponse{Success: false, Error: err.Error()})
			return
		}

		updates := result.Created + result.Updated
		audit.Applied = updates > 0
		audit.Outcome = webhookOutcome(result)
		_ = db.Create(&audit).Error

		c.JSON(http.StatusOK, WebhookResponse{Success: true, Updates: updates})
	}
}

// RecomputeBudgetIndexHandler re-derives the category index of one stored
// property from its current documents.
func RecomputeBudgetIndexHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property id"})
			return
		}

		engine, err := GetEngine()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp, err := engine.RecomputeBudgetIndex(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func webhookAuthorized(c *gin.Context) bool {
	secret := strings.TrimSpace(os.Getenv("CRM_WEBHOOK_SECRET"))
	if secret == "" {
		return false
	}
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func webhookOutcome(result *SyncRun) string {
	switch {
	case result.Skipped > 0:
		return "stale_discarded"
	case result.Created > 0:
		return "created"
	case result.Updated > 0:
		return "updated"
	case len(result.Errors) > 0:
		return result.Errors[0].Code
	default:
		return "noop"
	}
}

func mapRunToResponse(run models.SyncRunRecord) SyncRunResponse {
	return SyncRunResponse{
		ID:          run.ID,
		TableKind:   run.TableKind,
		Status:      run.Status,
		TriggeredBy: run.TriggeredBy,
		Created:     run.Created,
		Updated:     run.Updated,
		Skipped:     run.Skipped,
		Orphaned:    run.Orphaned,
		ErrorCount:  run.ErrorCount,
		StartedAt:   formatTime(run.StartedAt),
		FinishedAt:  formatTime(run.FinishedAt),
		DurationMs:  run.DurationMs,
	}
}

func mapErrorRecords(errs []models.SyncErrorRecord) []SyncErrorResponse {
	items := make([]SyncErrorResponse, 0, len(errs))
	for _, e := range errs {
		items = append(items, SyncErrorResponse{
			ID:         e.ID,
			TableKind:  e.TableKind,
			ExternalId: e.ExternalId,
			Code:       e.ErrorCode,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	return items
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
