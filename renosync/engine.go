package renosync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine reconciles the primary store against the external system-of-record
// and derives budget indices from attached documents. Runs are short-lived
// invocations; the engine itself holds no mutable run state.
type Engine struct {
	source     RecordSource
	store      EntityStore
	fetcher    DocumentFetcher
	extract    func([]byte) (string, error)
	logger     *logrus.Logger
	workers    int
	docWorkers int
}

func NewEngine(source RecordSource, store EntityStore, fetcher DocumentFetcher, logger *logrus.Logger) *Engine {
	return &Engine{
		source:     source,
		store:      store,
		fetcher:    fetcher,
		extract:    ExtractText,
		logger:     logger,
		workers:    intFromEnv("SYNC_WORKERS", 4),
		docWorkers: intFromEnv("DOC_WORKERS", 2),
	}
}

// FullSync pages through every record of one table, upserting each by
// external id. Individual records cannot fail the run; only losing the
// external system or the store does. After the last page the full external
// id set is diffed against the local set and missing locals are reported as
// orphaned, never deleted. The context cancels the run between pages;
// records already upserted stay committed.
func (e *Engine) FullSync(ctx context.Context, table TableKind) (*SyncRun, error) {
	run := &SyncRun{Table: table, State: StateIdle}

	seen := make(map[string]struct{})
	view := viewForTable(table)
	offset := ""

	for {
		if err := ctx.Err(); err != nil {
			run.State = StateFailed
			return run, err
		}

		run.State = StateFetching
		records, nextOffset, err := e.source.ListRecords(ctx, table, view, offset)
		if err != nil {
			run.State = StateFailed
			return run, fmt.Errorf("list %s: %w", table, err)
		}

		for _, rec := range records {
			if rec.ExternalId != "" {
				seen[rec.ExternalId] = struct{}{}
			}
		}

		run.State = StateMapping
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for _, rec := range records {
			rec := rec
			g.Go(func() error {
				e.processRecord(gctx, run, rec)
				return nil
			})
		}
		_ = g.Wait()

		if nextOffset == "" {
			break
		}
		offset = nextOffset
	}

	e.reportOrphans(ctx, run, table, seen)

	if table == TableProperties {
		run.State = StateLinking
		linked, linkErrs := e.LinkPropertiesToProjects(ctx)
		run.Linked = linked
		for _, le := range linkErrs {
			run.addError(le.ExternalId, le.Code, le.Reason, le.Retryable)
		}
	}

	run.State = StateDone
	return run, nil
}

func (e *Engine) processRecord(ctx context.Context, run *SyncRun, rec ExternalRecord) {
	if rec.ExternalId == "" {
		run.addError("", "missing_id", "record id missing", false)
		return
	}

	switch rec.Table {
	case TableProjects:
		e.upsertProject(ctx, run, rec)
	case TableProperties:
		e.upsertProperty(ctx, run, rec, nil)
	default:
		run.addError(rec.ExternalId, "unknown_table", string(rec.Table), false)
	}
}

func (e *Engine) upsertProject(ctx context.Context, run *SyncRun, rec ExternalRecord) {
	draft, err := MapProject(rec)
	if err != nil {
		run.addError(rec.ExternalId, "mapping_failed", err.Error(), false)
		return
	}

	run.setState(StateUpserting)
	existing, err := e.store.GetProjectByExternalId(ctx, rec.ExternalId)
	if err != nil {
		run.addError(rec.ExternalId, "store_error", err.Error(), true)
		return
	}

	if existing == nil {
		if err := e.store.InsertProject(ctx, draft); err != nil {
			run.addError(rec.ExternalId, "insert_failed", err.Error(), true)
			return
		}
		run.addCreated()
		return
	}

	if isStale(existing.ExternalModifiedAt, rec.LastModifiedAt) {
		e.logStale(rec)
		run.addSkipped()
		return
	}

	if err := e.store.UpdateProjectFields(ctx, existing.ID, ProjectValues(draft, nil)); err != nil {
		run.addError(rec.ExternalId, "update_failed", err.Error(), true)
		return
	}
	run.addUpdated()
}

// upsertProperty applies one external property record. A non-nil column set
// restricts the update to those columns (incremental path); nil means every
// mapped business column (full sync). The stored budget index is only
// touched by the document pass, never by field mapping.
func (e *Engine) upsertProperty(ctx context.Context, run *SyncRun, rec ExternalRecord, columns map[string]bool) {
	draft, err := MapProperty(rec)
	if err != nil {
		run.addError(rec.ExternalId, "mapping_failed", err.Error(), false)
		return
	}

	run.setState(StateUpserting)
	existing, err := e.store.GetPropertyByExternalId(ctx, rec.ExternalId)
	if err != nil {
		run.addError(rec.ExternalId, "store_error", err.Error(), true)
		return
	}

	if existing == nil {
		if err := e.store.InsertProperty(ctx, draft); err != nil {
			run.addError(rec.ExternalId, "insert_failed", err.Error(), true)
			return
		}
		run.addCreated()
		if urls := draft.DocumentURLs(); len(urls) > 0 {
			e.attachBudgetIndex(ctx, run, draft.ID, rec.ExternalId, urls)
		}
		return
	}

	if isStale(existing.ExternalModifiedAt, rec.LastModifiedAt) {
		e.logStale(rec)
		run.addSkipped()
		return
	}

	values := PropertyValues(draft, columns)
	if err := e.store.UpdatePropertyFields(ctx, existing.ID, values); err != nil {
		run.addError(rec.ExternalId, "update_failed", err.Error(), true)
		return
	}
	run.addUpdated()

	// Reindex when this pass owned the document column and its URL set is
	// non-empty; clear the index when documents were removed outright.
	if _, touched := values["document_urls_json"]; touched {
		urls := draft.DocumentURLs()
		if len(urls) > 0 {
			e.attachBudgetIndex(ctx, run, existing.ID, rec.ExternalId, urls)
		} else if len(existing.BudgetIndexJSON) > 0 {
			if err := e.store.SetPropertyBudgetIndex(ctx, existing.ID, nil); err != nil {
				run.addError(rec.ExternalId, "index_clear_failed", err.Error(), true)
			}
		}
	}
}

// attachBudgetIndex fetches and indexes every budget document and replaces
// the stored index wholesale. Per-document failures are recorded but do not
// discard indices derived from the documents that did parse; only a run
// where no document yielded anything leaves the stored index alone.
func (e *Engine) attachBudgetIndex(ctx context.Context, run *SyncRun, propertyId int, externalId string, urls []string) {
	merged, anyOK := e.buildMergedIndex(ctx, run, externalId, urls)
	if !anyOK {
		return
	}
	if err := e.store.SetPropertyBudgetIndex(ctx, propertyId, merged.Encode()); err != nil {
		run.addError(externalId, "index_save_failed", err.Error(), true)
	}
}

// buildMergedIndex extracts and indexes documents concurrently, bounded by
// the document worker pool, then merges per-document indices in configured
// URL order: union of categories, last document wins on conflict.
func (e *Engine) buildMergedIndex(ctx context.Context, run *SyncRun, externalId string, urls []string) (CategoryIndex, bool) {
	indices := make([]CategoryIndex, len(urls))
	succeeded := make([]bool, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.docWorkers)
	for i, rawURL := range urls {
		i, rawURL := i, rawURL
		g.Go(func() error {
			data, err := e.fetcher.FetchDocument(gctx, rawURL)
			if err != nil {
				run.addError(externalId, "document_fetch_failed", fmt.Sprintf("%s: %v", rawURL, err), isRetryable(err))
				return nil
			}
			text, err := e.extract(data)
			if err != nil {
				run.addError(externalId, "extraction_failed", fmt.Sprintf("%s: %v", rawURL, err), false)
				return nil
			}
			indices[i] = BuildIndex(text)
			succeeded[i] = true
			return nil
		})
	}
	_ = g.Wait()

	merged := make(CategoryIndex)
	anyOK := false
	for i := range urls {
		if !succeeded[i] {
			continue
		}
		anyOK = true
		for k, v := range indices[i] {
			merged[k] = v
		}
	}
	return merged, anyOK
}

// IncrementalSync applies a single webhook event: fetch the one record,
// map it, and update only the columns backing the changed fields. An event
// older than the stored external-modified time is discarded as stale — this
// monotonicity check is what makes webhook delivery racing a full sync safe
// without any external ordering guarantee.
func (e *Engine) IncrementalSync(ctx context.Context, event WebhookEvent) (*SyncRun, error) {
	run := &SyncRun{Table: event.Table, State: StateIdle}

	run.State = StateFetching
	rec, err := e.source.GetRecord(ctx, event.Table, event.ExternalId)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			run.addError(event.ExternalId, "not_found", "record no longer exists in external system", false)
			run.State = StateDone
			return run, nil
		}
		run.State = StateFailed
		return run, fmt.Errorf("get record %s/%s: %w", event.Table, event.ExternalId, err)
	}

	run.State = StateMapping
	switch event.Table {
	case TableProjects:
		e.incrementalProject(ctx, run, *rec, event)
	case TableProperties:
		e.incrementalProperty(ctx, run, *rec, event)
	default:
		run.State = StateFailed
		return run, fmt.Errorf("unknown table kind %q", event.Table)
	}

	run.State = StateDone
	return run, nil
}

func (e *Engine) incrementalProject(ctx context.Context, run *SyncRun, rec ExternalRecord, event WebhookEvent) {
	columns := columnsForEvent(event, ProjectColumnsForFields)
	existing, err := e.store.GetProjectByExternalId(ctx, rec.ExternalId)
	if err != nil {
		run.addError(rec.ExternalId, "store_error", err.Error(), true)
		return
	}
	if existing == nil {
		// Self-healing: a missed full sync means the row does not exist
		// yet, so fall back to a complete single-record insert.
		e.upsertProject(ctx, run, rec)
		return
	}
	if isStale(existing.ExternalModifiedAt, rec.LastModifiedAt) {
		e.logStale(rec)
		run.addSkipped()
		return
	}

	draft, mapErr := MapProject(rec)
	if mapErr != nil {
		run.addError(rec.ExternalId, "mapping_failed", mapErr.Error(), false)
		return
	}
	run.setState(StateUpserting)
	if err := e.store.UpdateProjectFields(ctx, existing.ID, ProjectValues(draft, columns)); err != nil {
		run.addError(rec.ExternalId, "update_failed", err.Error(), true)
		return
	}
	run.addUpdated()
}

func (e *Engine) incrementalProperty(ctx context.Context, run *SyncRun, rec ExternalRecord, event WebhookEvent) {
	columns := columnsForEvent(event, PropertyColumnsForFields)
	e.upsertProperty(ctx, run, rec, columns)
}

// columnsForEvent restricts an update to the changed fields' columns. A
// created event, or one that names no fields, falls back to a full mapped
// update.
func columnsForEvent(event WebhookEvent, resolve func([]string) map[string]bool) map[string]bool {
	if event.EventType == EventRecordCreated || len(event.ChangedFields) == 0 {
		return nil
	}
	return resolve(event.ChangedFields)
}

// RecomputeBudgetIndex re-runs document fetch, extraction and indexing for
// one stored property. An empty document list clears the index.
func (e *Engine) RecomputeBudgetIndex(ctx context.Context, propertyId int) (*RecomputeResponse, error) {
	prop, err := e.store.GetPropertyByID(ctx, propertyId)
	if err != nil {
		return nil, err
	}
	if prop == nil {
		return nil, fmt.Errorf("property %d: %w", propertyId, ErrNotFound)
	}

	urls := prop.DocumentURLs()
	if len(urls) == 0 {
		if len(prop.BudgetIndexJSON) > 0 {
			if err := e.store.SetPropertyBudgetIndex(ctx, prop.ID, nil); err != nil {
				return nil, err
			}
			return &RecomputeResponse{Updated: true}, nil
		}
		return &RecomputeResponse{Updated: false}, nil
	}

	run := &SyncRun{Table: TableProperties}
	merged, anyOK := e.buildMergedIndex(ctx, run, prop.ExternalId, urls)
	resp := &RecomputeResponse{Errors: run.Errors}
	if !anyOK {
		return resp, nil
	}
	if err := e.store.SetPropertyBudgetIndex(ctx, prop.ID, merged.Encode()); err != nil {
		return nil, err
	}
	resp.Updated = true
	return resp, nil
}

func (e *Engine) reportOrphans(ctx context.Context, run *SyncRun, table TableKind, seen map[string]struct{}) {
	var (
		localIds []string
		err      error
	)
	switch table {
	case TableProjects:
		localIds, err = e.store.ListProjectExternalIds(ctx)
	case TableProperties:
		localIds, err = e.store.ListPropertyExternalIds(ctx)
	}
	if err != nil {
		run.addError("", "orphan_scan_failed", err.Error(), true)
		return
	}

	for _, id := range localIds {
		if _, ok := seen[id]; !ok {
			run.Orphaned = append(run.Orphaned, id)
		}
	}
	if len(run.Orphaned) > 0 && e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"table":    string(table),
			"orphaned": len(run.Orphaned),
		}).Warn("full sync found local entities missing from external set; review before purging")
	}
}

// isStale reports whether an incoming modification time is not newer than
// the stored one. Equal times are stale too: re-applying the same snapshot
// must be a no-op so derived state is never clobbered.
func isStale(stored *time.Time, incoming time.Time) bool {
	if stored == nil || incoming.IsZero() {
		return false
	}
	return !incoming.After(*stored)
}

func (e *Engine) logStale(rec ExternalRecord) {
	if e.logger == nil {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"table":       string(rec.Table),
		"external_id": rec.ExternalId,
		"modified_at": rec.LastModifiedAt,
	}).Debug("discarding stale update")
}

func viewForTable(table TableKind) string {
	switch table {
	case TableProjects:
		return strings.TrimSpace(os.Getenv("CRM_PROJECTS_VIEW"))
	case TableProperties:
		return strings.TrimSpace(os.Getenv("CRM_PROPERTIES_VIEW"))
	}
	return ""
}
