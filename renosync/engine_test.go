package renosync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/reno_backend/models"
)

type fakeSource struct {
	pages   [][]ExternalRecord
	records map[string]ExternalRecord
	listErr error
}

func (f *fakeSource) ListRecords(_ context.Context, _ TableKind, _ string, offset string) ([]ExternalRecord, string, error) {
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	page := 0
	if offset != "" {
		fmt.Sscanf(offset, "page-%d", &page)
	}
	if page >= len(f.pages) {
		return nil, "", nil
	}
	next := ""
	if page+1 < len(f.pages) {
		next = fmt.Sprintf("page-%d", page+1)
	}
	return f.pages[page], next, nil
}

func (f *fakeSource) GetRecord(_ context.Context, _ TableKind, externalId string) (*ExternalRecord, error) {
	rec, ok := f.records[externalId]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

type fakeStore struct {
	mu         sync.Mutex
	nextId     int
	properties map[string]*models.Property
	projects   map[string]*models.Project

	lastPropertyUpdate map[string]any
	budgetSets         map[int][]byte
	linkSets           map[int]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextId:     1,
		properties: make(map[string]*models.Property),
		projects:   make(map[string]*models.Project),
		budgetSets: make(map[int][]byte),
		linkSets:   make(map[int]int),
	}
}

func (s *fakeStore) GetPropertyByExternalId(_ context.Context, externalId string) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.properties[externalId]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) GetPropertyByID(_ context.Context, id int) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.properties {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) InsertProperty(_ context.Context, prop *models.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prop.ID = s.nextId
	s.nextId++
	cp := *prop
	s.properties[prop.ExternalId] = &cp
	return nil
}

func (s *fakeStore) UpdatePropertyFields(_ context.Context, id int, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPropertyUpdate = values
	for _, p := range s.properties {
		if p.ID != id {
			continue
		}
		if v, ok := values["address"].(string); ok {
			p.Address = v
		}
		if v, ok := values["city"].(string); ok {
			p.City = v
		}
		if v, ok := values["document_urls_json"].([]byte); ok {
			p.DocumentURLsJSON = v
		}
		if v, ok := values["external_modified_at"].(*time.Time); ok {
			p.ExternalModifiedAt = v
		}
	}
	return nil
}

func (s *fakeStore) ListPropertyExternalIds(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.properties))
	for id := range s.properties {
		out = append(out, id)
	}
	return out, nil
}

func (s *fakeStore) ListPropertiesWithProjectRefs(_ context.Context) ([]models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Property, 0)
	for _, p := range s.properties {
		if len(p.ProjectRefs()) > 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) SetPropertyProject(_ context.Context, propertyId int, projectId int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkSets[propertyId] = projectId
	for _, p := range s.properties {
		if p.ID == propertyId {
			pid := projectId
			p.ProjectId = &pid
		}
	}
	return nil
}

func (s *fakeStore) SetPropertyBudgetIndex(_ context.Context, propertyId int, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgetSets[propertyId] = raw
	for _, p := range s.properties {
		if p.ID == propertyId {
			p.BudgetIndexJSON = raw
		}
	}
	return nil
}

func (s *fakeStore) GetProjectByExternalId(_ context.Context, externalId string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[externalId]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) InsertProject(_ context.Context, proj *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proj.ID = s.nextId
	s.nextId++
	cp := *proj
	s.projects[proj.ExternalId] = &cp
	return nil
}

func (s *fakeStore) UpdateProjectFields(_ context.Context, id int, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.ID != id {
			continue
		}
		if v, ok := values["name"].(string); ok {
			p.Name = v
		}
		if v, ok := values["external_modified_at"].(*time.Time); ok {
			p.ExternalModifiedAt = v
		}
	}
	return nil
}

func (s *fakeStore) ListProjectExternalIds(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.projects))
	for id := range s.projects {
		out = append(out, id)
	}
	return out, nil
}

type fakeFetcher struct {
	docs map[string][]byte
}

func (f *fakeFetcher) FetchDocument(_ context.Context, rawURL string) ([]byte, error) {
	data, ok := f.docs[rawURL]
	if !ok {
		return nil, &TransientError{Err: fmt.Errorf("fetch %s failed", rawURL)}
	}
	return data, nil
}

func newTestEngine(source RecordSource, store EntityStore, fetcher DocumentFetcher) *Engine {
	return &Engine{
		source:  source,
		store:   store,
		fetcher: fetcher,
		// Tests feed plain text through the document path.
		extract:    func(data []byte) (string, error) { return string(data), nil },
		workers:    2,
		docWorkers: 2,
	}
}

func propertyRecord(id, address string, modified time.Time, extra map[string]any) ExternalRecord {
	fields := map[string]any{"Address": address}
	for k, v := range extra {
		fields[k] = v
	}
	return ExternalRecord{
		ExternalId:     id,
		Table:          TableProperties,
		Fields:         fields,
		LastModifiedAt: modified,
	}
}

func TestFullSync_CreatesRecordsAndResolvesLinks(t *testing.T) {
	modified := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	_ = store.InsertProject(context.Background(), &models.Project{ExternalId: "recPRJ1", Name: "Harbor Flats"})

	source := &fakeSource{pages: [][]ExternalRecord{
		{
			propertyRecord("recA", "1 Main St", modified, map[string]any{"Project": []any{"recPRJ1"}}),
			propertyRecord("recB", "2 Side St", modified, nil),
		},
	}}

	engine := newTestEngine(source, store, &fakeFetcher{})
	run, err := engine.FullSync(context.Background(), TableProperties)
	if err != nil {
		t.Fatalf("FullSync error: %v", err)
	}
	if run.Created != 2 || run.Updated != 0 || run.Skipped != 0 {
		t.Fatalf("unexpected counts: %+v", run)
	}
	if run.Linked != 1 {
		t.Fatalf("expected 1 linked property, got %d", run.Linked)
	}
	if run.State != StateDone {
		t.Fatalf("expected done state, got %s", run.State)
	}

	linked, _ := store.GetPropertyByExternalId(context.Background(), "recA")
	if linked.ProjectId == nil {
		t.Fatal("expected recA to be linked to its project")
	}
}

func TestUpsertProperty_TraversesMappingThenUpserting(t *testing.T) {
	modified := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	engine := newTestEngine(&fakeSource{}, newFakeStore(), &fakeFetcher{})

	run := &SyncRun{Table: TableProperties, State: StateMapping}
	engine.upsertProperty(context.Background(), run, propertyRecord("recA", "1 Main St", modified, nil), nil)
	if run.Created != 1 {
		t.Fatalf("expected one insert, got %+v", run)
	}
	if run.State != StateUpserting {
		t.Fatalf("a written record must move the run to upserting, got %s", run.State)
	}

	// A record that never maps must not advance past the mapping phase.
	run = &SyncRun{Table: TableProperties, State: StateMapping}
	engine.upsertProperty(context.Background(), run, ExternalRecord{
		Table:          TableProperties,
		ExternalId:     "recBad",
		LastModifiedAt: modified,
		Fields:         map[string]any{"City": "Valencia"},
	}, nil)
	if len(run.Errors) != 1 || run.Errors[0].Code != "mapping_failed" {
		t.Fatalf("expected one mapping_failed error: %+v", run.Errors)
	}
	if run.State != StateMapping {
		t.Fatalf("a failed mapping must leave the run in mapping, got %s", run.State)
	}
}

func TestFullSync_SecondIdenticalRunIsNoOp(t *testing.T) {
	modified := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	source := &fakeSource{pages: [][]ExternalRecord{
		{propertyRecord("recA", "1 Main St", modified, nil)},
	}}
	engine := newTestEngine(source, store, &fakeFetcher{})

	if _, err := engine.FullSync(context.Background(), TableProperties); err != nil {
		t.Fatalf("first run error: %v", err)
	}
	run, err := engine.FullSync(context.Background(), TableProperties)
	if err != nil {
		t.Fatalf("second run error: %v", err)
	}
	if run.Created != 0 || run.Updated != 0 || run.Skipped != 1 {
		t.Fatalf("second run should skip unchanged record: %+v", run)
	}
}

func TestFullSync_RecordErrorDoesNotAbortRun(t *testing.T) {
	modified := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	records := make([]ExternalRecord, 0, 10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("rec%d", i)
		if i == 3 {
			// No address: mapping must fail for this one record only.
			records = append(records, ExternalRecord{
				ExternalId:     id,
				Table:          TableProperties,
				Fields:         map[string]any{"City": "Delft"},
				LastModifiedAt: modified,
			})
			continue
		}
		records = append(records, propertyRecord(id, fmt.Sprintf("%d Main St", i), modified, nil))
	}

	store := newFakeStore()
	engine := newTestEngine(&fakeSource{pages: [][]ExternalRecord{records}}, store, &fakeFetcher{})
	run, err := engine.FullSync(context.Background(), TableProperties)
	if err != nil {
		t.Fatalf("FullSync error: %v", err)
	}
	if run.Created != 9 {
		t.Fatalf("expected 9 created, got %d", run.Created)
	}
	if len(run.Errors) != 1 || run.Errors[0].ExternalId != "rec3" || run.Errors[0].Code != "mapping_failed" {
		t.Fatalf("expected one mapping error for rec3: %+v", run.Errors)
	}
}

func TestFullSync_ReportsOrphansWithoutDeleting(t *testing.T) {
	modified := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	_ = store.InsertProperty(context.Background(), &models.Property{ExternalId: "recGone", Address: "99 Lost Rd"})

	source := &fakeSource{pages: [][]ExternalRecord{
		{propertyRecord("recA", "1 Main St", modified, nil)},
	}}
	engine := newTestEngine(source, store, &fakeFetcher{})
	run, err := engine.FullSync(context.Background(), TableProperties)
	if err != nil {
		t.Fatalf("FullSync error: %v", err)
	}
	if len(run.Orphaned) != 1 || run.Orphaned[0] != "recGone" {
		t.Fatalf("expected recGone reported as orphan: %v", run.Orphaned)
	}

	still, _ := store.GetPropertyByExternalId(context.Background(), "recGone")
	if still == nil {
		t.Fatal("orphaned record must never be deleted")
	}
}

func TestFullSync_PaginatesAllPages(t *testing.T) {
	modified := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{pages: [][]ExternalRecord{
		{propertyRecord("recA", "1 Main St", modified, nil)},
		{propertyRecord("recB", "2 Side St", modified, nil)},
		{propertyRecord("recC", "3 Back St", modified, nil)},
	}}
	store := newFakeStore()
	engine := newTestEngine(source, store, &fakeFetcher{})
	run, err := engine.FullSync(context.Background(), TableProperties)
	if err != nil {
		t.Fatalf("FullSync error: %v", err)
	}
	if run.Created != 3 {
		t.Fatalf("expected 3 created across pages, got %d", run.Created)
	}
}

func TestIncrementalSync_StaleEventDiscarded(t *testing.T) {
	newer := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	older := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	store := newFakeStore()
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:         "recA",
		Address:            "1 Main St",
		ExternalModifiedAt: &newer,
	})

	source := &fakeSource{records: map[string]ExternalRecord{
		"recA": propertyRecord("recA", "STALE ADDRESS", older, nil),
	}}
	engine := newTestEngine(source, store, &fakeFetcher{})

	run, err := engine.IncrementalSync(context.Background(), WebhookEvent{
		EventType:     EventRecordUpdated,
		Table:         TableProperties,
		ExternalId:    "recA",
		ChangedFields: []string{"Address"},
	})
	if err != nil {
		t.Fatalf("IncrementalSync error: %v", err)
	}
	if run.Skipped != 1 || run.Updated != 0 {
		t.Fatalf("stale event must be a skipped no-op: %+v", run)
	}

	prop, _ := store.GetPropertyByExternalId(context.Background(), "recA")
	if prop.Address != "1 Main St" {
		t.Fatalf("stale event must not change stored state, got %q", prop.Address)
	}
}

func TestIncrementalSync_EqualTimestampIsStale(t *testing.T) {
	same := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:         "recA",
		Address:            "1 Main St",
		ExternalModifiedAt: &same,
	})
	source := &fakeSource{records: map[string]ExternalRecord{
		"recA": propertyRecord("recA", "1 Main St", same, nil),
	}}
	engine := newTestEngine(source, store, &fakeFetcher{})

	run, err := engine.IncrementalSync(context.Background(), WebhookEvent{
		EventType:  EventRecordUpdated,
		Table:      TableProperties,
		ExternalId: "recA",
	})
	if err != nil {
		t.Fatalf("IncrementalSync error: %v", err)
	}
	if run.Skipped != 1 {
		t.Fatalf("equal timestamp must be treated as stale: %+v", run)
	}
}

func TestIncrementalSync_UpdatesOnlyChangedColumns(t *testing.T) {
	older := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	store := newFakeStore()
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:         "recA",
		Address:            "1 Main St",
		City:               "Delft",
		ExternalModifiedAt: &older,
	})

	source := &fakeSource{records: map[string]ExternalRecord{
		"recA": propertyRecord("recA", "1 Main St", newer, map[string]any{"City": "Leiden"}),
	}}
	engine := newTestEngine(source, store, &fakeFetcher{})

	run, err := engine.IncrementalSync(context.Background(), WebhookEvent{
		EventType:     EventRecordUpdated,
		Table:         TableProperties,
		ExternalId:    "recA",
		ChangedFields: []string{"City"},
	})
	if err != nil {
		t.Fatalf("IncrementalSync error: %v", err)
	}
	if run.Updated != 1 {
		t.Fatalf("expected one update: %+v", run)
	}

	values := store.lastPropertyUpdate
	if _, ok := values["address"]; ok {
		t.Fatalf("address column must not appear in a city-only update: %v", values)
	}
	if values["city"] != "Leiden" {
		t.Fatalf("expected city update: %v", values)
	}
	if _, ok := values["budget_index_json"]; ok {
		t.Fatalf("budget index must never be written by field mapping: %v", values)
	}
}

func TestIncrementalSync_MissingLocalRowInsertsFull(t *testing.T) {
	modified := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	source := &fakeSource{records: map[string]ExternalRecord{
		"recNew": propertyRecord("recNew", "7 Canal Rd", modified, nil),
	}}
	engine := newTestEngine(source, store, &fakeFetcher{})

	run, err := engine.IncrementalSync(context.Background(), WebhookEvent{
		EventType:     EventRecordUpdated,
		Table:         TableProperties,
		ExternalId:    "recNew",
		ChangedFields: []string{"City"},
	})
	if err != nil {
		t.Fatalf("IncrementalSync error: %v", err)
	}
	if run.Created != 1 {
		t.Fatalf("missing row must self-heal with a full insert: %+v", run)
	}
}

func TestIncrementalSync_DeletedExternalRecordReported(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(&fakeSource{records: map[string]ExternalRecord{}}, store, &fakeFetcher{})

	run, err := engine.IncrementalSync(context.Background(), WebhookEvent{
		EventType:  EventRecordUpdated,
		Table:      TableProperties,
		ExternalId: "recGone",
	})
	if err != nil {
		t.Fatalf("IncrementalSync error: %v", err)
	}
	if len(run.Errors) != 1 || run.Errors[0].Code != "not_found" {
		t.Fatalf("expected not_found error entry: %+v", run.Errors)
	}
}

func TestRecomputeBudgetIndex_ReplacesWholesale(t *testing.T) {
	store := newFakeStore()
	prev := BuildIndex("Plumbing 200\nRoofing 7.000\n").Encode()
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:       "recA",
		Address:          "1 Main St",
		DocumentURLsJSON: models.EncodeStringList([]string{"gs://docs/budget.pdf"}),
		BudgetIndexJSON:  prev,
	})

	fetcher := &fakeFetcher{docs: map[string][]byte{
		"gs://docs/budget.pdf": []byte("Labor crew 50\n"),
	}}
	engine := newTestEngine(&fakeSource{}, store, fetcher)

	resp, err := engine.RecomputeBudgetIndex(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecomputeBudgetIndex error: %v", err)
	}
	if !resp.Updated {
		t.Fatalf("expected index update: %+v", resp)
	}

	prop, _ := store.GetPropertyByID(context.Background(), 1)
	idx, err := DecodeCategoryIndex(prop.BudgetIndexJSON)
	if err != nil {
		t.Fatalf("decode stored index: %v", err)
	}
	if len(idx) != 1 || idx[CategoryLabor].String() != "50" {
		t.Fatalf("index must be replaced, not merged: %v", idx)
	}
}

func TestRecomputeBudgetIndex_LaterDocumentWinsOnConflict(t *testing.T) {
	store := newFakeStore()
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:       "recA",
		Address:          "1 Main St",
		DocumentURLsJSON: models.EncodeStringList([]string{"gs://docs/v1.pdf", "gs://docs/v2.pdf"}),
	})

	fetcher := &fakeFetcher{docs: map[string][]byte{
		"gs://docs/v1.pdf": []byte("Painting 200\nRoofing 1.000\n"),
		"gs://docs/v2.pdf": []byte("Painting 350\n"),
	}}
	engine := newTestEngine(&fakeSource{}, store, fetcher)

	if _, err := engine.RecomputeBudgetIndex(context.Background(), 1); err != nil {
		t.Fatalf("RecomputeBudgetIndex error: %v", err)
	}

	prop, _ := store.GetPropertyByID(context.Background(), 1)
	idx, _ := DecodeCategoryIndex(prop.BudgetIndexJSON)
	if idx[CategoryPainting].String() != "350" {
		t.Fatalf("later document must win: %v", idx)
	}
	if idx[CategoryRoofing].String() != "1000" {
		t.Fatalf("non-conflicting categories must union: %v", idx)
	}
}

func TestRecomputeBudgetIndex_DocumentFailureDoesNotDiscardOthers(t *testing.T) {
	store := newFakeStore()
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:       "recA",
		Address:          "1 Main St",
		DocumentURLsJSON: models.EncodeStringList([]string{"gs://docs/broken.pdf", "gs://docs/ok.pdf"}),
	})

	fetcher := &fakeFetcher{docs: map[string][]byte{
		"gs://docs/ok.pdf": []byte("Windows 2.400,00\n"),
	}}
	engine := newTestEngine(&fakeSource{}, store, fetcher)

	resp, err := engine.RecomputeBudgetIndex(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecomputeBudgetIndex error: %v", err)
	}
	if !resp.Updated {
		t.Fatalf("surviving document must still be indexed: %+v", resp)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Code != "document_fetch_failed" {
		t.Fatalf("expected one fetch error: %+v", resp.Errors)
	}

	prop, _ := store.GetPropertyByID(context.Background(), 1)
	idx, _ := DecodeCategoryIndex(prop.BudgetIndexJSON)
	if idx[CategoryWindows].String() != "2400" {
		t.Fatalf("expected windows from surviving document: %v", idx)
	}
}

func TestRecomputeBudgetIndex_AllDocumentsFailingKeepsStoredIndex(t *testing.T) {
	store := newFakeStore()
	prev := BuildIndex("Labor 50\n").Encode()
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:       "recA",
		Address:          "1 Main St",
		DocumentURLsJSON: models.EncodeStringList([]string{"gs://docs/broken.pdf"}),
		BudgetIndexJSON:  prev,
	})

	engine := newTestEngine(&fakeSource{}, store, &fakeFetcher{})
	resp, err := engine.RecomputeBudgetIndex(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecomputeBudgetIndex error: %v", err)
	}
	if resp.Updated {
		t.Fatalf("a fully failed pass must not touch the stored index: %+v", resp)
	}

	prop, _ := store.GetPropertyByID(context.Background(), 1)
	if string(prop.BudgetIndexJSON) != string(prev) {
		t.Fatal("stored index must survive a fetch outage")
	}
}

func TestRecomputeBudgetIndex_NoDocumentsClearsIndex(t *testing.T) {
	store := newFakeStore()
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:      "recA",
		Address:         "1 Main St",
		BudgetIndexJSON: BuildIndex("Labor 50\n").Encode(),
	})

	engine := newTestEngine(&fakeSource{}, store, &fakeFetcher{})
	resp, err := engine.RecomputeBudgetIndex(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecomputeBudgetIndex error: %v", err)
	}
	if !resp.Updated {
		t.Fatalf("removing every document must clear the index: %+v", resp)
	}

	prop, _ := store.GetPropertyByID(context.Background(), 1)
	if len(prop.BudgetIndexJSON) != 0 {
		t.Fatalf("expected cleared index, got %s", prop.BudgetIndexJSON)
	}
}
