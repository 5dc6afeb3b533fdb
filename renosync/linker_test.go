package renosync

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/reno_backend/models"
)

func TestLinkResolver_ResolvesKnownReferences(t *testing.T) {
	store := newFakeStore()
	_ = store.InsertProject(context.Background(), &models.Project{ExternalId: "recPRJ1", Name: "Harbor Flats"})
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:      "recA",
		Address:         "1 Main St",
		ProjectRefsJSON: models.EncodeStringList([]string{"recPRJ1"}),
	})

	engine := newTestEngine(&fakeSource{}, store, &fakeFetcher{})
	linked, errs := engine.LinkPropertiesToProjects(context.Background())
	if len(errs) != 0 {
		t.Fatalf("unexpected link errors: %+v", errs)
	}
	if linked != 1 {
		t.Fatalf("expected 1 linked, got %d", linked)
	}

	prop, _ := store.GetPropertyByExternalId(context.Background(), "recA")
	if prop.ProjectId == nil || *prop.ProjectId != 1 {
		t.Fatalf("expected project id 1, got %v", prop.ProjectId)
	}
}

func TestLinkResolver_ReportsUnresolvedWithoutReparenting(t *testing.T) {
	store := newFakeStore()
	existingParent := 42
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:      "recA",
		Address:         "1 Main St",
		ProjectId:       &existingParent,
		ProjectRefsJSON: models.EncodeStringList([]string{"recUnknown"}),
	})

	engine := newTestEngine(&fakeSource{}, store, &fakeFetcher{})
	linked, errs := engine.LinkPropertiesToProjects(context.Background())
	if linked != 0 {
		t.Fatalf("expected no links, got %d", linked)
	}
	if len(errs) != 1 || errs[0].Code != "link_unresolved" {
		t.Fatalf("expected one link_unresolved error: %+v", errs)
	}

	prop, _ := store.GetPropertyByExternalId(context.Background(), "recA")
	if prop.ProjectId == nil || *prop.ProjectId != existingParent {
		t.Fatalf("unresolved reference must not re-parent the property, got %v", prop.ProjectId)
	}
}

func TestLinkResolver_ReportsConflictWithoutReparenting(t *testing.T) {
	store := newFakeStore()
	_ = store.InsertProject(context.Background(), &models.Project{ExternalId: "recPRJ1", Name: "Harbor Flats"})
	_ = store.InsertProject(context.Background(), &models.Project{ExternalId: "recPRJ2", Name: "Dock Row"})
	originalParent := 1
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:      "recA",
		Address:         "1 Main St",
		ProjectId:       &originalParent,
		ProjectRefsJSON: models.EncodeStringList([]string{"recPRJ2"}),
	})

	engine := newTestEngine(&fakeSource{}, store, &fakeFetcher{})
	linked, errs := engine.LinkPropertiesToProjects(context.Background())
	if linked != 0 {
		t.Fatalf("expected no links, got %d", linked)
	}
	if len(errs) != 1 || errs[0].Code != "link_conflict" {
		t.Fatalf("expected one link_conflict error: %+v", errs)
	}
	if errs[0].Retryable {
		t.Fatalf("a link conflict needs an operator, not a retry: %+v", errs[0])
	}

	prop, _ := store.GetPropertyByExternalId(context.Background(), "recA")
	if prop.ProjectId == nil || *prop.ProjectId != originalParent {
		t.Fatalf("conflicting reference must not re-parent the property, got %v", prop.ProjectId)
	}
	if len(store.linkSets) != 0 {
		t.Fatalf("no write expected on a link conflict: %v", store.linkSets)
	}
}

func TestLinkResolver_SkipsAlreadyLinked(t *testing.T) {
	store := newFakeStore()
	_ = store.InsertProject(context.Background(), &models.Project{ExternalId: "recPRJ1", Name: "Harbor Flats"})
	parent := 1
	_ = store.InsertProperty(context.Background(), &models.Property{
		ExternalId:      "recA",
		Address:         "1 Main St",
		ProjectId:       &parent,
		ProjectRefsJSON: models.EncodeStringList([]string{"recPRJ1"}),
	})

	engine := newTestEngine(&fakeSource{}, store, &fakeFetcher{})
	linked, errs := engine.LinkPropertiesToProjects(context.Background())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if linked != 0 {
		t.Fatalf("already-linked property must not count as a new link, got %d", linked)
	}
	if len(store.linkSets) != 0 {
		t.Fatalf("no write expected for an unchanged link: %v", store.linkSets)
	}
}
