package renosync

import (
	"context"
	"fmt"
)

// LinkPropertiesToProjects resolves each property's external project
// references to internal project ids. A reference that resolves to no known
// project is reported and the property's current parent is left untouched;
// silent re-parenting on a bad reference would be worse than a stale link.
// Multi-valued references take the first entry, matching how the external
// system presents its link columns.
func (e *Engine) LinkPropertiesToProjects(ctx context.Context) (int, []SyncError) {
	props, err := e.store.ListPropertiesWithProjectRefs(ctx)
	if err != nil {
		return 0, []SyncError{{Code: "link_scan_failed", Reason: err.Error(), Retryable: true}}
	}

	linked := 0
	var errs []SyncError
	cache := make(map[string]*int)

	for _, prop := range props {
		refs := prop.ProjectRefs()
		if len(refs) == 0 {
			continue
		}
		ref := refs[0]

		projectId, ok := cache[ref]
		if !ok {
			proj, err := e.store.GetProjectByExternalId(ctx, ref)
			if err != nil {
				errs = append(errs, SyncError{
					ExternalId: prop.ExternalId,
					Code:       "link_lookup_failed",
					Reason:     err.Error(),
					Retryable:  true,
				})
				continue
			}
			if proj != nil {
				projectId = &proj.ID
			}
			cache[ref] = projectId
		}

		if projectId == nil {
			errs = append(errs, SyncError{
				ExternalId: prop.ExternalId,
				Code:       "link_unresolved",
				Reason:     fmt.Sprintf("project reference %q has no synced project", ref),
				Retryable:  true,
			})
			continue
		}

		if prop.ProjectId != nil {
			if *prop.ProjectId == *projectId {
				continue
			}
			// Moving a property between projects needs an explicit unlink
			// first. Report the conflict instead of rewriting the parent.
			errs = append(errs, SyncError{
				ExternalId: prop.ExternalId,
				Code:       "link_conflict",
				Reason:     fmt.Sprintf("already linked to project %d, reference %q resolves to project %d", *prop.ProjectId, ref, *projectId),
				Retryable:  false,
			})
			continue
		}
		if err := e.store.SetPropertyProject(ctx, prop.ID, *projectId); err != nil {
			errs = append(errs, SyncError{
				ExternalId: prop.ExternalId,
				Code:       "link_save_failed",
				Reason:     err.Error(),
				Retryable:  true,
			})
			continue
		}
		linked++
	}
	return linked, errs
}
