package renosync

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/reno_backend/models"
	"github.com/shopspring/decimal"
)

// Field alias tables. The external base renamed several columns over its
// lifetime; each target attribute lists candidate field names in priority
// order and the mapper takes the first present, non-empty value.
var (
	propertyAddressAliases   = []string{"Address", "Street Address", "Property Address"}
	propertyCityAliases      = []string{"City", "Town"}
	propertyStatusAliases    = []string{"Status", "Property Status", "Stage"}
	propertyPurchaseAliases  = []string{"Purchase Date", "Date Purchased", "Closing Date"}
	propertyRenoStartAliases = []string{"Renovation Start", "Reno Start", "Work Start Date"}
	propertyPriceAliases     = []string{"Purchase Price", "Price", "Acquisition Price"}
	propertyBudgetAliases    = []string{"Renovation Budget", "Budget", "Reno Budget"}
	propertyProjectAliases   = []string{"Project", "Projects", "Project Link"}
	propertyDocsAliases      = []string{"Budget Documents", "Budget PDFs", "Documents"}

	projectNameAliases   = []string{"Name", "Project Name", "Title"}
	projectStatusAliases = []string{"Status", "Project Status"}
	projectStartAliases  = []string{"Start Date", "Kickoff", "Start"}
)

// MapProperty converts an external record into a Property draft. The primary
// key is left unset (assigned by the store on first insert) and BudgetIndex
// is never populated here; only the indexing pass writes it.
func MapProperty(rec ExternalRecord) (*models.Property, error) {
	address := firstString(rec.Fields, propertyAddressAliases)
	if address == "" {
		return nil, &MappingError{Field: "Address", Reason: "required field missing"}
	}

	prop := &models.Property{
		ExternalId:       rec.ExternalId,
		Address:          address,
		City:             firstString(rec.Fields, propertyCityAliases),
		Status:           mapPropertyStatus(firstString(rec.Fields, propertyStatusAliases)),
		PurchasePrice:    firstDecimal(rec.Fields, propertyPriceAliases),
		RenovationBudget: firstDecimal(rec.Fields, propertyBudgetAliases),
		ProjectRefsJSON:  models.EncodeStringList(firstStringList(rec.Fields, propertyProjectAliases)),
		DocumentURLsJSON: models.EncodeStringList(firstURLList(rec.Fields, propertyDocsAliases)),
	}
	if t, ok := firstTime(rec.Fields, propertyPurchaseAliases); ok {
		prop.PurchaseDate = &t
	}
	if t, ok := firstTime(rec.Fields, propertyRenoStartAliases); ok {
		prop.RenovationStart = &t
	}
	if !rec.LastModifiedAt.IsZero() {
		t := rec.LastModifiedAt
		prop.ExternalModifiedAt = &t
	}
	return prop, nil
}

// MapProject converts an external record into a Project draft.
func MapProject(rec ExternalRecord) (*models.Project, error) {
	name := firstString(rec.Fields, projectNameAliases)
	if name == "" {
		return nil, &MappingError{Field: "Name", Reason: "required field missing"}
	}

	proj := &models.Project{
		ExternalId: rec.ExternalId,
		Name:       name,
		Status:     mapProjectStatus(firstString(rec.Fields, projectStatusAliases)),
	}
	if t, ok := firstTime(rec.Fields, projectStartAliases); ok {
		proj.StartDate = &t
	}
	if !rec.LastModifiedAt.IsZero() {
		t := rec.LastModifiedAt
		proj.ExternalModifiedAt = &t
	}
	return proj, nil
}

func mapPropertyStatus(v string) models.PropertyStatus {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "renovating", "in renovation", "under renovation":
		return models.PropertyStatusRenovating
	case "listed", "for sale":
		return models.PropertyStatusListed
	case "sold":
		return models.PropertyStatusSold
	default:
		return models.PropertyStatusAcquired
	}
}

func mapProjectStatus(v string) models.ProjectStatus {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "active", "in progress", "running":
		return models.ProjectStatusActive
	case "on hold", "paused":
		return models.ProjectStatusOnHold
	case "completed", "done", "finished":
		return models.ProjectStatusCompleted
	default:
		return models.ProjectStatusPlanned
	}
}

// firstString walks the alias list and returns the first present, non-empty
// string value.
func firstString(fields map[string]any, aliases []string) string {
	for _, name := range aliases {
		v, ok := fields[name]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func firstDecimal(fields map[string]any, aliases []string) decimal.Decimal {
	for _, name := range aliases {
		v, ok := fields[name]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return decimal.NewFromFloat(n)
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(n)); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}

func firstTime(fields map[string]any, aliases []string) (time.Time, bool) {
	for _, name := range aliases {
		v, ok := fields[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// firstStringList accepts both a single string and a list of strings (linked
// record fields come back as either depending on the column setup).
func firstStringList(fields map[string]any, aliases []string) []string {
	for _, name := range aliases {
		v, ok := fields[name]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if trimmed := strings.TrimSpace(val); trimmed != "" {
				return []string{trimmed}
			}
		case []any:
			out := make([]string, 0, len(val))
			for _, item := range val {
				if s, ok := item.(string); ok {
					if trimmed := strings.TrimSpace(s); trimmed != "" {
						out = append(out, trimmed)
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// firstURLList handles attachment columns: a list of objects carrying a
// "url" key, or plain string URLs.
func firstURLList(fields map[string]any, aliases []string) []string {
	for _, name := range aliases {
		v, ok := fields[name]
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			if s, sok := v.(string); sok && strings.TrimSpace(s) != "" {
				return []string{strings.TrimSpace(s)}
			}
			continue
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			switch att := item.(type) {
			case string:
				if trimmed := strings.TrimSpace(att); trimmed != "" {
					out = append(out, trimmed)
				}
			case map[string]any:
				if u, ok := att["url"].(string); ok {
					if trimmed := strings.TrimSpace(u); trimmed != "" {
						out = append(out, trimmed)
					}
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// Column groups per target attribute. Used to restrict incremental updates
// to the columns backing the fields a webhook named; budget_index_json and
// project_id are deliberately absent — no field-mapping pass may touch them.
var propertyFieldColumns = []struct {
	aliases []string
	columns []string
}{
	{propertyAddressAliases, []string{"address"}},
	{propertyCityAliases, []string{"city"}},
	{propertyStatusAliases, []string{"status"}},
	{propertyPurchaseAliases, []string{"purchase_date"}},
	{propertyRenoStartAliases, []string{"renovation_start"}},
	{propertyPriceAliases, []string{"purchase_price"}},
	{propertyBudgetAliases, []string{"renovation_budget"}},
	{propertyProjectAliases, []string{"project_refs_json"}},
	{propertyDocsAliases, []string{"document_urls_json"}},
}

var projectFieldColumns = []struct {
	aliases []string
	columns []string
}{
	{projectNameAliases, []string{"name"}},
	{projectStatusAliases, []string{"status"}},
	{projectStartAliases, []string{"start_date"}},
}

// PropertyColumnsForFields resolves external field names (any historical
// alias) to the set of store columns they back. Unknown fields resolve to
// nothing.
func PropertyColumnsForFields(fieldNames []string) map[string]bool {
	out := make(map[string]bool)
	for _, name := range fieldNames {
		for _, group := range propertyFieldColumns {
			if containsFold(group.aliases, name) {
				for _, col := range group.columns {
					out[col] = true
				}
			}
		}
	}
	return out
}

func ProjectColumnsForFields(fieldNames []string) map[string]bool {
	out := make(map[string]bool)
	for _, name := range fieldNames {
		for _, group := range projectFieldColumns {
			if containsFold(group.aliases, name) {
				for _, col := range group.columns {
					out[col] = true
				}
			}
		}
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(v), item) {
			return true
		}
	}
	return false
}

// PropertyValues flattens a mapped draft into store column values. A nil
// column set means a full-sync update of every mapped business column; a
// populated set restricts the map to those columns. external_modified_at is
// always carried so the monotonicity guard advances.
func PropertyValues(draft *models.Property, columns map[string]bool) map[string]any {
	all := map[string]any{
		"address":            draft.Address,
		"city":               draft.City,
		"status":             draft.Status,
		"purchase_date":      draft.PurchaseDate,
		"renovation_start":   draft.RenovationStart,
		"purchase_price":     draft.PurchasePrice,
		"renovation_budget":  draft.RenovationBudget,
		"project_refs_json":  draft.ProjectRefsJSON,
		"document_urls_json": draft.DocumentURLsJSON,
	}
	return restrictColumns(all, columns, draft.ExternalModifiedAt)
}

func ProjectValues(draft *models.Project, columns map[string]bool) map[string]any {
	all := map[string]any{
		"name":       draft.Name,
		"status":     draft.Status,
		"start_date": draft.StartDate,
	}
	return restrictColumns(all, columns, draft.ExternalModifiedAt)
}

func restrictColumns(all map[string]any, columns map[string]bool, externalModifiedAt *time.Time) map[string]any {
	out := make(map[string]any, len(all)+1)
	for col, v := range all {
		if columns == nil || columns[col] {
			out[col] = v
		}
	}
	if externalModifiedAt != nil {
		out["external_modified_at"] = externalModifiedAt
	}
	return out
}
