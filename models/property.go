package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PropertyStatus string

const (
	PropertyStatusAcquired   PropertyStatus = "Acquired"
	PropertyStatusRenovating PropertyStatus = "Renovating"
	PropertyStatusListed     PropertyStatus = "Listed"
	PropertyStatusSold       PropertyStatus = "Sold"
)

// Property is the child entity kind. ProjectId is set exclusively by the link
// resolver; a plain sync pass never touches it. BudgetIndexJSON holds the
// derived category index and is only ever replaced wholesale.
type Property struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	ExternalId         string          `gorm:"uniqueIndex;size:128;not null" json:"external_id"`
	ProjectId          *int            `gorm:"index" json:"project_id"`
	Address            string          `gorm:"size:255;not null" json:"address"`
	City               string          `gorm:"size:100" json:"city"`
	Status             PropertyStatus  `gorm:"size:20;default:'Acquired'" json:"status"`
	PurchaseDate       *time.Time      `json:"purchase_date"`
	RenovationStart    *time.Time      `json:"renovation_start"`
	PurchasePrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	RenovationBudget   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"renovation_budget"`
	ProjectRefsJSON    []byte          `gorm:"column:project_refs_json;type:json" json:"project_refs"`
	DocumentURLsJSON   []byte          `gorm:"column:document_urls_json;type:json" json:"document_urls"`
	BudgetIndexJSON    []byte          `gorm:"column:budget_index_json;type:json" json:"budget_index"`
	ExternalModifiedAt *time.Time      `gorm:"index" json:"external_modified_at"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProjectRefs decodes the external project IDs the source record referenced.
func (p *Property) ProjectRefs() []string {
	return decodeStringList(p.ProjectRefsJSON)
}

// DocumentURLs decodes the budget document URLs in their configured order.
func (p *Property) DocumentURLs() []string {
	return decodeStringList(p.DocumentURLsJSON)
}

func decodeStringList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func EncodeStringList(values []string) []byte {
	if len(values) == 0 {
		return nil
	}
	b, _ := json.Marshal(values)
	return b
}
