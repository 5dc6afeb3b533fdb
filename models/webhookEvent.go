package models

import "time"

// WebhookEventRecord is the audit log for inbound change events. Events are
// consumed exactly once at receive time; this table is never read back by the
// engine.
type WebhookEventRecord struct {
	ID                uint      `gorm:"primary_key" json:"id"`
	EventType         string    `gorm:"size:30;not null" json:"event_type"`
	TableKind         string    `gorm:"index;size:50;not null" json:"table_kind"`
	ExternalId        string    `gorm:"index;size:128;not null" json:"external_id"`
	ChangedFieldsJSON []byte    `gorm:"type:json" json:"changed_fields"`
	Applied           bool      `gorm:"default:false" json:"applied"`
	Outcome           string    `gorm:"size:64" json:"outcome"`
	ReceivedAt        time.Time `gorm:"not null" json:"received_at"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}
