package renosync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type TableKind string

const (
	TableProjects   TableKind = "projects"
	TableProperties TableKind = "properties"
)

func ParseTableKind(v string) (TableKind, error) {
	switch TableKind(strings.ToLower(strings.TrimSpace(v))) {
	case TableProjects:
		return TableProjects, nil
	case TableProperties:
		return TableProperties, nil
	}
	return "", fmt.Errorf("unknown table kind %q", v)
}

// ExternalRecord is an immutable snapshot of one row in the system-of-record.
type ExternalRecord struct {
	ExternalId     string
	Table          TableKind
	Fields         map[string]any
	LastModifiedAt time.Time
}

const (
	EventRecordCreated = "recordCreated"
	EventRecordUpdated = "recordUpdated"
)

// WebhookEvent names one changed record. Transient; consumed once.
type WebhookEvent struct {
	EventType     string
	Table         TableKind
	ExternalId    string
	ChangedFields []string
	ReceivedAt    time.Time
}

type RunState string

const (
	StateIdle      RunState = "idle"
	StateFetching  RunState = "fetching"
	StateMapping   RunState = "mapping"
	StateUpserting RunState = "upserting"
	StateLinking   RunState = "linking"
	StateDone      RunState = "done"
	StateFailed    RunState = "failed"
)

type SyncError struct {
	ExternalId string `json:"externalId"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
	Retryable  bool   `json:"retryable"`
}

// SyncRun is the per-run result returned to the caller. Error appends are
// safe across the bounded worker pool.
type SyncRun struct {
	Table    TableKind   `json:"tableKind"`
	State    RunState    `json:"state"`
	Created  int         `json:"created"`
	Updated  int         `json:"updated"`
	Skipped  int         `json:"skipped"`
	Linked   int         `json:"linked"`
	Orphaned []string    `json:"orphaned"`
	Errors   []SyncError `json:"errors"`

	mu sync.Mutex
}

// setState is for transitions made from inside the worker pool; the
// single-threaded run loop assigns State directly.
func (r *SyncRun) setState(state RunState) {
	r.mu.Lock()
	r.State = state
	r.mu.Unlock()
}

func (r *SyncRun) addError(externalId, code, reason string, retryable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, SyncError{
		ExternalId: externalId,
		Code:       code,
		Reason:     reason,
		Retryable:  retryable,
	})
}

func (r *SyncRun) addCreated() {
	r.mu.Lock()
	r.Created++
	r.mu.Unlock()
}

func (r *SyncRun) addUpdated() {
	r.mu.Lock()
	r.Updated++
	r.mu.Unlock()
}

func (r *SyncRun) addSkipped() {
	r.mu.Lock()
	r.Skipped++
	r.mu.Unlock()
}

type CategoryKey string

// CategoryIndex maps budget categories to non-negative amounts. A nil or
// empty index is a valid state meaning no budget data was derived.
type CategoryIndex map[CategoryKey]decimal.Decimal

// Encode serializes with sorted keys so identical indices produce identical
// bytes regardless of map iteration order.
func (idx CategoryIndex) Encode() []byte {
	if len(idx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.WriteString(`"` + idx[CategoryKey(k)].String() + `"`)
	}
	b.WriteByte('}')
	return []byte(b.String())
}

func DecodeCategoryIndex(raw []byte) (CategoryIndex, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	idx := make(CategoryIndex, len(m))
	for k, v := range m {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", k, err)
		}
		idx[CategoryKey(k)] = amount
	}
	return idx, nil
}

// HTTP DTOs.

type FullSyncRequest struct {
	TableKind string `json:"tableKind" binding:"required"`
}

type FullSyncResponse struct {
	Created  int         `json:"created"`
	Updated  int         `json:"updated"`
	Skipped  int         `json:"skipped"`
	Orphaned []string    `json:"orphaned"`
	Errors   []SyncError `json:"errors"`
}

type WebhookRequest struct {
	EventType     string   `json:"eventType" binding:"required"`
	TableKind     string   `json:"tableKind" binding:"required"`
	ExternalId    string   `json:"externalId" binding:"required"`
	ChangedFields []string `json:"changedFields"`
	Timestamp     string   `json:"timestamp"`
}

type WebhookResponse struct {
	Success bool   `json:"success"`
	Updates int    `json:"updates,omitempty"`
	Error   string `json:"error,omitempty"`
}

type RecomputeResponse struct {
	Updated bool        `json:"updated"`
	Errors  []SyncError `json:"errors"`
}

type QueueSyncRequest struct {
	TableKind string `json:"tableKind" binding:"required"`
}

type SyncRunResponse struct {
	ID          uint    `json:"id"`
	TableKind   string  `json:"tableKind"`
	Status      string  `json:"status"`
	TriggeredBy string  `json:"triggeredBy"`
	Created     int     `json:"created"`
	Updated     int     `json:"updated"`
	Skipped     int     `json:"skipped"`
	Orphaned    int     `json:"orphaned"`
	ErrorCount  int     `json:"errorCount"`
	StartedAt   *string `json:"startedAt"`
	FinishedAt  *string `json:"finishedAt"`
	DurationMs  int64   `json:"durationMs"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	TableKind  string `json:"tableKind"`
	ExternalId string `json:"externalId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId     uint   `json:"run_id"`
	TableKind string `json:"table_kind"`
}
