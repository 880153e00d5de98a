package models

import "time"

// Sync run statuses. Exactly one terminal status is set at completion.
const (
	SyncStatusRunning = "running"
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusError   = "error"
	SyncStatusPaused  = "paused"
)

// SyncLog records one execution of a sync operation for one entity type.
type SyncLog struct {
	ID               string     `gorm:"primaryKey" json:"id"` // UUID
	SyncType         string     `gorm:"index" json:"sync_type"`
	Status           string     `gorm:"index" json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsCreated   int        `json:"records_created"`
	RecordsUpdated   int        `json:"records_updated"`
	RecordsFailed    int        `json:"records_failed"`
	Details          string     `gorm:"type:text" json:"details,omitempty"` // JSON SyncDetails
	TriggeredBy      string     `json:"triggered_by"`
}

// SyncDetails is the structured payload stored in SyncLog.Details.
// Watermark is the incremental-fetch cutoff consumed by the next run.
type SyncDetails struct {
	Watermark    *time.Time    `json:"watermark,omitempty"`
	PagesFetched int           `json:"pages_fetched,omitempty"`
	Errors       []RecordError `json:"errors,omitempty"` // first N only
	ErrorsTotal  int           `json:"errors_total,omitempty"`
	Aborted      string        `json:"aborted,omitempty"` // abort reason for error/paused runs
}

// RecordError identifies one failed record within a run.
type RecordError struct {
	ExternalID string `json:"external_id"`
	Message    string `json:"message"`
}
