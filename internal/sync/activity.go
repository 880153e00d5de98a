package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/peak1031/ppsync/internal/db/models"
	"github.com/peak1031/ppsync/internal/util"
)

// MaxStoredErrors bounds the per-record error list persisted into a SyncLog.
const MaxStoredErrors = 10

// ActivityLog is the durable record of sync runs. Each run writes one SyncLog
// row; the stored watermark drives the next incremental fetch.
type ActivityLog struct {
	db *gorm.DB
}

// NewActivityLog creates an activity log over the given database.
func NewActivityLog(db *gorm.DB) *ActivityLog {
	return &ActivityLog{db: db}
}

// Start creates a running SyncLog row and returns it.
func (a *ActivityLog) Start(entityType, triggeredBy string) (*models.SyncLog, error) {
	row := &models.SyncLog{
		ID:          uuid.New().String(),
		SyncType:    entityType,
		Status:      models.SyncStatusRunning,
		StartedAt:   time.Now(),
		TriggeredBy: triggeredBy,
	}
	if err := a.db.Create(row).Error; err != nil {
		return nil, fmt.Errorf("create sync log: %w", err)
	}
	return row, nil
}

// Update merges fields into an existing SyncLog row. Safe to call repeatedly
// during a long-running sync.
func (a *ActivityLog) Update(id string, fields map[string]any) error {
	return a.db.Model(&models.SyncLog{}).Where("id = ?", id).Updates(fields).Error
}

// Finish sets the terminal status, counts, and details for a run. The error
// list inside details is truncated to MaxStoredErrors entries.
func (a *ActivityLog) Finish(id, status string, stats Stats, details models.SyncDetails) error {
	if len(details.Errors) > MaxStoredErrors {
		details.ErrorsTotal = len(details.Errors)
		details.Errors = details.Errors[:MaxStoredErrors]
	}
	for i := range details.Errors {
		details.Errors[i].Message = util.TruncateLog(details.Errors[i].Message, 256)
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal sync details: %w", err)
	}

	now := time.Now()
	return a.Update(id, map[string]any{
		"status":            status,
		"completed_at":      &now,
		"records_processed": stats.Processed,
		"records_created":   stats.Created,
		"records_updated":   stats.Updated,
		"records_failed":    stats.Failed,
		"details":           string(detailsJSON),
	})
}

// GetLastWatermark returns the watermark stored by the most recent
// success/partial run for an entity type, or nil when none exists (full-sync
// mode).
func (a *ActivityLog) GetLastWatermark(entityType string) (*time.Time, error) {
	var row models.SyncLog
	err := a.db.Where("sync_type = ? AND status IN ?", entityType,
		[]string{models.SyncStatusSuccess, models.SyncStatusPartial}).
		Order("started_at DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if row.Details == "" {
		return row.CompletedAt, nil
	}
	var details models.SyncDetails
	if err := json.Unmarshal([]byte(row.Details), &details); err != nil {
		return row.CompletedAt, nil
	}
	if details.Watermark != nil {
		return details.Watermark, nil
	}
	return row.CompletedAt, nil
}

// Recent returns the most recent sync runs, newest first.
func (a *ActivityLog) Recent(limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []models.SyncLog
	err := a.db.Order("started_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
