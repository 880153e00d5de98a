package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peak1031/ppsync/internal/auth/token"
	"github.com/peak1031/ppsync/internal/db/models"
	"github.com/peak1031/ppsync/internal/upstream"
)

// Fetch modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

const (
	// DefaultPageSize is the provider's page maximum.
	DefaultPageSize = 100

	// DefaultPageDelay is the defensive inter-page pause applied even when
	// under quota.
	DefaultPageDelay = 100 * time.Millisecond

	// pageRetryDelay is the short pause before the single retry of a failed
	// page fetch.
	pageRetryDelay = 2 * time.Second
)

// Stats accumulates per-record outcomes for one run.
type Stats struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Failed    int `json:"errors"`
}

// Options configures one sync invocation.
type Options struct {
	TriggeredBy string
	Mode        string // "", ModeFull, or ModeIncremental
}

// Result is the outcome returned to callers of SyncEntityType.
type Result struct {
	SyncID     string `json:"sync_id"`
	EntityType string `json:"entity_type"`
	Mode       string `json:"mode"`
	Status     string `json:"status"`
	Stats      Stats  `json:"statistics"`
	Aborted    string `json:"aborted,omitempty"`
}

// Orchestrator drives paginated fetch -> transform -> resolve -> upsert cycles
// per entity type. Pages are processed strictly sequentially; the provider's
// quota is shared, so there is no parallel fan-out.
type Orchestrator struct {
	db        *gorm.DB
	client    *upstream.Client
	activity  *ActivityLog
	pageSize  int
	pageDelay time.Duration
	order     []string
}

// NewOrchestrator creates a sync orchestrator. pageSize and pageDelay fall
// back to defaults when zero.
func NewOrchestrator(db *gorm.DB, client *upstream.Client, activity *ActivityLog, pageSize int, pageDelay time.Duration) *Orchestrator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageDelay < 0 {
		pageDelay = DefaultPageDelay
	}
	return &Orchestrator{
		db:        db,
		client:    client,
		activity:  activity,
		pageSize:  pageSize,
		pageDelay: pageDelay,
	}
}

// entityConfig parameterizes the shared sync loop per entity type.
type entityConfig struct {
	path       string
	cacheKinds []string
	process    func(o *Orchestrator, cache *ResolverCache, raw json.RawMessage, syncedAt time.Time) (externalID string, created bool, err error)
}

var entityRegistry = map[string]entityConfig{
	EntityUsers:    {path: "/users", process: (*Orchestrator).processUser},
	EntityContacts: {path: "/contacts", process: (*Orchestrator).processContact},
	EntityMatters:  {path: "/matters", cacheKinds: []string{KindAccount, KindUser}, process: (*Orchestrator).processMatter},
	EntityTasks:    {path: "/tasks", cacheKinds: []string{KindExchange}, process: (*Orchestrator).processTask},
	EntityInvoices: {path: "/invoices", cacheKinds: []string{KindExchange}, process: (*Orchestrator).processInvoice},
	EntityExpenses: {path: "/expenses", cacheKinds: []string{KindExchange}, process: (*Orchestrator).processExpense},
}

// syncAllOrder lists entity types in dependency order: independent entities
// first, then entities referencing them.
var syncAllOrder = []string{
	EntityUsers,
	EntityContacts,
	EntityMatters,
	EntityTasks,
	EntityInvoices,
	EntityExpenses,
}

// EntityTypes returns the supported entity types in dependency order.
func EntityTypes() []string {
	out := make([]string, len(syncAllOrder))
	copy(out, syncAllOrder)
	return out
}

// SyncEntityType runs one full or incremental sync for an entity type.
// Per-record failures are absorbed into the statistics (partial status);
// failures at the page-fetch/auth boundary abort the run into error status.
// The run always ends in a terminal SyncLog state.
func (o *Orchestrator) SyncEntityType(ctx context.Context, entityType string, opts Options) (*Result, error) {
	cfg, ok := entityRegistry[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "manual"
	}

	slog, err := o.activity.Start(entityType, opts.TriggeredBy)
	if err != nil {
		return nil, err
	}

	var watermark *time.Time
	if opts.Mode != ModeFull {
		watermark, err = o.activity.GetLastWatermark(entityType)
		if err != nil {
			log.Printf("⚠️ Failed to load %s watermark, falling back to full sync: %v", entityType, err)
			watermark = nil
		}
	}
	mode := ModeFull
	if watermark != nil {
		mode = ModeIncremental
	}
	log.Printf("🔄 Syncing %s (%s mode, triggered by %s)", entityType, mode, opts.TriggeredBy)

	result := &Result{SyncID: slog.ID, EntityType: entityType, Mode: mode}

	cache, err := BuildCache(o.db, cfg.cacheKinds...)
	if err != nil {
		return o.finalize(result, models.SyncStatusError, Stats{}, 0, nil, err.Error()), nil
	}

	var (
		stats        Stats
		recordErrors []models.RecordError
		pages        int
		page         = 1
	)

	for {
		if ctx.Err() != nil {
			return o.finalize(result, models.SyncStatusPaused, stats, pages, recordErrors, ctx.Err().Error()), nil
		}

		p, err := o.fetchPageWithRetry(ctx, cfg.path, page, watermark)
		if err != nil {
			status := models.SyncStatusError
			if ctx.Err() != nil {
				status = models.SyncStatusPaused
			}
			return o.finalize(result, status, stats, pages, recordErrors, err.Error()), nil
		}
		pages++

		syncedAt := time.Now()
		for _, raw := range p.Records {
			if ctx.Err() != nil {
				return o.finalize(result, models.SyncStatusPaused, stats, pages, recordErrors, ctx.Err().Error()), nil
			}

			externalID, created, perr := cfg.process(o, cache, raw, syncedAt)
			stats.Processed++
			if perr != nil {
				stats.Failed++
				recordErrors = append(recordErrors, models.RecordError{ExternalID: externalID, Message: perr.Error()})
				log.Printf("⚠️ %s record %s: %v", entityType, externalID, perr)
				continue
			}
			if created {
				stats.Created++
			} else {
				stats.Updated++
			}
		}

		// Progress persistence: lets an external monitor observe the run and
		// keeps counts when a run ends up paused.
		if err := o.activity.Update(slog.ID, map[string]any{
			"records_processed": stats.Processed,
			"records_created":   stats.Created,
			"records_updated":   stats.Updated,
			"records_failed":    stats.Failed,
		}); err != nil {
			log.Printf("⚠️ Failed to persist %s progress: %v", entityType, err)
		}

		if !morePages(p, o.pageSize) {
			break
		}
		page++
		if o.pageDelay > 0 {
			if err := wait(ctx, o.pageDelay); err != nil {
				return o.finalize(result, models.SyncStatusPaused, stats, pages, recordErrors, err.Error()), nil
			}
		}
	}

	status := models.SyncStatusSuccess
	if stats.Failed > 0 {
		status = models.SyncStatusPartial
	}
	res := o.finalize(result, status, stats, pages, recordErrors, "")
	log.Printf("✅ Synced %s: %d processed, %d created, %d updated, %d failed (%s)",
		entityType, stats.Processed, stats.Created, stats.Updated, stats.Failed, status)
	return res, nil
}

// SetSyncAllOrder overrides the SyncAll entity order. The order must already
// have been validated against the known entity types.
func (o *Orchestrator) SetSyncAllOrder(order []string) {
	o.order = order
}

// SyncAll syncs every entity type in dependency order. A paused run stops the
// chain (the process is shutting down); an errored run logs and continues so
// independent entity types still sync.
func (o *Orchestrator) SyncAll(ctx context.Context, opts Options) ([]*Result, error) {
	order := o.order
	if len(order) == 0 {
		order = syncAllOrder
	}
	var results []*Result
	for _, entityType := range order {
		res, err := o.SyncEntityType(ctx, entityType, opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Status == models.SyncStatusPaused {
			break
		}
		if res.Status == models.SyncStatusError {
			log.Printf("❌ %s sync aborted (%s), continuing with remaining entities", entityType, res.Aborted)
		}
	}
	return results, nil
}

// finalize persists the terminal SyncLog state and fills in the result.
// Success/partial runs store a fresh watermark for the next incremental run.
func (o *Orchestrator) finalize(result *Result, status string, stats Stats, pages int, recordErrors []models.RecordError, aborted string) *Result {
	details := models.SyncDetails{
		PagesFetched: pages,
		Errors:       recordErrors,
		Aborted:      aborted,
	}
	if status == models.SyncStatusSuccess || status == models.SyncStatusPartial {
		now := time.Now()
		details.Watermark = &now
	}
	if err := o.activity.Finish(result.SyncID, status, stats, details); err != nil {
		log.Printf("❌ Failed to finalize sync log %s: %v", result.SyncID, err)
	}

	result.Status = status
	result.Stats = stats
	result.Aborted = aborted
	return result
}

// fetchPageWithRetry fetches one page, retrying once after a short delay on
// ambiguous fetch errors. Auth failures and rate-limit exhaustion are not
// retried here (the client already handled 429 backoff internally).
func (o *Orchestrator) fetchPageWithRetry(ctx context.Context, path string, page int, watermark *time.Time) (*upstream.Page, error) {
	p, err := o.client.FetchPage(ctx, path, page, o.pageSize, watermark)
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil || errors.Is(err, token.ErrAuthRequired) || errors.Is(err, token.ErrRefreshFailed) {
		return nil, err
	}

	log.Printf("⚠️ Page %d fetch failed, retrying once: %v", page, err)
	if werr := wait(ctx, pageRetryDelay); werr != nil {
		return nil, werr
	}
	return o.client.FetchPage(ctx, path, page, o.pageSize, watermark)
}

// morePages decides whether to continue paging: an explicit has_more signal
// wins, otherwise a full page means more data may follow.
func morePages(p *upstream.Page, pageSize int) bool {
	if p.HasMoreSet {
		return p.HasMore
	}
	return len(p.Records) == pageSize
}

// upsert inserts or updates a record keyed by its external-id column and
// reports whether a new row was created. The conflict path leaves the local
// primary key and created_at untouched.
func (o *Orchestrator) upsert(model any, conflictColumn, externalID string, assign []string, record any) (bool, error) {
	var count int64
	if err := o.db.Model(model).Where(conflictColumn+" = ?", externalID).Count(&count).Error; err != nil {
		return false, err
	}
	created := count == 0

	err := o.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: conflictColumn}},
		DoUpdates: clause.AssignmentColumns(assign),
	}).Create(record).Error
	if err != nil {
		return false, err
	}
	return created, nil
}

// Columns updated when an existing row is re-synced. The local primary key,
// created_at, and the conflict key itself are never reassigned.
var (
	userAssign = []string{"email", "first_name", "last_name", "is_active",
		"pp_raw", "last_synced_at", "updated_at"}
	contactAssign = []string{"pp_account_id", "first_name", "last_name", "email",
		"phone", "company", "is_primary", "pp_raw", "last_synced_at", "updated_at"}
	exchangeAssign = []string{"name", "number", "status", "exchange_type",
		"client_id", "coordinator_id", "pp_account_id", "pp_assigned_user_id",
		"pp_raw", "last_synced_at", "updated_at"}
	taskAssign = []string{"exchange_id", "title", "description", "status",
		"priority", "due_date", "pp_matter_id", "pp_raw", "last_synced_at", "updated_at"}
	invoiceAssign = []string{"exchange_id", "issue_date", "due_date", "total",
		"total_paid", "total_outstanding", "invoice_type", "pp_matter_id",
		"pp_raw", "last_synced_at", "updated_at"}
	expenseAssign = []string{"exchange_id", "description", "amount", "is_billable",
		"is_billed", "date", "pp_matter_id", "pp_raw", "last_synced_at", "updated_at"}
)

func (o *Orchestrator) processUser(_ *ResolverCache, raw json.RawMessage, syncedAt time.Time) (string, bool, error) {
	rec, err := TransformUser(raw, syncedAt)
	if err != nil {
		return externalIDFromRaw(raw), false, fmt.Errorf("transform: %w", err)
	}
	rec.ID = uuid.New().String()
	created, err := o.upsert(&models.User{}, "pp_user_id", rec.PPUserID, userAssign, rec)
	if err != nil {
		return rec.PPUserID, false, fmt.Errorf("upsert: %w", err)
	}
	return rec.PPUserID, created, nil
}

func (o *Orchestrator) processContact(_ *ResolverCache, raw json.RawMessage, syncedAt time.Time) (string, bool, error) {
	rec, err := TransformContact(raw, syncedAt)
	if err != nil {
		return externalIDFromRaw(raw), false, fmt.Errorf("transform: %w", err)
	}
	rec.ID = uuid.New().String()
	created, err := o.upsert(&models.Contact{}, "pp_contact_id", rec.PPContactID, contactAssign, rec)
	if err != nil {
		return rec.PPContactID, false, fmt.Errorf("upsert: %w", err)
	}
	return rec.PPContactID, created, nil
}

func (o *Orchestrator) processMatter(cache *ResolverCache, raw json.RawMessage, syncedAt time.Time) (string, bool, error) {
	rec, err := TransformMatter(raw, syncedAt)
	if err != nil {
		return externalIDFromRaw(raw), false, fmt.Errorf("transform: %w", err)
	}
	// Unmapped references stay null rather than blocking the sync.
	if id := cache.Resolve(KindAccount, rec.PPAccountID); id != "" {
		rec.ClientID = &id
	}
	if id := cache.Resolve(KindUser, rec.PPAssignedUserID); id != "" {
		rec.CoordinatorID = &id
	}
	rec.ID = uuid.New().String()
	created, err := o.upsert(&models.Exchange{}, "pp_matter_id", rec.PPMatterID, exchangeAssign, rec)
	if err != nil {
		return rec.PPMatterID, false, fmt.Errorf("upsert: %w", err)
	}
	return rec.PPMatterID, created, nil
}

func (o *Orchestrator) processTask(cache *ResolverCache, raw json.RawMessage, syncedAt time.Time) (string, bool, error) {
	rec, err := TransformTask(raw, syncedAt)
	if err != nil {
		return externalIDFromRaw(raw), false, fmt.Errorf("transform: %w", err)
	}
	if id := cache.Resolve(KindExchange, rec.PPMatterID); id != "" {
		rec.ExchangeID = &id
	}
	rec.ID = uuid.New().String()
	created, err := o.upsert(&models.Task{}, "pp_task_id", rec.PPTaskID, taskAssign, rec)
	if err != nil {
		return rec.PPTaskID, false, fmt.Errorf("upsert: %w", err)
	}
	return rec.PPTaskID, created, nil
}

func (o *Orchestrator) processInvoice(cache *ResolverCache, raw json.RawMessage, syncedAt time.Time) (string, bool, error) {
	rec, err := TransformInvoice(raw, syncedAt)
	if err != nil {
		return externalIDFromRaw(raw), false, fmt.Errorf("transform: %w", err)
	}
	if id := cache.Resolve(KindExchange, rec.PPMatterID); id != "" {
		rec.ExchangeID = &id
	}
	rec.ID = uuid.New().String()
	created, err := o.upsert(&models.Invoice{}, "pp_invoice_id", rec.PPInvoiceID, invoiceAssign, rec)
	if err != nil {
		return rec.PPInvoiceID, false, fmt.Errorf("upsert: %w", err)
	}
	return rec.PPInvoiceID, created, nil
}

func (o *Orchestrator) processExpense(cache *ResolverCache, raw json.RawMessage, syncedAt time.Time) (string, bool, error) {
	rec, err := TransformExpense(raw, syncedAt)
	if err != nil {
		return externalIDFromRaw(raw), false, fmt.Errorf("transform: %w", err)
	}
	if id := cache.Resolve(KindExchange, rec.PPMatterID); id != "" {
		rec.ExchangeID = &id
	}
	rec.ID = uuid.New().String()
	created, err := o.upsert(&models.Expense{}, "pp_expense_id", rec.PPExpenseID, expenseAssign, rec)
	if err != nil {
		return rec.PPExpenseID, false, fmt.Errorf("upsert: %w", err)
	}
	return rec.PPExpenseID, created, nil
}

// externalIDFromRaw best-effort extracts the external id from an unparseable
// record so per-record errors can still name it.
func externalIDFromRaw(raw json.RawMessage) string {
	var probe struct {
		ID ppID `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "unknown"
	}
	if probe.ID == "" {
		return "unknown"
	}
	return string(probe.ID)
}

// wait sleeps for d or until ctx is cancelled.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
