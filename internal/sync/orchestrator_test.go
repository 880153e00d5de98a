package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/peak1031/ppsync/internal/db/models"
	"github.com/peak1031/ppsync/internal/upstream"
)

// staticTokens satisfies upstream.TokenSource with a fixed token.
type staticTokens struct{}

func (staticTokens) GetValidToken(_ context.Context) (string, error) { return "test-token", nil }
func (staticTokens) InvalidateCache()                                {}

// fakePP serves canned per-entity responses under /api/v2 and records the
// query string of every request.
type fakePP struct {
	srv     *httptest.Server
	handler func(path string, page int, w http.ResponseWriter)
	queries []string
}

func newFakePP(t *testing.T, handler func(path string, page int, w http.ResponseWriter)) *fakePP {
	t.Helper()
	f := &fakePP{handler: handler}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.queries = append(f.queries, r.URL.RawQuery)
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		f.handler(r.URL.Path, page, w)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newTestOrchestrator(t *testing.T, db *gorm.DB, serverURL string, pageSize int) *Orchestrator {
	t.Helper()
	client := upstream.NewClient(serverURL, staticTokens{}, upstream.NewRateLimiter(1000, time.Minute))
	client.SetBackoff429(time.Millisecond)
	return NewOrchestrator(db, client, NewActivityLog(db), pageSize, 0)
}

func writeRecords(w http.ResponseWriter, records ...string) {
	fmt.Fprintf(w, "[%s]", joinRecords(records))
}

func joinRecords(records []string) string {
	out := ""
	for i, r := range records {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

func TestSyncEntityType_MattersFirstRun(t *testing.T) {
	db := newSyncTestDB(t)
	pp := newFakePP(t, func(path string, _ int, w http.ResponseWriter) {
		writeRecords(w,
			`{"id": "A1", "display_name": "Jones Exchange", "status": "Open"}`,
			`{"id": "A2", "status": "Open"}`,
			`{"id": "A3", "display_name": "Rivera Exchange", "status": "Closed"}`,
		)
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 100)

	res, err := orch.SyncEntityType(context.Background(), EntityMatters, Options{TriggeredBy: "test"})
	if err != nil {
		t.Fatalf("SyncEntityType: %v", err)
	}
	if res.Status != models.SyncStatusSuccess {
		t.Fatalf("expected success, got %s (aborted: %s)", res.Status, res.Aborted)
	}
	want := Stats{Processed: 3, Created: 3, Updated: 0, Failed: 0}
	if res.Stats != want {
		t.Fatalf("stats: got %+v want %+v", res.Stats, want)
	}

	var unnamed models.Exchange
	if err := db.First(&unnamed, "pp_matter_id = ?", "A2").Error; err != nil {
		t.Fatal(err)
	}
	if unnamed.Name != "Exchange A2" {
		t.Fatalf("expected placeholder name, got %q", unnamed.Name)
	}
	var count int64
	db.Model(&models.Exchange{}).Count(&count)
	if count != 3 {
		t.Fatalf("expected 3 exchange rows, got %d", count)
	}
}

func TestSyncEntityType_ResyncUpdatesInPlace(t *testing.T) {
	db := newSyncTestDB(t)
	renamed := false
	pp := newFakePP(t, func(path string, _ int, w http.ResponseWriter) {
		name := "Rivera Exchange"
		if renamed {
			name = "Rivera Exchange (amended)"
		}
		writeRecords(w,
			`{"id": "A1", "display_name": "Jones Exchange", "status": "Open"}`,
			`{"id": "A2", "status": "Open"}`,
			fmt.Sprintf(`{"id": "A3", "display_name": %q, "status": "Closed"}`, name),
		)
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 100)

	res, err := orch.SyncEntityType(context.Background(), EntityMatters, Options{Mode: ModeFull})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Created != 3 {
		t.Fatalf("first run: expected 3 created, got %+v", res.Stats)
	}

	var before models.Exchange
	if err := db.First(&before, "pp_matter_id = ?", "A3").Error; err != nil {
		t.Fatal(err)
	}

	renamed = true
	res, err = orch.SyncEntityType(context.Background(), EntityMatters, Options{Mode: ModeFull})
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Processed: 3, Created: 0, Updated: 3, Failed: 0}
	if res.Stats != want {
		t.Fatalf("second run stats: got %+v want %+v", res.Stats, want)
	}

	var count int64
	db.Model(&models.Exchange{}).Count(&count)
	if count != 3 {
		t.Fatalf("expected 3 rows after re-sync, got %d", count)
	}
	var after models.Exchange
	if err := db.First(&after, "pp_matter_id = ?", "A3").Error; err != nil {
		t.Fatal(err)
	}
	if after.ID != before.ID {
		t.Fatalf("re-sync must keep the local primary key: %q -> %q", before.ID, after.ID)
	}
	if after.Name != "Rivera Exchange (amended)" {
		t.Fatalf("expected updated name, got %q", after.Name)
	}
}

func TestSyncEntityType_PartialFailureAbsorbsBadRecord(t *testing.T) {
	db := newSyncTestDB(t)
	pp := newFakePP(t, func(path string, _ int, w http.ResponseWriter) {
		var records []string
		for i := 1; i <= 10; i++ {
			if i == 5 {
				// subject has the wrong JSON type; the id is still parseable.
				records = append(records, fmt.Sprintf(`{"id": "t-%d", "subject": 5}`, i))
				continue
			}
			records = append(records, fmt.Sprintf(`{"id": "t-%d", "subject": "Task %d"}`, i, i))
		}
		writeRecords(w, records...)
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 100)

	res, err := orch.SyncEntityType(context.Background(), EntityTasks, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.SyncStatusPartial {
		t.Fatalf("expected partial, got %s", res.Status)
	}
	want := Stats{Processed: 10, Created: 9, Updated: 0, Failed: 1}
	if res.Stats != want {
		t.Fatalf("stats: got %+v want %+v", res.Stats, want)
	}

	var slog models.SyncLog
	if err := db.First(&slog, "id = ?", res.SyncID).Error; err != nil {
		t.Fatal(err)
	}
	var details models.SyncDetails
	if err := json.Unmarshal([]byte(slog.Details), &details); err != nil {
		t.Fatal(err)
	}
	if len(details.Errors) != 1 || details.Errors[0].ExternalID != "t-5" {
		t.Fatalf("expected one error naming t-5, got %+v", details.Errors)
	}
	if details.Watermark == nil {
		t.Fatal("partial run must still store a watermark")
	}
}

func TestSyncEntityType_IncrementalUsesStoredWatermark(t *testing.T) {
	db := newSyncTestDB(t)
	pp := newFakePP(t, func(path string, _ int, w http.ResponseWriter) {
		writeRecords(w, `{"id": "c-1", "display_name": "Dana Fox"}`)
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 100)

	res, err := orch.SyncEntityType(context.Background(), EntityContacts, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeFull {
		t.Fatalf("first run should be full, got %s", res.Mode)
	}

	res, err = orch.SyncEntityType(context.Background(), EntityContacts, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeIncremental {
		t.Fatalf("second run should be incremental, got %s", res.Mode)
	}

	if len(pp.queries) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(pp.queries))
	}
	if q := pp.queries[0]; containsParam(q, "updated_since") {
		t.Fatalf("first request must not scope by updated_since: %s", q)
	}
	if q := pp.queries[1]; !containsParam(q, "updated_since") {
		t.Fatalf("second request must scope by updated_since: %s", q)
	}
}

func containsParam(rawQuery, key string) bool {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return false
	}
	return values.Has(key)
}

func TestSyncEntityType_PagesThroughEnvelope(t *testing.T) {
	db := newSyncTestDB(t)
	pp := newFakePP(t, func(path string, page int, w http.ResponseWriter) {
		switch page {
		case 1:
			fmt.Fprint(w, `{"results": [{"id": "u-1"}, {"id": "u-2"}], "total_count": 3, "has_more": true}`)
		default:
			fmt.Fprint(w, `{"results": [{"id": "u-3"}], "total_count": 3, "has_more": false}`)
		}
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 2)

	res, err := orch.SyncEntityType(context.Background(), EntityUsers, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Processed != 3 || res.Stats.Created != 3 {
		t.Fatalf("expected 3 records across pages, got %+v", res.Stats)
	}
	if len(pp.queries) != 2 {
		t.Fatalf("expected 2 page fetches, got %d", len(pp.queries))
	}

	var slog models.SyncLog
	if err := db.First(&slog, "id = ?", res.SyncID).Error; err != nil {
		t.Fatal(err)
	}
	var details models.SyncDetails
	if err := json.Unmarshal([]byte(slog.Details), &details); err != nil {
		t.Fatal(err)
	}
	if details.PagesFetched != 2 {
		t.Fatalf("expected 2 pages recorded, got %d", details.PagesFetched)
	}
}

func TestSyncEntityType_FetchFailureEndsInErrorState(t *testing.T) {
	db := newSyncTestDB(t)
	pp := newFakePP(t, func(path string, _ int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message": "upstream down"}`)
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 100)

	res, err := orch.SyncEntityType(context.Background(), EntityUsers, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.SyncStatusError {
		t.Fatalf("expected error status, got %s", res.Status)
	}
	if res.Aborted == "" {
		t.Fatal("expected abort reason on the result")
	}

	var slog models.SyncLog
	if err := db.First(&slog, "id = ?", res.SyncID).Error; err != nil {
		t.Fatal(err)
	}
	if slog.Status != models.SyncStatusError || slog.CompletedAt == nil {
		t.Fatalf("run must reach a terminal log state: %+v", slog)
	}

	// A failed run contributes no watermark.
	wm, err := NewActivityLog(db).GetLastWatermark(EntityUsers)
	if err != nil {
		t.Fatal(err)
	}
	if wm != nil {
		t.Fatalf("expected no watermark after failed run, got %v", wm)
	}
}

func TestSyncEntityType_CancelledContextPauses(t *testing.T) {
	db := newSyncTestDB(t)
	pp := newFakePP(t, func(path string, _ int, w http.ResponseWriter) {
		writeRecords(w, `{"id": "u-1"}`)
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := orch.SyncEntityType(ctx, EntityUsers, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.SyncStatusPaused {
		t.Fatalf("expected paused, got %s", res.Status)
	}

	var slog models.SyncLog
	if err := db.First(&slog, "id = ?", res.SyncID).Error; err != nil {
		t.Fatal(err)
	}
	if slog.Status != models.SyncStatusPaused {
		t.Fatalf("expected paused log row, got %s", slog.Status)
	}
}

func TestSyncEntityType_UnknownEntity(t *testing.T) {
	db := newSyncTestDB(t)
	orch := newTestOrchestrator(t, db, "http://127.0.0.1:0", 100)
	if _, err := orch.SyncEntityType(context.Background(), "payments", Options{}); err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}

func TestSyncAll_ResolvesRelationshipsInOrder(t *testing.T) {
	db := newSyncTestDB(t)
	pp := newFakePP(t, func(path string, _ int, w http.ResponseWriter) {
		switch path {
		case "/api/v2/users":
			writeRecords(w, `{"id": "u-1", "display_name": "Jordan Lee"}`)
		case "/api/v2/contacts":
			writeRecords(w, `{"id": "c-1", "account_ref": {"id": "a-1"}, "display_name": "Dana Fox", "is_primary_contact": true}`)
		case "/api/v2/matters":
			writeRecords(w, `{"id": "m-1", "display_name": "Fox 1031", "status": "Open",
				"account_ref": {"id": "a-1"},
				"assigned_to_users": [{"id": "u-1"}]}`)
		case "/api/v2/tasks":
			writeRecords(w, `{"id": "t-1", "subject": "Open escrow", "matter_ref": {"id": "m-1"}}`)
		case "/api/v2/invoices":
			writeRecords(w, `{"id": "i-1", "matter_ref": {"id": "m-1"}, "total": 100}`)
		case "/api/v2/expenses":
			writeRecords(w, `{"id": "e-1", "matter_ref": {"id": "m-1"}, "amount": 50}`)
		default:
			writeRecords(w)
		}
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 100)

	results, err := orch.SyncAll(context.Background(), Options{TriggeredBy: "test"})
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(results) != len(EntityTypes()) {
		t.Fatalf("expected %d results, got %d", len(EntityTypes()), len(results))
	}
	for i, want := range EntityTypes() {
		if results[i].EntityType != want {
			t.Fatalf("result %d: got %s want %s", i, results[i].EntityType, want)
		}
		if results[i].Status != models.SyncStatusSuccess {
			t.Fatalf("%s: expected success, got %s (aborted: %s)", want, results[i].Status, results[i].Aborted)
		}
	}

	var contact models.Contact
	if err := db.First(&contact, "pp_contact_id = ?", "c-1").Error; err != nil {
		t.Fatal(err)
	}
	var user models.User
	if err := db.First(&user, "pp_user_id = ?", "u-1").Error; err != nil {
		t.Fatal(err)
	}

	var exchange models.Exchange
	if err := db.First(&exchange, "pp_matter_id = ?", "m-1").Error; err != nil {
		t.Fatal(err)
	}
	if exchange.ClientID == nil || *exchange.ClientID != contact.ID {
		t.Fatalf("exchange client not resolved: %v", exchange.ClientID)
	}
	if exchange.CoordinatorID == nil || *exchange.CoordinatorID != user.ID {
		t.Fatalf("exchange coordinator not resolved: %v", exchange.CoordinatorID)
	}

	var task models.Task
	if err := db.First(&task, "pp_task_id = ?", "t-1").Error; err != nil {
		t.Fatal(err)
	}
	if task.ExchangeID == nil || *task.ExchangeID != exchange.ID {
		t.Fatalf("task exchange not resolved: %v", task.ExchangeID)
	}

	var invoice models.Invoice
	if err := db.First(&invoice, "pp_invoice_id = ?", "i-1").Error; err != nil {
		t.Fatal(err)
	}
	if invoice.ExchangeID == nil || *invoice.ExchangeID != exchange.ID {
		t.Fatalf("invoice exchange not resolved: %v", invoice.ExchangeID)
	}
}

func TestSyncAll_PausedStopsChain(t *testing.T) {
	db := newSyncTestDB(t)
	pp := newFakePP(t, func(path string, _ int, w http.ResponseWriter) {
		writeRecords(w)
	})
	orch := newTestOrchestrator(t, db, pp.srv.URL, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := orch.SyncAll(ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the chain to stop after the first paused run, got %d results", len(results))
	}
	if results[0].Status != models.SyncStatusPaused {
		t.Fatalf("expected paused, got %s", results[0].Status)
	}
}
