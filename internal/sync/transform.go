package sync

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/peak1031/ppsync/internal/db/models"
)

// Entity types accepted by the orchestrator, in dependency order.
const (
	EntityUsers    = "users"
	EntityContacts = "contacts"
	EntityMatters  = "matters"
	EntityTasks    = "tasks"
	EntityInvoices = "invoices"
	EntityExpenses = "expenses"
)

// Transformers are pure: one raw provider record in, one local record out.
// Missing fields get documented defaults, controlled vocabularies go through
// the finite maps below, and the untransformed source record is preserved
// verbatim on the row. Relationship resolution happens in the resolver, not
// here.

// Controlled-vocabulary translations with fallbacks for unrecognized input.
var (
	matterStatusMap = map[string]string{
		"open":      "active",
		"active":    "active",
		"closed":    "completed",
		"completed": "completed",
		"pending":   "pending",
	}

	taskStatusMap = map[string]string{
		"notcompleted": "pending",
		"inprogress":   "in_progress",
		"in_progress":  "in_progress",
		"completed":    "completed",
	}

	taskPriorityMap = map[string]string{
		"high":   "high",
		"normal": "medium",
		"medium": "medium",
		"low":    "low",
	}

	exchangeTypeMap = map[string]string{
		"delayed":      "delayed",
		"reverse":      "reverse",
		"improvement":  "improvement",
		"simultaneous": "simultaneous",
	}
)

const (
	defaultExchangeStatus = "pending"
	defaultTaskStatus     = "pending"
	defaultTaskPriority   = "medium"
	defaultExchangeType   = "delayed"
)

// ppID tolerates the provider sending ids as either strings or numbers.
type ppID string

func (p *ppID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = ppID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*p = ppID(n.String())
		return nil
	}
	return fmt.Errorf("unsupported id shape: %s", string(b))
}

type ppRef struct {
	ID          ppID   `json:"id"`
	DisplayName string `json:"display_name"`
}

type ppCustomField struct {
	CustomField ppRef  `json:"custom_field_ref"`
	ValueString string `json:"value_string"`
}

// TransformUser maps a PP user record to a local User row.
func TransformUser(raw json.RawMessage, syncedAt time.Time) (*models.User, error) {
	var src struct {
		ID          ppID   `json:"id"`
		DisplayName string `json:"display_name"`
		FirstName   string `json:"first_name"`
		LastName    string `json:"last_name"`
		Email       string `json:"email"`
		IsActive    *bool  `json:"is_active"`
	}
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	if src.ID == "" {
		return nil, fmt.Errorf("user record missing id")
	}

	first, last := src.FirstName, src.LastName
	if first == "" && last == "" {
		first, last = splitDisplayName(src.DisplayName)
	}

	active := true
	if src.IsActive != nil {
		active = *src.IsActive
	}

	return &models.User{
		PPUserID:     string(src.ID),
		Email:        src.Email,
		FirstName:    first,
		LastName:     last,
		IsActive:     active,
		PPRaw:        string(raw),
		LastSyncedAt: syncedAt,
	}, nil
}

// TransformContact maps a PP contact record to a local Contact row.
func TransformContact(raw json.RawMessage, syncedAt time.Time) (*models.Contact, error) {
	var src struct {
		ID               ppID   `json:"id"`
		AccountRef       ppRef  `json:"account_ref"`
		DisplayName      string `json:"display_name"`
		FirstName        string `json:"first_name"`
		LastName         string `json:"last_name"`
		Email            string `json:"email"`
		PhoneMobile      string `json:"phone_mobile"`
		PhoneWork        string `json:"phone_work"`
		PhoneHome        string `json:"phone_home"`
		Company          string `json:"company"`
		IsPrimaryContact bool   `json:"is_primary_contact"`
	}
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("parse contact: %w", err)
	}
	if src.ID == "" {
		return nil, fmt.Errorf("contact record missing id")
	}

	first, last := src.FirstName, src.LastName
	if first == "" && last == "" {
		first, last = splitDisplayName(src.DisplayName)
	}

	phone := src.PhoneMobile
	if phone == "" {
		phone = src.PhoneWork
	}
	if phone == "" {
		phone = src.PhoneHome
	}

	return &models.Contact{
		PPContactID:  string(src.ID),
		PPAccountID:  string(src.AccountRef.ID),
		FirstName:    first,
		LastName:     last,
		Email:        src.Email,
		Phone:        phone,
		Company:      src.Company,
		IsPrimary:    src.IsPrimaryContact,
		PPRaw:        string(raw),
		LastSyncedAt: syncedAt,
	}, nil
}

// TransformMatter maps a PP matter record to a local Exchange row. An unnamed
// matter gets a placeholder name derived from its external id.
func TransformMatter(raw json.RawMessage, syncedAt time.Time) (*models.Exchange, error) {
	var src struct {
		ID                ppID            `json:"id"`
		AccountRef        ppRef           `json:"account_ref"`
		Number            json.Number     `json:"number"`
		DisplayName       string          `json:"display_name"`
		Name              string          `json:"name"`
		Status            string          `json:"status"`
		AssignedToUsers   []ppRef         `json:"assigned_to_users"`
		CustomFieldValues []ppCustomField `json:"custom_field_values"`
	}
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("parse matter: %w", err)
	}
	if src.ID == "" {
		return nil, fmt.Errorf("matter record missing id")
	}

	name := src.DisplayName
	if name == "" {
		name = src.Name
	}
	if name == "" {
		name = "Exchange " + string(src.ID)
	}

	assignedUser := ""
	if len(src.AssignedToUsers) > 0 {
		assignedUser = string(src.AssignedToUsers[0].ID)
	}

	return &models.Exchange{
		PPMatterID:       string(src.ID),
		Name:             name,
		Number:           src.Number.String(),
		Status:           translate(matterStatusMap, src.Status, defaultExchangeStatus),
		ExchangeType:     exchangeTypeFromCustomFields(src.CustomFieldValues),
		PPAccountID:      string(src.AccountRef.ID),
		PPAssignedUserID: assignedUser,
		PPRaw:            string(raw),
		LastSyncedAt:     syncedAt,
	}, nil
}

// TransformTask maps a PP task record to a local Task row.
func TransformTask(raw json.RawMessage, syncedAt time.Time) (*models.Task, error) {
	var src struct {
		ID        ppID   `json:"id"`
		MatterRef ppRef  `json:"matter_ref"`
		Subject   string `json:"subject"`
		Notes     string `json:"notes"`
		Status    string `json:"status"`
		Priority  string `json:"priority"`
		DueDate   string `json:"due_date"`
	}
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	if src.ID == "" {
		return nil, fmt.Errorf("task record missing id")
	}

	title := src.Subject
	if title == "" {
		title = "Task " + string(src.ID)
	}

	return &models.Task{
		PPTaskID:     string(src.ID),
		Title:        title,
		Description:  src.Notes,
		Status:       translate(taskStatusMap, src.Status, defaultTaskStatus),
		Priority:     translate(taskPriorityMap, src.Priority, defaultTaskPriority),
		DueDate:      parsePPTime(src.DueDate),
		PPMatterID:   string(src.MatterRef.ID),
		PPRaw:        string(raw),
		LastSyncedAt: syncedAt,
	}, nil
}

// TransformInvoice maps a PP invoice record to a local Invoice row.
// Monetary amounts arrive as decimal dollars and are stored in cents.
func TransformInvoice(raw json.RawMessage, syncedAt time.Time) (*models.Invoice, error) {
	var src struct {
		ID               ppID    `json:"id"`
		MatterRef        ppRef   `json:"matter_ref"`
		IssueDate        string  `json:"issue_date"`
		DueDate          string  `json:"due_date"`
		Total            float64 `json:"total"`
		TotalPaid        float64 `json:"total_paid"`
		TotalOutstanding float64 `json:"total_outstanding"`
		InvoiceType      string  `json:"invoice_type"`
	}
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}
	if src.ID == "" {
		return nil, fmt.Errorf("invoice record missing id")
	}

	return &models.Invoice{
		PPInvoiceID:      string(src.ID),
		IssueDate:        parsePPTime(src.IssueDate),
		DueDate:          parsePPTime(src.DueDate),
		Total:            toCents(src.Total),
		TotalPaid:        toCents(src.TotalPaid),
		TotalOutstanding: toCents(src.TotalOutstanding),
		InvoiceType:      src.InvoiceType,
		PPMatterID:       string(src.MatterRef.ID),
		PPRaw:            string(raw),
		LastSyncedAt:     syncedAt,
	}, nil
}

// TransformExpense maps a PP expense record to a local Expense row.
func TransformExpense(raw json.RawMessage, syncedAt time.Time) (*models.Expense, error) {
	var src struct {
		ID          ppID    `json:"id"`
		MatterRef   ppRef   `json:"matter_ref"`
		Description string  `json:"description"`
		Amount      float64 `json:"amount"`
		IsBillable  bool    `json:"is_billable"`
		IsBilled    bool    `json:"is_billed"`
		Date        string  `json:"date"`
	}
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("parse expense: %w", err)
	}
	if src.ID == "" {
		return nil, fmt.Errorf("expense record missing id")
	}

	return &models.Expense{
		PPExpenseID:  string(src.ID),
		Description:  src.Description,
		Amount:       toCents(src.Amount),
		IsBillable:   src.IsBillable,
		IsBilled:     src.IsBilled,
		Date:         parsePPTime(src.Date),
		PPMatterID:   string(src.MatterRef.ID),
		PPRaw:        string(raw),
		LastSyncedAt: syncedAt,
	}, nil
}

// translate looks up a normalized vocabulary value, falling back instead of
// failing on unrecognized input.
func translate(vocab map[string]string, value, fallback string) string {
	key := strings.ToLower(strings.TrimSpace(value))
	if mapped, ok := vocab[key]; ok {
		return mapped
	}
	return fallback
}

// exchangeTypeFromCustomFields scans matter custom fields for an exchange
// type designation.
func exchangeTypeFromCustomFields(fields []ppCustomField) string {
	for _, f := range fields {
		if strings.EqualFold(strings.TrimSpace(f.CustomField.DisplayName), "exchange type") {
			return translate(exchangeTypeMap, f.ValueString, defaultExchangeType)
		}
	}
	return defaultExchangeType
}

func splitDisplayName(displayName string) (first, last string) {
	parts := strings.Fields(displayName)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

var ppTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parsePPTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range ppTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func toCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}
