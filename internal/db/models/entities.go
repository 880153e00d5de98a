package models

import "time"

// Business entities synchronized from PracticePanther. Each carries a unique
// external-id column (the upsert conflict key), the complete untransformed
// source record, and a last-sync timestamp. The sync engine never deletes rows.

// User is a PracticePanther staff user (exchange coordinators).
type User struct {
	ID           string `gorm:"primaryKey"` // UUID
	PPUserID     string `gorm:"uniqueIndex;column:pp_user_id"`
	Email        string
	FirstName    string
	LastName     string
	IsActive     bool   `gorm:"default:true"`
	PPRaw        string `gorm:"type:text"`
	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contact is a client-side person attached to a PP account.
type Contact struct {
	ID           string `gorm:"primaryKey"` // UUID
	PPContactID  string `gorm:"uniqueIndex;column:pp_contact_id"`
	PPAccountID  string `gorm:"index;column:pp_account_id"` // owning account reference
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	Company      string
	IsPrimary    bool
	PPRaw        string `gorm:"type:text"`
	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Exchange is a 1031 exchange case, synced from a PP matter.
type Exchange struct {
	ID               string `gorm:"primaryKey"` // UUID
	PPMatterID       string `gorm:"uniqueIndex;column:pp_matter_id"`
	Name             string
	Number           string
	Status           string
	ExchangeType     string
	ClientID         *string `gorm:"index"` // -> Contact.ID, resolved via account reference
	CoordinatorID    *string `gorm:"index"` // -> User.ID, resolved via assigned user
	PPAccountID      string  `gorm:"index;column:pp_account_id"`
	PPAssignedUserID string  `gorm:"column:pp_assigned_user_id"` // unresolved assigned-user reference
	PPRaw            string  `gorm:"type:text"`
	LastSyncedAt     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Task is a PP task, linked to its exchange via the matter reference.
type Task struct {
	ID           string  `gorm:"primaryKey"` // UUID
	PPTaskID     string  `gorm:"uniqueIndex;column:pp_task_id"`
	ExchangeID   *string `gorm:"index"` // -> Exchange.ID
	Title        string
	Description  string
	Status       string
	Priority     string
	DueDate      *time.Time
	PPMatterID   string `gorm:"index;column:pp_matter_id"` // unresolved matter reference
	PPRaw        string `gorm:"type:text"`
	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Invoice is a PP invoice, amounts kept in cents.
type Invoice struct {
	ID               string  `gorm:"primaryKey"` // UUID
	PPInvoiceID      string  `gorm:"uniqueIndex;column:pp_invoice_id"`
	ExchangeID       *string `gorm:"index"`
	IssueDate        *time.Time
	DueDate          *time.Time
	Total            int64
	TotalPaid        int64
	TotalOutstanding int64
	InvoiceType      string
	PPMatterID       string `gorm:"index;column:pp_matter_id"`
	PPRaw            string `gorm:"type:text"`
	LastSyncedAt     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expense is a PP expense line, amount kept in cents.
type Expense struct {
	ID           string  `gorm:"primaryKey"` // UUID
	PPExpenseID  string  `gorm:"uniqueIndex;column:pp_expense_id"`
	ExchangeID   *string `gorm:"index"`
	Description  string
	Amount       int64
	IsBillable   bool
	IsBilled     bool
	Date         *time.Time
	PPMatterID   string `gorm:"index;column:pp_matter_id"`
	PPRaw        string `gorm:"type:text"`
	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
