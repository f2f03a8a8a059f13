package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice statuses. draft and sent are mutable; paid and cancelled are
// terminal.
const (
	StatusDraft     = "draft"
	StatusSent      = "sent"
	StatusPaid      = "paid"
	StatusCancelled = "cancelled"
)

var validInvoiceStatuses = map[string]bool{
	StatusDraft: true, StatusSent: true, StatusPaid: true, StatusCancelled: true,
}

var validPaymentMethods = map[string]bool{
	"cash": true, "card": true, "bank_transfer": true, "cheque": true,
	"insurance": true, "upi": true, "other": true,
}

// BillingSettings is the singleton configuration row. invoice_counter holds
// the next number to issue and is only ever advanced by the atomic sequencer
// update in the repository.
type BillingSettings struct {
	ID               int       `db:"id" json:"id"`
	DefaultCurrency  string    `db:"default_currency" json:"default_currency"`
	InvoicePrefix    string    `db:"invoice_prefix" json:"invoice_prefix"`
	InvoiceCounter   int       `db:"invoice_counter" json:"invoice_counter"`
	PaymentTermsDays int       `db:"payment_terms_days" json:"payment_terms_days"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// SettingsPatch carries a partial settings update; nil fields are left
// unchanged.
type SettingsPatch struct {
	DefaultCurrency  *string `json:"default_currency,omitempty"`
	InvoicePrefix    *string `json:"invoice_prefix,omitempty"`
	PaymentTermsDays *int    `json:"payment_terms_days,omitempty"`
}

// Invoice maps to the invoice table.
type Invoice struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	PatientID         uuid.UUID       `db:"patient_id" json:"patient_id"`
	InvoiceNumber     string          `db:"invoice_number" json:"invoice_number"`
	Status            string          `db:"status" json:"status"`
	Currency          string          `db:"currency" json:"currency"`
	Subtotal          decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxAmount         decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	DiscountAmount    decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount        decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	BalanceAmount     decimal.Decimal `db:"balance_amount" json:"balance_amount"`
	IssueDate         time.Time       `db:"issue_date" json:"issue_date"`
	DueDate           time.Time       `db:"due_date" json:"due_date"`
	PaidDate          *time.Time      `db:"paid_date" json:"paid_date,omitempty"`
	Notes             *string         `db:"notes" json:"notes,omitempty"`
	BillingAddress    *string         `db:"billing_address" json:"billing_address,omitempty"`
	RelatedEntityType *string         `db:"related_entity_type" json:"related_entity_type,omitempty"`
	RelatedEntityID   *uuid.UUID      `db:"related_entity_id" json:"related_entity_id,omitempty"`
	CreatedBy         string          `db:"created_by" json:"created_by"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`

	Items    []*InvoiceItem `db:"-" json:"items,omitempty"`
	Payments []*Payment     `db:"-" json:"payments,omitempty"`
}

// Terminal reports whether the invoice can no longer change.
func (inv *Invoice) Terminal() bool {
	return inv.Status == StatusPaid || inv.Status == StatusCancelled
}

// Overdue reports whether the invoice still carries a balance past its due
// date.
func (inv *Invoice) Overdue(now time.Time) bool {
	return !inv.Terminal() && inv.BalanceAmount.IsPositive() && now.After(inv.DueDate)
}

// DisplayTotal renders the total in the invoice's currency for list views.
func (inv *Invoice) DisplayTotal() string {
	return FormatAmount(inv.TotalAmount, inv.Currency)
}

// InvoiceItem maps to the invoice_item table. Items are owned by exactly one
// invoice and are replaced as a whole set on update, never patched singly.
type InvoiceItem struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Description string          `db:"description" json:"description"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	TaxRate     decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	Discount    decimal.Decimal `db:"discount" json:"discount"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
	ServiceCode *string         `db:"service_code" json:"service_code,omitempty"`
	Category    *string         `db:"category" json:"category,omitempty"`
}

// Payment maps to the payment table. A payment is a ledger entry: created
// once, never updated or deleted. No update or delete path exists in the
// repository.
type Payment struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	InvoiceID     uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Currency      string          `db:"currency" json:"currency"`
	Method        string          `db:"method" json:"method"`
	Status        string          `db:"status" json:"status"`
	TransactionID *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	PaymentDate   time.Time       `db:"payment_date" json:"payment_date"`
	Notes         *string         `db:"notes" json:"notes,omitempty"`
	ProcessedBy   string          `db:"processed_by" json:"processed_by"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// InvoiceFilter narrows ListInvoices results. Zero values mean "any".
type InvoiceFilter struct {
	PatientID  *uuid.UUID
	Status     string
	Currency   string
	IssuedFrom *time.Time
	IssuedTo   *time.Time
}
