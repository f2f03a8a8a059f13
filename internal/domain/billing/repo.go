package billing

import (
	"context"

	"github.com/google/uuid"
)

// SettingsRepository persists the singleton billing configuration row.
type SettingsRepository interface {
	GetOrCreate(ctx context.Context) (*BillingSettings, error)
	Update(ctx context.Context, patch SettingsPatch) (*BillingSettings, error)
	// NextInvoiceNumber advances the shared counter and returns the prefix
	// and the allocated value in a single atomic operation. Implementations
	// must guarantee distinct results under concurrent callers.
	NextInvoiceNumber(ctx context.Context) (prefix string, number int, err error)
}

type InvoiceRepository interface {
	// CreateWithItems persists the invoice and its items as one unit.
	CreateWithItems(ctx context.Context, inv *Invoice, items []*InvoiceItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetByIDForUpdate locks the invoice row for the duration of the
	// surrounding transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error)
	// ReplaceItems deletes the invoice's item set and inserts the new one.
	ReplaceItems(ctx context.Context, invoiceID uuid.UUID, items []*InvoiceItem) error
	Update(ctx context.Context, inv *Invoice) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter InvoiceFilter, limit, offset int) ([]*Invoice, int, error)
}

// PaymentRepository is append-only: payments are ledger entries with no
// update or delete operations.
type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	List(ctx context.Context, limit, offset int) ([]*Payment, int, error)
}

// TxRunner runs fn inside a single storage transaction; repository calls made
// with the ctx it passes join that transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PatientDirectory is the external patient service consulted before issuing
// an invoice.
type PatientDirectory interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
}
