package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service implements the invoice lifecycle and payment processing on top of
// the repositories. Every money-mutating operation runs inside a single
// transaction, so a failed validation leaves persisted state untouched.
type Service struct {
	settings SettingsRepository
	invoices InvoiceRepository
	payments PaymentRepository
	patients PatientDirectory
	tx       TxRunner
}

func NewService(settings SettingsRepository, invoices InvoiceRepository, payments PaymentRepository, patients PatientDirectory, tx TxRunner) *Service {
	return &Service{settings: settings, invoices: invoices, payments: payments, patients: patients, tx: tx}
}

// -- Settings --

func (s *Service) GetSettings(ctx context.Context) (*BillingSettings, error) {
	return s.settings.GetOrCreate(ctx)
}

func (s *Service) UpdateSettings(ctx context.Context, patch SettingsPatch) (*BillingSettings, error) {
	if patch.DefaultCurrency != nil {
		if !IsValidCurrency(*patch.DefaultCurrency) {
			return nil, validationErr("unsupported currency: %s", *patch.DefaultCurrency)
		}
		upper := strings.ToUpper(*patch.DefaultCurrency)
		patch.DefaultCurrency = &upper
	}
	if patch.InvoicePrefix != nil && strings.TrimSpace(*patch.InvoicePrefix) == "" {
		return nil, validationErr("invoice_prefix must not be empty")
	}
	if patch.PaymentTermsDays != nil && *patch.PaymentTermsDays <= 0 {
		return nil, validationErr("payment_terms_days must be positive")
	}
	return s.settings.Update(ctx, patch)
}

// -- Invoices --

// CreateInvoiceInput carries the caller-supplied fields for a new invoice.
type CreateInvoiceInput struct {
	PatientID         uuid.UUID      `json:"patient_id"`
	Currency          string         `json:"currency,omitempty"`
	Items             []*InvoiceItem `json:"items"`
	IssueDate         *time.Time     `json:"issue_date,omitempty"`
	DueDate           *time.Time     `json:"due_date,omitempty"`
	Notes             *string        `json:"notes,omitempty"`
	BillingAddress    *string        `json:"billing_address,omitempty"`
	RelatedEntityType *string        `json:"related_entity_type,omitempty"`
	RelatedEntityID   *uuid.UUID     `json:"related_entity_id,omitempty"`
}

func validateItems(items []*InvoiceItem) error {
	if len(items) == 0 {
		return validationErr("at least one line item is required")
	}
	for i, item := range items {
		if strings.TrimSpace(item.Description) == "" {
			return validationErr("item %d: description is required", i+1)
		}
		if item.Quantity.IsNegative() {
			return validationErr("item %d: quantity must not be negative", i+1)
		}
		if item.UnitPrice.IsNegative() {
			return validationErr("item %d: unit_price must not be negative", i+1)
		}
		if item.Discount.IsNegative() {
			return validationErr("item %d: discount must not be negative", i+1)
		}
		if item.TaxRate.IsNegative() || item.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
			return validationErr("item %d: tax_rate must be between 0 and 100", i+1)
		}
		qty := item.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		if item.Discount.GreaterThan(qty.Mul(item.UnitPrice)) {
			return validationErr("item %d: discount exceeds line subtotal", i+1)
		}
	}
	return nil
}

func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput, createdBy string) (*Invoice, error) {
	if in.PatientID == uuid.Nil {
		return nil, validationErr("patient_id is required")
	}
	exists, err := s.patients.PatientExists(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("patient lookup: %w", err)
	}
	if !exists {
		return nil, notFoundErr("patient not found")
	}
	if err := validateItems(in.Items); err != nil {
		return nil, err
	}
	if in.IssueDate != nil && in.DueDate != nil && in.DueDate.Before(*in.IssueDate) {
		return nil, validationErr("due_date must not precede issue_date")
	}

	var inv *Invoice
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		settings, err := s.settings.GetOrCreate(ctx)
		if err != nil {
			return err
		}

		currency := in.Currency
		if currency == "" {
			currency = settings.DefaultCurrency
		}
		if !IsValidCurrency(currency) {
			return validationErr("unsupported currency: %s", currency)
		}
		currency = strings.ToUpper(currency)

		totals := CalculateTotals(in.Items, currency)

		prefix, number, err := s.settings.NextInvoiceNumber(ctx)
		if err != nil {
			return err
		}

		issueDate := time.Now()
		if in.IssueDate != nil {
			issueDate = *in.IssueDate
		}
		dueDate := issueDate.AddDate(0, 0, settings.PaymentTermsDays)
		if in.DueDate != nil {
			dueDate = *in.DueDate
		}
		// Checked after defaulting so a lone past due_date is caught too.
		if dueDate.Before(issueDate) {
			return validationErr("due_date must not precede issue_date")
		}

		inv = &Invoice{
			PatientID:         in.PatientID,
			InvoiceNumber:     fmt.Sprintf("%s-%04d", prefix, number),
			Status:            StatusDraft,
			Currency:          currency,
			Subtotal:          totals.Subtotal,
			TaxAmount:         totals.TaxAmount,
			DiscountAmount:    totals.DiscountAmount,
			TotalAmount:       totals.TotalAmount,
			PaidAmount:        decimal.Zero,
			BalanceAmount:     totals.TotalAmount,
			IssueDate:         issueDate,
			DueDate:           dueDate,
			Notes:             in.Notes,
			BillingAddress:    in.BillingAddress,
			RelatedEntityType: in.RelatedEntityType,
			RelatedEntityID:   in.RelatedEntityID,
			CreatedBy:         createdBy,
		}
		return s.invoices.CreateWithItems(ctx, inv, in.Items)
	})
	if err != nil {
		return nil, err
	}
	inv.Items = in.Items
	return inv, nil
}

// GetInvoice returns the invoice with its items and payment ledger embedded.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Items, err = s.invoices.GetItems(ctx, id); err != nil {
		return nil, err
	}
	if inv.Payments, err = s.payments.ListByInvoice(ctx, id); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvoiceItems returns the invoice's line items without loading the
// payment ledger.
func (s *Service) GetInvoiceItems(ctx context.Context, id uuid.UUID) ([]*InvoiceItem, error) {
	if _, err := s.invoices.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.invoices.GetItems(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, filter InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	if filter.Status != "" && !validInvoiceStatuses[filter.Status] {
		return nil, 0, validationErr("invalid invoice status: %s", filter.Status)
	}
	return s.invoices.List(ctx, filter, limit, offset)
}

// UpdateInvoicePatch carries a partial invoice update. A non-nil Items slice
// replaces the entire item set; nil fields are left unchanged.
type UpdateInvoicePatch struct {
	Items          []*InvoiceItem `json:"items,omitempty"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	Notes          *string        `json:"notes,omitempty"`
	BillingAddress *string        `json:"billing_address,omitempty"`
}

func (s *Service) UpdateInvoice(ctx context.Context, id uuid.UUID, patch UpdateInvoicePatch) (*Invoice, error) {
	if patch.Items != nil {
		if err := validateItems(patch.Items); err != nil {
			return nil, err
		}
	}

	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Terminal() {
			return conflictErr("invoice %s is %s and cannot be modified", inv.InvoiceNumber, inv.Status)
		}

		if patch.Items != nil {
			totals := CalculateTotals(patch.Items, inv.Currency)
			newBalance := totals.TotalAmount.Sub(inv.PaidAmount)
			if newBalance.IsNegative() {
				return conflictErr("new total %s is below the amount already paid %s",
					totals.TotalAmount.StringFixed(MinorUnits(inv.Currency)),
					inv.PaidAmount.StringFixed(MinorUnits(inv.Currency)))
			}
			if err := s.invoices.ReplaceItems(ctx, id, patch.Items); err != nil {
				return err
			}
			inv.Subtotal = totals.Subtotal
			inv.TaxAmount = totals.TaxAmount
			inv.DiscountAmount = totals.DiscountAmount
			inv.TotalAmount = totals.TotalAmount
			inv.BalanceAmount = newBalance
			inv.Items = patch.Items
		}
		if patch.DueDate != nil {
			if patch.DueDate.Before(inv.IssueDate) {
				return validationErr("due_date must not precede issue_date")
			}
			inv.DueDate = *patch.DueDate
		}
		if patch.Notes != nil {
			inv.Notes = patch.Notes
		}
		if patch.BillingAddress != nil {
			inv.BillingAddress = patch.BillingAddress
		}
		return s.invoices.Update(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// SendInvoice transitions a draft invoice to sent. Payments are only accepted
// against sent invoices, so issuing is an explicit step rather than a side
// effect of the first payment.
func (s *Service) SendInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return conflictErr("invoice %s is %s; only draft invoices can be sent", inv.InvoiceNumber, inv.Status)
		}
		inv.Status = StatusSent
		return s.invoices.Update(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// CancelInvoice transitions a draft or sent invoice to cancelled.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Terminal() {
			return conflictErr("invoice %s is already %s", inv.InvoiceNumber, inv.Status)
		}
		inv.Status = StatusCancelled
		return s.invoices.Update(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// DeleteInvoice removes an invoice and its items. Paid invoices and invoices
// with recorded payments are protected: the payment ledger must never lose
// entries.
func (s *Service) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusPaid {
			return conflictErr("paid invoices cannot be deleted")
		}
		if inv.PaidAmount.IsPositive() {
			return conflictErr("invoice %s has recorded payments and cannot be deleted", inv.InvoiceNumber)
		}
		return s.invoices.Delete(ctx, id)
	})
}

// -- Payments --

// ApplyPaymentInput carries the caller-supplied fields for a new payment.
type ApplyPaymentInput struct {
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Currency      string          `json:"currency,omitempty"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	PaymentDate   *time.Time      `json:"payment_date,omitempty"`
	Notes         *string         `json:"notes,omitempty"`
}

// ApplyPayment records a payment against an invoice and updates the invoice's
// balance and status. The payment insert and the invoice update commit as one
// transaction with the invoice row locked, so concurrent payments against the
// same invoice serialize and can never jointly overpay.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID uuid.UUID, in ApplyPaymentInput, processedBy string) (*Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, validationErr("amount must be positive")
	}
	if !validPaymentMethods[in.Method] {
		return nil, validationErr("invalid payment method: %s", in.Method)
	}

	var payment *Payment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.GetByIDForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Terminal() {
			return conflictErr("invoice %s is %s and cannot accept payments", inv.InvoiceNumber, inv.Status)
		}
		if inv.Status == StatusDraft {
			return conflictErr("invoice %s has not been sent", inv.InvoiceNumber)
		}

		currency := in.Currency
		if currency == "" {
			currency = inv.Currency
		}
		if !IsValidCurrency(currency) {
			return validationErr("unsupported currency: %s", currency)
		}
		currency = strings.ToUpper(currency)
		if currency != inv.Currency {
			return validationErr("payment currency %s does not match invoice currency %s", currency, inv.Currency)
		}

		// Rounding happens before the positivity check so a sub-minor-unit
		// amount cannot slip into the ledger as a zero entry.
		amount := RoundMinor(in.Amount, currency)
		if !amount.IsPositive() {
			return validationErr("amount rounds to zero in %s", currency)
		}
		if amount.GreaterThan(inv.BalanceAmount) {
			return validationErr("amount %s exceeds outstanding balance %s",
				amount.StringFixed(MinorUnits(currency)),
				inv.BalanceAmount.StringFixed(MinorUnits(currency)))
		}

		paymentDate := time.Now()
		if in.PaymentDate != nil {
			paymentDate = *in.PaymentDate
		}

		payment = &Payment{
			InvoiceID:     invoiceID,
			Amount:        amount,
			Currency:      currency,
			Method:        in.Method,
			Status:        "completed",
			TransactionID: in.TransactionID,
			PaymentDate:   paymentDate,
			Notes:         in.Notes,
			ProcessedBy:   processedBy,
		}
		if err := s.payments.Create(ctx, payment); err != nil {
			return err
		}

		inv.PaidAmount = inv.PaidAmount.Add(amount)
		inv.BalanceAmount = inv.TotalAmount.Sub(inv.PaidAmount)
		if !inv.BalanceAmount.IsPositive() {
			inv.BalanceAmount = decimal.Zero
			inv.Status = StatusPaid
			now := time.Now()
			inv.PaidDate = &now
		}
		return s.invoices.Update(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.payments.GetByID(ctx, id)
}

// ListPayments returns payments, optionally scoped to one invoice.
func (s *Service) ListPayments(ctx context.Context, invoiceID *uuid.UUID, limit, offset int) ([]*Payment, int, error) {
	if invoiceID != nil {
		if _, err := s.invoices.GetByID(ctx, *invoiceID); err != nil {
			return nil, 0, err
		}
		payments, err := s.payments.ListByInvoice(ctx, *invoiceID)
		if err != nil {
			return nil, 0, err
		}
		return payments, len(payments), nil
	}
	return s.payments.List(ctx, limit, offset)
}
