package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careledger/careledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== TxRunner ===========

type pgTxRunner struct{ pool *pgxpool.Pool }

func NewTxRunnerPG(pool *pgxpool.Pool) TxRunner { return &pgTxRunner{pool: pool} }

func (r *pgTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

// =========== Settings Repository ===========

type settingsRepoPG struct{ pool *pgxpool.Pool }

func NewSettingsRepoPG(pool *pgxpool.Pool) SettingsRepository {
	return &settingsRepoPG{pool: pool}
}

const settingsCols = `id, default_currency, invoice_prefix, invoice_counter,
	payment_terms_days, created_at, updated_at`

func (r *settingsRepoPG) scanSettings(row pgx.Row) (*BillingSettings, error) {
	var s BillingSettings
	err := row.Scan(&s.ID, &s.DefaultCurrency, &s.InvoicePrefix, &s.InvoiceCounter,
		&s.PaymentTermsDays, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *settingsRepoPG) GetOrCreate(ctx context.Context) (*BillingSettings, error) {
	q := conn(ctx, r.pool)
	// Column defaults carry the documented defaults (USD, INV, 1, 30).
	if _, err := q.Exec(ctx,
		`INSERT INTO billing_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, fmt.Errorf("ensure settings row: %w", err)
	}
	return r.scanSettings(q.QueryRow(ctx,
		`SELECT `+settingsCols+` FROM billing_settings WHERE id = 1`))
}

func (r *settingsRepoPG) Update(ctx context.Context, patch SettingsPatch) (*BillingSettings, error) {
	if _, err := r.GetOrCreate(ctx); err != nil {
		return nil, err
	}
	return r.scanSettings(conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE billing_settings SET
			default_currency   = COALESCE($1, default_currency),
			invoice_prefix     = COALESCE($2, invoice_prefix),
			payment_terms_days = COALESCE($3, payment_terms_days),
			updated_at         = NOW()
		WHERE id = 1
		RETURNING `+settingsCols,
		patch.DefaultCurrency, patch.InvoicePrefix, patch.PaymentTermsDays))
}

// NextInvoiceNumber advances the shared counter in a single UPDATE ...
// RETURNING statement, so concurrent invoice creations can never observe the
// same value. The read-then-write pattern is deliberately absent.
func (r *settingsRepoPG) NextInvoiceNumber(ctx context.Context) (string, int, error) {
	if _, err := r.GetOrCreate(ctx); err != nil {
		return "", 0, err
	}
	var prefix string
	var number int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE billing_settings
		SET invoice_counter = invoice_counter + 1, updated_at = NOW()
		WHERE id = 1
		RETURNING invoice_prefix, invoice_counter - 1`).Scan(&prefix, &number)
	if err != nil {
		return "", 0, fmt.Errorf("allocate invoice number: %w", err)
	}
	return prefix, number, nil
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository {
	return &invoiceRepoPG{pool: pool}
}

const invoiceCols = `id, patient_id, invoice_number, status, currency,
	subtotal, tax_amount, discount_amount, total_amount, paid_amount, balance_amount,
	issue_date, due_date, paid_date, notes, billing_address,
	related_entity_type, related_entity_id, created_by, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.PatientID, &inv.InvoiceNumber, &inv.Status, &inv.Currency,
		&inv.Subtotal, &inv.TaxAmount, &inv.DiscountAmount, &inv.TotalAmount, &inv.PaidAmount, &inv.BalanceAmount,
		&inv.IssueDate, &inv.DueDate, &inv.PaidDate, &inv.Notes, &inv.BillingAddress,
		&inv.RelatedEntityType, &inv.RelatedEntityID, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundErr("invoice not found")
	}
	return &inv, err
}

func (r *invoiceRepoPG) CreateWithItems(ctx context.Context, inv *Invoice, items []*InvoiceItem) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		inv.ID = uuid.New()
		_, err := q.Exec(ctx, `
			INSERT INTO invoice (id, patient_id, invoice_number, status, currency,
				subtotal, tax_amount, discount_amount, total_amount, paid_amount, balance_amount,
				issue_date, due_date, notes, billing_address,
				related_entity_type, related_entity_id, created_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			inv.ID, inv.PatientID, inv.InvoiceNumber, inv.Status, inv.Currency,
			inv.Subtotal, inv.TaxAmount, inv.DiscountAmount, inv.TotalAmount, inv.PaidAmount, inv.BalanceAmount,
			inv.IssueDate, inv.DueDate, inv.Notes, inv.BillingAddress,
			inv.RelatedEntityType, inv.RelatedEntityID, inv.CreatedBy)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		return insertItems(ctx, q, inv.ID, items)
	})
}

func insertItems(ctx context.Context, q queryable, invoiceID uuid.UUID, items []*InvoiceItem) error {
	for _, item := range items {
		item.ID = uuid.New()
		item.InvoiceID = invoiceID
		_, err := q.Exec(ctx, `
			INSERT INTO invoice_item (id, invoice_id, description, quantity, unit_price,
				tax_rate, discount, total_amount, service_code, category)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			item.ID, item.InvoiceID, item.Description, item.Quantity, item.UnitPrice,
			item.TaxRate, item.Discount, item.TotalAmount, item.ServiceCode, item.Category)
		if err != nil {
			return fmt.Errorf("insert invoice item: %w", err)
		}
	}
	return nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id))
}

func (r *invoiceRepoPG) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id))
}

const itemCols = `id, invoice_id, description, quantity, unit_price,
	tax_rate, discount, total_amount, service_code, category`

func (r *invoiceRepoPG) GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+itemCols+` FROM invoice_item WHERE invoice_id = $1 ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InvoiceItem
	for rows.Next() {
		var item InvoiceItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.Quantity, &item.UnitPrice,
			&item.TaxRate, &item.Discount, &item.TotalAmount, &item.ServiceCode, &item.Category); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// ReplaceItems swaps the invoice's entire item set. Callers run it inside a
// transaction together with the totals update, so a failure between delete
// and insert never leaves an invoice without items.
func (r *invoiceRepoPG) ReplaceItems(ctx context.Context, invoiceID uuid.UUID, items []*InvoiceItem) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		if _, err := q.Exec(ctx, `DELETE FROM invoice_item WHERE invoice_id = $1`, invoiceID); err != nil {
			return fmt.Errorf("delete invoice items: %w", err)
		}
		return insertItems(ctx, q, invoiceID, items)
	})
}

func (r *invoiceRepoPG) Update(ctx context.Context, inv *Invoice) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE invoice SET status=$2, currency=$3,
			subtotal=$4, tax_amount=$5, discount_amount=$6, total_amount=$7,
			paid_amount=$8, balance_amount=$9,
			issue_date=$10, due_date=$11, paid_date=$12,
			notes=$13, billing_address=$14, updated_at=NOW()
		WHERE id = $1`,
		inv.ID, inv.Status, inv.Currency,
		inv.Subtotal, inv.TaxAmount, inv.DiscountAmount, inv.TotalAmount,
		inv.PaidAmount, inv.BalanceAmount,
		inv.IssueDate, inv.DueDate, inv.PaidDate,
		inv.Notes, inv.BillingAddress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr("invoice not found")
	}
	return nil
}

func (r *invoiceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	// invoice_item and payment rows go with the invoice via FK cascade.
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM invoice WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr("invoice not found")
	}
	return nil
}

func (r *invoiceRepoPG) List(ctx context.Context, filter InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.PatientID != nil {
		add("patient_id = $%d", *filter.PatientID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Currency != "" {
		add("currency = $%d", strings.ToUpper(filter.Currency))
	}
	if filter.IssuedFrom != nil {
		add("issue_date >= $%d", *filter.IssuedFrom)
	}
	if filter.IssuedTo != nil {
		add("issue_date <= $%d", *filter.IssuedTo)
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM invoice`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM invoice%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		invoiceCols, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepoPG{pool: pool}
}

const paymentCols = `id, invoice_id, amount, currency, method, status,
	transaction_id, payment_date, notes, processed_by, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Currency, &p.Method, &p.Status,
		&p.TransactionID, &p.PaymentDate, &p.Notes, &p.ProcessedBy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundErr("payment not found")
	}
	return &p, err
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	p.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO payment (id, invoice_id, amount, currency, method, status,
			transaction_id, payment_date, notes, processed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.InvoiceID, p.Amount, p.Currency, p.Method, p.Status,
		p.TransactionID, p.PaymentDate, p.Notes, p.ProcessedBy)
	return err
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payment WHERE id = $1`, id))
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+paymentCols+` FROM payment WHERE invoice_id = $1 ORDER BY payment_date, created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *paymentRepoPG) List(ctx context.Context, limit, offset int) ([]*Payment, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM payment`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx,
		`SELECT `+paymentCols+` FROM payment ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		payments = append(payments, p)
	}
	return payments, total, rows.Err()
}

// =========== Patient Directory ===========

type patientDirectoryPG struct{ pool *pgxpool.Pool }

// NewPatientDirectoryPG checks patient existence against the shared patient
// table owned by the records service.
func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory {
	return &patientDirectoryPG{pool: pool}
}

func (r *patientDirectoryPG) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}
