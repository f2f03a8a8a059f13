package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -- Mocks --

type mockSettingsRepo struct {
	mu       sync.Mutex
	settings BillingSettings
}

func newMockSettingsRepo() *mockSettingsRepo {
	return &mockSettingsRepo{settings: BillingSettings{
		ID:               1,
		DefaultCurrency:  "USD",
		InvoicePrefix:    "INV",
		InvoiceCounter:   1,
		PaymentTermsDays: 30,
	}}
}

func (m *mockSettingsRepo) GetOrCreate(ctx context.Context) (*BillingSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settings
	return &s, nil
}

func (m *mockSettingsRepo) Update(ctx context.Context, patch SettingsPatch) (*BillingSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patch.DefaultCurrency != nil {
		m.settings.DefaultCurrency = *patch.DefaultCurrency
	}
	if patch.InvoicePrefix != nil {
		m.settings.InvoicePrefix = *patch.InvoicePrefix
	}
	if patch.PaymentTermsDays != nil {
		m.settings.PaymentTermsDays = *patch.PaymentTermsDays
	}
	s := m.settings
	return &s, nil
}

func (m *mockSettingsRepo) NextInvoiceNumber(ctx context.Context) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.settings.InvoiceCounter
	m.settings.InvoiceCounter++
	return m.settings.InvoicePrefix, n, nil
}

type mockInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	items    map[uuid.UUID][]*InvoiceItem
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		items:    make(map[uuid.UUID][]*InvoiceItem),
	}
}

func (m *mockInvoiceRepo) CreateWithItems(ctx context.Context, inv *Invoice, items []*InvoiceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.ID = uuid.New()
	for _, item := range items {
		item.ID = uuid.New()
		item.InvoiceID = inv.ID
	}
	stored := *inv
	m.invoices[inv.ID] = &stored
	m.items[inv.ID] = items
	return nil
}

func (m *mockInvoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, notFoundErr("invoice not found")
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvoiceRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return m.GetByID(ctx, id)
}

func (m *mockInvoiceRepo) GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[invoiceID], nil
}

func (m *mockInvoiceRepo) ReplaceItems(ctx context.Context, invoiceID uuid.UUID, items []*InvoiceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		item.ID = uuid.New()
		item.InvoiceID = invoiceID
	}
	m.items[invoiceID] = items
	return nil
}

func (m *mockInvoiceRepo) Update(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; !ok {
		return notFoundErr("invoice not found")
	}
	stored := *inv
	m.invoices[inv.ID] = &stored
	return nil
}

func (m *mockInvoiceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[id]; !ok {
		return notFoundErr("invoice not found")
	}
	delete(m.invoices, id)
	delete(m.items, id)
	return nil
}

func (m *mockInvoiceRepo) List(ctx context.Context, filter InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Invoice
	for _, inv := range m.invoices {
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		if filter.PatientID != nil && inv.PatientID != *filter.PatientID {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	return out, len(out), nil
}

type mockPaymentRepo struct {
	mu       sync.Mutex
	payments []*Payment
}

func (m *mockPaymentRepo) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	cp := *p
	m.payments = append(m.payments, &cp)
	return nil
}

func (m *mockPaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, notFoundErr("payment not found")
}

func (m *mockPaymentRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPaymentRepo) List(ctx context.Context, limit, offset int) ([]*Payment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		cp := *p
		out = append(out, &cp)
	}
	return out, len(out), nil
}

type mockPatientDirectory struct {
	known map[uuid.UUID]bool
}

func (m *mockPatientDirectory) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return m.known[id], nil
}

// mockTxRunner has no transaction to manage; it just invokes fn.
type mockTxRunner struct{}

func (mockTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type testEnv struct {
	svc       *Service
	settings  *mockSettingsRepo
	invoices  *mockInvoiceRepo
	payments  *mockPaymentRepo
	patientID uuid.UUID
}

func newTestEnv() *testEnv {
	settings := newMockSettingsRepo()
	invoices := newMockInvoiceRepo()
	payments := &mockPaymentRepo{}
	patientID := uuid.New()
	patients := &mockPatientDirectory{known: map[uuid.UUID]bool{patientID: true}}
	svc := NewService(settings, invoices, payments, patients, mockTxRunner{})
	return &testEnv{svc: svc, settings: settings, invoices: invoices, payments: payments, patientID: patientID}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func standardItems() []*InvoiceItem {
	return []*InvoiceItem{{
		Description: "Consultation",
		Quantity:    dec("2"),
		UnitPrice:   dec("100"),
		TaxRate:     dec("10"),
	}}
}

func (e *testEnv) createInvoice(t *testing.T, items []*InvoiceItem) *Invoice {
	t.Helper()
	inv, err := e.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: e.patientID,
		Items:     items,
	}, "tester")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	return inv
}

func (e *testEnv) createSentInvoice(t *testing.T, items []*InvoiceItem) *Invoice {
	t.Helper()
	inv := e.createInvoice(t, items)
	sent, err := e.svc.SendInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("SendInvoice: %v", err)
	}
	return sent
}

// -- Invoice creation --

func TestCreateInvoiceTotals(t *testing.T) {
	env := newTestEnv()
	inv := env.createInvoice(t, standardItems())

	if inv.InvoiceNumber != "INV-0001" {
		t.Errorf("invoice number = %q, want INV-0001", inv.InvoiceNumber)
	}
	if inv.Status != StatusDraft {
		t.Errorf("status = %q, want draft", inv.Status)
	}
	if !inv.Subtotal.Equal(dec("200")) {
		t.Errorf("subtotal = %s, want 200", inv.Subtotal)
	}
	if !inv.TaxAmount.Equal(dec("20")) {
		t.Errorf("tax = %s, want 20", inv.TaxAmount)
	}
	if !inv.DiscountAmount.Equal(decimal.Zero) {
		t.Errorf("discount = %s, want 0", inv.DiscountAmount)
	}
	if !inv.TotalAmount.Equal(dec("220")) {
		t.Errorf("total = %s, want 220", inv.TotalAmount)
	}
	if !inv.BalanceAmount.Equal(dec("220")) {
		t.Errorf("balance = %s, want 220", inv.BalanceAmount)
	}
	if !inv.PaidAmount.Equal(decimal.Zero) {
		t.Errorf("paid = %s, want 0", inv.PaidAmount)
	}
}

func TestCreateInvoiceSequentialNumbers(t *testing.T) {
	env := newTestEnv()
	first := env.createInvoice(t, standardItems())
	second := env.createInvoice(t, standardItems())

	if first.InvoiceNumber != "INV-0001" || second.InvoiceNumber != "INV-0002" {
		t.Errorf("numbers = %q, %q; want INV-0001, INV-0002", first.InvoiceNumber, second.InvoiceNumber)
	}
}

func TestCreateInvoiceConcurrentNumbersDistinct(t *testing.T) {
	env := newTestEnv()
	const n = 50

	var wg sync.WaitGroup
	numbers := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
				PatientID: env.patientID,
				Items:     standardItems(),
			}, "tester")
			if err != nil {
				t.Errorf("CreateInvoice: %v", err)
				return
			}
			numbers <- inv.InvoiceNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for num := range numbers {
		if seen[num] {
			t.Fatalf("duplicate invoice number issued: %s", num)
		}
		seen[num] = true
	}
	if len(seen) != n {
		t.Errorf("issued %d distinct numbers, want %d", len(seen), n)
	}
}

func TestCreateInvoiceDefaultDueDate(t *testing.T) {
	env := newTestEnv()
	issue := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inv, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: env.patientID,
		Items:     standardItems(),
		IssueDate: &issue,
	}, "tester")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	want := issue.AddDate(0, 0, 30)
	if !inv.DueDate.Equal(want) {
		t.Errorf("due date = %v, want %v", inv.DueDate, want)
	}
}

func TestCreateInvoiceZeroQuantityPricedAsOne(t *testing.T) {
	env := newTestEnv()
	inv := env.createInvoice(t, []*InvoiceItem{{
		Description: "Flat fee",
		UnitPrice:   dec("50"),
	}})
	if !inv.TotalAmount.Equal(dec("50")) {
		t.Errorf("total = %s, want 50", inv.TotalAmount)
	}
	if !inv.Items[0].Quantity.Equal(dec("1")) {
		t.Errorf("quantity = %s, want 1", inv.Items[0].Quantity)
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInvoiceInput
	}{
		{"missing patient", CreateInvoiceInput{Items: standardItems()}},
		{"no items", CreateInvoiceInput{PatientID: env.patientID}},
		{"blank description", CreateInvoiceInput{PatientID: env.patientID, Items: []*InvoiceItem{{Description: "  ", UnitPrice: dec("10")}}}},
		{"negative price", CreateInvoiceInput{PatientID: env.patientID, Items: []*InvoiceItem{{Description: "x", UnitPrice: dec("-1")}}}},
		{"negative quantity", CreateInvoiceInput{PatientID: env.patientID, Items: []*InvoiceItem{{Description: "x", Quantity: dec("-1"), UnitPrice: dec("1")}}}},
		{"tax rate above 100", CreateInvoiceInput{PatientID: env.patientID, Items: []*InvoiceItem{{Description: "x", UnitPrice: dec("1"), TaxRate: dec("101")}}}},
		{"discount exceeds line", CreateInvoiceInput{PatientID: env.patientID, Items: []*InvoiceItem{{Description: "x", UnitPrice: dec("10"), Discount: dec("11")}}}},
		{"unsupported currency", CreateInvoiceInput{PatientID: env.patientID, Currency: "XYZ", Items: standardItems()}},
	}
	for _, tc := range cases {
		_, err := env.svc.CreateInvoice(ctx, tc.in, "tester")
		if !IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestCreateInvoiceUnknownPatient(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: uuid.New(),
		Items:     standardItems(),
	}, "tester")
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestCreateInvoiceDueBeforeIssueRejected(t *testing.T) {
	env := newTestEnv()
	issue := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	due := issue.AddDate(0, 0, -1)
	_, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: env.patientID,
		Items:     standardItems(),
		IssueDate: &issue,
		DueDate:   &due,
	}, "tester")
	if !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCreateInvoicePastDueDateRejected(t *testing.T) {
	env := newTestEnv()
	// Only due_date supplied; issue_date defaults to now, which the past
	// due_date precedes.
	due := time.Now().AddDate(0, 0, -7)
	_, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: env.patientID,
		Items:     standardItems(),
		DueDate:   &due,
	}, "tester")
	if !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// -- Lifecycle --

func TestSendInvoice(t *testing.T) {
	env := newTestEnv()
	inv := env.createInvoice(t, standardItems())

	sent, err := env.svc.SendInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("SendInvoice: %v", err)
	}
	if sent.Status != StatusSent {
		t.Errorf("status = %q, want sent", sent.Status)
	}

	if _, err := env.svc.SendInvoice(context.Background(), inv.ID); !IsConflict(err) {
		t.Errorf("re-send: expected conflict, got %v", err)
	}
}

func TestCancelInvoice(t *testing.T) {
	env := newTestEnv()
	inv := env.createSentInvoice(t, standardItems())

	cancelled, err := env.svc.CancelInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("CancelInvoice: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	if _, err := env.svc.CancelInvoice(context.Background(), inv.ID); !IsConflict(err) {
		t.Errorf("re-cancel: expected conflict, got %v", err)
	}
}

func TestUpdateInvoiceReplacesItems(t *testing.T) {
	env := newTestEnv()
	inv := env.createInvoice(t, standardItems())

	updated, err := env.svc.UpdateInvoice(context.Background(), inv.ID, UpdateInvoicePatch{
		Items: []*InvoiceItem{{
			Description: "Lab panel",
			Quantity:    dec("1"),
			UnitPrice:   dec("80"),
			TaxRate:     dec("5"),
		}},
	})
	if err != nil {
		t.Fatalf("UpdateInvoice: %v", err)
	}
	if !updated.Subtotal.Equal(dec("80")) {
		t.Errorf("subtotal = %s, want 80", updated.Subtotal)
	}
	if !updated.TotalAmount.Equal(dec("84")) {
		t.Errorf("total = %s, want 84", updated.TotalAmount)
	}
	if !updated.BalanceAmount.Equal(dec("84")) {
		t.Errorf("balance = %s, want 84", updated.BalanceAmount)
	}

	items, err := env.invoices.GetItems(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetItems: %v", err)
	}
	if len(items) != 1 || items[0].Description != "Lab panel" {
		t.Errorf("stored items not replaced: %+v", items)
	}
}

func TestUpdateInvoiceBelowPaidAmountConflict(t *testing.T) {
	env := newTestEnv()
	inv := env.createSentInvoice(t, standardItems())

	if _, err := env.svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentInput{
		Amount: dec("100"),
		Method: "card",
	}, "tester"); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}

	_, err := env.svc.UpdateInvoice(context.Background(), inv.ID, UpdateInvoicePatch{
		Items: []*InvoiceItem{{
			Description: "Reduced",
			Quantity:    dec("1"),
			UnitPrice:   dec("50"),
		}},
	})
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// The stored invoice must be untouched.
	stored, _ := env.invoices.GetByID(context.Background(), inv.ID)
	if !stored.TotalAmount.Equal(dec("220")) {
		t.Errorf("total after rejected update = %s, want 220", stored.TotalAmount)
	}
	items, _ := env.invoices.GetItems(context.Background(), inv.ID)
	if len(items) != 1 || items[0].Description != "Consultation" {
		t.Errorf("items mutated by rejected update: %+v", items)
	}
}

func TestUpdateTerminalInvoiceConflict(t *testing.T) {
	env := newTestEnv()
	inv := env.createSentInvoice(t, standardItems())
	if _, err := env.svc.CancelInvoice(context.Background(), inv.ID); err != nil {
		t.Fatalf("CancelInvoice: %v", err)
	}

	note := "late note"
	_, err := env.svc.UpdateInvoice(context.Background(), inv.ID, UpdateInvoicePatch{Notes: &note})
	if !IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestDeleteInvoice(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	draft := env.createInvoice(t, standardItems())
	if err := env.svc.DeleteInvoice(ctx, draft.ID); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := env.svc.GetInvoice(ctx, draft.ID); !IsNotFound(err) {
		t.Errorf("deleted invoice still retrievable: %v", err)
	}

	partPaid := env.createSentInvoice(t, standardItems())
	if _, err := env.svc.ApplyPayment(ctx, partPaid.ID, ApplyPaymentInput{Amount: dec("50"), Method: "cash"}, "tester"); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if err := env.svc.DeleteInvoice(ctx, partPaid.ID); !IsConflict(err) {
		t.Errorf("delete with payments: expected conflict, got %v", err)
	}

	paid := env.createSentInvoice(t, standardItems())
	if _, err := env.svc.ApplyPayment(ctx, paid.ID, ApplyPaymentInput{Amount: dec("220"), Method: "cash"}, "tester"); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if err := env.svc.DeleteInvoice(ctx, paid.ID); !IsConflict(err) {
		t.Errorf("delete paid: expected conflict, got %v", err)
	}
}

// -- Payments --

func TestApplyPaymentFullSettlement(t *testing.T) {
	env := newTestEnv()
	inv := env.createSentInvoice(t, standardItems())

	payment, err := env.svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentInput{
		Amount: dec("220"),
		Method: "card",
	}, "tester")
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if payment.Status != "completed" {
		t.Errorf("payment status = %q, want completed", payment.Status)
	}

	stored, _ := env.invoices.GetByID(context.Background(), inv.ID)
	if stored.Status != StatusPaid {
		t.Errorf("invoice status = %q, want paid", stored.Status)
	}
	if !stored.BalanceAmount.IsZero() {
		t.Errorf("balance = %s, want 0", stored.BalanceAmount)
	}
	if stored.PaidDate == nil {
		t.Error("paid date not set")
	}
}

func TestApplyPaymentPartialThenOverpayRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.createSentInvoice(t, standardItems())

	if _, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{Amount: dec("100"), Method: "cash"}, "tester"); err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	stored, _ := env.invoices.GetByID(ctx, inv.ID)
	if stored.Status != StatusSent {
		t.Errorf("status after partial = %q, want sent", stored.Status)
	}
	if !stored.BalanceAmount.Equal(dec("120")) {
		t.Errorf("balance after partial = %s, want 120", stored.BalanceAmount)
	}

	_, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{Amount: dec("121"), Method: "cash"}, "tester")
	if !IsValidation(err) {
		t.Fatalf("overpay: expected validation error, got %v", err)
	}

	// Rejected overpayment must leave the ledger and invoice untouched.
	stored, _ = env.invoices.GetByID(ctx, inv.ID)
	if !stored.PaidAmount.Equal(dec("100")) {
		t.Errorf("paid after rejected overpay = %s, want 100", stored.PaidAmount)
	}
	payments, _ := env.payments.ListByInvoice(ctx, inv.ID)
	if len(payments) != 1 {
		t.Errorf("ledger has %d entries, want 1", len(payments))
	}
}

func TestApplyPaymentDraftRejected(t *testing.T) {
	env := newTestEnv()
	inv := env.createInvoice(t, standardItems())

	_, err := env.svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentInput{
		Amount: dec("220"),
		Method: "cash",
	}, "tester")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestApplyPaymentTerminalRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.createSentInvoice(t, standardItems())
	if _, err := env.svc.CancelInvoice(ctx, inv.ID); err != nil {
		t.Fatalf("CancelInvoice: %v", err)
	}

	_, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{Amount: dec("10"), Method: "cash"}, "tester")
	if !IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestApplyPaymentInputValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.createSentInvoice(t, standardItems())

	if _, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{Amount: decimal.Zero, Method: "cash"}, "t"); !IsValidation(err) {
		t.Errorf("zero amount: expected validation error, got %v", err)
	}
	if _, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{Amount: dec("-5"), Method: "cash"}, "t"); !IsValidation(err) {
		t.Errorf("negative amount: expected validation error, got %v", err)
	}
	if _, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{Amount: dec("10"), Method: "barter"}, "t"); !IsValidation(err) {
		t.Errorf("invalid method: expected validation error, got %v", err)
	}
	if _, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{Amount: dec("10"), Method: "cash", Currency: "EUR"}, "t"); !IsValidation(err) {
		t.Errorf("currency mismatch: expected validation error, got %v", err)
	}
}

func TestApplyPaymentSubMinorUnitRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.createSentInvoice(t, standardItems())

	// 0.004 USD is positive but rounds to 0.00; it must be rejected, not
	// recorded as a zero-amount ledger entry.
	_, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{
		Amount: dec("0.004"),
		Method: "cash",
	}, "tester")
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	payments, _ := env.payments.ListByInvoice(ctx, inv.ID)
	if len(payments) != 0 {
		t.Errorf("ledger has %d entries, want 0", len(payments))
	}
	stored, _ := env.invoices.GetByID(ctx, inv.ID)
	if !stored.PaidAmount.IsZero() {
		t.Errorf("paid = %s, want 0", stored.PaidAmount)
	}
}

func TestApplyPaymentRoundsToMinorUnits(t *testing.T) {
	env := newTestEnv()
	inv := env.createSentInvoice(t, standardItems())

	payment, err := env.svc.ApplyPayment(context.Background(), inv.ID, ApplyPaymentInput{
		Amount: dec("10.005"),
		Method: "cash",
	}, "tester")
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if !payment.Amount.Equal(dec("10.01")) {
		t.Errorf("amount = %s, want 10.01", payment.Amount)
	}
}

// -- Queries --

func TestGetInvoiceEmbedsItemsAndPayments(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.createSentInvoice(t, standardItems())
	if _, err := env.svc.ApplyPayment(ctx, inv.ID, ApplyPaymentInput{Amount: dec("50"), Method: "upi"}, "tester"); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}

	got, err := env.svc.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if len(got.Items) != 1 {
		t.Errorf("items = %d, want 1", len(got.Items))
	}
	if len(got.Payments) != 1 {
		t.Errorf("payments = %d, want 1", len(got.Payments))
	}
}

func TestGetInvoiceItems(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.createInvoice(t, standardItems())

	items, err := env.svc.GetInvoiceItems(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvoiceItems: %v", err)
	}
	if len(items) != 1 || items[0].Description != "Consultation" {
		t.Errorf("items = %+v", items)
	}

	if _, err := env.svc.GetInvoiceItems(ctx, uuid.New()); !IsNotFound(err) {
		t.Errorf("unknown invoice: expected not-found error, got %v", err)
	}
}

func TestListInvoicesInvalidStatus(t *testing.T) {
	env := newTestEnv()
	_, _, err := env.svc.ListInvoices(context.Background(), InvoiceFilter{Status: "archived"}, 20, 0)
	if !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestListPaymentsUnknownInvoice(t *testing.T) {
	env := newTestEnv()
	id := uuid.New()
	_, _, err := env.svc.ListPayments(context.Background(), &id, 20, 0)
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

// -- Settings --

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	currency := "eur"
	prefix := "MED"
	terms := 14
	settings, err := env.svc.UpdateSettings(ctx, SettingsPatch{
		DefaultCurrency:  &currency,
		InvoicePrefix:    &prefix,
		PaymentTermsDays: &terms,
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if settings.DefaultCurrency != "EUR" {
		t.Errorf("currency = %q, want EUR (uppercased)", settings.DefaultCurrency)
	}
	if settings.InvoicePrefix != "MED" || settings.PaymentTermsDays != 14 {
		t.Errorf("settings = %+v", settings)
	}

	inv := env.createInvoice(t, standardItems())
	if inv.InvoiceNumber != "MED-0001" {
		t.Errorf("invoice number = %q, want MED-0001", inv.InvoiceNumber)
	}
	if inv.Currency != "EUR" {
		t.Errorf("currency = %q, want EUR", inv.Currency)
	}
}

func TestUpdateSettingsValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	bad := "XXX"
	if _, err := env.svc.UpdateSettings(ctx, SettingsPatch{DefaultCurrency: &bad}); !IsValidation(err) {
		t.Errorf("bad currency: expected validation error, got %v", err)
	}
	empty := "  "
	if _, err := env.svc.UpdateSettings(ctx, SettingsPatch{InvoicePrefix: &empty}); !IsValidation(err) {
		t.Errorf("empty prefix: expected validation error, got %v", err)
	}
	zero := 0
	if _, err := env.svc.UpdateSettings(ctx, SettingsPatch{PaymentTermsDays: &zero}); !IsValidation(err) {
		t.Errorf("zero terms: expected validation error, got %v", err)
	}
}

func TestDefaultSettings(t *testing.T) {
	env := newTestEnv()
	settings, err := env.svc.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.DefaultCurrency != "USD" || settings.InvoicePrefix != "INV" ||
		settings.InvoiceCounter != 1 || settings.PaymentTermsDays != 30 {
		t.Errorf("unexpected defaults: %+v", settings)
	}
}

func TestInvoiceNumberFormat(t *testing.T) {
	env := newTestEnv()
	env.settings.settings.InvoiceCounter = 12345
	inv := env.createInvoice(t, standardItems())
	if want := fmt.Sprintf("INV-%d", 12345); inv.InvoiceNumber != want {
		t.Errorf("invoice number = %q, want %q", inv.InvoiceNumber, want)
	}
}
