package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	auditdomain "github.com/smallbiznis/postbill/internal/audit/domain"
	prefdomain "github.com/smallbiznis/postbill/internal/billingpref/domain"
	"github.com/smallbiznis/postbill/internal/clock"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	"github.com/smallbiznis/postbill/internal/orgcontext"
	subdomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mocks for dependencies

type fakePrefSvc struct {
	prefs map[snowflake.ID]*prefdomain.BillingPreference
}

func (f *fakePrefSvc) Get(ctx context.Context, orgID snowflake.ID) (*prefdomain.BillingPreference, error) {
	return f.prefs[orgID], nil
}

func (f *fakePrefSvc) Lookup(ctx context.Context, orgID snowflake.ID) (*prefdomain.BillingPreference, error) {
	return f.prefs[orgID], nil
}

func (f *fakePrefSvc) Update(ctx context.Context, orgID snowflake.ID, req prefdomain.UpdateRequest) (*prefdomain.BillingPreference, error) {
	return f.prefs[orgID], nil
}

type fakeSubSvc struct {
	subs map[snowflake.ID]*subdomain.Subscription
	// billable is returned by ListBillable in a fixed order.
	billable []subdomain.Subscription
}

func (f *fakeSubSvc) Get(ctx context.Context, orgID snowflake.ID) (*subdomain.Subscription, error) {
	sub, ok := f.subs[orgID]
	if !ok {
		return nil, subdomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (f *fakeSubSvc) Create(context.Context, subdomain.CreateRequest) (*subdomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubSvc) ListBillable(ctx context.Context, limit int) ([]subdomain.Subscription, error) {
	return f.billable, nil
}

func (f *fakeSubSvc) RecordPaymentFailure(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubSvc) RecordPaymentSuccess(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubSvc) DowngradeToFree(context.Context, snowflake.ID, string) (*subdomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubSvc) HandleExpiry(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubSvc) Cancel(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubSvc) Pause(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubSvc) Resume(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubSvc) SweepDowngradesOnce(context.Context, int) (int, error) {
	return 0, nil
}

type fakeTaxResolver struct {
	rate float64
	err  error
}

func (f *fakeTaxResolver) ResolveForCountry(ctx context.Context, countryCode string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.rate, nil
}

type fakeAuditSvc struct {
	actions []string
}

func (f *fakeAuditSvc) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeAuditSvc) List(ctx context.Context, req auditdomain.ListAuditLogRequest) ([]auditdomain.AuditLog, error) {
	return nil, nil
}

type fakeProcessor struct {
	calls []snowflake.ID
	err   error
}

func (f *fakeProcessor) ProcessInvoicePayment(ctx context.Context, invoiceID snowflake.ID) error {
	f.calls = append(f.calls, invoiceID)
	return f.err
}

// Test harness

func stripForUpdate(d *gorm.DB) {
	sql := d.Statement.SQL.String()
	if strings.Contains(sql, "FOR UPDATE") {
		newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
		newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
		d.Statement.SQL.Reset()
		d.Statement.SQL.WriteString(newSQL)
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite has no row locking; strip FOR UPDATE from raw statements.
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
		&invoicedomain.GenerationLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func resetMetrics(t *testing.T) {
	t.Helper()
	registry := prometheus.NewRegistry()
	prevRegisterer := prometheus.DefaultRegisterer
	prevGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	metrics.ResetSchedulerMetricsForTest()
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = prevRegisterer
		prometheus.DefaultGatherer = prevGatherer
	})
}

type testEnv struct {
	db    *gorm.DB
	clock *clock.FakeClock
	prefs *fakePrefSvc
	subs  *fakeSubSvc
	tax   *fakeTaxResolver
	audit *fakeAuditSvc
	proc  *fakeProcessor
	svc   invoicedomain.Service
}

func newTestEnv(t *testing.T, start time.Time) *testEnv {
	t.Helper()
	resetMetrics(t)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	env := &testEnv{
		db:    openTestDB(t),
		clock: clock.NewFakeClock(start),
		prefs: &fakePrefSvc{prefs: map[snowflake.ID]*prefdomain.BillingPreference{}},
		subs:  &fakeSubSvc{subs: map[snowflake.ID]*subdomain.Subscription{}},
		tax:   &fakeTaxResolver{},
		audit: &fakeAuditSvc{},
		proc:  &fakeProcessor{},
	}
	env.svc = NewService(ServiceParam{
		DB:        env.db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     env.clock,
		Prefs:     env.prefs,
		Subs:      env.subs,
		Tax:       env.tax,
		Audit:     env.audit,
		Processor: env.proc,
	})
	return env
}

func (e *testEnv) addPostpaidOrg(orgID snowflake.ID, planCode string, planAmount int64, subscribedAt time.Time) {
	pref := prefdomain.Defaults(orgID)
	e.prefs.prefs[orgID] = &pref
	sub := &subdomain.Subscription{
		ID:         orgID + 1,
		OrgID:      orgID,
		PlanCode:   planCode,
		PlanAmount: planAmount,
		Status:     subdomain.StatusActive,
		CreatedAt:  subscribedAt,
	}
	e.subs.subs[orgID] = sub
	e.subs.billable = append(e.subs.billable, *sub)
}

func (e *testEnv) generationLog(t *testing.T, orgID snowflake.ID, year, month int) *invoicedomain.GenerationLog {
	t.Helper()
	var row invoicedomain.GenerationLog
	err := e.db.Where("org_id = ? AND period_year = ? AND period_month = ?", orgID, year, month).
		First(&row).Error
	if err != nil {
		t.Fatalf("load generation log: %v", err)
	}
	return &row
}

var testStart = time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)

func TestGenerateForPeriod_CreatesInvoice(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(101)
	env.addPostpaidOrg(orgID, "PRO", 2900, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	invoice, err := env.svc.GenerateForPeriod(context.Background(), orgID, 2025, 1)
	if err != nil {
		t.Fatalf("GenerateForPeriod: %v", err)
	}

	if invoice.InvoiceNumber != "INV-2025-01-000001" {
		t.Errorf("expected INV-2025-01-000001, got %s", invoice.InvoiceNumber)
	}
	if invoice.Status != invoicedomain.InvoiceStatusPending {
		t.Errorf("expected PENDING, got %s", invoice.Status)
	}
	if invoice.SubtotalAmount != 2900 || invoice.TaxAmount != 0 || invoice.TotalAmount != 2900 {
		t.Errorf("unexpected totals: subtotal=%d tax=%d total=%d",
			invoice.SubtotalAmount, invoice.TaxAmount, invoice.TotalAmount)
	}
	wantDue := testStart.AddDate(0, 0, 7)
	if !invoice.DueDate.Equal(wantDue) {
		t.Errorf("expected due date %v, got %v", wantDue, invoice.DueDate)
	}
	if len(invoice.LineItems) != 1 {
		t.Fatalf("expected 1 line item, got %d", len(invoice.LineItems))
	}
	if invoice.LineItems[0].Description != "PRO plan (2025-01)" {
		t.Errorf("unexpected line description %q", invoice.LineItems[0].Description)
	}

	logRow := env.generationLog(t, orgID, 2025, 1)
	if logRow.Status != invoicedomain.GenerationStatusSuccess {
		t.Errorf("expected log SUCCESS, got %s", logRow.Status)
	}
	if logRow.InvoiceID == nil || *logRow.InvoiceID != invoice.ID {
		t.Error("expected log to reference the generated invoice")
	}

	if len(env.proc.calls) != 1 || env.proc.calls[0] != invoice.ID {
		t.Errorf("expected one payment processing call for %s, got %v", invoice.ID, env.proc.calls)
	}
	if len(env.audit.actions) == 0 || env.audit.actions[0] != "invoice.generated" {
		t.Errorf("expected invoice.generated audit, got %v", env.audit.actions)
	}
}

func TestGenerateForPeriod_Idempotent(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(102)
	env.addPostpaidOrg(orgID, "PRO", 2900, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	first, err := env.svc.GenerateForPeriod(context.Background(), orgID, 2025, 1)
	if err != nil {
		t.Fatalf("first generation: %v", err)
	}
	second, err := env.svc.GenerateForPeriod(context.Background(), orgID, 2025, 1)
	if err != nil {
		t.Fatalf("second generation: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same invoice, got %s and %s", first.ID, second.ID)
	}

	var count int64
	env.db.Model(&invoicedomain.Invoice{}).Where("org_id = ?", orgID).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 invoice, got %d", count)
	}
	if len(env.proc.calls) != 1 {
		t.Errorf("expected payment processing only for the first run, got %d calls", len(env.proc.calls))
	}
}

func TestGenerateForPeriod_AppliesCountryTax(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(103)
	env.addPostpaidOrg(orgID, "ENTERPRISE", 999900, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	env.prefs.prefs[orgID].CountryCode = "IN"
	env.prefs.prefs[orgID].Currency = "INR"
	env.tax.rate = 0.18

	invoice, err := env.svc.GenerateForPeriod(context.Background(), orgID, 2025, 1)
	if err != nil {
		t.Fatalf("GenerateForPeriod: %v", err)
	}

	if invoice.TaxRate != 0.18 {
		t.Errorf("expected tax rate 0.18, got %v", invoice.TaxRate)
	}
	if invoice.TaxAmount != 179982 {
		t.Errorf("expected tax 179982, got %d", invoice.TaxAmount)
	}
	if invoice.TotalAmount != invoice.SubtotalAmount+invoice.TaxAmount {
		t.Errorf("total %d does not equal subtotal %d + tax %d",
			invoice.TotalAmount, invoice.SubtotalAmount, invoice.TaxAmount)
	}
	if invoice.Currency != "INR" {
		t.Errorf("expected INR, got %s", invoice.Currency)
	}
}

func TestGenerateForPeriod_Validation(t *testing.T) {
	env := newTestEnv(t, testStart)
	ctx := context.Background()

	postpaidOrg := snowflake.ID(104)
	env.addPostpaidOrg(postpaidOrg, "PRO", 2900, testStart.AddDate(0, -1, 0))

	prepaidOrg := snowflake.ID(105)
	prepaid := prefdomain.Defaults(prepaidOrg)
	prepaid.BillingMode = prefdomain.BillingModePrepaid
	env.prefs.prefs[prepaidOrg] = &prepaid

	noSubOrg := snowflake.ID(106)
	noSub := prefdomain.Defaults(noSubOrg)
	env.prefs.prefs[noSubOrg] = &noSub

	freeOrg := snowflake.ID(107)
	freePref := prefdomain.Defaults(freeOrg)
	env.prefs.prefs[freeOrg] = &freePref
	env.subs.subs[freeOrg] = &subdomain.Subscription{OrgID: freeOrg, PlanCode: subdomain.PlanFree, Status: subdomain.StatusActive}

	cases := []struct {
		name  string
		orgID snowflake.ID
		year  int
		month int
		want  error
	}{
		{"zero org", 0, 2025, 1, invoicedomain.ErrInvalidOrganization},
		{"month out of range", postpaidOrg, 2025, 13, invoicedomain.ErrInvalidPeriod},
		{"future period", postpaidOrg, 2025, 3, invoicedomain.ErrInvalidPeriod},
		{"no preference", snowflake.ID(999), 2025, 1, invoicedomain.ErrPreferenceMissing},
		{"prepaid org", prepaidOrg, 2025, 1, invoicedomain.ErrNotPostpaid},
		{"no subscription", noSubOrg, 2025, 1, invoicedomain.ErrSubscriptionMissing},
		{"free subscription", freeOrg, 2025, 1, invoicedomain.ErrSubscriptionMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.GenerateForPeriod(ctx, tc.orgID, tc.year, tc.month)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGenerateForPeriod_FailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(108)
	env.addPostpaidOrg(orgID, "PRO", 2900, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	env.tax.err = errors.New("tax lookup down")

	_, err := env.svc.GenerateForPeriod(context.Background(), orgID, 2025, 1)
	if err == nil {
		t.Fatal("expected generation to fail")
	}

	logRow := env.generationLog(t, orgID, 2025, 1)
	if logRow.Status != invoicedomain.GenerationStatusFailed {
		t.Fatalf("expected log FAILED, got %s", logRow.Status)
	}
	if logRow.AttemptCount != 1 {
		t.Errorf("expected attempt 1, got %d", logRow.AttemptCount)
	}
	if !logRow.ShouldRetry {
		t.Error("expected should_retry to remain true")
	}
	wantRetry := testStart.Add(invoicedomain.RetryBackoff[0])
	if logRow.NextRetryAt == nil || !logRow.NextRetryAt.Equal(wantRetry) {
		t.Errorf("expected next retry at %v, got %v", wantRetry, logRow.NextRetryAt)
	}

	// The retry sweep skips the log until the backoff window passes.
	generated, err := env.svc.RetryFailedOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("RetryFailedOnce: %v", err)
	}
	if generated != 0 {
		t.Errorf("expected no retries inside backoff, got %d", generated)
	}

	env.tax.err = nil
	env.clock.Advance(2 * time.Minute)

	generated, err = env.svc.RetryFailedOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("RetryFailedOnce after backoff: %v", err)
	}
	if generated != 1 {
		t.Fatalf("expected 1 invoice from retry, got %d", generated)
	}

	logRow = env.generationLog(t, orgID, 2025, 1)
	if logRow.Status != invoicedomain.GenerationStatusSuccess {
		t.Errorf("expected log SUCCESS after retry, got %s", logRow.Status)
	}
}

func TestRetryFailedOnce_AbandonsDowngradedOrg(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(109)
	pref := prefdomain.Defaults(orgID)
	env.prefs.prefs[orgID] = &pref
	env.subs.subs[orgID] = &subdomain.Subscription{OrgID: orgID, PlanCode: subdomain.PlanFree, Status: subdomain.StatusActive}

	failed := invoicedomain.GenerationLog{
		ID:           snowflake.ID(5001),
		OrgID:        orgID,
		PeriodYear:   2025,
		PeriodMonth:  1,
		Status:       invoicedomain.GenerationStatusFailed,
		AttemptCount: 1,
		ShouldRetry:  true,
		CreatedAt:    testStart,
		UpdatedAt:    testStart,
	}
	if err := env.db.Create(&failed).Error; err != nil {
		t.Fatalf("seed log: %v", err)
	}

	generated, err := env.svc.RetryFailedOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("RetryFailedOnce: %v", err)
	}
	if generated != 0 {
		t.Errorf("expected nothing generated, got %d", generated)
	}

	logRow := env.generationLog(t, orgID, 2025, 1)
	if logRow.ShouldRetry {
		t.Error("expected retries to be abandoned")
	}
	if logRow.LastError != "subscription downgraded to free" {
		t.Errorf("unexpected abandon reason %q", logRow.LastError)
	}
}

func TestReconcileOnce_BackfillsTrailingPeriods(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(110)
	// Subscribed mid-December; periods before December must not be invoiced.
	env.addPostpaidOrg(orgID, "PRO", 2900, time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC))

	generated, err := env.svc.ReconcileOnce(context.Background(), 50)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if generated != 3 {
		t.Fatalf("expected 3 invoices (Dec, Jan, Feb), got %d", generated)
	}

	var count int64
	env.db.Model(&invoicedomain.Invoice{}).Where("org_id = ?", orgID).Count(&count)
	if count != 3 {
		t.Errorf("expected 3 invoices stored, got %d", count)
	}

	// A second pass finds every period settled in the log.
	generated, err = env.svc.ReconcileOnce(context.Background(), 50)
	if err != nil {
		t.Fatalf("second ReconcileOnce: %v", err)
	}
	if generated != 0 {
		t.Errorf("expected idempotent second pass, got %d", generated)
	}
}

func TestReconcileOnce_SkipsNonPostpaid(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(111)
	env.addPostpaidOrg(orgID, "PRO", 2900, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	env.prefs.prefs[orgID].BillingMode = prefdomain.BillingModePrepaid

	generated, err := env.svc.ReconcileOnce(context.Background(), 50)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if generated != 0 {
		t.Errorf("expected prepaid org to be skipped, got %d", generated)
	}
}

func TestRecordPayment(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(112)
	env.addPostpaidOrg(orgID, "PRO", 2900, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	invoice, err := env.svc.GenerateForPeriod(context.Background(), orgID, 2025, 1)
	if err != nil {
		t.Fatalf("GenerateForPeriod: %v", err)
	}

	if _, err := env.svc.RecordPayment(context.Background(), invoice.ID, 0, testStart); !errors.Is(err, invoicedomain.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	partial, err := env.svc.RecordPayment(context.Background(), invoice.ID, 1000, testStart)
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	if partial.Status != invoicedomain.InvoiceStatusPartiallyPaid {
		t.Errorf("expected PARTIALLY_PAID, got %s", partial.Status)
	}
	if partial.AmountPaid != 1000 || partial.Outstanding() != 1900 {
		t.Errorf("unexpected amounts: paid=%d outstanding=%d", partial.AmountPaid, partial.Outstanding())
	}

	paid, err := env.svc.RecordPayment(context.Background(), invoice.ID, 1900, testStart)
	if err != nil {
		t.Fatalf("settling payment: %v", err)
	}
	if paid.Status != invoicedomain.InvoiceStatusPaid {
		t.Errorf("expected PAID, got %s", paid.Status)
	}
	if paid.PaidAt == nil {
		t.Error("expected paid_at to be set")
	}

	if _, err := env.svc.RecordPayment(context.Background(), invoice.ID, 100, testStart); !errors.Is(err, invoicedomain.ErrInvoiceAlreadyPaid) {
		t.Errorf("expected ErrInvoiceAlreadyPaid, got %v", err)
	}
	if _, err := env.svc.RecordPayment(context.Background(), snowflake.ID(424242), 100, testStart); !errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		t.Errorf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestGet_ScopedToOrgContext(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(113)
	env.addPostpaidOrg(orgID, "PRO", 2900, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	invoice, err := env.svc.GenerateForPeriod(context.Background(), orgID, 2025, 1)
	if err != nil {
		t.Fatalf("GenerateForPeriod: %v", err)
	}

	ownCtx := orgcontext.WithOrgID(context.Background(), orgID)
	got, err := env.svc.Get(ownCtx, invoice.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != invoice.ID {
		t.Errorf("expected invoice %s, got %s", invoice.ID, got.ID)
	}

	foreignCtx := orgcontext.WithOrgID(context.Background(), snowflake.ID(999))
	if _, err := env.svc.Get(foreignCtx, invoice.ID); !errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		t.Errorf("expected foreign invoice to read as not found, got %v", err)
	}

	if _, err := env.svc.Get(context.Background(), snowflake.ID(424242)); !errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		t.Errorf("expected ErrInvoiceNotFound for unknown id, got %v", err)
	}
}

func TestList_FiltersByOrgAndStatus(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgA := snowflake.ID(114)
	orgB := snowflake.ID(115)

	seed := []invoicedomain.Invoice{
		{ID: 9001, OrgID: orgA, InvoiceNumber: "INV-2024-12-000001", Sequence: 1, PeriodYear: 2024, PeriodMonth: 12, Status: invoicedomain.InvoiceStatusPaid, Currency: "USD"},
		{ID: 9002, OrgID: orgA, InvoiceNumber: "INV-2025-01-000002", Sequence: 2, PeriodYear: 2025, PeriodMonth: 1, Status: invoicedomain.InvoiceStatusPending, Currency: "USD"},
		{ID: 9003, OrgID: orgB, InvoiceNumber: "INV-2025-01-000003", Sequence: 3, PeriodYear: 2025, PeriodMonth: 1, Status: invoicedomain.InvoiceStatusPending, Currency: "USD"},
	}
	for i := range seed {
		if err := env.db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed invoice: %v", err)
		}
	}

	invoices, err := env.svc.List(context.Background(), invoicedomain.ListRequest{OrgID: orgA})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(invoices) != 2 {
		t.Fatalf("expected 2 invoices for org, got %d", len(invoices))
	}
	// Newest period first.
	if invoices[0].PeriodMonth != 1 || invoices[1].PeriodMonth != 12 {
		t.Errorf("expected newest-first ordering, got %d then %d", invoices[0].PeriodMonth, invoices[1].PeriodMonth)
	}

	pending, err := env.svc.List(context.Background(), invoicedomain.ListRequest{OrgID: orgA, Status: invoicedomain.InvoiceStatusPending})
	if err != nil {
		t.Fatalf("List pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != 9002 {
		t.Errorf("expected only the pending invoice, got %v", pending)
	}

	if _, err := env.svc.List(context.Background(), invoicedomain.ListRequest{}); !errors.Is(err, invoicedomain.ErrInvalidOrganization) {
		t.Errorf("expected ErrInvalidOrganization without org, got %v", err)
	}

	ctx := orgcontext.WithOrgID(context.Background(), orgB)
	scoped, err := env.svc.List(ctx, invoicedomain.ListRequest{})
	if err != nil {
		t.Fatalf("List via context: %v", err)
	}
	if len(scoped) != 1 || scoped[0].OrgID != orgB {
		t.Errorf("expected context org scoping, got %v", scoped)
	}
}

func TestProcessPendingPaymentsOnce(t *testing.T) {
	env := newTestEnv(t, testStart)
	orgID := snowflake.ID(116)
	env.addPostpaidOrg(orgID, "PRO", 2900, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	// Payment processing fails right after generation; the log keeps a
	// non-terminal payment status for the sweep to pick up.
	env.proc.err = errors.New("gateway down")
	invoice, err := env.svc.GenerateForPeriod(context.Background(), orgID, 2025, 1)
	if err != nil {
		t.Fatalf("GenerateForPeriod: %v", err)
	}
	env.proc.err = nil
	env.proc.calls = nil

	processed, err := env.svc.ProcessPendingPaymentsOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessPendingPaymentsOnce: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 invoice processed, got %d", processed)
	}
	if len(env.proc.calls) != 1 || env.proc.calls[0] != invoice.ID {
		t.Errorf("expected processing call for %s, got %v", invoice.ID, env.proc.calls)
	}

	// A settled invoice is left alone even with a non-terminal status.
	if _, err := env.svc.RecordPayment(context.Background(), invoice.ID, invoice.TotalAmount, testStart); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	env.proc.calls = nil
	processed, err = env.svc.ProcessPendingPaymentsOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if processed != 0 || len(env.proc.calls) != 0 {
		t.Errorf("expected settled invoice to be skipped, processed=%d calls=%v", processed, env.proc.calls)
	}
}
