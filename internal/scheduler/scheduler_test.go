package scheduler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/postbill/internal/clock"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	subdomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	"go.uber.org/zap"
)

type mockInvoiceSvc struct {
	reconciles int
	retries    int
	pending    int

	reconcileErr error
}

func (m *mockInvoiceSvc) GenerateForPeriod(context.Context, snowflake.ID, int, int) (*invoicedomain.Invoice, error) {
	return nil, nil
}

func (m *mockInvoiceSvc) Get(context.Context, snowflake.ID) (*invoicedomain.Invoice, error) {
	return nil, nil
}

func (m *mockInvoiceSvc) List(context.Context, invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	return nil, nil
}

func (m *mockInvoiceSvc) RecordPayment(context.Context, snowflake.ID, int64, time.Time) (*invoicedomain.Invoice, error) {
	return nil, nil
}

func (m *mockInvoiceSvc) ReconcileOnce(context.Context, int) (int, error) {
	m.reconciles++
	return 0, m.reconcileErr
}

func (m *mockInvoiceSvc) RetryFailedOnce(context.Context, int) (int, error) {
	m.retries++
	return 0, nil
}

func (m *mockInvoiceSvc) ProcessPendingPaymentsOnce(context.Context, int) (int, error) {
	m.pending++
	return 0, nil
}

type mockSubSvc struct {
	downgradeSweeps int
}

func (m *mockSubSvc) Get(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, subdomain.ErrSubscriptionNotFound
}

func (m *mockSubSvc) Create(context.Context, subdomain.CreateRequest) (*subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) ListBillable(context.Context, int) ([]subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) RecordPaymentFailure(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) RecordPaymentSuccess(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) DowngradeToFree(context.Context, snowflake.ID, string) (*subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) HandleExpiry(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) Cancel(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) Pause(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) Resume(context.Context, snowflake.ID) (*subdomain.Subscription, error) {
	return nil, nil
}

func (m *mockSubSvc) SweepDowngradesOnce(context.Context, int) (int, error) {
	m.downgradeSweeps++
	return 0, nil
}

type mockDunningSvc struct {
	overdueSweeps int
	preDueSweeps  int
}

func (m *mockDunningSvc) SweepOverdueOnce(context.Context, int) (int, error) {
	m.overdueSweeps++
	return 0, nil
}

func (m *mockDunningSvc) SweepPreDueOnce(context.Context, int) (int, error) {
	m.preDueSweeps++
	return 0, nil
}

func (m *mockDunningSvc) ReactivateIfSettled(context.Context, snowflake.ID) error {
	return nil
}

type mockWebhookSvc struct {
	retrySweeps int
}

func (m *mockWebhookSvc) IngestWebhook(context.Context, string, []byte, http.Header) error {
	return nil
}

func (m *mockWebhookSvc) RetryFailedOnce(context.Context, int) (int, error) {
	m.retrySweeps++
	return 0, nil
}

type testEnv struct {
	clock    *clock.FakeClock
	invoices *mockInvoiceSvc
	subs     *mockSubSvc
	dunning  *mockDunningSvc
	webhooks *mockWebhookSvc
	sched    *Scheduler
}

func newTestEnv(t *testing.T, start time.Time, cfg Config) *testEnv {
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

	env := &testEnv{
		clock:    clock.NewFakeClock(start),
		invoices: &mockInvoiceSvc{},
		subs:     &mockSubSvc{},
		dunning:  &mockDunningSvc{},
		webhooks: &mockWebhookSvc{},
	}
	sched, err := New(Params{
		Log:             zap.NewNop(),
		Clock:           env.clock,
		InvoiceSvc:      env.invoices,
		SubscriptionSvc: env.subs,
		DunningSvc:      env.dunning,
		WebhookSvc:      env.webhooks,
		Config:          cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.sched = sched
	return env
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	_, err := New(Params{
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Now()),
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunOnce_DailyHourGates(t *testing.T) {
	// Half past midnight UTC: only the overdue sweep's hour has passed.
	start := time.Date(2025, 5, 1, 0, 30, 0, 0, time.UTC)
	env := newTestEnv(t, start, Config{})
	ctx := context.Background()

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if env.dunning.overdueSweeps != 1 {
		t.Errorf("expected overdue sweep at 00:30, got %d", env.dunning.overdueSweeps)
	}
	if env.invoices.reconciles != 0 || env.dunning.preDueSweeps != 0 || env.subs.downgradeSweeps != 0 {
		t.Errorf("expected later daily jobs gated, got reconcile=%d preDue=%d downgrade=%d",
			env.invoices.reconciles, env.dunning.preDueSweeps, env.subs.downgradeSweeps)
	}
	// Interval jobs always fire on the first tick.
	if env.invoices.retries != 1 || env.invoices.pending != 1 || env.webhooks.retrySweeps != 1 {
		t.Errorf("expected interval jobs on first tick, got retry=%d pending=%d webhook=%d",
			env.invoices.retries, env.invoices.pending, env.webhooks.retrySweeps)
	}

	// 02:30: reconcile and downgrade hours have passed; the overdue sweep
	// already ran today.
	env.clock.Advance(2 * time.Hour)
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if env.invoices.reconciles != 1 || env.subs.downgradeSweeps != 1 {
		t.Errorf("expected reconcile and downgrade at 02:30, got %d and %d",
			env.invoices.reconciles, env.subs.downgradeSweeps)
	}
	if env.dunning.overdueSweeps != 1 {
		t.Errorf("expected overdue sweep once per day, got %d", env.dunning.overdueSweeps)
	}
	if env.dunning.preDueSweeps != 0 {
		t.Errorf("expected pre-due sweep still gated, got %d", env.dunning.preDueSweeps)
	}

	// 10:30: the pre-due window opens.
	env.clock.Advance(8 * time.Hour)
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("third RunOnce: %v", err)
	}
	if env.dunning.preDueSweeps != 1 {
		t.Errorf("expected pre-due sweep at 10:30, got %d", env.dunning.preDueSweeps)
	}

	// Next day, everything daily fires again.
	env.clock.Advance(24 * time.Hour)
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("fourth RunOnce: %v", err)
	}
	if env.dunning.overdueSweeps != 2 || env.invoices.reconciles != 2 ||
		env.subs.downgradeSweeps != 2 || env.dunning.preDueSweeps != 2 {
		t.Errorf("expected all daily jobs on the next day, got overdue=%d reconcile=%d downgrade=%d preDue=%d",
			env.dunning.overdueSweeps, env.invoices.reconciles,
			env.subs.downgradeSweeps, env.dunning.preDueSweeps)
	}
}

func TestRunOnce_IntervalGate(t *testing.T) {
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start, Config{})
	ctx := context.Background()

	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	env.clock.Advance(time.Minute)
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if env.invoices.retries != 1 || env.webhooks.retrySweeps != 1 {
		t.Errorf("expected interval jobs held back inside the retry interval, got retry=%d webhook=%d",
			env.invoices.retries, env.webhooks.retrySweeps)
	}

	env.clock.Advance(5 * time.Minute)
	if err := env.sched.RunOnce(ctx); err != nil {
		t.Fatalf("third RunOnce: %v", err)
	}
	if env.invoices.retries != 2 || env.webhooks.retrySweeps != 2 {
		t.Errorf("expected interval jobs after the retry interval, got retry=%d webhook=%d",
			env.invoices.retries, env.webhooks.retrySweeps)
	}
}

func TestRunOnce_JobErrorNamesTheJob(t *testing.T) {
	start := time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start, Config{})
	env.invoices.reconcileErr = errors.New("generation store down")

	err := env.sched.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected the reconcile failure to surface")
	}
	if !strings.Contains(err.Error(), "invoice_reconcile") {
		t.Errorf("expected the failing job named, got %q", err.Error())
	}
	// Other jobs still ran despite the failure.
	if env.invoices.retries != 1 || env.subs.downgradeSweeps != 1 {
		t.Errorf("expected remaining jobs to run, got retry=%d downgrade=%d",
			env.invoices.retries, env.subs.downgradeSweeps)
	}
}

func TestRunOnce_TimeoutIsNotAFailure(t *testing.T) {
	start := time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start, Config{})
	env.invoices.reconcileErr = context.DeadlineExceeded

	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Errorf("expected a timed-out batch to be retried silently, got %v", err)
	}
}

type fakeLeaser struct {
	deny     map[string]bool
	released []string
}

func (f *fakeLeaser) TryLockJob(ctx context.Context, job string) (string, bool, error) {
	if f.deny[job] {
		return "", false, nil
	}
	return "lease-" + job, true, nil
}

func (f *fakeLeaser) ReleaseJob(ctx context.Context, job, token string) error {
	f.released = append(f.released, job)
	return nil
}

func TestRunOnce_HeldLeaseRetriesNextTick(t *testing.T) {
	start := time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start, Config{EnabledJobs: []string{"invoice_reconcile"}})
	leases := &fakeLeaser{deny: map[string]bool{"invoice_reconcile": true}}
	env.sched.leases = leases

	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if env.invoices.reconciles != 0 {
		t.Fatalf("expected the job skipped while the lease is held elsewhere, got %d runs", env.invoices.reconciles)
	}

	// The leaseholder died without finishing; the same day's next tick must
	// pick the job up instead of waiting for tomorrow.
	delete(leases.deny, "invoice_reconcile")
	env.clock.Advance(time.Minute)
	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if env.invoices.reconciles != 1 {
		t.Errorf("expected the job to run once the lease freed, got %d runs", env.invoices.reconciles)
	}
	if len(leases.released) != 1 || leases.released[0] != "invoice_reconcile" {
		t.Errorf("expected one lease release, got %v", leases.released)
	}

	// With the run stamped, the daily gate holds until the next day.
	env.clock.Advance(time.Minute)
	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("third RunOnce: %v", err)
	}
	if env.invoices.reconciles != 1 {
		t.Errorf("expected no duplicate run the same day, got %d", env.invoices.reconciles)
	}
}

func TestRunOnce_EnabledJobsFilter(t *testing.T) {
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start, Config{EnabledJobs: []string{"invoice_retry"}})

	if err := env.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if env.invoices.retries != 1 {
		t.Errorf("expected the enabled job to run, got %d", env.invoices.retries)
	}
	if env.invoices.reconciles != 0 || env.invoices.pending != 0 ||
		env.webhooks.retrySweeps != 0 || env.dunning.overdueSweeps != 0 {
		t.Errorf("expected every other job filtered out, got reconcile=%d pending=%d webhook=%d overdue=%d",
			env.invoices.reconciles, env.invoices.pending,
			env.webhooks.retrySweeps, env.dunning.overdueSweeps)
	}
}
