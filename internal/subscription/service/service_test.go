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
	"github.com/smallbiznis/postbill/internal/clock"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	subdomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	"github.com/smallbiznis/postbill/pkg/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

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

func stripForUpdate(d *gorm.DB) {
	sql := d.Statement.SQL.String()
	if strings.Contains(sql, "FOR UPDATE") {
		newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
		newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
		d.Statement.SQL.Reset()
		d.Statement.SQL.WriteString(newSQL)
	}
}

var testStart = time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	db    *gorm.DB
	clock *clock.FakeClock
	audit *fakeAuditSvc
	svc   subdomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
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

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&subdomain.Subscription{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	env := &testEnv{
		db:    db,
		clock: clock.NewFakeClock(testStart),
		audit: &fakeAuditSvc{},
	}
	env.svc = NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: env.clock,
		Repo:  repository.ProvideStore[subdomain.Subscription](db),
		Audit: env.audit,
	})
	return env
}

func (e *testEnv) createPaid(t *testing.T, orgID snowflake.ID) *subdomain.Subscription {
	t.Helper()
	sub, err := e.svc.Create(context.Background(), subdomain.CreateRequest{
		OrgID:      orgID,
		PlanCode:   "pro",
		PlanAmount: 2900,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.createPaid(t, 201)
	if sub.PlanCode != "PRO" {
		t.Errorf("expected plan code to be uppercased, got %s", sub.PlanCode)
	}
	if sub.Status != subdomain.StatusActive {
		t.Errorf("expected ACTIVE, got %s", sub.Status)
	}
	if sub.BillingCycle != subdomain.BillingCycleMonthly {
		t.Errorf("expected MONTHLY default, got %s", sub.BillingCycle)
	}

	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{OrgID: 201, PlanCode: "PRO", PlanAmount: 2900}); !errors.Is(err, subdomain.ErrSubscriptionExists) {
		t.Errorf("expected ErrSubscriptionExists, got %v", err)
	}
	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{OrgID: 202, PlanCode: "  "}); !errors.Is(err, subdomain.ErrInvalidPlan) {
		t.Errorf("expected ErrInvalidPlan for empty plan, got %v", err)
	}
	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{OrgID: 202, PlanCode: "PRO", PlanAmount: -1}); !errors.Is(err, subdomain.ErrInvalidPlan) {
		t.Errorf("expected ErrInvalidPlan for negative amount, got %v", err)
	}
	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{PlanCode: "PRO"}); !errors.Is(err, subdomain.ErrInvalidOrganization) {
		t.Errorf("expected ErrInvalidOrganization, got %v", err)
	}

	end := testStart.AddDate(0, 1, 0)
	free, err := env.svc.Create(ctx, subdomain.CreateRequest{
		OrgID:            203,
		PlanCode:         "free",
		PlanAmount:       500,
		CurrentPeriodEnd: &end,
	})
	if err != nil {
		t.Fatalf("create free subscription: %v", err)
	}
	if free.PlanAmount != 0 || free.CurrentPeriodEnd != nil {
		t.Errorf("free plan must carry no amount or period end, got amount=%d end=%v", free.PlanAmount, free.CurrentPeriodEnd)
	}
}

func TestRecordPaymentFailure_DowngradesAtLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID := snowflake.ID(204)
	env.createPaid(t, orgID)

	for i := 1; i < subdomain.MaxPaymentFailures; i++ {
		sub, err := env.svc.RecordPaymentFailure(ctx, orgID)
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if sub.Status != subdomain.StatusPastDue {
			t.Errorf("expected PAST_DUE after failure %d, got %s", i, sub.Status)
		}
		if sub.FailedPaymentCount != i {
			t.Errorf("expected count %d, got %d", i, sub.FailedPaymentCount)
		}
	}

	sub, err := env.svc.RecordPaymentFailure(ctx, orgID)
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if sub.PlanCode != subdomain.PlanFree {
		t.Errorf("expected downgrade to FREE, got %s", sub.PlanCode)
	}
	if sub.Status != subdomain.StatusActive {
		t.Errorf("free plan must be ACTIVE, got %s", sub.Status)
	}
	if sub.PlanAmount != 0 || sub.FailedPaymentCount != 0 {
		t.Errorf("downgrade must reset amount and counter, got amount=%d count=%d", sub.PlanAmount, sub.FailedPaymentCount)
	}
	if sub.DowngradedAt == nil {
		t.Error("expected downgraded_at to be set")
	}

	found := false
	for _, action := range env.audit.actions {
		if action == "subscription.downgraded" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected subscription.downgraded audit, got %v", env.audit.actions)
	}

	// Further failures on the free plan are no-ops.
	again, err := env.svc.RecordPaymentFailure(ctx, orgID)
	if err != nil {
		t.Fatalf("failure on free plan: %v", err)
	}
	if again.FailedPaymentCount != 0 {
		t.Errorf("expected free plan failure to be ignored, got count %d", again.FailedPaymentCount)
	}
}

func TestRecordPaymentSuccess_RestoresActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID := snowflake.ID(205)
	env.createPaid(t, orgID)

	if _, err := env.svc.RecordPaymentFailure(ctx, orgID); err != nil {
		t.Fatalf("seed failure: %v", err)
	}

	sub, err := env.svc.RecordPaymentSuccess(ctx, orgID)
	if err != nil {
		t.Fatalf("RecordPaymentSuccess: %v", err)
	}
	if sub.Status != subdomain.StatusActive {
		t.Errorf("expected ACTIVE, got %s", sub.Status)
	}
	if sub.FailedPaymentCount != 0 {
		t.Errorf("expected counter reset, got %d", sub.FailedPaymentCount)
	}
	if sub.LastPaymentStatus != subdomain.LastPaymentSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", sub.LastPaymentStatus)
	}
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID := snowflake.ID(206)
	env.createPaid(t, orgID)

	if _, err := env.svc.Resume(ctx, orgID); !errors.Is(err, subdomain.ErrNotPaused) {
		t.Errorf("expected ErrNotPaused, got %v", err)
	}

	sub, err := env.svc.Pause(ctx, orgID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if sub.Status != subdomain.StatusPaused {
		t.Errorf("expected PAUSED, got %s", sub.Status)
	}

	if _, err := env.svc.Pause(ctx, orgID); !errors.Is(err, subdomain.ErrOperationNotAllowed) {
		t.Errorf("expected ErrOperationNotAllowed on double pause, got %v", err)
	}

	sub, err = env.svc.Resume(ctx, orgID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if sub.Status != subdomain.StatusActive {
		t.Errorf("expected ACTIVE after resume, got %s", sub.Status)
	}

	// Free subscriptions cannot be paused.
	freeOrg := snowflake.ID(207)
	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{OrgID: freeOrg, PlanCode: subdomain.PlanFree}); err != nil {
		t.Fatalf("create free: %v", err)
	}
	if _, err := env.svc.Pause(ctx, freeOrg); !errors.Is(err, subdomain.ErrOperationNotAllowed) {
		t.Errorf("expected ErrOperationNotAllowed for free plan, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID := snowflake.ID(208)
	env.createPaid(t, orgID)

	sub, err := env.svc.Cancel(ctx, orgID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sub.PlanCode != subdomain.PlanFree {
		t.Errorf("expected immediate downgrade, got %s", sub.PlanCode)
	}
	if sub.CancelledAt == nil {
		t.Error("expected cancelled_at to be set")
	}

	// Cancelling an already-free subscription changes nothing.
	again, err := env.svc.Cancel(ctx, orgID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !again.IsFree() {
		t.Errorf("expected free plan, got %s", again.PlanCode)
	}
}

func TestHandleExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expiredOrg := snowflake.ID(209)
	pastEnd := testStart.AddDate(0, 0, -1)
	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{
		OrgID:            expiredOrg,
		PlanCode:         "PRO",
		PlanAmount:       2900,
		CurrentPeriodEnd: &pastEnd,
	}); err != nil {
		t.Fatalf("create expired: %v", err)
	}

	sub, err := env.svc.HandleExpiry(ctx, expiredOrg)
	if err != nil {
		t.Fatalf("HandleExpiry: %v", err)
	}
	if sub.PlanCode != subdomain.PlanFree {
		t.Errorf("expected downgrade after expiry, got %s", sub.PlanCode)
	}

	currentOrg := snowflake.ID(210)
	futureEnd := testStart.AddDate(0, 1, 0)
	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{
		OrgID:            currentOrg,
		PlanCode:         "PRO",
		PlanAmount:       2900,
		CurrentPeriodEnd: &futureEnd,
	}); err != nil {
		t.Fatalf("create current: %v", err)
	}

	sub, err = env.svc.HandleExpiry(ctx, currentOrg)
	if err != nil {
		t.Fatalf("HandleExpiry current: %v", err)
	}
	if sub.PlanCode != "PRO" {
		t.Errorf("expected plan untouched before period end, got %s", sub.PlanCode)
	}
}

func TestListBillable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createPaid(t, 211)
	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{OrgID: 212, PlanCode: subdomain.PlanFree}); err != nil {
		t.Fatalf("create free: %v", err)
	}
	env.createPaid(t, 213)
	if _, err := env.svc.Pause(ctx, 213); err != nil {
		t.Fatalf("pause: %v", err)
	}

	subs, err := env.svc.ListBillable(ctx, 50)
	if err != nil {
		t.Fatalf("ListBillable: %v", err)
	}
	if len(subs) != 1 || subs[0].OrgID != 211 {
		t.Errorf("expected only the active paid subscription, got %v", subs)
	}
}

func TestSweepDowngradesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Exhausted payment failures, with stale cancellation and trial residue
	// the reset must wipe.
	pastDueOrg := snowflake.ID(214)
	env.createPaid(t, pastDueOrg)
	env.db.Model(&subdomain.Subscription{}).
		Where("org_id = ?", pastDueOrg).
		Updates(map[string]any{
			"status":               subdomain.StatusPastDue,
			"failed_payment_count": subdomain.MaxPaymentFailures,
			"cancelled_at":         testStart.AddDate(0, -1, 0),
			"trial_ends_at":        testStart.AddDate(0, -2, 0),
		})

	// Period end lapsed.
	expiredOrg := snowflake.ID(215)
	pastEnd := testStart.AddDate(0, 0, -2)
	if _, err := env.svc.Create(ctx, subdomain.CreateRequest{
		OrgID:            expiredOrg,
		PlanCode:         "PRO",
		PlanAmount:       2900,
		CurrentPeriodEnd: &pastEnd,
	}); err != nil {
		t.Fatalf("create expired: %v", err)
	}

	// Healthy subscription must survive the sweep.
	healthyOrg := snowflake.ID(216)
	env.createPaid(t, healthyOrg)

	processed, err := env.svc.SweepDowngradesOnce(ctx, 50)
	if err != nil {
		t.Fatalf("SweepDowngradesOnce: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 downgrades, got %d", processed)
	}

	for _, orgID := range []snowflake.ID{pastDueOrg, expiredOrg} {
		sub, err := env.svc.Get(ctx, orgID)
		if err != nil {
			t.Fatalf("Get %d: %v", orgID, err)
		}
		if !sub.IsFree() {
			t.Errorf("expected org %d on free plan, got %s", orgID, sub.PlanCode)
		}
		if sub.CancelledAt != nil || sub.TrialEndsAt != nil {
			t.Errorf("expected org %d reset without cancellation or trial residue, got cancelled_at=%v trial_ends_at=%v",
				orgID, sub.CancelledAt, sub.TrialEndsAt)
		}
	}

	healthy, err := env.svc.Get(ctx, healthyOrg)
	if err != nil {
		t.Fatalf("Get healthy: %v", err)
	}
	if healthy.PlanCode != "PRO" {
		t.Errorf("expected healthy org untouched, got %s", healthy.PlanCode)
	}

	// Nothing left to downgrade on the next pass.
	processed, err = env.svc.SweepDowngradesOnce(ctx, 50)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if processed != 0 {
		t.Errorf("expected idempotent sweep, got %d", processed)
	}
}
