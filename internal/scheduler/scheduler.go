package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/postbill/internal/clock"
	dunningdomain "github.com/smallbiznis/postbill/internal/dunning/domain"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/postbill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/postbill/internal/payment/domain"
	"github.com/smallbiznis/postbill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

const jobTimeout = 30 * time.Second

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	DunningSvc      dunningdomain.Service
	WebhookSvc      paymentdomain.WebhookService
	Limiter         *ratelimit.Limiter `optional:"true"`
	Config          Config             `optional:"true"`
}

// JobLeaser gates each job behind a cross-replica lease.
type JobLeaser interface {
	TryLockJob(ctx context.Context, job string) (string, bool, error)
	ReleaseJob(ctx context.Context, job, token string) error
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	dunningSvc      dunningdomain.Service
	webhookSvc      paymentdomain.WebhookService
	leases          JobLeaser

	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.InvoiceSvc == nil || p.SubscriptionSvc == nil || p.DunningSvc == nil || p.WebhookSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	s := &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		clock:           p.Clock,
		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		dunningSvc:      p.DunningSvc,
		webhookSvc:      p.WebhookSvc,
		lastRun:         map[string]time.Time{},
	}
	if p.Limiter != nil {
		s.leases = p.Limiter
	}
	return s, nil
}

// runJob reports whether this replica actually executed the job. Skipped
// runs (lease held elsewhere, lease backend down) leave the gate untouched
// so the next tick tries again.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) (bool, error) {
	token, owner, err := s.acquire(parent, name)
	if err != nil {
		s.log.Warn("job lease check failed", zap.String("job", name), zap.Error(err))
		return false, nil
	}
	if !owner {
		// Another replica holds the lease for this job.
		return false, nil
	}
	defer s.release(name, token)

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return true, nil
	}

	// A deadline only means the batch did not finish; the next tick picks
	// up where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return true, nil
	}

	return true, fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	now := s.clock.Now()
	var err error

	jobs := []struct {
		Name string
		Due  bool
		Run  func(context.Context) error
	}{
		{"invoice_reconcile", s.dailyDue("invoice_reconcile", s.cfg.ReconcileHourUTC, now), func(ctx context.Context) error {
			_, jobErr := s.invoiceSvc.ReconcileOnce(ctx, s.cfg.BatchSize)
			return jobErr
		}},
		{"invoice_retry", s.intervalDue("invoice_retry", now), func(ctx context.Context) error {
			_, jobErr := s.invoiceSvc.RetryFailedOnce(ctx, s.cfg.BatchSize)
			return jobErr
		}},
		{"pending_payments", s.intervalDue("pending_payments", now), func(ctx context.Context) error {
			_, jobErr := s.invoiceSvc.ProcessPendingPaymentsOnce(ctx, s.cfg.BatchSize)
			return jobErr
		}},
		{"webhook_retry", s.intervalDue("webhook_retry", now), func(ctx context.Context) error {
			_, jobErr := s.webhookSvc.RetryFailedOnce(ctx, s.cfg.BatchSize)
			return jobErr
		}},
		{"dunning_overdue", s.dailyDue("dunning_overdue", s.cfg.OverdueHourUTC, now), func(ctx context.Context) error {
			_, jobErr := s.dunningSvc.SweepOverdueOnce(ctx, s.cfg.BatchSize)
			return jobErr
		}},
		{"dunning_pre_due", s.dailyDue("dunning_pre_due", s.cfg.PreDueHourUTC, now), func(ctx context.Context) error {
			_, jobErr := s.dunningSvc.SweepPreDueOnce(ctx, s.cfg.BatchSize)
			return jobErr
		}},
		{"subscription_downgrade", s.dailyDue("subscription_downgrade", s.cfg.DowngradeHourUTC, now), func(ctx context.Context) error {
			_, jobErr := s.subscriptionSvc.SweepDowngradesOnce(ctx, s.cfg.BatchSize)
			return jobErr
		}},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) || !job.Due {
			continue
		}
		ran, jobErr := s.runJob(parent, job.Name, jobTimeout, job.Run)
		if ran {
			s.lastRun[job.Name] = now
		}
		err = errors.Join(err, jobErr)
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dailyDue reports whether a once-a-day job should fire: the gate hour has
// passed and the job has not run yet today. Late starts still run the job.
func (s *Scheduler) dailyDue(name string, hourUTC int, now time.Time) bool {
	utc := now.UTC()
	if utc.Hour() < hourUTC {
		return false
	}
	last, ok := s.lastRun[name]
	if !ok {
		return true
	}
	lastUTC := last.UTC()
	return lastUTC.Year() != utc.Year() || lastUTC.YearDay() != utc.YearDay()
}

func (s *Scheduler) intervalDue(name string, now time.Time) bool {
	last, ok := s.lastRun[name]
	if !ok {
		return true
	}
	return now.Sub(last) >= s.cfg.RetryInterval
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) acquire(ctx context.Context, name string) (string, bool, error) {
	if s.leases == nil {
		return "", true, nil
	}
	return s.leases.TryLockJob(ctx, name)
}

func (s *Scheduler) release(name, token string) {
	if s.leases == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.leases.ReleaseJob(ctx, name, token); err != nil {
		s.log.Warn("failed to release job lease", zap.String("job", name), zap.Error(err))
	}
}
