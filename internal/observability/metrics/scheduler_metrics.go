package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// SchedulerMetrics captures billing scheduler health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Observer

	invoicesGenerated  *prometheus.CounterVec
	generationFailures *prometheus.CounterVec
	remindersSent      *prometheus.CounterVec
	suspensions        prometheus.Counter
	downgrades         *prometheus.CounterVec
	paymentAttempts    *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_scheduler_job_runs_total",
		Help: "Scheduler job runs by name.",
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postbill_scheduler_job_duration_seconds",
		Help:    "Scheduler job latency to protect billing batch freshness.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_scheduler_job_timeouts_total",
		Help: "Scheduler job timeouts that threaten billing batch SLAs.",
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_scheduler_job_errors_total",
		Help: "Scheduler job errors by low-cardinality type.",
	}, []string{"job", "error_type"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_scheduler_batch_processed_total",
		Help: "Scheduler batch items processed to gauge billing throughput.",
	}, []string{"job"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "postbill_scheduler_runloop_lag_seconds",
		Help:    "Scheduler run loop lag beyond the configured interval.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	invoicesGenerated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_invoices_generated_total",
		Help: "Invoices generated by billing period reconciliation.",
	}, []string{"source"})
	generationFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_invoice_generation_failures_total",
		Help: "Invoice generation failures by retryability.",
	}, []string{"retryable"})
	remindersSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_payment_reminders_total",
		Help: "Payment reminders sent by kind (pre_due, overdue).",
	}, []string{"kind"})
	suspensions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postbill_invoice_suspensions_total",
		Help: "Invoices suspended after prolonged non-payment.",
	})
	downgrades := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_subscription_downgrades_total",
		Help: "Subscriptions downgraded to the free plan by reason.",
	}, []string{"reason"})
	paymentAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_payment_attempts_total",
		Help: "Payment attempts by provider and outcome.",
	}, []string{"provider", "outcome"})
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postbill_webhook_events_total",
		Help: "Webhook events received by provider and disposition.",
	}, []string{"provider", "disposition"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		runLoopLag,
		invoicesGenerated,
		generationFailures,
		remindersSent,
		suspensions,
		downgrades,
		paymentAttempts,
		webhookEvents,
	)

	return &SchedulerMetrics{
		jobRuns:            jobRuns,
		jobDuration:        jobDuration,
		jobTimeouts:        jobTimeouts,
		jobErrors:          jobErrors,
		batchProcessed:     batchProcessed,
		runLoopLag:         runLoopLag,
		invoicesGenerated:  invoicesGenerated,
		generationFailures: generationFailures,
		remindersSent:      remindersSent,
		suspensions:        suspensions,
		downgrades:         downgrades,
		paymentAttempts:    paymentAttempts,
		webhookEvents:      webhookEvents,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerErrorType(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a job by count.
func (m *SchedulerMetrics) AddBatchProcessed(job string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncInvoiceGenerated increments the generated invoice counter.
func (m *SchedulerMetrics) IncInvoiceGenerated(source string) {
	if m == nil || m.invoicesGenerated == nil {
		return
	}
	m.invoicesGenerated.WithLabelValues(source).Inc()
}

// IncGenerationFailure increments the generation failure counter.
func (m *SchedulerMetrics) IncGenerationFailure(retryable bool) {
	if m == nil || m.generationFailures == nil {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	m.generationFailures.WithLabelValues(label).Inc()
}

// IncReminderSent increments the reminder counter by kind.
func (m *SchedulerMetrics) IncReminderSent(kind string) {
	if m == nil || m.remindersSent == nil {
		return
	}
	m.remindersSent.WithLabelValues(kind).Inc()
}

// IncSuspension increments the suspension counter.
func (m *SchedulerMetrics) IncSuspension() {
	if m == nil || m.suspensions == nil {
		return
	}
	m.suspensions.Inc()
}

// IncDowngrade increments the downgrade counter by reason.
func (m *SchedulerMetrics) IncDowngrade(reason string) {
	if m == nil || m.downgrades == nil {
		return
	}
	m.downgrades.WithLabelValues(reason).Inc()
}

// IncPaymentAttempt increments the payment attempt counter.
func (m *SchedulerMetrics) IncPaymentAttempt(provider, outcome string) {
	if m == nil || m.paymentAttempts == nil {
		return
	}
	m.paymentAttempts.WithLabelValues(provider, outcome).Inc()
}

// IncWebhookEvent increments the webhook event counter.
func (m *SchedulerMetrics) IncWebhookEvent(provider, disposition string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, disposition).Inc()
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
