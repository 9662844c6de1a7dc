package nauserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/function61/gokit/promconstmetrics"
	"github.com/function61/nauha/pkg/nauserver/naucache"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsController struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	orders        *prometheus.CounterVec
	orderDuration *prometheus.HistogramVec
	driveSteps    *prometheus.HistogramVec

	// refreshed at interval
	queueLength         *promconstmetrics.Ref
	drives              *promconstmetrics.Ref
	cacheUsed           *promconstmetrics.Ref
	cacheEntries        *promconstmetrics.Ref
	cacheHits           *promconstmetrics.Ref
	cacheMisses         *promconstmetrics.Ref
	scheduledJobRuntime *promconstmetrics.Ref

	constMetricsCollector *promconstmetrics.Collector
}

func newMetricsController() *metricsController {
	reg := prometheus.NewRegistry()

	constMetrics := promconstmetrics.NewCollector()

	m := &metricsController{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nau_http_requests_total",
			Help: "Admin HTTP server's handled requests",
		}, []string{"code", "method"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nau_orders_total",
			Help: "Finished orders (incl. failures)",
		}, []string{"kind", "status", "code"}),
		orderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nau_order_duration_seconds",
			Help:    "Time from submit to finish, including queueing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"kind"}),
		driveSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nau_drive_step_duration_seconds",
			Help:    "Physical steps (load, position, read, write..) by drive",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 9),
		}, []string{"drive", "step", "outcome"}),

		queueLength:         constMetrics.Register("nau_queue_orders", "Unfinished orders", prometheus.Labels{}),
		drives:              constMetrics.Register("nau_drives", "Drives by state", prometheus.Labels{}, "state"),
		cacheUsed:           constMetrics.Register("nau_cache_used_bytes", "Local cache usage", prometheus.Labels{}),
		cacheEntries:        constMetrics.Register("nau_cache_entries", "Objects in local cache", prometheus.Labels{}),
		cacheHits:           constMetrics.Register("nau_cache_hits", "Local cache hits since start", prometheus.Labels{}),
		cacheMisses:         constMetrics.Register("nau_cache_misses", "Local cache misses since start", prometheus.Labels{}),
		scheduledJobRuntime: constMetrics.Register("nau_scheduledjob_runtime_seconds", "Scheduled job's runtime (seconds)", prometheus.Labels{}, "job"),

		constMetricsCollector: constMetrics,
	}

	reg.MustRegister(m.httpRequests)
	reg.MustRegister(m.orders)
	reg.MustRegister(m.orderDuration)
	reg.MustRegister(m.driveSteps)
	reg.MustRegister(m.constMetricsCollector)

	return m
}

// for nauqueue's onComplete
func (m *metricsController) OrderFinished(order nautypes.Order) {
	m.orders.With(prometheus.Labels{
		"kind":   string(order.Kind),
		"status": string(order.Status),
		"code":   string(order.ErrorCode),
	}).Inc()

	if order.Finished != nil {
		m.orderDuration.With(prometheus.Labels{
			"kind": string(order.Kind),
		}).Observe(order.Finished.Sub(order.Created).Seconds())
	}
}

// for naudrive's StepObserver
func (m *metricsController) DriveStep(drive int, step string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	m.driveSteps.With(prometheus.Labels{
		"drive":   strconv.Itoa(drive),
		"step":    step,
		"outcome": outcome,
	}).Observe(took.Seconds())
}

// for scheduler's onFinished
func (m *metricsController) JobFinished(job scheduler.JobSpec) {
	if job.LastRun == nil {
		return
	}

	m.constMetricsCollector.Observe(
		m.scheduledJobRuntime,
		job.LastRun.Finished.Sub(job.LastRun.Started).Seconds(),
		job.LastRun.Finished,
		job.ID)
}

// builds a cancellable metrics collection task that can be given to taskrunner
func (m *metricsController) Task(s *server) func(context.Context) error {
	return func(ctx context.Context) error {
		metricsCollectionInterval := time.NewTicker(5 * time.Second)
		defer metricsCollectionInterval.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-metricsCollectionInterval.C:
				m.collectMetrics(s.queue.Snapshot(), s.lib.Snapshot(), s.cache.Stats(), time.Now())
			}
		}
	}
}

func (m *metricsController) collectMetrics(
	orders []nautypes.Order,
	drives []naulibrary.DriveSnapshot,
	cacheStats naucache.Stats,
	now time.Time,
) {
	constMetrics := m.constMetricsCollector // shorthand

	constMetrics.Observe(m.queueLength, float64(len(orders)), now)

	byState := map[naulibrary.DriveState]int{}
	for _, drive := range drives {
		byState[drive.State]++
	}

	for _, state := range []naulibrary.DriveState{
		naulibrary.DriveStateIdle,
		naulibrary.DriveStateLoading,
		naulibrary.DriveStateLoaded,
		naulibrary.DriveStatePositioning,
		naulibrary.DriveStateReading,
		naulibrary.DriveStateWriting,
		naulibrary.DriveStateRewinding,
		naulibrary.DriveStateUnloading,
		naulibrary.DriveStateError,
	} {
		constMetrics.Observe(m.drives, float64(byState[state]), now, string(state))
	}

	constMetrics.Observe(m.cacheUsed, float64(cacheStats.UsedBytes), now)
	constMetrics.Observe(m.cacheEntries, float64(cacheStats.Entries), now)
	constMetrics.Observe(m.cacheHits, float64(cacheStats.Hits), now)
	constMetrics.Observe(m.cacheMisses, float64(cacheStats.Misses), now)
}

func (m *metricsController) MetricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *metricsController) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}
