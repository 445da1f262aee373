package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "pointcalc_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	valueWrites *prometheus.CounterVec
	valueDrops  *prometheus.CounterVec

	evalTotal   *prometheus.CounterVec
	evalLatency *prometheus.HistogramVec

	scheduleSkips *prometheus.CounterVec
	invalidPoints prometheus.Gauge
	queueDepth    *prometheus.GaugeVec

	alarmEventsTotal *prometheus.CounterVec
	alarmSuppressed  *prometheus.CounterVec

	historyFailures prometheus.Counter
)

// Init registers engine metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		valueWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "value_writes_total",
				Help: "Accepted value store writes by point kind",
			},
			[]string{"kind"},
		)
		valueDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "value_drops_total",
				Help: "Value store writes dropped for non-monotonic timestamps",
			},
			[]string{"kind"},
		)

		evalTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "virtual_point_evaluations_total",
				Help: "Virtual point evaluations by result",
			},
			[]string{"result"},
		)
		evalLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "virtual_point_evaluation_seconds",
				Help:    "Virtual point evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		scheduleSkips = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "virtual_point_schedule_skips_total",
				Help: "Scheduling requests that did not start an evaluation, by reason",
			},
			[]string{"reason"},
		)
		invalidPoints = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "virtual_points_invalid",
				Help: "Virtual points excluded from scheduling by the last configuration load",
			},
		)
		queueDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "queue_depth",
				Help: "Pending items per worker queue",
			},
			[]string{"queue"},
		)

		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Alarm lifecycle events by type",
			},
			[]string{"event"},
		)
		alarmSuppressed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_suppressed_total",
				Help: "Alarm activations discarded by suppression rules",
			},
			[]string{"reason"},
		)

		historyFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "execution_history_failures_total",
				Help: "Execution history records that could not be persisted",
			},
		)

		prometheus.MustRegister(
			valueWrites,
			valueDrops,
			evalTotal,
			evalLatency,
			scheduleSkips,
			invalidPoints,
			queueDepth,
			alarmEventsTotal,
			alarmSuppressed,
			historyFailures,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncValueWrite increments accepted writes.
func IncValueWrite(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if valueWrites != nil {
		valueWrites.WithLabelValues(kind).Inc()
	}
}

// IncValueDrop increments dropped out-of-order writes.
func IncValueDrop(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if valueDrops != nil {
		valueDrops.WithLabelValues(kind).Inc()
	}
}

// ObserveEvaluation records evaluation latency and result.
func ObserveEvaluation(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if evalTotal != nil {
		evalTotal.WithLabelValues(result).Inc()
	}
	if evalLatency != nil {
		evalLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncScheduleSkip counts coalesced or cache-suppressed scheduling requests.
func IncScheduleSkip(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if scheduleSkips != nil {
		scheduleSkips.WithLabelValues(reason).Inc()
	}
}

// SetInvalidPoints publishes the invalid point count of the active graph.
func SetInvalidPoints(count int) {
	if invalidPoints != nil {
		invalidPoints.Set(float64(count))
	}
}

// SetQueueDepth publishes the depth of a worker queue.
func SetQueueDepth(queue string, depth int) {
	if queueDepth != nil {
		queueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}

// IncAlarmEvent increments alarm lifecycle counters.
func IncAlarmEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncAlarmSuppressed increments suppressed activations.
func IncAlarmSuppressed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if alarmSuppressed != nil {
		alarmSuppressed.WithLabelValues(reason).Inc()
	}
}

// IncHistoryFailure counts dropped execution history records.
func IncHistoryFailure() {
	if historyFailures != nil {
		historyFailures.Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
