package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "alarm_occurrences_open",
			Help: "Alarm occurrences not yet cleared",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM alarm_occurrences WHERE state <> 'cleared'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "execution_history_rows",
			Help: "Retained virtual point execution history rows",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM virtual_point_execution_history")
		},
	))
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
