// Package metrics содержит Prometheus-метрики сервиса талонов.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmeshcher/meal-coupon-system/internal/model"
)

const namespace = "mealcoupon"

// Metrics хранит коллекторы в собственном реестре, чтобы тесты могли создавать независимые экземпляры.
type Metrics struct {
	registry *prometheus.Registry

	scans         *prometheus.CounterVec
	redemptions   *prometheus.CounterVec
	syncRuns      *prometheus.CounterVec
	syncRecords   *prometheus.CounterVec
	requests      *prometheus.CounterVec
	requestTiming *prometheus.HistogramVec
}

// New создаёт и регистрирует коллекторы.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "QR scans by decision status.",
		}, []string{"status"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Accepted redemptions by coupon slot.",
		}, []string{"slot"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roster_sync_runs_total",
			Help:      "Roster synchronization runs by result (ok/failed/busy).",
		}, []string{"result"}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roster_sync_records_total",
			Help:      "Roster records processed by outcome (upserted/skipped).",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(m.scans, m.redemptions, m.syncRuns, m.syncRecords, m.requests, m.requestTiming)
	return m
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveScan учитывает результат сканирования.
func (m *Metrics) ObserveScan(o model.Outcome, slot int) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(string(o.Status)).Inc()
	if o.Status == model.ScanStatusAccepted {
		m.redemptions.WithLabelValues(strconv.Itoa(slot)).Inc()
	}
}

// ObserveSync учитывает запуск синхронизации списка участников.
func (m *Metrics) ObserveSync(result string, res model.SyncResult) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
	m.syncRecords.WithLabelValues("upserted").Add(float64(res.Upserted))
	m.syncRecords.WithLabelValues("skipped").Add(float64(res.Skipped))
}

// ObserveRequest учитывает обработанный HTTP-запрос.
func (m *Metrics) ObserveRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestTiming.WithLabelValues(method).Observe(d.Seconds())
}
