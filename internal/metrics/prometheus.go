// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fall-detection-service/internal/models"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "falldetect_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "falldetect_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)

	// SamplesReceived количество полученных показаний по источнику
	SamplesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "falldetect_samples_received_total",
			Help: "Total number of sensor samples received",
		},
		[]string{"source"},
	)

	// SamplesRejected количество отброшенных показаний
	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "falldetect_samples_rejected_total",
			Help: "Total number of sensor samples rejected",
		},
		[]string{"reason"},
	)

	// SamplesEvaluated количество показаний, прошедших через детектор
	SamplesEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "falldetect_samples_evaluated_total",
			Help: "Total number of samples evaluated by the detector",
		},
	)

	// GyroMissing показания без данных гироскопа
	GyroMissing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "falldetect_gyro_missing_total",
			Help: "Evaluated samples without angular velocity",
		},
	)

	// FallsDetected количество подтвержденных падений
	FallsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "falldetect_falls_detected_total",
			Help: "Total number of confirmed falls",
		},
	)

	// SmoothedAccel сглаженный модуль ускорения
	SmoothedAccel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "falldetect_smoothed_accel",
			Help: "Last smoothed acceleration magnitude (m/s^2)",
		},
	)

	// Confirmations текущее число подтверждений
	Confirmations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "falldetect_confirmations",
			Help: "Current fall confirmation count",
		},
	)

	// Sensitivity текущая чувствительность
	Sensitivity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "falldetect_sensitivity",
			Help: "Configured sensitivity level (0-100)",
		},
	)

	// AlertsTotal тревоги по итоговому статусу
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "falldetect_alerts_total",
			Help: "Total number of fall alerts by status",
		},
		[]string{"status"},
	)

	// LocationLookups результаты определения местоположения
	LocationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "falldetect_location_lookups_total",
			Help: "Location lookups by result",
		},
		[]string{"result"},
	)

	// StreamClients количество подключенных WebSocket клиентов
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "falldetect_stream_clients",
			Help: "Number of connected alert stream clients",
		},
	)

	// ActiveGoroutines количество активных горутин
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "falldetect_active_goroutines",
			Help: "Number of active goroutines",
		},
	)

	// AnalysisLatency время выполнения анализа
	AnalysisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "falldetect_analysis_latency_seconds",
			Help:    "Detector evaluation latency in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005},
		},
	)
)

// ObserveResult обновляет метрики по результату детекции
func ObserveResult(r models.DetectionResult) {
	SamplesEvaluated.Inc()
	SmoothedAccel.Set(r.SmoothedMagnitude)
	Confirmations.Set(float64(r.Confirmations))
	if !r.GyroPresent {
		GyroMissing.Inc()
	}
	if r.FallDetected {
		FallsDetected.Inc()
	}
}

// ObserveAlert учитывает тревогу
func ObserveAlert(a models.Alert) {
	AlertsTotal.WithLabelValues(string(a.Status)).Inc()
}
