// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"fall-detection-service/internal/alert"
	"fall-detection-service/internal/analytics"
	"fall-detection-service/internal/cache"
	"fall-detection-service/internal/detector"
	"fall-detection-service/internal/metrics"
	"fall-detection-service/internal/models"
)

// Store хранилище настроек, контакта и истории тревог (cache.RedisCache)
type Store interface {
	GetPreferences(ctx context.Context) (models.Preferences, error)
	SavePreferences(ctx context.Context, prefs models.Preferences) error
	GetContact(ctx context.Context) (string, error)
	SaveContact(ctx context.Context, phone string) error
	GetLatestAlerts(ctx context.Context, count int64) ([]models.Alert, error)
	GetCounter(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

// LocationUpdater принимает координаты устройства (alert.LocationTracker)
type LocationUpdater interface {
	Update(loc models.Location)
}

// TestAlerter отправляет пробную тревогу (alert.Dispatcher)
type TestAlerter interface {
	Test(ctx context.Context) (models.Alert, error)
}

// EventRecorder сохраняет принятые показания (recording.Writer)
type EventRecorder interface {
	WriteEvent(e models.SensorEvent) error
}

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	analyzer  *analytics.Analyzer
	store     Store
	locations LocationUpdater
	alerter   TestAlerter
	recorder  EventRecorder
	hub       *Hub
	mqttUp    func() bool
	log       *slog.Logger
	startTime time.Time
}

// Option настраивает Handler
type Option func(*Handler)

// WithLocations задает получателя координат
func WithLocations(l LocationUpdater) Option {
	return func(h *Handler) { h.locations = l }
}

// WithAlerter задает отправку пробных тревог
func WithAlerter(a TestAlerter) Option {
	return func(h *Handler) { h.alerter = a }
}

// WithRecorder задает запись показаний
func WithRecorder(r EventRecorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// WithHub задает поток тревог для /ws
func WithHub(hub *Hub) Option {
	return func(h *Handler) { h.hub = hub }
}

// WithMQTTStatus задает проверку соединения с брокером
func WithMQTTStatus(fn func() bool) Option {
	return func(h *Handler) { h.mqttUp = fn }
}

// WithLogger задает логгер
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// NewHandler создает новый обработчик. store может быть nil, если Redis недоступен.
func NewHandler(analyzer *analytics.Analyzer, store Store, opts ...Option) *Handler {
	h := &Handler{
		analyzer:  analyzer,
		store:     store,
		log:       slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router регистрирует маршруты API
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/samples", h.SamplesHandler).Methods("POST")
	router.HandleFunc("/samples/batch", h.BatchSamplesHandler).Methods("POST")
	router.HandleFunc("/events", h.EventsHandler).Methods("POST")
	router.HandleFunc("/location", h.LocationHandler).Methods("POST")
	router.HandleFunc("/state", h.StateHandler).Methods("GET")
	router.HandleFunc("/alerts", h.AlertsHandler).Methods("GET")
	router.HandleFunc("/alerts/test", h.TestAlertHandler).Methods("POST")
	router.HandleFunc("/settings", h.GetSettingsHandler).Methods("GET")
	router.HandleFunc("/settings", h.PutSettingsHandler).Methods("PUT")
	router.HandleFunc("/contact", h.GetContactHandler).Methods("GET")
	router.HandleFunc("/contact", h.PutContactHandler).Methods("PUT")
	router.HandleFunc("/health", h.HealthHandler).Methods("GET")
	router.HandleFunc("/stats", h.StatsHandler).Methods("GET")
	if h.hub != nil {
		router.HandleFunc("/ws", h.hub.ServeWS).Methods("GET")
	}

	return router
}

// SamplesHandler обрабатывает POST /samples - синхронная оценка одного показания
func (h *Handler) SamplesHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/samples", r.Method))
	defer timer.ObserveDuration()

	var payload models.SamplePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.fail(w, r, "/samples", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Accel == nil {
		metrics.SamplesRejected.WithLabelValues("missing_accel").Inc()
		h.fail(w, r, "/samples", "accel is required", http.StatusBadRequest)
		return
	}

	result := h.evaluate(payload)

	metrics.RequestsTotal.WithLabelValues("/samples", r.Method, "200").Inc()
	h.respondJSON(w, result, http.StatusOK)
}

// BatchSamplesHandler обрабатывает POST /samples/batch - показания по порядку
func (h *Handler) BatchSamplesHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/samples/batch", r.Method))
	defer timer.ObserveDuration()

	var batch models.SamplesBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.fail(w, r, "/samples/batch", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	results := make([]models.DetectionResult, 0, len(batch.Samples))
	falls := 0
	rejected := 0

	for _, payload := range batch.Samples {
		if payload.Accel == nil {
			metrics.SamplesRejected.WithLabelValues("missing_accel").Inc()
			rejected++
			continue
		}
		result := h.evaluate(payload)
		results = append(results, result)
		if result.FallDetected {
			falls++
		}
	}

	response := map[string]interface{}{
		"processed":   len(results),
		"rejected":    rejected,
		"falls_found": falls,
		"results":     results,
	}

	metrics.RequestsTotal.WithLabelValues("/samples/batch", r.Method, "200").Inc()
	h.respondJSON(w, response, http.StatusOK)
}

func (h *Handler) evaluate(payload models.SamplePayload) models.DetectionResult {
	metrics.SamplesReceived.WithLabelValues("http").Inc()
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	h.record(payload)

	start := time.Now()
	result := h.analyzer.AnalyzeSync(payload.Sample(), payload.Timestamp)
	metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	return result
}

func (h *Handler) record(payload models.SamplePayload) {
	if h.recorder == nil {
		return
	}
	ts := payload.Timestamp
	events := make([]models.SensorEvent, 0, 2)
	if payload.Gyro != nil {
		events = append(events, models.SensorEvent{Kind: models.KindGyro, Values: *payload.Gyro, Timestamp: ts})
	}
	events = append(events, models.SensorEvent{Kind: models.KindAccel, Values: *payload.Accel, Timestamp: ts})

	for _, e := range events {
		if err := h.recorder.WriteEvent(e); err != nil {
			h.log.Error("failed to record sample", "error", err)
			return
		}
	}
}

// EventsHandler обрабатывает POST /events - одиночное событие датчика
func (h *Handler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/events", r.Method))
	defer timer.ObserveDuration()

	var event models.SensorEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.fail(w, r, "/events", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if event.Kind != models.KindAccel && event.Kind != models.KindGyro {
		metrics.SamplesRejected.WithLabelValues("unknown_kind").Inc()
		h.fail(w, r, "/events", "type must be accel or gyro", http.StatusBadRequest)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	metrics.SamplesReceived.WithLabelValues("http").Inc()
	if h.recorder != nil {
		if err := h.recorder.WriteEvent(event); err != nil {
			h.log.Error("failed to record event", "error", err)
		}
	}

	result, evaluated := h.analyzer.HandleEvent(event)
	metrics.RequestsTotal.WithLabelValues("/events", r.Method, "200").Inc()
	if !evaluated {
		h.respondJSON(w, map[string]interface{}{"accepted": true, "evaluated": false}, http.StatusOK)
		return
	}
	h.respondJSON(w, result, http.StatusOK)
}

// LocationHandler обрабатывает POST /location - координаты устройства
func (h *Handler) LocationHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/location", r.Method))
	defer timer.ObserveDuration()

	if h.locations == nil {
		h.fail(w, r, "/location", "Location tracking not available", http.StatusServiceUnavailable)
		return
	}

	var loc models.Location
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		h.fail(w, r, "/location", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		h.fail(w, r, "/location", "coordinates out of range", http.StatusBadRequest)
		return
	}

	h.locations.Update(loc)

	metrics.RequestsTotal.WithLabelValues("/location", r.Method, "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// StateHandler обрабатывает GET /state - состояние детектора
func (h *Handler) StateHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/state", r.Method))
	defer timer.ObserveDuration()

	response := map[string]interface{}{
		"timestamp":     time.Now(),
		"state":         h.analyzer.Snapshot(),
		"filter_window": detector.FilterWindow,
		"pair_window":   analytics.PairWindow.String(),
	}

	metrics.RequestsTotal.WithLabelValues("/state", r.Method, "200").Inc()
	h.respondJSON(w, response, http.StatusOK)
}

// AlertsHandler обрабатывает GET /alerts - последние тревоги
func (h *Handler) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/alerts", r.Method))
	defer timer.ObserveDuration()

	count := int64(20)
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if c, err := strconv.ParseInt(countStr, 10, 64); err == nil && c > 0 && c <= cache.MaxStoredAlerts {
			count = c
		}
	}

	if h.store == nil {
		h.fail(w, r, "/alerts", "Cache not available", http.StatusServiceUnavailable)
		return
	}

	alerts, err := h.store.GetLatestAlerts(r.Context(), count)
	if err != nil {
		h.fail(w, r, "/alerts", "Failed to get alerts: "+err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.RequestsTotal.WithLabelValues("/alerts", r.Method, "200").Inc()
	h.respondJSON(w, alerts, http.StatusOK)
}

// TestAlertHandler обрабатывает POST /alerts/test - пробная тревога
func (h *Handler) TestAlertHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/alerts/test", r.Method))
	defer timer.ObserveDuration()

	if h.alerter == nil {
		h.fail(w, r, "/alerts/test", "Alerting not available", http.StatusServiceUnavailable)
		return
	}

	a, err := h.alerter.Test(r.Context())
	status := http.StatusOK
	switch {
	case errors.Is(err, alert.ErrNoContact), errors.Is(err, alert.ErrSMSDisabled):
		status = http.StatusConflict
	case err != nil:
		status = http.StatusBadGateway
	}

	metrics.RequestsTotal.WithLabelValues("/alerts/test", r.Method, strconv.Itoa(status)).Inc()
	h.respondJSON(w, a, status)
}

// GetSettingsHandler обрабатывает GET /settings
func (h *Handler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/settings", r.Method))
	defer timer.ObserveDuration()

	if h.store == nil {
		h.fail(w, r, "/settings", "Cache not available", http.StatusServiceUnavailable)
		return
	}

	prefs, err := h.store.GetPreferences(r.Context())
	if err != nil {
		h.fail(w, r, "/settings", "Failed to get settings: "+err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.RequestsTotal.WithLabelValues("/settings", r.Method, "200").Inc()
	h.respondJSON(w, prefs, http.StatusOK)
}

// PutSettingsHandler обрабатывает PUT /settings. Чувствительность сразу
// применяется к детектору.
func (h *Handler) PutSettingsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/settings", r.Method))
	defer timer.ObserveDuration()

	if h.store == nil {
		h.fail(w, r, "/settings", "Cache not available", http.StatusServiceUnavailable)
		return
	}

	prefs := models.DefaultPreferences()
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.fail(w, r, "/settings", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if s := prefs.Sensitivity; s != nil && (*s < detector.MinSensitivity || *s > detector.MaxSensitivity) {
		h.fail(w, r, "/settings", "sensitivity must be between 0 and 100", http.StatusBadRequest)
		return
	}

	if err := h.store.SavePreferences(r.Context(), prefs); err != nil {
		h.fail(w, r, "/settings", "Failed to save settings: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if prefs.Sensitivity != nil {
		h.analyzer.SetSensitivity(*prefs.Sensitivity)
		metrics.Sensitivity.Set(float64(*prefs.Sensitivity))
		h.log.Info("sensitivity updated", "level", *prefs.Sensitivity)
	}

	metrics.RequestsTotal.WithLabelValues("/settings", r.Method, "200").Inc()
	h.respondJSON(w, prefs, http.StatusOK)
}

// GetContactHandler обрабатывает GET /contact, номер маскируется
func (h *Handler) GetContactHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/contact", r.Method))
	defer timer.ObserveDuration()

	if h.store == nil {
		h.fail(w, r, "/contact", "Cache not available", http.StatusServiceUnavailable)
		return
	}

	phone, err := h.store.GetContact(r.Context())
	if err != nil {
		h.fail(w, r, "/contact", "Failed to get contact: "+err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.RequestsTotal.WithLabelValues("/contact", r.Method, "200").Inc()
	h.respondJSON(w, map[string]interface{}{
		"contact": alert.MaskNumber(phone),
		"set":     phone != "",
	}, http.StatusOK)
}

// PutContactHandler обрабатывает PUT /contact
func (h *Handler) PutContactHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/contact", r.Method))
	defer timer.ObserveDuration()

	if h.store == nil {
		h.fail(w, r, "/contact", "Cache not available", http.StatusServiceUnavailable)
		return
	}

	var req models.ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, "/contact", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	phone := strings.TrimSpace(req.Phone)
	if !validPhone(phone) {
		h.fail(w, r, "/contact", "phone must contain 5 to 15 digits with optional leading +", http.StatusBadRequest)
		return
	}

	if err := h.store.SaveContact(r.Context(), phone); err != nil {
		h.fail(w, r, "/contact", "Failed to save contact: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("emergency contact updated", "contact", alert.MaskNumber(phone))
	metrics.RequestsTotal.WithLabelValues("/contact", r.Method, "200").Inc()
	h.respondJSON(w, map[string]interface{}{
		"contact": alert.MaskNumber(phone),
		"set":     true,
	}, http.StatusOK)
}

func validPhone(phone string) bool {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 5 || len(digits) > 15 {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disconnected"
	if h.store != nil && h.store.Ping(r.Context()) == nil {
		redisStatus = "connected"
	}
	mqttStatus := "disconnected"
	if h.mqttUp != nil && h.mqttUp() {
		mqttStatus = "connected"
	}

	status := models.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Redis:     redisStatus,
		MQTT:      mqttStatus,
		Uptime:    time.Since(h.startTime).String(),
	}

	h.respondJSON(w, status, http.StatusOK)
}

// StatsHandler обрабатывает GET /stats - статистика сервиса
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/stats", r.Method))
	defer timer.ObserveDuration()

	metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))

	stats := h.analyzer.GetStats()
	response := models.StatsResponse{
		SamplesEvaluated: stats.Evaluated,
		SamplesDropped:   stats.Dropped,
		FallsDetected:    stats.Falls,
		SmoothedAccel:    h.analyzer.Snapshot().Smoothed,
	}

	// счетчики в Redis переживают перезапуск сервиса
	if h.store != nil {
		if v, err := h.store.GetCounter(r.Context(), cache.SamplesCounterKey); err == nil && v > response.SamplesEvaluated {
			response.SamplesEvaluated = v
		}
		if v, err := h.store.GetCounter(r.Context(), cache.FallsCounterKey); err == nil && v > response.FallsDetected {
			response.FallsDetected = v
		}
		response.AlertsTotal, _ = h.store.GetCounter(r.Context(), cache.AlertsCounterKey)
	}

	metrics.RequestsTotal.WithLabelValues("/stats", r.Method, "200").Inc()
	h.respondJSON(w, response, http.StatusOK)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint, message string, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	h.respondError(w, message, status)
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
