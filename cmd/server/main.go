// Package main запускает сервис обнаружения падений
// Сервис реализует:
// - прием показаний акселерометра и гироскопа по HTTP и MQTT
// - сглаживание скользящим средним по 5 показаниям и двухфазный детектор падения
// - оповещение экстренного контакта через SMS шлюз с координатами устройства
// - хранение настроек, контакта и истории тревог в Redis
// - экспорт метрик в Prometheus и поток тревог по WebSocket
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sosodev/duration"
	"golang.org/x/sync/errgroup"

	"fall-detection-service/internal/alert"
	"fall-detection-service/internal/analytics"
	"fall-detection-service/internal/cache"
	"fall-detection-service/internal/handlers"
	"fall-detection-service/internal/ingest"
	"fall-detection-service/internal/metrics"
	"fall-detection-service/internal/models"
	"fall-detection-service/internal/recording"
)

// Config содержит конфигурацию сервиса
type Config struct {
	ServerAddr       string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	BufferSize       int
	MQTTBroker       string
	MQTTTopicPrefix  string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	Sensitivity      int
	PairWindow       time.Duration
	LocationTimeout  time.Duration
	AlertTimeout     time.Duration
	EmergencyContact string
	RecordPath       string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
}

func main() {
	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: logLevel()}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	log.Info("starting fall detection service", "go", runtime.Version(), "cpus", runtime.NumCPU())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализируем анализатор
	analyzer := analytics.NewAnalyzer(cfg.BufferSize,
		analytics.WithPairWindow(cfg.PairWindow),
		analytics.WithLogger(log),
	)
	if cfg.Sensitivity >= 0 {
		analyzer.SetSensitivity(cfg.Sensitivity)
		metrics.Sensitivity.Set(float64(cfg.Sensitivity))
	}
	analyzer.Start()
	log.Info("analytics engine started", "buffer", cfg.BufferSize, "pair_window", cfg.PairWindow)

	// Пробуем подключиться к Redis с повторами
	redisCache := connectRedis(ctx, cfg, log)

	var store handlers.Store
	var alertStore alert.Store = staticStore{contact: cfg.EmergencyContact}
	if redisCache != nil {
		store = redisCache
		alertStore = redisCache
		applyStoredSensitivity(ctx, redisCache, analyzer, log)
	}

	tracker := alert.NewLocationTracker(alert.WithTimeout(cfg.LocationTimeout))
	hub := handlers.NewHub(log)

	// Запись показаний в CSV, если задан путь
	var recorder *recording.Writer
	var sink ingest.Sink = analyzer
	if cfg.RecordPath != "" {
		recorder, err = recording.Open(cfg.RecordPath)
		if err != nil {
			return err
		}
		defer recorder.Close()
		sink = recording.NewTap(analyzer, recorder, log)
		log.Info("recording samples", "path", cfg.RecordPath)
	}

	// MQTT: показания и координаты от устройства, SMS и сигнал наружу
	mqttCfg := ingest.Config{
		Broker:      cfg.MQTTBroker,
		TopicPrefix: cfg.MQTTTopicPrefix,
		ClientID:    cfg.MQTTClientID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		QoS:         1,
	}
	subscriber := ingest.NewSubscriber(mqttCfg, sink, tracker, log)
	if err := subscriber.Connect(); err != nil {
		log.Warn("MQTT unavailable, running with HTTP ingest only", "error", err)
	}
	defer subscriber.Close()
	publisher := ingest.NewPublisher(subscriber.Client(), mqttCfg, log)

	dispatcherOpts := []alert.DispatcherOption{
		alert.WithFeedback(publisher),
		alert.WithRecorder(hub),
		alert.WithRecorder(alertMetrics{}),
		alert.WithLogger(log),
	}
	if redisCache != nil {
		dispatcherOpts = append(dispatcherOpts, alert.WithRecorder(redisCache))
	}
	dispatcher := alert.NewDispatcher(alertStore, publisher, meteredLocator{tracker}, dispatcherOpts...)

	analyzer.AddFallListener(func(r models.DetectionResult) {
		hub.PublishFall(r)

		alertCtx, cancel := context.WithTimeout(context.Background(), cfg.AlertTimeout)
		defer cancel()
		dispatcher.Dispatch(alertCtx, r.Timestamp)
	})

	// Создаем обработчики
	handlerOpts := []handlers.Option{
		handlers.WithLocations(tracker),
		handlers.WithAlerter(dispatcher),
		handlers.WithHub(hub),
		handlers.WithMQTTStatus(subscriber.IsConnected),
		handlers.WithLogger(log),
	}
	if recorder != nil {
		handlerOpts = append(handlerOpts, handlers.WithRecorder(recorder))
	}
	handler := handlers.NewHandler(analyzer, store, handlerOpts...)

	// Настраиваем маршруты
	router := handler.Router()
	router.Handle("/prometheus", promhttp.Handler())
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	router.Use(loggingMiddleware(log))

	// Создаем HTTP сервер с настройками таймаутов
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", "addr", cfg.ServerAddr)
		logRoutes(log, router)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		updateMetricsLoop(gctx)
		return nil
	})

	g.Go(func() error {
		processAnalysisResults(gctx, analyzer, redisCache, log)
		return nil
	})

	// Ожидаем сигнал завершения
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return shutdown(shutdownCtx, server,
			analyzer.Stop,
			hub.Close,
			func() {
				if redisCache != nil {
					redisCache.Close()
				}
			},
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// shutdown дожидается завершения запросов и только потом закрывает
// зависимости обработчиков в заданном порядке
func shutdown(ctx context.Context, server interface{ Shutdown(context.Context) error }, closers ...func()) error {
	err := server.Shutdown(ctx)
	if err != nil {
		err = fmt.Errorf("server shutdown: %w", err)
	}
	for _, closeFn := range closers {
		closeFn()
	}
	return err
}

// loadConfig загружает конфигурацию из переменных окружения
func loadConfig() (Config, error) {
	cfg := Config{
		ServerAddr:       getEnv("SERVER_ADDR", ":8080"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		MQTTBroker:       getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopicPrefix:  getEnv("MQTT_TOPIC_PREFIX", "falldetect"),
		MQTTClientID:     getEnv("MQTT_CLIENT_ID", fmt.Sprintf("fall-detection-%d", time.Now().Unix())),
		MQTTUsername:     getEnv("MQTT_USERNAME", ""),
		MQTTPassword:     getEnv("MQTT_PASSWORD", ""),
		EmergencyContact: getEnv("EMERGENCY_CONTACT", ""),
		RecordPath:       getEnv("RECORD_PATH", ""),
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
		IdleTimeout:      60 * time.Second,
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.BufferSize, err = getEnvInt("BUFFER_SIZE", 10000); err != nil {
		return cfg, err
	}
	if cfg.Sensitivity, err = getEnvInt("SENSITIVITY", -1); err != nil {
		return cfg, err
	}
	if cfg.PairWindow, err = getEnvDuration("PAIR_WINDOW", analytics.PairWindow); err != nil {
		return cfg, err
	}
	if cfg.LocationTimeout, err = getEnvDuration("LOCATION_TIMEOUT", alert.LocationTimeout); err != nil {
		return cfg, err
	}
	if cfg.AlertTimeout, err = getEnvDuration("ALERT_TIMEOUT", 2*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// getEnv получает переменную окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает целочисленную переменную окружения
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getEnvDuration принимает "100ms" или ISO-8601 "PT0.1S"
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	d, err := duration.Parse(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d.ToTimeDuration(), nil
}

func logLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func connectRedis(ctx context.Context, cfg Config, log *slog.Logger) *cache.RedisCache {
	var err error
	for i := 0; i < 5; i++ {
		var redisCache *cache.RedisCache
		redisCache, err = cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err == nil {
			log.Info("connected to Redis", "addr", cfg.RedisAddr)
			return redisCache
		}
		log.Warn("Redis connection attempt failed", "attempt", i+1, "error", err)
		if i < 4 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	log.Warn("running without Redis: settings and alert history unavailable", "error", err)
	return nil
}

// applyStoredSensitivity восстанавливает сохраненную чувствительность
func applyStoredSensitivity(ctx context.Context, redisCache *cache.RedisCache, analyzer *analytics.Analyzer, log *slog.Logger) {
	prefs, err := redisCache.GetPreferences(ctx)
	if err != nil {
		log.Warn("failed to load stored preferences", "error", err)
		return
	}
	if prefs.Sensitivity != nil {
		analyzer.SetSensitivity(*prefs.Sensitivity)
		metrics.Sensitivity.Set(float64(*prefs.Sensitivity))
		log.Info("restored sensitivity", "level", *prefs.Sensitivity)
	}
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

func logRoutes(log *slog.Logger, router *mux.Router) {
	router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := route.GetMethods()
		log.Info("endpoint", "path", path, "methods", methods)
		return nil
	})
}

// updateMetricsLoop периодически обновляет метрики Prometheus
func updateMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
		case <-ctx.Done():
			return
		}
	}
}

// processAnalysisResults обрабатывает результаты анализа
func processAnalysisResults(ctx context.Context, analyzer *analytics.Analyzer, redisCache *cache.RedisCache, log *slog.Logger) {
	for {
		select {
		case result := <-analyzer.GetResults():
			metrics.ObserveResult(result)
			if redisCache != nil {
				redisCache.IncrementCounter(ctx, cache.SamplesCounterKey)
			}
			if result.FallDetected {
				if redisCache != nil {
					redisCache.IncrementCounter(ctx, cache.FallsCounterKey)
				}
				log.Warn("fall detected", "at", result.Timestamp, "smoothed", result.SmoothedMagnitude)
			}
		case <-ctx.Done():
			return
		}
	}
}

// staticStore источник контакта без Redis
type staticStore struct {
	contact string
}

func (s staticStore) GetPreferences(context.Context) (models.Preferences, error) {
	return models.DefaultPreferences(), nil
}

func (s staticStore) GetContact(context.Context) (string, error) {
	return s.contact, nil
}

// alertMetrics учитывает тревоги в Prometheus
type alertMetrics struct{}

func (alertMetrics) RecordAlert(_ context.Context, a models.Alert) error {
	metrics.ObserveAlert(a)
	return nil
}

// meteredLocator учитывает результаты определения координат
type meteredLocator struct {
	tracker *alert.LocationTracker
}

func (m meteredLocator) Locate(ctx context.Context) (models.Location, error) {
	loc, err := m.tracker.Locate(ctx)
	switch {
	case err == nil:
		metrics.LocationLookups.WithLabelValues("ok").Inc()
	case errors.Is(err, alert.ErrLocationTimeout):
		metrics.LocationLookups.WithLabelValues("timeout").Inc()
	default:
		metrics.LocationLookups.WithLabelValues("error").Inc()
	}
	return loc, err
}
