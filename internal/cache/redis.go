// Package cache хранит настройки, экстренный контакт и историю тревог в Redis
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"fall-detection-service/internal/models"
)

const (
	// PreferencesKey ключ пользовательских настроек
	PreferencesKey = "prefs:user"
	// ContactKey ключ экстренного контакта
	ContactKey = "contact:emergency"
	// AlertKeyPrefix префикс для отдельных тревог
	AlertKeyPrefix = "alert:"
	// LatestAlertsKey список последних тревог
	LatestAlertsKey = "alerts:latest"
	// SamplesCounterKey счетчик обработанных показаний
	SamplesCounterKey = "samples:total"
	// FallsCounterKey счетчик подтвержденных падений
	FallsCounterKey = "falls:total"
	// AlertsCounterKey счетчик доставленных тревог (sent, sent_simple)
	AlertsCounterKey = "alerts:total"
	// AlertTTL время жизни записи о тревоге
	AlertTTL = 30 * 24 * time.Hour
	// MaxStoredAlerts длина списка последних тревог
	MaxStoredAlerts = 100
)

// RedisCache реализует хранилище в Redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache создает новое подключение к Redis
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// GetPreferences возвращает настройки, либо значения по умолчанию, если их нет
func (r *RedisCache) GetPreferences(ctx context.Context) (models.Preferences, error) {
	prefs := models.DefaultPreferences()

	data, err := r.client.Get(ctx, PreferencesKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return prefs, nil
	}
	if err != nil {
		return prefs, fmt.Errorf("failed to get preferences: %w", err)
	}

	if err := json.Unmarshal(data, &prefs); err != nil {
		return models.DefaultPreferences(), fmt.Errorf("failed to unmarshal preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences сохраняет настройки
func (r *RedisCache) SavePreferences(ctx context.Context, prefs models.Preferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if err := r.client.Set(ctx, PreferencesKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

// GetContact возвращает номер экстренного контакта, пустую строку если не задан
func (r *RedisCache) GetContact(ctx context.Context) (string, error) {
	phone, err := r.client.Get(ctx, ContactKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get contact: %w", err)
	}
	return phone, nil
}

// SaveContact сохраняет номер экстренного контакта
func (r *RedisCache) SaveContact(ctx context.Context, phone string) error {
	if err := r.client.Set(ctx, ContactKey, phone, 0).Err(); err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

// RecordAlert сохраняет тревогу и добавляет ее в список последних.
// Счетчик увеличивается только для доставленных тревог.
func (r *RedisCache) RecordAlert(ctx context.Context, alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, AlertKeyPrefix+alert.ID, data, AlertTTL)
	pipe.LPush(ctx, LatestAlertsKey, data)
	pipe.LTrim(ctx, LatestAlertsKey, 0, MaxStoredAlerts-1)
	if alert.Status.Delivered() {
		pipe.Incr(ctx, AlertsCounterKey)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

// GetLatestAlerts возвращает последние count тревог, новые первыми
func (r *RedisCache) GetLatestAlerts(ctx context.Context, count int64) ([]models.Alert, error) {
	data, err := r.client.LRange(ctx, LatestAlertsKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest alerts: %w", err)
	}

	alerts := make([]models.Alert, 0, len(data))
	for _, d := range data {
		var a models.Alert
		if err := json.Unmarshal([]byte(d), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// IncrementCounter увеличивает счетчик
func (r *RedisCache) IncrementCounter(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// GetCounter возвращает значение счетчика
func (r *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// Ping проверяет соединение с Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisCache) Close() error {
	return r.client.Close()
}
