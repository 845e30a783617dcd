// Package models содержит структуры данных для показаний датчиков, результатов
// детекции и тревог
package models

import (
	"time"

	"fall-detection-service/internal/detector"
)

// EventKind тип показания датчика
type EventKind string

const (
	// KindAccel показание акселерометра
	KindAccel EventKind = "accel"
	// KindGyro показание гироскопа
	KindGyro EventKind = "gyro"
)

// SamplePayload представляет входящую пару показаний от устройства.
// Gyro может отсутствовать.
type SamplePayload struct {
	Timestamp time.Time   `json:"timestamp"`
	Accel     *[3]float64 `json:"accel"`
	Gyro      *[3]float64 `json:"gyro,omitempty"`
	DeviceID  string      `json:"device_id,omitempty"`
}

// Sample переводит полезную нагрузку в показание детектора
func (p SamplePayload) Sample() detector.Sample {
	return detector.Sample{
		Accel: optional(p.Accel),
		Gyro:  optional(p.Gyro),
	}
}

// SamplesBatch представляет пакет показаний для массовой загрузки
type SamplesBatch struct {
	Samples []SamplePayload `json:"samples"`
}

// SensorEvent одиночное показание одного датчика
type SensorEvent struct {
	Kind      EventKind  `json:"type"`
	Values    [3]float64 `json:"values"`
	Timestamp time.Time  `json:"timestamp"`
}

// Vector возвращает показание как вектор
func (e SensorEvent) Vector() detector.Vec3 {
	return detector.Vec3{X: e.Values[0], Y: e.Values[1], Z: e.Values[2]}
}

// DetectionResult содержит результат обработки одного показания
type DetectionResult struct {
	Timestamp         time.Time `json:"timestamp"`
	SmoothedMagnitude float64   `json:"smoothed_magnitude"`
	GyroPresent       bool      `json:"gyro_present"`
	Confirmations     int       `json:"confirmations"`
	HighAccelDetected bool      `json:"high_accel_detected"`
	FallDetected      bool      `json:"fall_detected"`
}

// Location координаты устройства и, если удалось, адрес
type Location struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Address   string    `json:"address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertStatus итог отправки тревоги
type AlertStatus string

const (
	AlertSent        AlertStatus = "sent"
	AlertSentSimple  AlertStatus = "sent_simple"
	AlertFailed      AlertStatus = "failed"
	AlertNoContact   AlertStatus = "no_contact"
	AlertSMSDisabled AlertStatus = "sms_disabled"
)

// Delivered сообщает, что сообщение контакту отправлено
func (s AlertStatus) Delivered() bool {
	return s == AlertSent || s == AlertSentSimple
}

// Alert запись о тревоге. Contact всегда замаскирован.
type Alert struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Status     AlertStatus `json:"status"`
	StatusText string      `json:"status_text"`
	Contact    string      `json:"contact,omitempty"`
	Message    string      `json:"message,omitempty"`
	Location   *Location   `json:"location,omitempty"`
	Attempts   int         `json:"attempts"`
	Test       bool        `json:"test,omitempty"`
}

// Preferences пользовательские настройки
type Preferences struct {
	SoundEnabled     bool `json:"sound_enabled"`
	VibrationEnabled bool `json:"vibration_enabled"`
	SMSEnabled       bool `json:"sms_enabled"`
	Sensitivity      *int `json:"sensitivity,omitempty"`
}

// DefaultPreferences возвращает настройки по умолчанию: все оповещения включены
func DefaultPreferences() Preferences {
	return Preferences{
		SoundEnabled:     true,
		VibrationEnabled: true,
		SMSEnabled:       true,
	}
}

// ContactRequest тело запроса на сохранение контакта
type ContactRequest struct {
	Phone string `json:"phone"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Redis     string    `json:"redis"`
	MQTT      string    `json:"mqtt"`
	Uptime    string    `json:"uptime"`
}

// StatsResponse содержит статистику сервиса
type StatsResponse struct {
	SamplesEvaluated int64   `json:"samples_evaluated"`
	SamplesDropped   int64   `json:"samples_dropped"`
	FallsDetected    int64   `json:"falls_detected"`
	AlertsTotal      int64   `json:"alerts_total"`
	SmoothedAccel    float64 `json:"smoothed_accel"`
}

func optional(v *[3]float64) detector.Optional {
	if v == nil {
		return detector.None()
	}
	return detector.Some(detector.Vec3{X: v[0], Y: v[1], Z: v[2]})
}
