// Package ingest принимает показания датчиков и координаты по MQTT и
// публикует исходящие сообщения (SMS шлюз, сигнал на устройство).
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/relvacode/iso8601"

	"fall-detection-service/internal/metrics"
	"fall-detection-service/internal/models"
)

// Топики относительно префикса
const (
	TopicAccel    = "accel"
	TopicGyro     = "gyro"
	TopicLocation = "location"
	TopicSMS      = "sms"
	TopicFeedback = "feedback"
)

var errBadPayload = errors.New("invalid payload")

// Sink принимает события датчиков (analytics.Analyzer)
type Sink interface {
	Submit(e models.SensorEvent) bool
}

// LocationSink принимает координаты (alert.LocationTracker)
type LocationSink interface {
	Update(loc models.Location)
}

// Config параметры подключения к брокеру
type Config struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
}

// Topic возвращает полный топик
func (c Config) Topic(name string) string {
	return strings.TrimSuffix(c.TopicPrefix, "/") + "/" + name
}

type sensorMessage struct {
	Values    []float64 `json:"values"`
	Timestamp string    `json:"timestamp"`
}

type locationMessage struct {
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lon"`
	Address   string   `json:"address"`
	Timestamp string   `json:"timestamp"`
}

// Subscriber слушает топики устройства
type Subscriber struct {
	cfg       Config
	client    mqtt.Client
	sink      Sink
	locations LocationSink
	clock     func() time.Time
	log       *slog.Logger
}

// NewSubscriber создает подписчика. locations может быть nil.
func NewSubscriber(cfg Config, sink Sink, locations LocationSink, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		cfg:       cfg,
		sink:      sink,
		locations: locations,
		clock:     time.Now,
		log:       log,
	}
}

// Connect подключается к брокеру. Подписка выполняется в OnConnect и
// повторяется после переподключения.
func (s *Subscriber) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = s.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.log.Warn("MQTT connection lost, reconnecting", "error", err)
	}

	s.client = mqtt.NewClient(opts)
	s.log.Info("connecting to MQTT broker", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)

	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("MQTT connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connect failed: %w", err)
	}
	return nil
}

// Client возвращает клиент MQTT для публикации
func (s *Subscriber) Client() mqtt.Client {
	return s.client
}

// IsConnected сообщает состояние соединения
func (s *Subscriber) IsConnected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Close отключается от брокера
func (s *Subscriber) Close() {
	if s.IsConnected() {
		s.client.Disconnect(1000)
	}
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	filters := map[string]byte{
		s.cfg.Topic(TopicAccel):    s.cfg.QoS,
		s.cfg.Topic(TopicGyro):     s.cfg.QoS,
		s.cfg.Topic(TopicLocation): s.cfg.QoS,
	}

	token := client.SubscribeMultiple(filters, s.HandleMessage)
	if !token.WaitTimeout(5 * time.Second) {
		s.log.Error("MQTT subscribe timeout", "prefix", s.cfg.TopicPrefix)
		return
	}
	if err := token.Error(); err != nil {
		s.log.Error("MQTT subscribe failed", "error", err)
		return
	}
	s.log.Info("subscribed to device topics", "prefix", s.cfg.TopicPrefix)
}

// HandleMessage разбирает входящее сообщение по топику
func (s *Subscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	name := topic[strings.LastIndex(topic, "/")+1:]

	var err error
	switch name {
	case TopicAccel:
		err = s.handleSensor(models.KindAccel, msg.Payload())
	case TopicGyro:
		err = s.handleSensor(models.KindGyro, msg.Payload())
	case TopicLocation:
		err = s.handleLocation(msg.Payload())
	default:
		metrics.SamplesRejected.WithLabelValues("unknown_topic").Inc()
		return
	}

	if err != nil {
		metrics.SamplesRejected.WithLabelValues("invalid_payload").Inc()
		s.log.Debug("dropping MQTT message", "topic", topic, "error", err)
	}
}

func (s *Subscriber) handleSensor(kind models.EventKind, payload []byte) error {
	var m sensorMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("failed to decode %s message: %w", kind, err)
	}
	if len(m.Values) != 3 {
		return fmt.Errorf("%w: expected 3 values, got %d", errBadPayload, len(m.Values))
	}
	ts, err := s.timestamp(m.Timestamp)
	if err != nil {
		return err
	}

	event := models.SensorEvent{
		Kind:      kind,
		Values:    [3]float64{m.Values[0], m.Values[1], m.Values[2]},
		Timestamp: ts,
	}

	metrics.SamplesReceived.WithLabelValues("mqtt").Inc()
	if !s.sink.Submit(event) {
		metrics.SamplesRejected.WithLabelValues("queue_full").Inc()
	}
	return nil
}

func (s *Subscriber) handleLocation(payload []byte) error {
	if s.locations == nil {
		return nil
	}

	var m locationMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("failed to decode location message: %w", err)
	}
	if m.Latitude == nil || m.Longitude == nil {
		return fmt.Errorf("%w: missing coordinates", errBadPayload)
	}
	ts, err := s.timestamp(m.Timestamp)
	if err != nil {
		return err
	}

	s.locations.Update(models.Location{
		Latitude:  *m.Latitude,
		Longitude: *m.Longitude,
		Address:   m.Address,
		Timestamp: ts,
	})
	return nil
}

// timestamp разбирает время устройства в ISO-8601, пустое значение
// заменяется временем получения
func (s *Subscriber) timestamp(value string) (time.Time, error) {
	if value == "" {
		return s.clock(), nil
	}
	ts, err := iso8601.ParseString(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", errBadPayload, value)
	}
	return ts, nil
}
