package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fall-detection-service/internal/alert"
)

// PublishTimeout сколько ждать подтверждения публикации
const PublishTimeout = 5 * time.Second

// PublishClient часть mqtt.Client, нужная для публикации
type PublishClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type smsMessage struct {
	To    string `json:"to"`
	Body  string `json:"body"`
	Part  int    `json:"part"`
	Total int    `json:"total"`
}

type feedbackMessage struct {
	Sound     bool      `json:"sound"`
	Vibration bool      `json:"vibration"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher отправляет SMS через шлюз и команды сигнала на устройство.
// Реализует alert.Sender и alert.Feedback.
type Publisher struct {
	client  PublishClient
	cfg     Config
	timeout time.Duration
	log     *slog.Logger
}

// NewPublisher создает издателя поверх подключенного клиента
func NewPublisher(client PublishClient, cfg Config, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		client:  client,
		cfg:     cfg,
		timeout: PublishTimeout,
		log:     log,
	}
}

// Send публикует части сообщения в топик SMS шлюза по порядку
func (p *Publisher) Send(ctx context.Context, to string, parts []string) error {
	if !p.client.IsConnected() {
		return alert.ErrNoService
	}

	for i, body := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(smsMessage{To: to, Body: body, Part: i + 1, Total: len(parts)})
		if err != nil {
			return fmt.Errorf("failed to marshal SMS part: %w", err)
		}
		if err := p.publish(p.cfg.Topic(TopicSMS), data); err != nil {
			return fmt.Errorf("SMS part %d/%d: %w", i+1, len(parts), err)
		}
	}

	p.log.Info("SMS published to gateway", "to", alert.MaskNumber(to), "parts", len(parts))
	return nil
}

// Notify публикует команду звукового сигнала и вибрации
func (p *Publisher) Notify(ctx context.Context, sound, vibration bool) error {
	if !p.client.IsConnected() {
		return alert.ErrNoService
	}
	data, err := json.Marshal(feedbackMessage{Sound: sound, Vibration: vibration, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}
	return p.publish(p.cfg.Topic(TopicFeedback), data)
}

// publish ждет подтверждения, любая ошибка брокера считается общей
func (p *Publisher) publish(topic string, data []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, false, data)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: publish to %s timed out", alert.ErrGenericFailure, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", alert.ErrGenericFailure, err)
	}
	return nil
}
