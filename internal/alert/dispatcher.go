// Package alert доставляет тревогу о падении: сигнал на устройство,
// определение местоположения и сообщение экстренному контакту.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fall-detection-service/internal/models"
)

var (
	// ErrGenericFailure общая ошибка отправки, допускает повтор коротким сообщением
	ErrGenericFailure = errors.New("generic send failure")
	// ErrNoService нет связи
	ErrNoService = errors.New("no service")
	// ErrNoContact экстренный контакт не задан
	ErrNoContact = errors.New("no emergency contact set")
	// ErrSMSDisabled отправка сообщений отключена в настройках
	ErrSMSDisabled = errors.New("SMS alerts are disabled")
)

// Sender отправляет сообщение, разбитое на части
type Sender interface {
	Send(ctx context.Context, to string, parts []string) error
}

// Feedback подает звуковой сигнал и вибрацию на устройстве
type Feedback interface {
	Notify(ctx context.Context, sound, vibration bool) error
}

// Store источник настроек и контакта
type Store interface {
	GetPreferences(ctx context.Context) (models.Preferences, error)
	GetContact(ctx context.Context) (string, error)
}

// Recorder получает каждую тревогу (хранилище, поток для дашбордов)
type Recorder interface {
	RecordAlert(ctx context.Context, alert models.Alert) error
}

// Dispatcher выполняет сценарий тревоги
type Dispatcher struct {
	store     Store
	sender    Sender
	locator   Locator
	feedback  Feedback
	recorders []Recorder
	clock     func() time.Time
	log       *slog.Logger
}

// DispatcherOption настраивает Dispatcher
type DispatcherOption func(*Dispatcher)

// WithFeedback задает канал сигнала на устройство
func WithFeedback(f Feedback) DispatcherOption {
	return func(d *Dispatcher) {
		d.feedback = f
	}
}

// WithRecorder добавляет получателя тревог
func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.recorders = append(d.recorders, r)
	}
}

// WithClock подменяет источник времени
func WithClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

// WithLogger задает логгер
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// NewDispatcher создает Dispatcher. locator может быть nil.
func NewDispatcher(store Store, sender Sender, locator Locator, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		sender:  sender,
		locator: locator,
		clock:   time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch обрабатывает падение, подтвержденное в момент at
func (d *Dispatcher) Dispatch(ctx context.Context, at time.Time) (models.Alert, error) {
	d.log.Info("fall detected, starting alert process", "at", at)

	prefs, contact := d.settings(ctx)
	d.signal(ctx, prefs)

	alert := models.Alert{
		ID:        uuid.NewString(),
		Timestamp: at,
		Contact:   MaskNumber(contact),
	}

	if err := d.precheck(contact, prefs); err != nil {
		return d.finish(ctx, alert, err)
	}

	var loc *models.Location
	if d.locator != nil {
		found, err := d.locator.Locate(ctx)
		if err != nil {
			d.log.Warn("location unavailable, sending alert without location", "error", err)
		} else {
			loc = &found
		}
	}
	alert.Location = loc

	err := d.send(ctx, &alert, contact, BuildDetailedMessage(at, loc), BuildSimpleMessage(at))
	return d.finish(ctx, alert, err)
}

// Test отправляет пробную тревогу без сигнала и без поиска координат
func (d *Dispatcher) Test(ctx context.Context) (models.Alert, error) {
	at := d.clock()
	prefs, contact := d.settings(ctx)

	alert := models.Alert{
		ID:        uuid.NewString(),
		Timestamp: at,
		Contact:   MaskNumber(contact),
		Test:      true,
	}

	if err := d.precheck(contact, prefs); err != nil {
		return d.finish(ctx, alert, err)
	}

	err := d.send(ctx, &alert, contact, BuildDetailedMessage(at, nil), BuildSimpleMessage(at))
	return d.finish(ctx, alert, err)
}

func (d *Dispatcher) settings(ctx context.Context) (models.Preferences, string) {
	prefs, err := d.store.GetPreferences(ctx)
	if err != nil {
		d.log.Error("failed to load preferences, using defaults", "error", err)
		prefs = models.DefaultPreferences()
	}

	contact, err := d.store.GetContact(ctx)
	if err != nil {
		d.log.Error("failed to load emergency contact", "error", err)
		contact = ""
	}
	return prefs, contact
}

func (d *Dispatcher) signal(ctx context.Context, prefs models.Preferences) {
	if d.feedback == nil || (!prefs.SoundEnabled && !prefs.VibrationEnabled) {
		return
	}
	if err := d.feedback.Notify(ctx, prefs.SoundEnabled, prefs.VibrationEnabled); err != nil {
		d.log.Error("failed to trigger device feedback", "error", err)
	}
}

func (d *Dispatcher) precheck(contact string, prefs models.Preferences) error {
	if contact == "" {
		return ErrNoContact
	}
	if !prefs.SMSEnabled {
		return ErrSMSDisabled
	}
	return nil
}

// send отправляет полное сообщение и при общей ошибке один раз повторяет
// коротким
func (d *Dispatcher) send(ctx context.Context, alert *models.Alert, contact, detailed, simple string) error {
	alert.Attempts = 1
	alert.Message = detailed
	d.log.Info("sending detailed emergency message", "to", alert.Contact, "length", len(detailed))

	err := d.sender.Send(ctx, contact, SplitMessage(detailed, MaxSMSLength))
	if err == nil {
		alert.Status = models.AlertSent
		return nil
	}
	if !errors.Is(err, ErrGenericFailure) {
		return fmt.Errorf("failed to send alert: %w", err)
	}

	d.log.Warn("generic send failure, retrying with simple message", "to", alert.Contact)
	alert.Attempts = 2
	alert.Message = simple

	if err := d.sender.Send(ctx, contact, SplitMessage(simple, MaxSMSLength)); err != nil {
		return fmt.Errorf("failed to send simple alert: %w", err)
	}
	alert.Status = models.AlertSentSimple
	return nil
}

func (d *Dispatcher) finish(ctx context.Context, alert models.Alert, err error) (models.Alert, error) {
	switch {
	case errors.Is(err, ErrNoContact):
		alert.Status = models.AlertNoContact
		alert.StatusText = "No emergency contact set"
	case errors.Is(err, ErrSMSDisabled):
		alert.Status = models.AlertSMSDisabled
		alert.StatusText = "SMS alerts are disabled"
	case err != nil:
		alert.Status = models.AlertFailed
		alert.StatusText = fmt.Sprintf("Failed to send alert to %s: %v", alert.Contact, err)
	case alert.Location != nil:
		alert.StatusText = fmt.Sprintf("Fall alert sent to %s with location.", alert.Contact)
	default:
		alert.StatusText = fmt.Sprintf("Fall alert sent to %s (no location).", alert.Contact)
	}

	if err != nil {
		d.log.Error("fall alert not delivered", "status", alert.Status, "error", err)
	} else {
		d.log.Info("fall alert delivered", "status", alert.Status, "to", alert.Contact, "attempts", alert.Attempts)
	}

	for _, r := range d.recorders {
		if rerr := r.RecordAlert(ctx, alert); rerr != nil {
			d.log.Error("failed to record alert", "error", rerr)
		}
	}

	return alert, err
}
