package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"fall-detection-service/internal/models"
)

const (
	// LocationTimeout сколько ждать свежих координат
	LocationTimeout = 30 * time.Second
	// LocationCheckInterval как часто проверять координаты
	LocationCheckInterval = 5 * time.Second
	// LocationMaxAge координаты не старше этого используются сразу
	LocationMaxAge = time.Minute
)

// ErrLocationTimeout координаты не получены за отведенное время
var ErrLocationTimeout = errors.New("location request timed out")

// Locator определяет текущее местоположение
type Locator interface {
	Locate(ctx context.Context) (models.Location, error)
}

// Geocoder переводит координаты в адрес
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// LocationTracker хранит последние координаты, присланные устройством
type LocationTracker struct {
	mu   sync.Mutex
	last models.Location
	has  bool

	timeout       time.Duration
	checkInterval time.Duration
	maxAge        time.Duration
	geocoder      Geocoder
	clock         func() time.Time
}

// TrackerOption настраивает LocationTracker
type TrackerOption func(*LocationTracker)

// WithTimeout задает время ожидания координат
func WithTimeout(d time.Duration) TrackerOption {
	return func(t *LocationTracker) {
		t.timeout = d
	}
}

// WithCheckInterval задает интервал проверки
func WithCheckInterval(d time.Duration) TrackerOption {
	return func(t *LocationTracker) {
		t.checkInterval = d
	}
}

// WithMaxAge задает допустимый возраст координат
func WithMaxAge(d time.Duration) TrackerOption {
	return func(t *LocationTracker) {
		t.maxAge = d
	}
}

// WithGeocoder задает геокодер
func WithGeocoder(g Geocoder) TrackerOption {
	return func(t *LocationTracker) {
		t.geocoder = g
	}
}

// WithTrackerClock подменяет источник времени
func WithTrackerClock(clock func() time.Time) TrackerOption {
	return func(t *LocationTracker) {
		t.clock = clock
	}
}

// NewLocationTracker создает трекер с параметрами по умолчанию
func NewLocationTracker(opts ...TrackerOption) *LocationTracker {
	t := &LocationTracker{
		timeout:       LocationTimeout,
		checkInterval: LocationCheckInterval,
		maxAge:        LocationMaxAge,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update сохраняет новые координаты. Пустое время заменяется текущим.
func (t *LocationTracker) Update(loc models.Location) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if loc.Timestamp.IsZero() {
		loc.Timestamp = t.clock()
	}
	t.last = loc
	t.has = true
}

// Last возвращает последние координаты
func (t *LocationTracker) Last() (models.Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.has
}

// Locate ждет координаты не старше maxAge, проверяя их каждые checkInterval,
// и возвращает ErrLocationTimeout по истечении timeout
func (t *LocationTracker) Locate(ctx context.Context) (models.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	for {
		if loc, ok := t.fresh(); ok {
			return t.withAddress(ctx, loc), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return models.Location{}, ErrLocationTimeout
			}
			return models.Location{}, ctx.Err()
		}
	}
}

func (t *LocationTracker) fresh() (models.Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.has || t.clock().Sub(t.last.Timestamp) > t.maxAge {
		return models.Location{}, false
	}
	return t.last, true
}

func (t *LocationTracker) withAddress(ctx context.Context, loc models.Location) models.Location {
	if loc.Address != "" {
		return loc
	}
	if t.geocoder != nil {
		if addr, err := t.geocoder.ReverseGeocode(ctx, loc.Latitude, loc.Longitude); err == nil && addr != "" {
			loc.Address = addr
			return loc
		}
	}
	loc.Address = FormatCoordinates(loc.Latitude, loc.Longitude)
	return loc
}
