// Package analytics сериализует поток показаний датчиков и передает его
// детектору падений.
//
// Детектор не потокобезопасен, поэтому синхронные вызовы и единственный
// воркер асинхронной очереди работают под одним мьютексом.
package analytics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fall-detection-service/internal/detector"
	"fall-detection-service/internal/models"
)

// FallListener вызывается при подтвержденном падении
type FallListener func(models.DetectionResult)

// Analyzer владеет детектором и упорядочивает обращения к нему
type Analyzer struct {
	mu          sync.Mutex
	detector    *detector.Detector
	pairer      *Pairer
	clock       func() time.Time
	listeners   []FallListener
	eventsChan  chan models.SensorEvent
	resultsChan chan models.DetectionResult
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	log         *slog.Logger

	evaluated atomic.Int64
	dropped   atomic.Int64
	falls     atomic.Int64
}

// Stats счетчики анализатора
type Stats struct {
	Evaluated int64
	Dropped   int64
	Falls     int64
}

// Option настраивает Analyzer
type Option func(*Analyzer)

// WithClock подменяет источник времени
func WithClock(clock func() time.Time) Option {
	return func(a *Analyzer) {
		a.clock = clock
	}
}

// WithPairWindow задает окно сопоставления акселерометра и гироскопа
func WithPairWindow(window time.Duration) Option {
	return func(a *Analyzer) {
		a.pairer = NewPairer(window)
	}
}

// WithThresholds задает базовые пороги детектора
func WithThresholds(t detector.Thresholds) Option {
	return func(a *Analyzer) {
		a.detector = detector.New(t)
	}
}

// WithLogger задает логгер
func WithLogger(log *slog.Logger) Option {
	return func(a *Analyzer) {
		a.log = log
	}
}

// NewAnalyzer создает новый анализатор с очередью bufferSize
func NewAnalyzer(bufferSize int, opts ...Option) *Analyzer {
	a := &Analyzer{
		detector:    detector.NewDefault(),
		pairer:      NewPairer(PairWindow),
		clock:       time.Now,
		eventsChan:  make(chan models.SensorEvent, bufferSize),
		resultsChan: make(chan models.DetectionResult, bufferSize),
		stopChan:    make(chan struct{}),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start запускает единственный воркер очереди событий
func (a *Analyzer) Start() {
	a.wg.Add(1)
	go a.worker()
}

// worker горутина для обработки событий из очереди
func (a *Analyzer) worker() {
	defer a.wg.Done()
	for {
		select {
		case e := <-a.eventsChan:
			a.HandleEvent(e)
		case <-a.stopChan:
			return
		}
	}
}

// Submit ставит событие в очередь, false если очередь переполнена
func (a *Analyzer) Submit(e models.SensorEvent) bool {
	select {
	case a.eventsChan <- e:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// HandleEvent синхронно обрабатывает одиночное событие датчика с его
// временной меткой. Для событий гироскопа детектор не вызывается и второй
// результат false.
func (a *Analyzer) HandleEvent(e models.SensorEvent) (models.DetectionResult, bool) {
	a.mu.Lock()
	s, ok := a.pairer.Push(e)
	if !ok {
		a.mu.Unlock()
		return models.DetectionResult{}, false
	}
	result := a.evaluate(s, e.Timestamp)
	a.mu.Unlock()

	a.publish(result)
	return result, true
}

// AnalyzeSync синхронно обрабатывает готовую пару показаний, снятую в момент
// at. Нулевое at заменяется временем обработки.
func (a *Analyzer) AnalyzeSync(s detector.Sample, at time.Time) models.DetectionResult {
	a.mu.Lock()
	result := a.evaluate(s, at)
	a.mu.Unlock()

	a.publish(result)
	return result
}

// evaluate вызывается под мьютексом. Детектор получает время устройства,
// часы сервиса используются только если его нет.
func (a *Analyzer) evaluate(s detector.Sample, at time.Time) models.DetectionResult {
	now := at
	if now.IsZero() {
		now = a.clock()
	}
	fall := a.detector.Evaluate(s, now)
	st := a.detector.State()

	a.evaluated.Add(1)
	if fall {
		a.falls.Add(1)
	}

	return models.DetectionResult{
		Timestamp:         now,
		SmoothedMagnitude: st.Smoothed,
		GyroPresent:       s.Gyro.Present(),
		Confirmations:     st.Confirmations,
		HighAccelDetected: st.HighAccelDetected,
		FallDetected:      fall,
	}
}

func (a *Analyzer) publish(result models.DetectionResult) {
	select {
	case a.resultsChan <- result:
	default:
		// канал результатов переполнен, пропускаем
	}

	if !result.FallDetected {
		return
	}

	a.mu.Lock()
	listeners := make([]FallListener, len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	for _, fn := range listeners {
		go func(f FallListener) {
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("fall listener panicked", "panic", r)
				}
			}()
			f(result)
		}(fn)
	}
}

// AddFallListener регистрирует обработчик подтвержденного падения
func (a *Analyzer) AddFallListener(fn FallListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// GetResults возвращает канал результатов
func (a *Analyzer) GetResults() <-chan models.DetectionResult {
	return a.resultsChan
}

// SetSensitivity применяет чувствительность 0..100 к порогам детектора
func (a *Analyzer) SetSensitivity(level int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detector.SetSensitivity(level)
}

// Snapshot возвращает текущее состояние детектора
func (a *Analyzer) Snapshot() detector.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detector.State()
}

// GetStats возвращает счетчики
func (a *Analyzer) GetStats() Stats {
	return Stats{
		Evaluated: a.evaluated.Load(),
		Dropped:   a.dropped.Load(),
		Falls:     a.falls.Load(),
	}
}

// Stop останавливает воркер
func (a *Analyzer) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
	})
	a.wg.Wait()
}
