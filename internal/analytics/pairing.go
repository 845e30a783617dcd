package analytics

import (
	"time"

	"fall-detection-service/internal/detector"
	"fall-detection-service/internal/models"
)

// PairWindow максимальный разрыв между показаниями акселерометра и
// гироскопа, при котором они считаются одной парой
const PairWindow = 100 * time.Millisecond

// Pairer сопоставляет независимые потоки акселерометра и гироскопа.
// Хранит последнее показание гироскопа и прикрепляет его к показанию
// акселерометра, если они достаточно близки по времени.
type Pairer struct {
	window   time.Duration
	lastGyro detector.Vec3
	gyroTime time.Time
	hasGyro  bool
}

// NewPairer создает Pairer с заданным окном синхронизации
func NewPairer(window time.Duration) *Pairer {
	if window <= 0 {
		window = PairWindow
	}
	return &Pairer{window: window}
}

// Push принимает событие датчика. Для акселерометра возвращает готовое
// показание и true; события гироскопа только запоминаются.
func (p *Pairer) Push(e models.SensorEvent) (detector.Sample, bool) {
	switch e.Kind {
	case models.KindGyro:
		p.lastGyro = e.Vector()
		p.gyroTime = e.Timestamp
		p.hasGyro = true
		return detector.Sample{}, false
	case models.KindAccel:
		s := detector.Sample{Accel: detector.Some(e.Vector())}
		if p.hasGyro && absDuration(e.Timestamp.Sub(p.gyroTime)) <= p.window {
			s.Gyro = detector.Some(p.lastGyro)
		}
		return s, true
	default:
		return detector.Sample{}, false
	}
}

// Reset забывает последнее показание гироскопа
func (p *Pairer) Reset() {
	p.hasGyro = false
	p.lastGyro = detector.Vec3{}
	p.gyroTime = time.Time{}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
