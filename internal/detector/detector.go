// Package detector реализует детектор падений по потоку показаний
// акселерометра и гироскопа.
//
// Детектор двухфазный: всплеск ускорения с вращением (триггер), затем в
// пределах окна удара либо провал (свободное падение), либо жесткий удар.
// После подтвержденного падения действует пауза, чтобы одно событие не
// порождало серию тревог. Детектор не потокобезопасен: вызывающая сторона
// обязана сериализовать вызовы Evaluate.
package detector

import "time"

// Detector хранит состояние конечного автомата одного субъекта
type Detector struct {
	filter MagnitudeFilter

	base       Thresholds
	thresholds Thresholds

	sensitivity    int
	sensitivitySet bool

	confirmations     int
	highAccelDetected bool
	highAccelTime     time.Time
	lastFallTime      time.Time
	hasFallen         bool

	lastSmoothed float64
}

// State снимок состояния детектора
type State struct {
	Confirmations     int        `json:"confirmations"`
	HighAccelDetected bool       `json:"high_accel_detected"`
	HighAccelTime     time.Time  `json:"high_accel_time"`
	LastFallTime      time.Time  `json:"last_fall_time"`
	HasFallen         bool       `json:"has_fallen"`
	Smoothed          float64    `json:"smoothed_magnitude"`
	Thresholds        Thresholds `json:"thresholds"`
	Sensitivity       *int       `json:"sensitivity,omitempty"`
}

// New создает детектор с заданными базовыми порогами
func New(t Thresholds) *Detector {
	return &Detector{
		base:       t,
		thresholds: t,
	}
}

// NewDefault создает детектор с порогами по умолчанию
func NewDefault() *Detector {
	return New(DefaultThresholds())
}

// Evaluate обрабатывает одно показание и сообщает, подтверждено ли падение.
// now передается вызывающей стороной один раз на вызов; значимы только
// разности между вызовами.
func (d *Detector) Evaluate(s Sample, now time.Time) bool {
	accel, ok := s.Accel.Get()
	if !ok || !accel.Finite() {
		// неконечные значения не попадают в окно фильтра
		return false
	}
	magnitude := accel.Norm()
	if !isFinite(magnitude) {
		// конечные компоненты, но норма переполнилась
		return false
	}

	t := d.thresholds

	smoothed := d.filter.Push(magnitude)
	d.lastSmoothed = smoothed
	rotating := ExceedsRotation(s.Gyro, t.Gyro)

	// Триггер: всплеск ускорения вместе с вращением
	if smoothed > t.HighAccel && rotating {
		d.highAccelDetected = true
		d.highAccelTime = now
		d.confirmations++
	}

	// Удар или свободное падение в пределах окна
	if d.highAccelDetected && now.Sub(d.highAccelTime) < t.ImpactWindow {
		if smoothed < t.LowAccel || smoothed > t.Impact {
			d.confirmations++
		}
	}

	// Окно истекло без подтверждения
	if now.Sub(d.highAccelTime) > t.ImpactWindow {
		d.highAccelDetected = false
		d.confirmations = 0
	}

	if d.confirmations >= t.ConfirmationCount && d.cooledDown(now, t.Cooldown) {
		d.lastFallTime = now
		d.hasFallen = true
		d.confirmations = 0
		d.highAccelDetected = false
		return true
	}

	return false
}

func (d *Detector) cooledDown(now time.Time, cooldown time.Duration) bool {
	if !d.hasFallen {
		return true
	}
	return now.Sub(d.lastFallTime) > cooldown
}

// SetSensitivity пересчитывает активные пороги из базовых для уровня 0..100.
// Пороги заменяются одним присваиванием.
func (d *Detector) SetSensitivity(level int) {
	level = clampSensitivity(level)
	d.thresholds = d.base.Scale(ScaleFactor(level))
	d.sensitivity = level
	d.sensitivitySet = true
}

// SetThresholds заменяет базовые пороги целиком и сбрасывает чувствительность
func (d *Detector) SetThresholds(t Thresholds) {
	d.base = t
	d.thresholds = t
	d.sensitivitySet = false
	d.sensitivity = 0
}

// Thresholds возвращает активные пороги
func (d *Detector) Thresholds() Thresholds {
	return d.thresholds
}

// State возвращает снимок состояния
func (d *Detector) State() State {
	st := State{
		Confirmations:     d.confirmations,
		HighAccelDetected: d.highAccelDetected,
		HighAccelTime:     d.highAccelTime,
		LastFallTime:      d.lastFallTime,
		HasFallen:         d.hasFallen,
		Smoothed:          d.lastSmoothed,
		Thresholds:        d.thresholds,
	}
	if d.sensitivitySet {
		level := d.sensitivity
		st.Sensitivity = &level
	}
	return st
}

// Reset сбрасывает фильтр и автомат, пороги сохраняются
func (d *Detector) Reset() {
	d.filter.Reset()
	d.confirmations = 0
	d.highAccelDetected = false
	d.highAccelTime = time.Time{}
	d.lastFallTime = time.Time{}
	d.hasFallen = false
	d.lastSmoothed = 0
}
