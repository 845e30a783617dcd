package detector

import "time"

const (
	// MinSensitivity нижняя граница чувствительности
	MinSensitivity = 0
	// MaxSensitivity верхняя граница чувствительности
	MaxSensitivity = 100
)

// Thresholds пороги конечного автомата. Меняется только целиком.
type Thresholds struct {
	HighAccel         float64       `json:"high_accel"`
	LowAccel          float64       `json:"low_accel"`
	Impact            float64       `json:"impact"`
	Gyro              float64       `json:"gyro"`
	ConfirmationCount int           `json:"confirmation_count"`
	ImpactWindow      time.Duration `json:"impact_window"`
	Cooldown          time.Duration `json:"cooldown"`
}

// DefaultThresholds возвращает пороги по умолчанию
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighAccel:         15.0,
		LowAccel:          2.0,
		Impact:            12.0,
		Gyro:              3.0,
		ConfirmationCount: 3,
		ImpactWindow:      2 * time.Second,
		Cooldown:          10 * time.Second,
	}
}

// ScaleFactor переводит чувствительность 0..100 в коэффициент 0.5..2.0.
// Значения вне диапазона прижимаются к границам.
func ScaleFactor(level int) float64 {
	level = clampSensitivity(level)
	return float64(level)/100*1.5 + 0.5
}

// Scale возвращает пороги, пересчитанные для коэффициента factor.
// Чем больше factor, тем легче срабатывание: верхние пороги делятся,
// нижний порог свободного падения умножается. Счетчик и длительности
// не меняются.
func (t Thresholds) Scale(factor float64) Thresholds {
	if factor <= 0 {
		return t
	}
	scaled := t
	scaled.HighAccel = t.HighAccel / factor
	scaled.Impact = t.Impact / factor
	scaled.Gyro = t.Gyro / factor
	scaled.LowAccel = t.LowAccel * factor
	return scaled
}

func clampSensitivity(level int) int {
	if level < MinSensitivity {
		return MinSensitivity
	}
	if level > MaxSensitivity {
		return MaxSensitivity
	}
	return level
}
