package detector

import "math"

// Vec3 трехкомпонентный вектор (м/с² для акселерометра, рад/с для гироскопа)
type Vec3 struct {
	X, Y, Z float64
}

// Norm возвращает евклидову норму вектора
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Finite сообщает, что все компоненты конечны (не NaN и не ±Inf)
func (v Vec3) Finite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// Optional вектор, который может отсутствовать.
// Нулевое значение означает "данных нет".
type Optional struct {
	v  Vec3
	ok bool
}

// Some оборачивает присутствующий вектор
func Some(v Vec3) Optional {
	return Optional{v: v, ok: true}
}

// None возвращает отсутствующий вектор
func None() Optional {
	return Optional{}
}

// Get возвращает вектор и признак его наличия
func (o Optional) Get() (Vec3, bool) {
	return o.v, o.ok
}

// Present сообщает, есть ли данные
func (o Optional) Present() bool {
	return o.ok
}

// Sample одна пара показаний: ускорение и (опционально) угловая скорость
type Sample struct {
	Accel Optional
	Gyro  Optional
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
