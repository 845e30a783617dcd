package detector

// RotationMagnitude возвращает модуль угловой скорости
func RotationMagnitude(v Vec3) float64 {
	return v.Norm()
}

// ExceedsRotation сообщает, что вращение строго больше порога.
// Отсутствующий или неконечный вектор дает false.
func ExceedsRotation(gyro Optional, threshold float64) bool {
	v, ok := gyro.Get()
	if !ok || !v.Finite() {
		return false
	}
	m := RotationMagnitude(v)
	return isFinite(m) && m > threshold
}
