package detector

// FilterWindow размер окна скользящего среднего
const FilterWindow = 5

// MagnitudeFilter сглаживает модуль ускорения простым скользящим средним.
// Слоты инициализированы нулями, поэтому первые FilterWindow-1 значений
// занижены: среднее всегда считается по всем слотам.
type MagnitudeFilter struct {
	values [FilterWindow]float64
	index  int
}

// Push добавляет готовое значение модуля в окно
func (f *MagnitudeFilter) Push(magnitude float64) float64 {
	f.values[f.index] = magnitude
	f.index = (f.index + 1) % FilterWindow
	return f.Average()
}

// Average возвращает текущее среднее без добавления значения
func (f *MagnitudeFilter) Average() float64 {
	var sum float64
	for _, v := range f.values {
		sum += v
	}
	return sum / FilterWindow
}

// Reset обнуляет окно и курсор
func (f *MagnitudeFilter) Reset() {
	*f = MagnitudeFilter{}
}
