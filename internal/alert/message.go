package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fall-detection-service/internal/models"
)

// MaxSMSLength длина одной части сообщения
const MaxSMSLength = 160

// MaskNumber скрывает номер для отображения, оставляя последние 4 цифры
func MaskNumber(phone string) string {
	if len(phone) > 4 {
		return "*****" + phone[len(phone)-4:]
	}
	return phone
}

// BuildDetailedMessage составляет полное сообщение о падении.
// loc == nil или нулевые координаты означают, что местоположение неизвестно.
func BuildDetailedMessage(at time.Time, loc *models.Location) string {
	var b strings.Builder
	b.WriteString("EMERGENCY: Fall detected!\n")
	b.WriteString("\nTime: ")
	b.WriteString(at.Format("2006-01-02 15:04:05"))
	b.WriteString("\n")

	if hasCoordinates(loc) {
		fmt.Fprintf(&b, "Location: %.6f, %.6f", loc.Latitude, loc.Longitude)
		b.WriteString("\nAddress: ")
		b.WriteString(loc.Address)
		b.WriteString("\nGoogle Maps: https://maps.google.com/?q=")
		b.WriteString(strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
		b.WriteString(",")
		b.WriteString(strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	} else {
		b.WriteString("Location: Unable to determine location")
	}

	b.WriteString("\n\nPlease check on me immediately!")
	return b.String()
}

// BuildSimpleMessage составляет короткое сообщение для повторной отправки
func BuildSimpleMessage(at time.Time) string {
	return "EMERGENCY: Fall detected at " + at.Format("15:04") + ". Please check on me immediately!"
}

// SplitMessage делит текст на части не длиннее limit символов
func SplitMessage(body string, limit int) []string {
	runes := []rune(body)
	if limit <= 0 || len(runes) <= limit {
		return []string{body}
	}

	parts := make([]string, 0, len(runes)/limit+1)
	for len(runes) > 0 {
		n := limit
		if len(runes) < n {
			n = len(runes)
		}
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}

// FormatCoordinates текстовый адрес на случай, если геокодирование недоступно
func FormatCoordinates(lat, lon float64) string {
	return fmt.Sprintf("%.6f, %.6f", lat, lon)
}

func hasCoordinates(loc *models.Location) bool {
	return loc != nil && loc.Latitude != 0 && loc.Longitude != 0
}
