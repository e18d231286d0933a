// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/mmeshcher/meal-coupon-system/internal/model"
)

// MaxAttendeeIDLength ограничивает длину идентификатора участника из QR-кода.
const MaxAttendeeIDLength = 64

// IsValidAttendeeID проверяет, что идентификатор непустой, не слишком длинный и не содержит пробелов и управляющих символов.
func IsValidAttendeeID(id string) bool {
	if id == "" || len(id) > MaxAttendeeIDLength {
		return false
	}

	for _, ch := range id {
		if unicode.IsSpace(ch) || unicode.IsControl(ch) {
			return false
		}
	}

	return true
}

// ParseEligibility разбирает строку вида "1,0,1,..." из таблицы участников.
// Пустая строка означает отсутствие доступных талонов.
func ParseEligibility(s string) (model.Eligibility, error) {
	var e model.Eligibility

	s = strings.TrimSpace(s)
	if s == "" {
		return e, nil
	}

	parts := strings.Split(s, ",")
	values := make([]int16, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return e, fmt.Errorf("parse eligibility flag %q: %w", p, err)
		}
		values = append(values, int16(v))
	}

	return model.EligibilityFromSlice(values)
}

// ParseFlag разбирает значение отдельной колонки талона. Пустое значение трактуется как 0.
func ParseFlag(s string) (uint8, error) {
	switch strings.TrimSpace(s) {
	case "", "0":
		return 0, nil
	case "1":
		return 1, nil
	default:
		return 0, fmt.Errorf("eligibility flag must be 0 or 1, got %q", s)
	}
}
