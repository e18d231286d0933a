package roster

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/meal-coupon-system/internal/model"
	"github.com/mmeshcher/meal-coupon-system/internal/validation"
)

// get возвращает первое непустое значение среди вариантов написания колонки.
func (r Record) get(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r[n]); v != "" {
			return v
		}
	}
	return ""
}

// Normalize приводит строку таблицы к каноническому виду участника.
// Старые версии таблицы используют колонки "Full Name", "QR code" и отдельные колонки
// "Food Eligibility N" вместо строки FoodEligibility.
func Normalize(r Record) (model.Attendee, error) {
	a := model.Attendee{
		ID:       r.get("IND_ID"),
		FullName: r.get("FullName", "Full Name"),
		Event:    r.get("Event"),
		State:    r.get("State"),
		Org:      r.get("Org"),
		Phone:    r.get("Phone"),
		Email:    r.get("Email"),
		Bio:      r.get("Bio"),
		Pic:      r.get("Pic"),
		QRCode:   r.get("QRCode", "QR code"),
	}

	if !validation.IsValidAttendeeID(a.ID) {
		return a, fmt.Errorf("invalid attendee id %q", a.ID)
	}

	if s := r.get("FoodEligibility"); s != "" {
		e, err := validation.ParseEligibility(s)
		if err != nil {
			return a, fmt.Errorf("attendee %s: %w", a.ID, err)
		}
		a.Eligibility = e
		return a, nil
	}

	for i := range a.Eligibility {
		f, err := validation.ParseFlag(r[fmt.Sprintf("Food Eligibility %d", i+1)])
		if err != nil {
			return a, fmt.Errorf("attendee %s coupon %d: %w", a.ID, i+1, err)
		}
		a.Eligibility[i] = f
	}

	return a, nil
}
