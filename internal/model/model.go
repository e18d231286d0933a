// Package model содержит доменные сущности сервиса талонов на питание.
package model

import (
	"fmt"
	"time"
)

// CouponSlots — количество талонов, на которые может претендовать участник.
const CouponSlots = 9

// Eligibility хранит флаги доступности талонов участника: 1 — талон доступен, 0 — недоступен или уже использован.
type Eligibility [CouponSlots]uint8

// Valid проверяет, что каждый флаг равен 0 или 1.
func (e Eligibility) Valid() bool {
	for _, f := range e {
		if f > 1 {
			return false
		}
	}
	return true
}

// Ints возвращает флаги в виде среза int для JSON-ответов.
func (e Eligibility) Ints() []int {
	res := make([]int, len(e))
	for i, f := range e {
		res[i] = int(f)
	}
	return res
}

// EligibilityFromSlice собирает флаги из среза, проверяя длину и значения.
func EligibilityFromSlice(values []int16) (Eligibility, error) {
	var e Eligibility
	if len(values) != CouponSlots {
		return e, fmt.Errorf("eligibility must contain exactly %d flags, got %d", CouponSlots, len(values))
	}
	for i, v := range values {
		if v != 0 && v != 1 {
			return e, fmt.Errorf("eligibility flag %d must be 0 or 1, got %d", i, v)
		}
		e[i] = uint8(v)
	}
	return e, nil
}

// Attendee описывает зарегистрированного участника мероприятия.
type Attendee struct {
	ID          string      `json:"IND_ID"`
	FullName    string      `json:"FullName"`
	Event       string      `json:"Event"`
	State       string      `json:"State"`
	Org         string      `json:"Org"`
	Phone       string      `json:"Phone"`
	Email       string      `json:"Email"`
	Bio         string      `json:"Bio"`
	Pic         string      `json:"Pic"`
	QRCode      string      `json:"QRCode"`
	Eligibility Eligibility `json:"FoodEligibility"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// ValidityWindow задаёт полуинтервал [Start, End), в течение которого можно использовать талон Slot.
type ValidityWindow struct {
	Slot      int       `json:"couponIndex"`
	Start     time.Time `json:"startTime"`
	End       time.Time `json:"endTime"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contains сообщает, попадает ли момент t в окно действия.
func (w ValidityWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Usage описывает факт использования талона.
type Usage struct {
	ID           string    `json:"id"`
	AttendeeID   string    `json:"IND_ID"`
	CouponIndex  int       `json:"couponIndex"`
	Timestamp    time.Time `json:"timestamp"`
	MealCategory string    `json:"mealCategory"`
}

// UsageFilter ограничивает выборку журнала использований.
type UsageFilter struct {
	AttendeeID  string
	CouponIndex *int
}

// Match сообщает, удовлетворяет ли запись фильтру.
func (f UsageFilter) Match(u Usage) bool {
	if f.AttendeeID != "" && u.AttendeeID != f.AttendeeID {
		return false
	}
	if f.CouponIndex != nil && u.CouponIndex != *f.CouponIndex {
		return false
	}
	return true
}

// ScanStatus описывает результат сканирования QR-кода.
type ScanStatus string

const (
	ScanStatusAccepted         ScanStatus = "accepted"
	ScanStatusRejected         ScanStatus = "rejected"
	ScanStatusNotFound         ScanStatus = "not_found"
	ScanStatusNoActiveWindow   ScanStatus = "no_active_window"
	ScanStatusNoEligibleWindow ScanStatus = "no_eligible_window"
)

// Outcome — итог попытки использовать талон.
type Outcome struct {
	Status  ScanStatus `json:"status"`
	Message string     `json:"message"`
}

// MealCategory возвращает подпись талона для журнала использований.
func MealCategory(slot int) string {
	return fmt.Sprintf("Coupon %d", slot)
}

// SyncResult содержит итоги синхронизации списка участников.
type SyncResult struct {
	Upserted int `json:"upserted"`
	Skipped  int `json:"skipped"`
}

// WithoutRedeemed сбрасывает флаги талонов, по которым уже есть запись об использовании.
// Индексы вне диапазона игнорируются.
func (e Eligibility) WithoutRedeemed(redeemed []int) Eligibility {
	for _, idx := range redeemed {
		if idx >= 0 && idx < CouponSlots {
			e[idx] = 0
		}
	}
	return e
}
