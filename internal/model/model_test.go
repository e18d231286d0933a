package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidityWindow_Contains(t *testing.T) {
	start := time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)
	w := ValidityWindow{Slot: 1, Start: start, End: start.Add(2 * time.Hour)}

	assert.True(t, w.Contains(start), "start is inclusive")
	assert.True(t, w.Contains(start.Add(time.Hour)))
	assert.False(t, w.Contains(start.Add(2*time.Hour)), "end is exclusive")
	assert.False(t, w.Contains(start.Add(-time.Nanosecond)))
}

func TestEligibilityFromSlice(t *testing.T) {
	e, err := EligibilityFromSlice([]int16{1, 0, 1, 1, 0, 0, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 1, 1, 0, 0, 0, 0, 1}, e.Ints())
	assert.True(t, e.Valid())

	_, err = EligibilityFromSlice([]int16{1, 0})
	require.Error(t, err)

	_, err = EligibilityFromSlice([]int16{1, 0, 2, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
}

func TestEligibility_WithoutRedeemed(t *testing.T) {
	e := Eligibility{1, 1, 1, 0, 1, 1, 1, 1, 1}

	got := e.WithoutRedeemed([]int{0, 4, -1, 42})

	assert.Equal(t, Eligibility{0, 1, 1, 0, 0, 1, 1, 1, 1}, got)
	assert.Equal(t, uint8(1), e[0], "receiver must not be modified")
}

func TestUsageFilter_Match(t *testing.T) {
	two := 2
	u := Usage{AttendeeID: "A1", CouponIndex: 2}

	assert.True(t, UsageFilter{}.Match(u))
	assert.True(t, UsageFilter{AttendeeID: "A1", CouponIndex: &two}.Match(u))
	assert.False(t, UsageFilter{AttendeeID: "B2"}.Match(u))

	other := 3
	assert.False(t, UsageFilter{CouponIndex: &other}.Match(u))
}
