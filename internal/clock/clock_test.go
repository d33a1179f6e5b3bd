package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCalendarDate(t *testing.T) {
	z, err := Load("Asia/Kolkata")
	require.NoError(t, err)

	// 2025-03-04T09:15:00Z is already 2025-03-04 in IST (+5:30).
	instant := time.Date(2025, 3, 4, 9, 15, 0, 0, time.UTC)
	require.Equal(t, "2025-03-04", z.CalendarDate(instant))
}

func TestCalendarDateCrossesMidnight(t *testing.T) {
	z, err := Load("Asia/Kolkata")
	require.NoError(t, err)

	// 19:00 UTC is 00:30 IST the next day.
	instant := time.Date(2025, 3, 4, 19, 0, 0, 0, time.UTC)
	require.Equal(t, "2025-03-05", z.CalendarDate(instant))
}

func TestLoadDefaultsOnEmptyName(t *testing.T) {
	z, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultZoneName, z.Name())
}

func TestLoadRejectsUnknownZone(t *testing.T) {
	_, err := Load("Not/AZone")
	require.Error(t, err)
}
