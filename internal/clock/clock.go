// Package clock converts instants to calendar dates in a configured
// IANA timezone. It is the one place the rest of the bridge asks "what
// day is it" — every AttendanceRecord's Date field is produced through
// this package so that date coherence (spec invariant: date ==
// zone.calendarDate(checkInTime)) holds everywhere.
package clock

import (
	"fmt"
	"time"
)

// Zone wraps a loaded IANA location.
type Zone struct {
	loc  *time.Location
	name string
}

// DefaultZoneName is used when configuration does not specify one.
const DefaultZoneName = "Asia/Kolkata"

// Load loads the named IANA zone. An empty name falls back to
// DefaultZoneName.
func Load(name string) (*Zone, error) {
	if name == "" {
		name = DefaultZoneName
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return &Zone{loc: loc, name: name}, nil
}

// MustLoad is Load but panics on error; only used at startup with a
// config-validated zone name.
func MustLoad(name string) *Zone {
	z, err := Load(name)
	if err != nil {
		panic(err)
	}
	return z
}

// Name returns the configured IANA zone name.
func (z *Zone) Name() string { return z.name }

// Location returns the underlying *time.Location.
func (z *Zone) Location() *time.Location { return z.loc }

// Now returns the current instant, unchanged — the zone only affects
// how an instant is projected to a calendar date, never the instant
// itself.
func (z *Zone) Now() time.Time {
	return time.Now()
}

// CalendarDate projects instant into this zone and formats it as
// YYYY-MM-DD, the AttendanceRecord.Date convention.
func (z *Zone) CalendarDate(instant time.Time) string {
	return instant.In(z.loc).Format("2006-01-02")
}
