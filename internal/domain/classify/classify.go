// Package classify turns an attendance timestamp into on-time or late.
package classify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/okian/rollcall/internal/domain/types"
)

// TimeOfDay is a wall-clock offset from local midnight, second resolution.
type TimeOfDay time.Duration

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS" in 24h form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrCutoffNotConfigured
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidTimeOfDay)
	}
	limits := []int{23, 59, 59}
	var vals [3]int
	for i, p := range parts {
		if len(p) != 2 {
			return 0, fmt.Errorf("%q: %w", s, ErrInvalidTimeOfDay)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("%q: %w", s, ErrInvalidTimeOfDay)
		}
		vals[i] = n
	}
	d := time.Duration(vals[0])*time.Hour + time.Duration(vals[1])*time.Minute + time.Duration(vals[2])*time.Second
	return TimeOfDay(d), nil
}

// String renders HH:MM:SS.
func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Of returns the local time-of-day of ts in loc, truncated to the second.
func Of(ts time.Time, loc *time.Location) TimeOfDay {
	if loc == nil {
		loc = time.UTC
	}
	l := ts.In(loc)
	return TimeOfDay(time.Duration(l.Hour())*time.Hour + time.Duration(l.Minute())*time.Minute + time.Duration(l.Second())*time.Second)
}

// Classify returns on_time when the local time-of-day of ts is at or before
// cutoff, late otherwise. The boundary is inclusive at second resolution, so
// 09:00:00.999 with a 09:00 cutoff is on time.
func Classify(ts time.Time, cutoff TimeOfDay, loc *time.Location) types.Status {
	if Of(ts, loc) <= cutoff {
		return types.StatusOnTime
	}
	return types.StatusLate
}
