package pipeline

import (
	"strings"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
)

// Time-of-day buckets.
const (
	TimeOfDayMorning   = "morning"
	TimeOfDayAfternoon = "afternoon"
	TimeOfDayEvening   = "evening"
	TimeOfDayNight     = "night"
)

// Calendar is the locale used for time features.
type Calendar struct {
	Weekend [2]time.Weekday
}

// DefaultCalendar uses a Friday/Saturday weekend.
var DefaultCalendar = Calendar{Weekend: [2]time.Weekday{time.Friday, time.Saturday}}

// NewCalendar builds a calendar from weekday names. Unknown or missing names
// fall back to DefaultCalendar.
func NewCalendar(weekend []string) Calendar {
	if len(weekend) != 2 {
		return DefaultCalendar
	}
	var c Calendar
	for i, name := range weekend {
		d, ok := parseWeekday(name)
		if !ok {
			return DefaultCalendar
		}
		c.Weekend[i] = d
	}
	return c
}

func parseWeekday(name string) (time.Weekday, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || (len(n) >= 3 && strings.HasPrefix(full, n)) {
			return d, true
		}
	}
	return 0, false
}

// TimeContext derives calendar features from t in t's own location.
func (c Calendar) TimeContext(t time.Time) domain.TimeContext {
	hour := t.Hour()
	day := t.Day()
	return domain.TimeContext{
		Hour:         hour,
		Weekday:      t.Weekday().String(),
		TimeOfDay:    timeOfDay(hour),
		IsWeekend:    t.Weekday() == c.Weekend[0] || t.Weekday() == c.Weekend[1],
		StartOfMonth: day <= 5,
		EndOfMonth:   day >= 25,
	}
}

func timeOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return TimeOfDayMorning
	case hour >= 12 && hour < 17:
		return TimeOfDayAfternoon
	case hour >= 17 && hour < 21:
		return TimeOfDayEvening
	default:
		return TimeOfDayNight
	}
}
