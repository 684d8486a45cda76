package ratelimit

import (
	"strings"
	"time"

	"github.com/coachpo/outflow/internal/infra/config"
)

// Window is a compiled blackout rule: a recurring daily interval plus
// whole weekdays on which no dispatch may reach the provider. The
// interval may wrap midnight (e.g. 21:00 -> 09:00).
type Window struct {
	enabled   bool
	start     int // minutes since midnight
	end       int
	excluded  map[time.Weekday]bool
	wholeDays bool
}

// CompileWindow translates a validated blackout configuration into a
// predicate. An empty configuration yields a window that never matches.
func CompileWindow(cfg config.BlackoutConfig) Window {
	w := Window{excluded: make(map[time.Weekday]bool)}
	if !cfg.Enabled() {
		return w
	}
	w.enabled = true
	for _, day := range cfg.ExcludedWeekdays {
		for wd := time.Sunday; wd <= time.Saturday; wd++ {
			if strings.EqualFold(day, wd.String()) {
				w.excluded[wd] = true
			}
		}
	}
	if cfg.Start == "" && cfg.End == "" {
		w.wholeDays = true
		return w
	}
	w.start = minutesOfDay(cfg.Start)
	w.end = minutesOfDay(cfg.End)
	return w
}

// Contains reports whether t falls inside the blackout window, evaluated
// as wall-clock time in loc.
func (w Window) Contains(t time.Time, loc *time.Location) bool {
	if !w.enabled {
		return false
	}
	local := t.In(loc)
	if w.excluded[local.Weekday()] {
		return true
	}
	if w.wholeDays {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	if w.start <= w.end {
		return minutes >= w.start && minutes < w.end
	}
	// Wraps midnight: blacked out from start until end of day, and from
	// midnight until end.
	return minutes >= w.start || minutes < w.end
}

func minutesOfDay(raw string) int {
	parsed, err := time.Parse("15:04", raw)
	if err != nil {
		return 0
	}
	return parsed.Hour()*60 + parsed.Minute()
}
