package opportunity

import (
	"fmt"
	"strings"
	"time"
)

// TimeWindow is a recurring span of the week, e.g. weekdays 12:00-14:00 in
// Europe/Berlin. The end is exclusive; a start after the end wraps midnight.
type TimeWindow struct {
	Days      []string `yaml:"days,omitempty" json:"days,omitempty"`
	StartTime string   `yaml:"start" json:"start"`
	EndTime   string   `yaml:"end" json:"end"`
	Location  string   `yaml:"location,omitempty" json:"location,omitempty"`
}

// Validate checks the location and time formats.
func (tw TimeWindow) Validate() error {
	if _, err := tw.location(); err != nil {
		return err
	}
	if (tw.StartTime == "") != (tw.EndTime == "") {
		return fmt.Errorf("start and end must be set together")
	}
	if tw.StartTime != "" {
		if _, err := parseTimeOfDay(tw.StartTime); err != nil {
			return err
		}
		if _, err := parseTimeOfDay(tw.EndTime); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether t falls inside the window.
func (tw TimeWindow) Matches(t time.Time) (bool, error) {
	_, ok, err := tw.Closes(t)
	return ok, err
}

// Closes returns the instant the window containing t ends. ok is false when t
// is outside the window.
func (tw TimeWindow) Closes(t time.Time) (time.Time, bool, error) {
	loc, err := tw.location()
	if err != nil {
		return time.Time{}, false, err
	}
	local := t.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)

	if tw.StartTime == "" || tw.EndTime == "" {
		if !tw.dayMatches(local) {
			return time.Time{}, false, nil
		}
		return midnight.AddDate(0, 0, 1), true, nil
	}

	startMin, err := parseTimeOfDay(tw.StartTime)
	if err != nil {
		return time.Time{}, false, err
	}
	endMin, err := parseTimeOfDay(tw.EndTime)
	if err != nil {
		return time.Time{}, false, err
	}
	cur := local.Hour()*60 + local.Minute()
	at := func(day time.Time, minutes int) time.Time {
		return day.Add(time.Duration(minutes) * time.Minute)
	}

	switch {
	case startMin <= endMin:
		// 09:00-17:00
		if cur < startMin || cur >= endMin || !tw.dayMatches(local) {
			return time.Time{}, false, nil
		}
		return at(midnight, endMin), true, nil
	case cur >= startMin:
		// 22:00-06:00, evening part: the day is the day the window opened
		if !tw.dayMatches(local) {
			return time.Time{}, false, nil
		}
		return at(midnight.AddDate(0, 0, 1), endMin), true, nil
	case cur < endMin:
		// morning part belongs to the window opened the previous day
		if !tw.dayMatches(local.AddDate(0, 0, -1)) {
			return time.Time{}, false, nil
		}
		return at(midnight, endMin), true, nil
	default:
		return time.Time{}, false, nil
	}
}

func (tw TimeWindow) location() (*time.Location, error) {
	if tw.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tw.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid location '%s': %w", tw.Location, err)
	}
	return loc, nil
}

// dayMatches accepts "Mon", "mon", "Monday" and so on.
func (tw TimeWindow) dayMatches(t time.Time) bool {
	if len(tw.Days) == 0 {
		return true
	}
	cur := strings.ToLower(t.Weekday().String())
	for _, d := range tw.Days {
		d = strings.ToLower(strings.TrimSpace(d))
		if len(d) >= 3 && strings.HasPrefix(cur, d) {
			return true
		}
	}
	return false
}

func parseTimeOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time format '%s' (expected HH:MM): %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
