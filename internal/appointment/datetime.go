package appointment

import (
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// NormalizeTime accepts "9:00", "09:00" or "09:00:00" and returns "09:00".
func NormalizeTime(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimeLayout), true
		}
	}
	return "", false
}

// NormalizeDate accepts a YYYY-MM-DD date and returns it unchanged if valid.
func NormalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", false
	}
	return t.Format(DateLayout), true
}

// CombineDateTime builds the instant for date and clock in loc.
func CombineDateTime(date, clock string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	d, ok := NormalizeDate(date)
	if !ok {
		return time.Time{}, false
	}
	c, ok := NormalizeTime(clock)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, d+" "+c, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
