package reminder

import (
	"math"
	"sort"
	"time"
)

const (
	DefaultInterval       = time.Hour
	DefaultNotifyTimeout  = 15 * time.Second
	DefaultReadyAfterDays = 7
	defaultOffsetDays     = 1
)

// Config is read-only input to the scheduler and is handed to the Notifier
// on every dispatch.
type Config struct {
	// OffsetsDays lists how many whole days before an appointment a reminder fires.
	OffsetsDays []int
	// HoursBeforeAppointment is the legacy single-reminder setting, used only
	// when OffsetsDays is empty.
	HoursBeforeAppointment int
	MessageTemplate        string
	EmailEnabled           bool
	MessagingEnabled       bool

	ReadyReminderEnabled   bool
	ReadyReminderAfterDays int

	Interval      time.Duration
	NotifyTimeout time.Duration
	// Concurrency caps parallel notifier calls within a sweep; 1 is sequential.
	Concurrency int
	// Location is the portal's timezone, used to resolve appointment instants.
	Location *time.Location
}

// Offsets returns the distinct configured offsets, each at least one day,
// largest first.
func (c Config) Offsets() []int {
	raw := c.OffsetsDays
	if len(raw) == 0 {
		if c.HoursBeforeAppointment > 0 {
			raw = []int{int(math.Ceil(float64(c.HoursBeforeAppointment) / 24))}
		} else {
			raw = []int{defaultOffsetDays}
		}
	}

	seen := make(map[int]struct{}, len(raw))
	out := make([]int, 0, len(raw))
	for _, o := range raw {
		if o < 1 {
			o = 1
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.ReadyReminderAfterDays <= 0 {
		c.ReadyReminderAfterDays = DefaultReadyAfterDays
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

func (c Config) channelsEnabled() bool {
	return c.EmailEnabled || c.MessagingEnabled
}
