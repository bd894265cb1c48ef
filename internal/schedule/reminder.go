package schedule

import "time"

// ReminderSettings is the notification scheduler's local-only configuration.
// It is not replicated between nodes.
type ReminderSettings struct {
	Enabled       bool
	StartHour     int
	EndHour       int
	IntervalHours int
}

// DefaultReminderSettings mirrors the out-of-box reminder window.
func DefaultReminderSettings() ReminderSettings {
	return ReminderSettings{
		Enabled:       false,
		StartHour:     8,
		EndHour:       21,
		IntervalHours: 2,
	}
}

// WithinActiveHours reports whether the hour falls inside the notification
// window; the end hour is exclusive.
func (s ReminderSettings) WithinActiveHours(hour int) bool {
	return hour >= s.StartHour && hour < s.EndHour
}

// ShouldRemind decides whether a reminder is due: reminders fire only inside
// the active window, and only while intake trails the ideal curve scaled to
// the goal.
func (s ReminderSettings) ShouldRemind(now time.Time, todayTotalML, goalML int64) bool {
	if !s.Enabled {
		return false
	}
	if !s.WithinActiveHours(now.Hour()) {
		return false
	}
	return todayTotalML < IdealAmountAtGoal(now, goalML)
}
