package ledger

import "time"

// DayRange returns the start (inclusive) and end (exclusive) instants of the
// calendar day containing t in the given location. Date bucketing uses the
// creating node's local calendar day, never the UTC day.
func DayRange(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// TimeToMillis converts an instant to epoch milliseconds, the unit records
// and envelopes carry on the wire and in storage.
func TimeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// MillisToTime converts epoch milliseconds back to an instant.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
