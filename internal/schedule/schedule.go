// Package schedule computes the ideal intake curve and read-only aggregates
// consumed by the reminder scheduler and chart views. It reads totals and
// the goal; it never writes to the stores.
package schedule

import (
	"time"

	"github.com/dripsynclabs/dripsync/internal/ledger"
)

type schedulePoint struct {
	minuteOfDay int
	cumulative  int64
}

// Recommended cumulative intake over the day, anchored at 1450 ml: waking,
// meals, breaks, bathing, and a small pre-sleep amount.
var idealCurve = []schedulePoint{
	{7 * 60, 200},
	{8 * 60, 350},
	{10 * 60, 550},
	{12 * 60, 700},
	{15 * 60, 900},
	{18 * 60, 1050},
	{19*60 + 30, 1200},
	{20*60 + 30, 1350},
	{22 * 60, 1450},
}

const idealCurveBaseML = 1450

func idealAtMinute(minute int) int64 {
	if minute < idealCurve[0].minuteOfDay {
		return 0
	}
	last := idealCurve[len(idealCurve)-1]
	if minute >= last.minuteOfDay {
		return last.cumulative
	}
	for i := 0; i < len(idealCurve)-1; i++ {
		a, b := idealCurve[i], idealCurve[i+1]
		if minute >= a.minuteOfDay && minute < b.minuteOfDay {
			span := int64(b.minuteOfDay - a.minuteOfDay)
			elapsed := int64(minute - a.minuteOfDay)
			return a.cumulative + (b.cumulative-a.cumulative)*elapsed/span
		}
	}
	return last.cumulative
}

// IdealAmountAt returns the ideal cumulative intake at the given local
// time, linearly interpolated between curve points.
func IdealAmountAt(t time.Time) int64 {
	return idealAtMinute(t.Hour()*60 + t.Minute())
}

// IdealAmountAtGoal scales the curve to the user's daily goal.
func IdealAmountAtGoal(t time.Time, goalML int64) int64 {
	if goalML <= 0 {
		return IdealAmountAt(t)
	}
	return IdealAmountAt(t) * goalML / idealCurveBaseML
}

// HourlyPoint pairs actual and ideal cumulative intake at the end of one
// hour of the day.
type HourlyPoint struct {
	Hour               int   `json:"hour"`
	ActualCumulativeML int64 `json:"actual_cumulative_ml"`
	IdealCumulativeML  int64 `json:"ideal_cumulative_ml"`
}

// AboveIdeal reports whether the actual intake meets the curve.
func (p HourlyPoint) AboveIdeal() bool {
	return p.ActualCumulativeML >= p.IdealCumulativeML
}

// HourlyPoints builds the chart series for one local calendar day from that
// day's records; record order does not matter.
func HourlyPoints(records []ledger.Record, goalML int64, day time.Time, loc *time.Location) []HourlyPoint {
	if loc == nil {
		loc = time.Local
	}
	dayStart, _ := ledger.DayRange(day, loc)

	points := make([]HourlyPoint, 0, 24)
	for hour := 0; hour < 24; hour++ {
		hourEnd := dayStart.Add(time.Duration(hour+1) * time.Hour)
		var actual int64
		for _, record := range records {
			if record.RecordedAtMillis < ledger.TimeToMillis(hourEnd) {
				actual += record.AmountML
			}
		}
		endMinute := (hour + 1) * 60
		scaled := idealAtMinute(endMinute)
		if goalML > 0 {
			scaled = scaled * goalML / idealCurveBaseML
		}
		points = append(points, HourlyPoint{
			Hour:               hour,
			ActualCumulativeML: actual,
			IdealCumulativeML:  scaled,
		})
	}
	return points
}
