package schedule

// DailySummary is the read-only aggregate the scheduler and dashboard
// consume: today's exact total against the goal.
type DailySummary struct {
	Date        string `json:"date"`
	TotalML     int64  `json:"total_ml"`
	GoalML      int64  `json:"goal_ml"`
	RemainingML int64  `json:"remaining_ml"`
	Percent     int64  `json:"percent"`
	Achieved    bool   `json:"achieved"`
}

// NewDailySummary derives the progress fields from a total and goal.
func NewDailySummary(date string, totalML, goalML int64) DailySummary {
	summary := DailySummary{
		Date:    date,
		TotalML: totalML,
		GoalML:  goalML,
	}
	if goalML > 0 {
		summary.Percent = totalML * 100 / goalML
	}
	if remaining := goalML - totalML; remaining > 0 {
		summary.RemainingML = remaining
	}
	summary.Achieved = goalML > 0 && totalML >= goalML
	return summary
}
