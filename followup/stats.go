package followup

import "math"

// StatsRow is the raw per-lead counter set the aggregator works from.
type StatsRow struct {
	Status       Status `json:"status"`
	ContactCount int    `json:"contact_count"`
	ReplyCount   int    `json:"reply_count"`
}

// TaskCounts are the count queries answered by the remote store.
type TaskCounts struct {
	Active   int64 `json:"active"`
	Overdue  int64 `json:"overdue"`
	Today    int64 `json:"today"`
	Upcoming int64 `json:"upcoming"`
}

// Stats is the derived dashboard snapshot.
type Stats struct {
	TaskCounts
	TotalContacts     int     `json:"total_contacts"`
	TotalReplies      int     `json:"total_replies"`
	Converted         int     `json:"converted"`
	Lost              int     `json:"lost"`
	ReplyRate         float64 `json:"reply_rate"`
	ConversionRate    float64 `json:"conversion_rate"`
	AvgTouchesToReply float64 `json:"avg_touches_to_reply"`
}

// ComputeStats derives the rates from scratch on every call.
func ComputeStats(rows []StatsRow, counts TaskCounts) Stats {
	s := Stats{TaskCounts: counts}

	var replied, touchesToReply int
	for _, row := range rows {
		s.TotalContacts += row.ContactCount
		s.TotalReplies += row.ReplyCount
		switch row.Status {
		case StatusConverted:
			s.Converted++
		case StatusLost:
			s.Lost++
		}
		if row.ReplyCount > 0 {
			replied++
			touchesToReply += row.ContactCount
		}
	}

	s.ReplyRate = percent(s.TotalReplies, s.TotalContacts)
	s.ConversionRate = percent(s.Converted, s.Converted+s.Lost)
	if replied > 0 {
		s.AvgTouchesToReply = round1(float64(touchesToReply) / float64(replied))
	}
	return s
}

func percent(num, den int) float64 {
	if den <= 0 || num <= 0 {
		return 0
	}
	p := float64(num) / float64(den) * 100
	if p > 100 {
		p = 100
	}
	return round1(p)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
