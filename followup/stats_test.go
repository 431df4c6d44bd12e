package followup

import "testing"

func TestComputeStats(t *testing.T) {
	rows := []StatsRow{
		{Status: StatusReplied, ContactCount: 3, ReplyCount: 1},
		{Status: StatusConverted, ContactCount: 4, ReplyCount: 2},
		{Status: StatusLost, ContactCount: 5},
		{Status: StatusLost, ContactCount: 1},
		{Status: StatusActive, ContactCount: 2},
	}
	counts := TaskCounts{Active: 1, Overdue: 1}
	got := ComputeStats(rows, counts)

	if got.TotalContacts != 15 || got.TotalReplies != 3 {
		t.Fatalf("unexpected totals %+v", got)
	}
	if got.ReplyRate != 20 {
		t.Fatalf("expected reply rate 20, got %v", got.ReplyRate)
	}
	// 1 converted / (1 converted + 2 lost)
	if got.ConversionRate != 33.3 {
		t.Fatalf("expected conversion rate 33.3, got %v", got.ConversionRate)
	}
	if got.AvgTouchesToReply != 3.5 {
		t.Fatalf("expected 3.5 touches, got %v", got.AvgTouchesToReply)
	}
	if got.Active != 1 || got.Overdue != 1 {
		t.Fatalf("expected counts carried through, got %+v", got.TaskCounts)
	}
}

func TestComputeStats_ZeroDenominators(t *testing.T) {
	got := ComputeStats(nil, TaskCounts{})
	if got.ReplyRate != 0 || got.ConversionRate != 0 || got.AvgTouchesToReply != 0 {
		t.Fatalf("expected zero rates, got %+v", got)
	}

	got = ComputeStats([]StatsRow{{Status: StatusActive}}, TaskCounts{})
	if got.ReplyRate != 0 || got.ConversionRate != 0 {
		t.Fatalf("expected zero rates without contacts, got %+v", got)
	}
}

func TestComputeStats_RatesBounded(t *testing.T) {
	// replies recorded without a matching contact still cap at 100
	got := ComputeStats([]StatsRow{{Status: StatusReplied, ContactCount: 1, ReplyCount: 4}}, TaskCounts{})
	if got.ReplyRate < 0 || got.ReplyRate > 100 {
		t.Fatalf("reply rate out of range: %v", got.ReplyRate)
	}
	if got.ConversionRate < 0 || got.ConversionRate > 100 {
		t.Fatalf("conversion rate out of range: %v", got.ConversionRate)
	}
}
