package zulip

import (
	"strings"
	"testing"

	"refinery/internal/domain"
	"refinery/internal/engine"
)

func TestBatchAnnouncement(t *testing.T) {
	b := domain.Batch{
		Date:        "2026-03-02",
		Facilitator: "dana",
		Deadline:    "2026-03-04T09:00:00Z",
		Issues: []domain.Issue{
			{Number: "101", Title: "Fix the flange", URL: "https://github.com/acme/widgets/issues/101"},
			{Number: "102", Title: "Widget polish"},
		},
	}
	got := BatchAnnouncement(b, []string{"alice", "bob"})
	for _, want := range []string{
		"@**dana**",
		"[Fix the flange](https://github.com/acme/widgets/issues/101)",
		"#102: Widget polish",
		"@**alice**, @**bob**",
		"`#101: 5`",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("announcement missing %q:\n%s", want, got)
		}
	}
}

func TestStatusText(t *testing.T) {
	five := 5
	st := engine.StatusReport{
		Batch: domain.Batch{
			Date:     "2026-03-02",
			Status:   domain.BatchVoting,
			Deadline: "2026-03-04T09:00:00Z",
			Issues: []domain.Issue{
				{Number: "101", Title: "Fix the flange", Status: domain.IssueResolved, FinalPoints: &five},
				{Number: "102", Title: "Widget polish", Status: domain.IssuePending},
			},
		},
		Roster:       []string{"alice", "bob", "carol"},
		Waiting:      []string{"carol"},
		VotesByIssue: map[string]int{"102": 2},
	}
	got := StatusText(st)
	for _, want := range []string{
		"**5 points**",
		"2 of 3 votes in",
		"Waiting on: carol",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
}

func TestEventText(t *testing.T) {
	cases := []struct {
		name     string
		event    domain.Event
		want     string
		announce bool
	}{
		{
			name:     "item resolved",
			event:    domain.Event{Type: "item.resolved", Issue: "101", Payload: `{"points":5,"resolution":"consensus"}`},
			want:     "#101 settled at **5 points** (consensus).",
			announce: true,
		},
		{
			name:     "discussion required",
			event:    domain.Event{Type: "discussion.required", Payload: `{"issues":["102","101"]}`},
			want:     "Some items need discussion: #101, #102",
			announce: true,
		},
		{
			name:     "completed",
			event:    domain.Event{Type: "batch.completed"},
			want:     "Batch complete. :tada:",
			announce: true,
		},
		{
			name:     "votes are not announced",
			event:    domain.Event{Type: "vote.recorded"},
			announce: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := EventText(tc.event)
			if ok != tc.announce {
				t.Fatalf("announce = %v, want %v", ok, tc.announce)
			}
			if tc.announce && got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
