package zulip

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"refinery/internal/domain"
	"refinery/internal/engine"
	"refinery/internal/events"
)

// BatchAnnouncement is the message opening a voting round.
func BatchAnnouncement(b domain.Batch, voters []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Estimation batch %s** started by @**%s**\n\n", b.Date, b.Facilitator)
	for _, is := range b.Issues {
		if is.URL != "" {
			fmt.Fprintf(&sb, "- #%s: [%s](%s)\n", is.Number, is.Title, is.URL)
		} else {
			fmt.Fprintf(&sb, "- #%s: %s\n", is.Number, is.Title)
		}
	}
	fmt.Fprintf(&sb, "\nDeadline: %s\n", formatDeadline(b.Deadline))
	if len(voters) > 0 {
		mentions := make([]string, len(voters))
		for i, v := range voters {
			mentions[i] = "@**" + v + "**"
		}
		fmt.Fprintf(&sb, "Voters: %s\n", strings.Join(mentions, ", "))
	}
	sb.WriteString("\nReply with one entry per item, e.g. `#")
	if len(b.Issues) > 0 {
		sb.WriteString(b.Issues[0].Number)
	} else {
		sb.WriteString("1")
	}
	sb.WriteString(": 5` or `#ref: abstain`.")
	return sb.String()
}

// StatusText summarizes the active batch.
func StatusText(st engine.StatusReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Batch %s** (%s), deadline %s\n\n", st.Batch.Date, st.Batch.Status, formatDeadline(st.Batch.Deadline))
	for _, is := range st.Batch.Issues {
		switch is.Status {
		case domain.IssueResolved:
			fmt.Fprintf(&sb, "- #%s %s: **%d points**\n", is.Number, is.Title, *is.FinalPoints)
		default:
			fmt.Fprintf(&sb, "- #%s %s: %d of %d votes in\n", is.Number, is.Title, st.VotesByIssue[is.Number], len(st.Roster))
		}
	}
	if len(st.Waiting) > 0 {
		fmt.Fprintf(&sb, "\nWaiting on: %s", strings.Join(st.Waiting, ", "))
	}
	return sb.String()
}

// VoteReply acknowledges a recorded submission.
func VoteReply(res engine.VoteResult) string {
	var sb strings.Builder
	if res.Replaced > 0 {
		fmt.Fprintf(&sb, "Updated votes for @**%s**", res.Voter)
	} else {
		fmt.Fprintf(&sb, "Recorded votes for @**%s**", res.Voter)
	}
	if res.Abstained > 0 {
		fmt.Fprintf(&sb, " (%d abstention", res.Abstained)
		if res.Abstained > 1 {
			sb.WriteString("s")
		}
		sb.WriteString(")")
	}
	sb.WriteString(".")
	if res.Evaluation != nil {
		sb.WriteString("\n\n")
		sb.WriteString(EvaluationText(res.Evaluation))
	}
	return sb.String()
}

// EvaluationText reports per-item outcomes after an evaluation pass.
func EvaluationText(ev *engine.Evaluation) string {
	var sb strings.Builder
	for _, it := range ev.Items {
		switch it.Status {
		case "resolved":
			fmt.Fprintf(&sb, "- #%s settled at **%d points**\n", it.Ref, it.Points)
		case "insufficient":
			fmt.Fprintf(&sb, "- #%s needs discussion (%s)\n", it.Ref, it.Detail)
		case "failed":
			fmt.Fprintf(&sb, "- #%s: %s\n", it.Ref, it.Detail)
		default:
			fmt.Fprintf(&sb, "- #%s needs discussion\n", it.Ref)
		}
	}
	switch ev.BatchStatus {
	case domain.BatchCompleted:
		sb.WriteString("\nAll items settled. Batch complete. :tada:")
	case domain.BatchDiscussion:
		sb.WriteString("\nUnsettled items go to discussion. The facilitator closes them with `finish #ref: points [rationale]`.")
	}
	return sb.String()
}

// VoterOutcomesText reports a bulk roster change; verb is "added" or
// "removed".
func VoterOutcomesText(outcomes []engine.VoterOutcome, verb string) string {
	var sb strings.Builder
	for _, o := range outcomes {
		if o.Changed {
			fmt.Fprintf(&sb, "- %s %s\n", o.Name, verb)
		} else {
			fmt.Fprintf(&sb, "- %s: %s\n", o.Name, o.Detail)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// HelpText lists the commands the bot understands.
func HelpText(botName string) string {
	return strings.TrimSpace(fmt.Sprintf(`
**%s** runs asynchronous estimation rounds.

- `+"`start`"+` followed by one issue URL per line opens a batch
- `+"`#ref: points`"+` entries (comma or newline separated) cast votes; `+"`#ref: abstain`"+` to sit one out
- `+"`vote for <name> #ref: points`"+` lets the facilitator vote on someone's behalf
- `+"`status`"+` shows progress
- `+"`add voters <names>`"+` / `+"`remove voters <names>`"+` edit the roster
- `+"`complete`"+` closes voting early (facilitator)
- `+"`finish #ref: points [rationale]`"+` settles discussion items (facilitator)
- `+"`cancel`"+` abandons the batch (facilitator)
`, botName))
}

// EventText renders a stored event for the announce stream. The second
// return is false for event types that should not be announced.
func EventText(e domain.Event) (string, bool) {
	var p map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &p)
	}
	switch e.Type {
	case events.BatchStarted:
		return fmt.Sprintf("Voting is open. Deadline: %s.", formatDeadline(str(p, "deadline"))), true
	case events.ItemResolved:
		return fmt.Sprintf("#%s settled at **%v points** (%s).", e.Issue, p["points"], str(p, "resolution")), true
	case events.DiscussionRequired:
		return "Some items need discussion: " + joinRefs(p["issues"]), true
	case events.BatchCompleted:
		return "Batch complete. :tada:", true
	case events.BatchCancelled:
		return fmt.Sprintf("Batch cancelled by %s.", e.Actor), true
	case events.ReminderDue:
		return fmt.Sprintf("Reminder: voting closes %s.", formatDeadline(str(p, "deadline"))), true
	default:
		return "", false
	}
}

func str(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func joinRefs(v any) string {
	list, ok := v.([]any)
	if !ok {
		return ""
	}
	refs := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			refs = append(refs, "#"+s)
		}
	}
	sort.Strings(refs)
	return strings.Join(refs, ", ")
}

func formatDeadline(deadline string) string {
	t, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return deadline
	}
	return t.Format("Mon 2 Jan 15:04 MST")
}
