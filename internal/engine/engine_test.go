package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"refinery/internal/config"
	"refinery/internal/db"
	"refinery/internal/domain"
	"refinery/internal/engine"
	"refinery/internal/migrate"
	"refinery/internal/parser"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

type stubTitles struct {
	fail bool
}

func (s stubTitles) Title(_ context.Context, url string) (string, error) {
	if s.fail {
		return "", errors.New("tracker unavailable")
	}
	return "Title for " + url, nil
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Voters = []string{"alice", "bob", "carol"}
	eng := engine.New(conn, cfg, stubTitles{})
	// Monday morning, so business-hour deadlines stay within the week
	eng.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func refs(nums ...string) []parser.IssueRef {
	var out []parser.IssueRef
	for _, n := range nums {
		out = append(out, parser.IssueRef{
			Number: n,
			URL:    fmt.Sprintf("https://github.com/acme/widgets/issues/%s", n),
		})
	}
	return out
}

func votes(t *testing.T, text string) []parser.VoteEntry {
	t.Helper()
	entries, err := parser.ParseVotes(text, config.Default().Scale)
	if err != nil {
		t.Fatalf("parse votes: %v", err)
	}
	return entries
}

func TestStartBatch(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101", "102"))
	if err != nil {
		t.Fatalf("start batch: %v", err)
	}
	if b.Status != domain.BatchVoting {
		t.Fatalf("status = %s, want voting", b.Status)
	}
	if b.PublicID == "" {
		t.Fatal("missing public id")
	}
	if len(b.Issues) != 2 {
		t.Fatalf("issues = %d, want 2", len(b.Issues))
	}
	if b.Issues[0].Title != "Title for https://github.com/acme/widgets/issues/101" {
		t.Fatalf("title not resolved: %q", b.Issues[0].Title)
	}

	// default voters preseed the roster
	st, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Roster) != 3 {
		t.Fatalf("roster = %v, want 3 members", st.Roster)
	}
	if len(st.Waiting) != 3 {
		t.Fatalf("waiting = %v, want all 3", st.Waiting)
	}
}

func TestStartBatchOnlyOneActive(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.StartBatch(env.Ctx, "dana", refs("102"))
	if !errors.Is(err, engine.ErrBatchAlreadyActive) {
		t.Fatalf("err = %v, want ErrBatchAlreadyActive", err)
	}
}

func TestStartBatchTitleLookupAborts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Titles = stubTitles{fail: true}
	_, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101"))
	if !errors.Is(err, engine.ErrItemResolutionFailed) {
		t.Fatalf("err = %v, want ErrItemResolutionFailed", err)
	}
	// nothing was written
	if _, err := env.Engine.ActiveBatch(env.Ctx); !errors.Is(err, engine.ErrNoActiveBatch) {
		t.Fatalf("expected no active batch, got %v", err)
	}
}

func TestStartBatchTooManyItems(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartBatch(env.Ctx, "dana", refs("1", "2", "3", "4", "5", "6", "7"))
	if !errors.Is(err, parser.ErrTooManyItems) {
		t.Fatalf("err = %v, want ErrTooManyItems", err)
	}
}

func TestSubmitVotesCompleteness(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101", "102")); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 5"))
	if !errors.Is(err, engine.ErrInvalidBatchCommand) {
		t.Fatalf("partial submission: err = %v, want ErrInvalidBatchCommand", err)
	}

	_, err = env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 5, #102: 3, #999: 8"))
	if !errors.Is(err, engine.ErrInvalidBatchCommand) {
		t.Fatalf("unknown ref: err = %v, want ErrInvalidBatchCommand", err)
	}

	res, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 5, #102: abstain"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Recorded != 1 || res.Abstained != 1 {
		t.Fatalf("recorded=%d abstained=%d, want 1/1", res.Recorded, res.Abstained)
	}
}

func TestSubmitVotesRevoteIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 5")); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 8"))
	if err != nil {
		t.Fatalf("revote: %v", err)
	}
	if res.Replaced != 1 {
		t.Fatalf("replaced = %d, want 1", res.Replaced)
	}

	st, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.VotesByIssue["101"] != 1 {
		t.Fatalf("votes for #101 = %d, want 1", st.VotesByIssue["101"])
	}
}

func TestLastVoteTriggersEvaluation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	for _, voter := range []string{"alice", "bob"} {
		res, err := env.Engine.SubmitVotes(env.Ctx, voter, "", votes(t, "#101: 5"))
		if err != nil {
			t.Fatal(err)
		}
		if res.Evaluation != nil {
			t.Fatalf("evaluation before last vote (%s)", voter)
		}
	}
	res, err := env.Engine.SubmitVotes(env.Ctx, "carol", "", votes(t, "#101: 5"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Evaluation == nil {
		t.Fatal("expected evaluation on last vote")
	}
	if res.Evaluation.BatchStatus != domain.BatchCompleted {
		t.Fatalf("batch status = %s, want completed", res.Evaluation.BatchStatus)
	}
	if got := res.Evaluation.Items[0]; got.Status != "resolved" || got.Points != 5 {
		t.Fatalf("item outcome = %+v", got)
	}
	if _, err := env.Engine.ActiveBatch(env.Ctx); !errors.Is(err, engine.ErrNoActiveBatch) {
		t.Fatalf("completed batch still active: %v", err)
	}
}

func TestDisagreementGoesToDiscussion(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101", "102")); err != nil {
		t.Fatal(err)
	}
	submissions := map[string]string{
		"alice": "#101: 1, #102: 5",
		"bob":   "#101: 1, #102: 5",
		"carol": "#101: 13, #102: 5",
	}
	var last *engine.Evaluation
	for _, voter := range []string{"alice", "bob", "carol"} {
		res, err := env.Engine.SubmitVotes(env.Ctx, voter, "", votes(t, submissions[voter]))
		if err != nil {
			t.Fatal(err)
		}
		last = res.Evaluation
	}
	if last == nil {
		t.Fatal("expected evaluation")
	}
	if last.BatchStatus != domain.BatchDiscussion {
		t.Fatalf("batch status = %s, want discussion", last.BatchStatus)
	}

	b, err := env.Engine.ActiveBatch(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	// #102 settled by consensus, #101 still open
	for _, is := range b.Issues {
		switch is.Number {
		case "101":
			if is.Status != domain.IssuePending {
				t.Fatalf("#101 status = %s, want pending", is.Status)
			}
		case "102":
			if is.Status != domain.IssueResolved || *is.FinalPoints != 5 {
				t.Fatalf("#102 = %+v", is)
			}
		}
	}
}

func TestProxyVotes(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.SubmitVotes(env.Ctx, "alice", "bob", votes(t, "#101: 5"))
	if !errors.Is(err, engine.ErrNotFacilitator) {
		t.Fatalf("non-facilitator proxy: err = %v, want ErrNotFacilitator", err)
	}

	_, err = env.Engine.SubmitVotes(env.Ctx, "dana", "stranger", votes(t, "#101: 5"))
	if !errors.Is(err, engine.ErrUnknownVoter) {
		t.Fatalf("proxy for stranger: err = %v, want ErrUnknownVoter", err)
	}

	res, err := env.Engine.SubmitVotes(env.Ctx, "dana", "bob", votes(t, "#101: 5"))
	if err != nil {
		t.Fatalf("facilitator proxy: %v", err)
	}
	if res.Voter != "bob" {
		t.Fatalf("voter = %s, want bob", res.Voter)
	}
}

func TestCompleteForcesEvaluation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 5")); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Complete(env.Ctx, "alice"); !errors.Is(err, engine.ErrNotFacilitator) {
		t.Fatalf("err = %v, want ErrNotFacilitator", err)
	}

	ev, err := env.Engine.Complete(env.Ctx, "dana")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ev.BatchStatus != domain.BatchDiscussion {
		t.Fatalf("batch status = %s, want discussion", ev.BatchStatus)
	}
	if ev.Items[0].Status != "insufficient" {
		t.Fatalf("item = %+v, want insufficient", ev.Items[0])
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 5")); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Cancel(env.Ctx, "alice"); !errors.Is(err, engine.ErrNotFacilitator) {
		t.Fatalf("err = %v, want ErrNotFacilitator", err)
	}
	b, err := env.Engine.Cancel(env.Ctx, "dana")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.Status != domain.BatchCancelled {
		t.Fatalf("status = %s, want cancelled", b.Status)
	}
	if _, err := env.Engine.ActiveBatch(env.Ctx); !errors.Is(err, engine.ErrNoActiveBatch) {
		t.Fatalf("cancelled batch still active: %v", err)
	}
	// a fresh batch can start immediately
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("102")); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
}

func TestFinishDiscussion(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101", "102")); err != nil {
		t.Fatal(err)
	}
	submissions := map[string]string{
		"alice": "#101: 1, #102: 2",
		"bob":   "#101: 13, #102: 21",
		"carol": "#101: 5, #102: 8",
	}
	for voter, text := range submissions {
		if _, err := env.Engine.SubmitVotes(env.Ctx, voter, "", votes(t, text)); err != nil {
			t.Fatal(err)
		}
	}
	b, err := env.Engine.ActiveBatch(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BatchDiscussion {
		t.Fatalf("status = %s, want discussion", b.Status)
	}

	finish := func(text string) []parser.FinishEntry {
		entries, err := parser.ParseFinish(text, config.Default().Scale)
		if err != nil {
			t.Fatalf("parse finish: %v", err)
		}
		return entries
	}

	if _, err := env.Engine.FinishDiscussion(env.Ctx, "alice", finish("#101: 8")); !errors.Is(err, engine.ErrNotFacilitator) {
		t.Fatalf("err = %v, want ErrNotFacilitator", err)
	}

	// one good entry, one bad ref: the good one still lands
	ev, err := env.Engine.FinishDiscussion(env.Ctx, "dana", finish("#101: 8 split the story\n#999: 5"))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if ev.Items[0].Status != "resolved" || ev.Items[1].Status != "failed" {
		t.Fatalf("items = %+v", ev.Items)
	}
	if ev.BatchStatus != domain.BatchDiscussion {
		t.Fatalf("batch status = %s, want discussion", ev.BatchStatus)
	}

	ev, err = env.Engine.FinishDiscussion(env.Ctx, "dana", finish("#102: 13"))
	if err != nil {
		t.Fatalf("finish last: %v", err)
	}
	if ev.BatchStatus != domain.BatchCompleted {
		t.Fatalf("batch status = %s, want completed", ev.BatchStatus)
	}
}

func TestRosterChanges(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}

	outcomes, err := env.Engine.AddVoters(env.Ctx, "dana", []string{"erin", "alice"})
	if err != nil {
		t.Fatalf("add voters: %v", err)
	}
	if !outcomes[0].Changed || outcomes[1].Changed {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	// alice and bob vote; removing carol and erin leaves everything in
	for _, voter := range []string{"alice", "bob"} {
		if _, err := env.Engine.SubmitVotes(env.Ctx, voter, "", votes(t, "#101: 5")); err != nil {
			t.Fatal(err)
		}
	}
	outcomes, ev, err := env.Engine.RemoveVoters(env.Ctx, "dana", []string{"carol", "erin", "ghost"})
	if err != nil {
		t.Fatalf("remove voters: %v", err)
	}
	if !outcomes[0].Changed || !outcomes[1].Changed || outcomes[2].Changed {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[2].Detail != engine.ErrUnknownVoter.Error() {
		t.Fatalf("ghost detail = %q, want %q", outcomes[2].Detail, engine.ErrUnknownVoter)
	}
	if ev == nil || ev.BatchStatus != domain.BatchCompleted {
		t.Fatalf("expected completion after roster shrink, got %+v", ev)
	}
}

func TestRosterEditsDuringDiscussion(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	submissions := map[string]string{
		"alice": "#101: 1",
		"bob":   "#101: 1",
		"carol": "#101: 13",
	}
	var last *engine.Evaluation
	for _, voter := range []string{"alice", "bob", "carol"} {
		res, err := env.Engine.SubmitVotes(env.Ctx, voter, "", votes(t, submissions[voter]))
		if err != nil {
			t.Fatal(err)
		}
		last = res.Evaluation
	}
	if last == nil || last.BatchStatus != domain.BatchDiscussion {
		t.Fatalf("evaluation = %+v, want discussion", last)
	}

	// the roster stays editable while the batch is under discussion
	outcomes, err := env.Engine.AddVoters(env.Ctx, "dana", []string{"erin"})
	if err != nil {
		t.Fatalf("add voters during discussion: %v", err)
	}
	if !outcomes[0].Changed {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	// dropping the outlier and the late joiner leaves a unanimous pair,
	// which settles the contested item and completes the batch
	outcomes, ev, err := env.Engine.RemoveVoters(env.Ctx, "dana", []string{"carol", "erin"})
	if err != nil {
		t.Fatalf("remove voters during discussion: %v", err)
	}
	if !outcomes[0].Changed || !outcomes[1].Changed {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if ev == nil || ev.BatchStatus != domain.BatchCompleted {
		t.Fatalf("expected completion, got %+v", ev)
	}
	for _, it := range ev.Items {
		if it.Ref == "101" && (it.Status != "resolved" || it.Points != 1) {
			t.Fatalf("#101 = %+v, want resolved at 1 point", it)
		}
	}
}

func TestRemovedVoterVotesDiscarded(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 21")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.RemoveVoters(env.Ctx, "dana", []string{"alice"}); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.VotesByIssue["101"] != 0 {
		t.Fatalf("votes = %d, want 0", st.VotesByIssue["101"])
	}
}

func TestExpireIfDue(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 5")); err != nil {
		t.Fatal(err)
	}

	fired, err := env.Engine.ExpireIfDue(env.Ctx, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	if err != nil || fired {
		t.Fatalf("early expiry: fired=%v err=%v", fired, err)
	}

	fired, err = env.Engine.ExpireIfDue(env.Ctx, time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !fired {
		t.Fatal("expected expiry")
	}
	b, err := env.Engine.ActiveBatch(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BatchDiscussion {
		t.Fatalf("status = %s, want discussion", b.Status)
	}

	// idempotent: nothing left to expire
	fired, err = env.Engine.ExpireIfDue(env.Ctx, time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC))
	if err != nil || fired {
		t.Fatalf("second expiry: fired=%v err=%v", fired, err)
	}
}

func TestDueReminders(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartBatch(env.Ctx, "dana", refs("101")); err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.ActiveBatch(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	created, _ := time.Parse(time.RFC3339, b.CreatedAt)
	dl, _ := time.Parse(time.RFC3339, b.Deadline)
	window := dl.Sub(created)

	fired, err := env.Engine.DueReminders(env.Ctx, created.Add(window/10))
	if err != nil || fired != nil {
		t.Fatalf("too early: fired=%v err=%v", fired, err)
	}

	fired, err = env.Engine.DueReminders(env.Ctx, created.Add(window*6/10))
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 || fired[0] != "midpoint" {
		t.Fatalf("fired = %v, want [midpoint]", fired)
	}

	// same tick again: already sent
	fired, err = env.Engine.DueReminders(env.Ctx, created.Add(window*6/10))
	if err != nil || fired != nil {
		t.Fatalf("repeat: fired=%v err=%v", fired, err)
	}

	fired, err = env.Engine.DueReminders(env.Ctx, created.Add(window*95/100))
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 || fired[0] != "last-call" {
		t.Fatalf("fired = %v, want [last-call]", fired)
	}
}

func TestNoActiveBatch(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Status(env.Ctx); !errors.Is(err, engine.ErrNoActiveBatch) {
		t.Fatalf("status: err = %v, want ErrNoActiveBatch", err)
	}
	if _, err := env.Engine.SubmitVotes(env.Ctx, "alice", "", votes(t, "#101: 5")); !errors.Is(err, engine.ErrNoActiveBatch) {
		t.Fatalf("submit: err = %v, want ErrNoActiveBatch", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, "dana"); !errors.Is(err, engine.ErrNoActiveBatch) {
		t.Fatalf("complete: err = %v, want ErrNoActiveBatch", err)
	}
}
