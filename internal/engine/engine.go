// Package engine owns the batch lifecycle. Every command runs inside a
// single transaction and is serialized by a mutex, so at most one
// batch is ever active and concurrent submissions cannot interleave.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"refinery/internal/config"
	"refinery/internal/consensus"
	"refinery/internal/deadline"
	"refinery/internal/domain"
	"refinery/internal/events"
	"refinery/internal/parser"
	"refinery/internal/repo"
)

// SystemActor is the actor recorded for scheduler-driven commands.
const SystemActor = "system"

// TitleResolver looks up an item's title from its tracker URL.
type TitleResolver interface {
	Title(ctx context.Context, url string) (string, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Titles TitleResolver
	Now    func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, titles TitleResolver) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Titles: titles,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) params() consensus.Params {
	return consensus.Params{
		Scale:            e.Config.Scale,
		SpreadThreshold:  e.Config.Consensus.SpreadThreshold,
		ClusterStep:      e.Config.Consensus.ClusterStep,
		MajorityFraction: e.Config.Consensus.MajorityFraction,
	}
}

// ItemResult is the per-item outcome of an evaluation or a discussion
// resolution.
type ItemResult struct {
	Ref    string `json:"ref"`
	Status string `json:"status" enum:"resolved,discussion,insufficient,failed"`
	Points int    `json:"points,omitempty"`
	Basis  string `json:"basis,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Evaluation summarizes one pass over a batch's pending items.
type Evaluation struct {
	BatchStatus string       `json:"batch_status"`
	Items       []ItemResult `json:"items"`
}

// VoteResult reports a recorded submission and, when the submission
// was the last one outstanding, the evaluation it triggered.
type VoteResult struct {
	Voter      string      `json:"voter"`
	Recorded   int         `json:"recorded"`
	Abstained  int         `json:"abstained"`
	Replaced   int         `json:"replaced"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// VoterOutcome is the per-name result of a bulk roster change.
type VoterOutcome struct {
	Name    string `json:"name"`
	Changed bool   `json:"changed"`
	Detail  string `json:"detail,omitempty"`
}

// StatusReport describes the active batch.
type StatusReport struct {
	Batch        domain.Batch   `json:"batch"`
	Roster       []string       `json:"roster"`
	Waiting      []string       `json:"waiting,omitempty"`
	VotesByIssue map[string]int `json:"votes_by_issue,omitempty"`
}

// StartBatch opens a new voting round. Item titles are resolved before
// anything is written; a failed lookup aborts the whole batch.
func (e *Engine) StartBatch(ctx context.Context, facilitator string, refs []parser.IssueRef) (domain.Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if max := e.Config.Batch.MaxIssues; max > 0 && len(refs) > max {
		return domain.Batch{}, fmt.Errorf("%w: %d issues, limit is %d", parser.ErrTooManyItems, len(refs), max)
	}

	if _, err := e.Repo.ActiveBatch(ctx); err == nil {
		return domain.Batch{}, ErrBatchAlreadyActive
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Batch{}, err
	}

	issues := make([]domain.Issue, len(refs))
	for i, ref := range refs {
		title := "#" + ref.Number
		if e.Titles != nil {
			t, err := e.Titles.Title(ctx, ref.URL)
			if err != nil {
				return domain.Batch{}, fmt.Errorf("%w: #%s: %v", ErrItemResolutionFailed, ref.Number, err)
			}
			title = t
		}
		issues[i] = domain.Issue{Number: ref.Number, Title: title, URL: ref.URL, Status: domain.IssuePending}
	}

	now := e.now()
	cal := deadline.NewCalendar(e.Config.Batch.HolidayDates)
	b := domain.Batch{
		PublicID:    uuid.NewString(),
		Date:        now.Format("2006-01-02"),
		Facilitator: facilitator,
		Status:      domain.BatchVoting,
		Deadline:    cal.Add(now, e.Config.Batch.DeadlineHours).UTC().Format(time.RFC3339),
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBatchTx(ctx, tx, &b); err != nil {
		return domain.Batch{}, err
	}
	if err := e.Repo.InsertIssuesTx(ctx, tx, b.ID, issues); err != nil {
		return domain.Batch{}, err
	}
	for _, v := range e.Config.Voters {
		if _, err := e.Repo.AddVoterTx(ctx, tx, b.ID, v); err != nil {
			return domain.Batch{}, err
		}
	}

	refsOnly := make([]string, len(issues))
	for i, is := range issues {
		refsOnly[i] = is.Number
	}
	if err := e.Events.Append(ctx, tx, events.BatchStarted, b.ID, "", facilitator, events.EventPayload{
		"public_id": b.PublicID,
		"issues":    refsOnly,
		"deadline":  b.Deadline,
		"voters":    e.Config.Voters,
	}); err != nil {
		return domain.Batch{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	b.Issues, err = e.Repo.ListIssues(ctx, b.ID)
	return b, err
}

// SubmitVotes records one voter's submission. A non-empty onBehalfOf
// is a proxy vote: only the facilitator may cast one, and the target
// must already be on the roster. Direct voters enroll on first vote.
// A submission must cover exactly the batch's pending items. When the
// last outstanding submission arrives the batch is evaluated.
func (e *Engine) SubmitVotes(ctx context.Context, actor, onBehalfOf string, entries []parser.VoteEntry) (VoteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.activeBatch(ctx)
	if err != nil {
		return VoteResult{}, err
	}
	if b.Status != domain.BatchVoting {
		return VoteResult{}, fmt.Errorf("%w: voting is closed", ErrInvalidBatchCommand)
	}

	voter := actor
	proxy := onBehalfOf != "" && onBehalfOf != actor
	if proxy {
		if actor != b.Facilitator {
			return VoteResult{}, fmt.Errorf("%w: proxy votes", ErrNotFacilitator)
		}
		voter = onBehalfOf
	}

	pending := map[string]bool{}
	for _, is := range b.Issues {
		if is.Status == domain.IssuePending {
			pending[is.Number] = true
		}
	}
	covered := map[string]bool{}
	for _, en := range entries {
		if !pending[en.Ref] {
			return VoteResult{}, fmt.Errorf("%w: #%s is not open for voting", ErrInvalidBatchCommand, en.Ref)
		}
		covered[en.Ref] = true
	}
	for ref := range pending {
		if !covered[ref] {
			return VoteResult{}, fmt.Errorf("%w: missing a vote for #%s", ErrInvalidBatchCommand, ref)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteResult{}, err
	}
	defer tx.Rollback()

	if proxy {
		roster, err := e.Repo.ListVotersTx(ctx, tx, b.ID)
		if err != nil {
			return VoteResult{}, err
		}
		if !contains(roster, voter) {
			return VoteResult{}, fmt.Errorf("%w: %s", ErrUnknownVoter, voter)
		}
	} else if _, err := e.Repo.AddVoterTx(ctx, tx, b.ID, voter); err != nil {
		return VoteResult{}, err
	}

	res := VoteResult{Voter: voter}
	now := e.now().UTC().Format(time.RFC3339)
	for _, en := range entries {
		if en.Abstain {
			if err := e.Repo.DeleteVoteTx(ctx, tx, b.ID, en.Ref, voter); err != nil {
				return VoteResult{}, err
			}
			if err := e.Repo.UpsertAbstentionTx(ctx, tx, domain.Abstention{
				BatchID: b.ID, IssueNumber: en.Ref, Voter: voter, CreatedAt: now,
			}); err != nil {
				return VoteResult{}, err
			}
			res.Abstained++
			continue
		}
		if err := e.Repo.DeleteAbstentionTx(ctx, tx, b.ID, en.Ref, voter); err != nil {
			return VoteResult{}, err
		}
		replaced, err := e.Repo.UpsertVoteTx(ctx, tx, domain.Vote{
			BatchID: b.ID, IssueNumber: en.Ref, Voter: voter, Points: en.Points, CreatedAt: now,
		})
		if err != nil {
			return VoteResult{}, err
		}
		if replaced {
			res.Replaced++
		}
		res.Recorded++
	}

	if err := e.Events.Append(ctx, tx, events.VoteRecorded, b.ID, "", actor, events.EventPayload{
		"voter":     voter,
		"recorded":  res.Recorded,
		"abstained": res.Abstained,
	}); err != nil {
		return VoteResult{}, err
	}

	allIn, err := e.allVotesInTx(ctx, tx, &b)
	if err != nil {
		return VoteResult{}, err
	}
	if allIn {
		ev, err := e.evaluateTx(ctx, tx, &b, actor)
		if err != nil {
			return VoteResult{}, err
		}
		res.Evaluation = ev
	}

	return res, tx.Commit()
}

// Complete closes voting early and evaluates whatever votes are in.
// Items without enough votes go to discussion rather than blocking.
func (e *Engine) Complete(ctx context.Context, actor string) (*Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completeActive(ctx, actor)
}

func (e *Engine) completeActive(ctx context.Context, actor string) (*Evaluation, error) {
	b, err := e.activeBatch(ctx)
	if err != nil {
		return nil, err
	}
	if actor != b.Facilitator && actor != SystemActor {
		return nil, ErrNotFacilitator
	}
	if b.Status != domain.BatchVoting {
		return nil, fmt.Errorf("%w: batch is in %s", ErrInvalidBatchCommand, b.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ev, err := e.evaluateTx(ctx, tx, &b, actor)
	if err != nil {
		return nil, err
	}
	return ev, tx.Commit()
}

// Cancel abandons the active batch. Votes and the roster are removed;
// the batch row stays for the record.
func (e *Engine) Cancel(ctx context.Context, actor string) (domain.Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.activeBatch(ctx)
	if err != nil {
		return domain.Batch{}, err
	}
	if actor != b.Facilitator && actor != SystemActor {
		return domain.Batch{}, ErrNotFacilitator
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteVotesTx(ctx, tx, b.ID); err != nil {
		return domain.Batch{}, err
	}
	if err := e.transitionTx(ctx, tx, &b, domain.BatchCancelled); err != nil {
		return domain.Batch{}, err
	}
	if err := e.Events.Append(ctx, tx, events.BatchCancelled, b.ID, "", actor, events.EventPayload{
		"public_id": b.PublicID,
	}); err != nil {
		return domain.Batch{}, err
	}
	return b, tx.Commit()
}

// FinishDiscussion applies facilitator decisions to items that needed
// discussion. Each entry is applied independently; a bad ref fails
// that entry only. The batch completes once nothing is left pending.
func (e *Engine) FinishDiscussion(ctx context.Context, actor string, entries []parser.FinishEntry) (*Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.activeBatch(ctx)
	if err != nil {
		return nil, err
	}
	if actor != b.Facilitator {
		return nil, ErrNotFacilitator
	}
	if b.Status != domain.BatchDiscussion {
		return nil, fmt.Errorf("%w: batch is in %s", ErrInvalidBatchCommand, b.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ev := &Evaluation{BatchStatus: b.Status}
	now := e.now().UTC().Format(time.RFC3339)
	for _, en := range entries {
		err := e.Repo.ResolveIssueTx(ctx, tx, b.ID, en.Ref, en.Points, en.Rationale, domain.ResolutionDiscussion)
		if errors.Is(err, repo.ErrNotFound) {
			ev.Items = append(ev.Items, ItemResult{
				Ref: en.Ref, Status: "failed", Detail: "not a pending item of this batch",
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := e.Repo.InsertFinalEstimateTx(ctx, tx, domain.FinalEstimate{
			BatchID: b.ID, IssueNumber: en.Ref, Points: en.Points,
			Rationale: en.Rationale, Resolution: domain.ResolutionDiscussion, CreatedAt: now,
		}); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.ItemResolved, b.ID, en.Ref, actor, events.EventPayload{
			"points":     en.Points,
			"resolution": domain.ResolutionDiscussion,
			"rationale":  en.Rationale,
		}); err != nil {
			return nil, err
		}
		ev.Items = append(ev.Items, ItemResult{Ref: en.Ref, Status: "resolved", Points: en.Points})
	}

	issues, err := e.Repo.ListIssuesTx(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}
	if countPending(issues) == 0 {
		if err := e.transitionTx(ctx, tx, &b, domain.BatchCompleted); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.BatchCompleted, b.ID, "", actor, events.EventPayload{
			"public_id": b.PublicID,
		}); err != nil {
			return nil, err
		}
	}
	ev.BatchStatus = b.Status
	return ev, tx.Commit()
}

// AddVoters enrolls names on the active batch's roster. The roster
// stays editable through the discussion phase; a voter added then can
// no longer vote but joins the discussion.
func (e *Engine) AddVoters(ctx context.Context, actor string, names []string) ([]VoterOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.activeBatch(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var outcomes []VoterOutcome
	for _, name := range names {
		added, err := e.Repo.AddVoterTx(ctx, tx, b.ID, name)
		if err != nil {
			return nil, err
		}
		out := VoterOutcome{Name: name, Changed: added}
		if !added {
			out.Detail = "already on the roster"
		} else if err := e.Events.Append(ctx, tx, events.VoterAdded, b.ID, "", actor, events.EventPayload{
			"voter": name,
		}); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, tx.Commit()
}

// RemoveVoters drops names from the roster along with their votes,
// in voting or discussion alike. Shrinking the roster can leave every
// remaining submission complete, in which case the pending items are
// re-evaluated; during discussion that can settle a contested item or
// complete the batch outright.
func (e *Engine) RemoveVoters(ctx context.Context, actor string, names []string) ([]VoterOutcome, *Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.activeBatch(ctx)
	if err != nil {
		return nil, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var (
		outcomes   []VoterOutcome
		anyRemoved bool
	)
	for _, name := range names {
		removed, err := e.Repo.RemoveVoterTx(ctx, tx, b.ID, name)
		if err != nil {
			return nil, nil, err
		}
		out := VoterOutcome{Name: name, Changed: removed}
		if !removed {
			out.Detail = ErrUnknownVoter.Error()
		} else {
			anyRemoved = true
			if err := e.Repo.DeleteVotesByVoterTx(ctx, tx, b.ID, name); err != nil {
				return nil, nil, err
			}
			if err := e.Events.Append(ctx, tx, events.VoterRemoved, b.ID, "", actor, events.EventPayload{
				"voter": name,
			}); err != nil {
				return nil, nil, err
			}
		}
		outcomes = append(outcomes, out)
	}

	var ev *Evaluation
	if anyRemoved {
		allIn, err := e.allVotesInTx(ctx, tx, &b)
		if err != nil {
			return nil, nil, err
		}
		if allIn {
			if ev, err = e.evaluateTx(ctx, tx, &b, actor); err != nil {
				return nil, nil, err
			}
		}
	}
	return outcomes, ev, tx.Commit()
}

// Status reports the active batch, its roster, and who is still due
// to vote.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	b, err := e.activeBatch(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	roster, err := e.Repo.ListVoters(ctx, b.ID)
	if err != nil {
		return StatusReport{}, err
	}
	votes, err := e.Repo.ListVotes(ctx, b.ID)
	if err != nil {
		return StatusReport{}, err
	}
	abstentions, err := e.Repo.ListAbstentions(ctx, b.ID)
	if err != nil {
		return StatusReport{}, err
	}

	covered := map[string]map[string]bool{}
	mark := func(voter, ref string) {
		if covered[voter] == nil {
			covered[voter] = map[string]bool{}
		}
		covered[voter][ref] = true
	}
	byIssue := map[string]int{}
	for _, v := range votes {
		mark(v.Voter, v.IssueNumber)
		byIssue[v.IssueNumber]++
	}
	for _, a := range abstentions {
		mark(a.Voter, a.IssueNumber)
	}

	var waiting []string
	for _, voter := range roster {
		for _, is := range b.Issues {
			if is.Status == domain.IssuePending && !covered[voter][is.Number] {
				waiting = append(waiting, voter)
				break
			}
		}
	}

	return StatusReport{Batch: b, Roster: roster, Waiting: waiting, VotesByIssue: byIssue}, nil
}

// ActiveBatch returns the current batch or ErrNoActiveBatch.
func (e *Engine) ActiveBatch(ctx context.Context) (domain.Batch, error) {
	return e.activeBatch(ctx)
}

// ExpireIfDue force-completes the active batch once its deadline has
// passed. Reports whether anything happened.
func (e *Engine) ExpireIfDue(ctx context.Context, now time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.activeBatch(ctx)
	if errors.Is(err, ErrNoActiveBatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if b.Status != domain.BatchVoting {
		return false, nil
	}
	dl, err := time.Parse(time.RFC3339, b.Deadline)
	if err != nil {
		return false, fmt.Errorf("bad deadline on batch %s: %w", b.PublicID, err)
	}
	if now.Before(dl) {
		return false, nil
	}
	if _, err := e.completeActive(ctx, SystemActor); err != nil {
		return false, err
	}
	return true, nil
}

// DueReminders emits a reminder.due event for every configured
// reminder whose share of the voting window has elapsed. Each kind
// fires at most once per batch. Returns the kinds fired.
func (e *Engine) DueReminders(ctx context.Context, now time.Time) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.activeBatch(ctx)
	if errors.Is(err, ErrNoActiveBatch) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchVoting {
		return nil, nil
	}

	created, err := time.Parse(time.RFC3339, b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("bad created_at on batch %s: %w", b.PublicID, err)
	}
	dl, err := time.Parse(time.RFC3339, b.Deadline)
	if err != nil {
		return nil, fmt.Errorf("bad deadline on batch %s: %w", b.PublicID, err)
	}
	window := dl.Sub(created)
	if window <= 0 {
		return nil, nil
	}
	elapsed := float64(now.Sub(created)) / float64(window)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var fired []string
	ts := now.UTC().Format(time.RFC3339)
	for _, r := range e.Config.Reminders {
		if r.Disabled || elapsed < r.Elapsed {
			continue
		}
		sent, err := e.Repo.MarkReminderSentTx(ctx, tx, b.ID, r.Kind, ts)
		if err != nil {
			return nil, err
		}
		if !sent {
			continue
		}
		if err := e.Events.Append(ctx, tx, events.ReminderDue, b.ID, "", SystemActor, events.EventPayload{
			"kind":     r.Kind,
			"deadline": b.Deadline,
		}); err != nil {
			return nil, err
		}
		fired = append(fired, r.Kind)
	}
	if len(fired) == 0 {
		return nil, nil
	}
	return fired, tx.Commit()
}

func (e *Engine) activeBatch(ctx context.Context) (domain.Batch, error) {
	b, err := e.Repo.ActiveBatch(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Batch{}, ErrNoActiveBatch
	}
	return b, err
}

// evaluateTx analyzes every pending item and transitions the batch:
// all items settled means completed, anything unsettled means
// discussion. Items short of votes are treated as unsettled.
func (e *Engine) evaluateTx(ctx context.Context, tx *sql.Tx, b *domain.Batch, actor string) (*Evaluation, error) {
	roster, err := e.Repo.ListVotersTx(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}
	votes, err := e.Repo.ListVotesTx(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}
	abstentions, err := e.Repo.ListAbstentionsTx(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}
	issues, err := e.Repo.ListIssuesTx(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}

	votesByIssue := map[string][]int{}
	for _, v := range votes {
		if contains(roster, v.Voter) {
			votesByIssue[v.IssueNumber] = append(votesByIssue[v.IssueNumber], v.Points)
		}
	}
	abstainers := map[string]int{}
	for _, a := range abstentions {
		if contains(roster, a.Voter) {
			abstainers[a.IssueNumber]++
		}
	}

	ev := &Evaluation{}
	now := e.now().UTC().Format(time.RFC3339)
	unsettled := 0
	for _, is := range issues {
		if is.Status != domain.IssuePending {
			continue
		}
		required := len(roster) - abstainers[is.Number]
		v := consensus.Analyze(votesByIssue[is.Number], required, e.params())
		switch v.Outcome {
		case consensus.OutcomeConsensus:
			if err := e.Repo.ResolveIssueTx(ctx, tx, b.ID, is.Number, v.Points, "", domain.ResolutionConsensus); err != nil {
				return nil, err
			}
			if err := e.Repo.InsertFinalEstimateTx(ctx, tx, domain.FinalEstimate{
				BatchID: b.ID, IssueNumber: is.Number, Points: v.Points,
				Resolution: domain.ResolutionConsensus, CreatedAt: now,
			}); err != nil {
				return nil, err
			}
			if err := e.Events.Append(ctx, tx, events.ItemResolved, b.ID, is.Number, actor, events.EventPayload{
				"points":     v.Points,
				"resolution": domain.ResolutionConsensus,
				"basis":      v.Basis,
			}); err != nil {
				return nil, err
			}
			ev.Items = append(ev.Items, ItemResult{Ref: is.Number, Status: "resolved", Points: v.Points, Basis: v.Basis})
		case consensus.OutcomeInsufficient:
			unsettled++
			ev.Items = append(ev.Items, ItemResult{Ref: is.Number, Status: "insufficient",
				Detail: fmt.Sprintf("%d of %d votes", len(votesByIssue[is.Number]), required)})
		default:
			unsettled++
			ev.Items = append(ev.Items, ItemResult{Ref: is.Number, Status: "discussion"})
		}
	}

	if unsettled == 0 {
		if err := e.transitionTx(ctx, tx, b, domain.BatchCompleted); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.BatchCompleted, b.ID, "", actor, events.EventPayload{
			"public_id": b.PublicID,
		}); err != nil {
			return nil, err
		}
	} else if b.Status == domain.BatchVoting {
		if err := e.transitionTx(ctx, tx, b, domain.BatchDiscussion); err != nil {
			return nil, err
		}
		var refs []string
		for _, it := range ev.Items {
			if it.Status != "resolved" {
				refs = append(refs, it.Ref)
			}
		}
		if err := e.Events.Append(ctx, tx, events.DiscussionRequired, b.ID, "", actor, events.EventPayload{
			"issues": refs,
		}); err != nil {
			return nil, err
		}
	}
	ev.BatchStatus = b.Status
	return ev, nil
}

// allVotesInTx reports whether every roster member has covered every
// pending item with a vote or an abstention. An empty roster never
// counts as complete.
func (e *Engine) allVotesInTx(ctx context.Context, tx *sql.Tx, b *domain.Batch) (bool, error) {
	roster, err := e.Repo.ListVotersTx(ctx, tx, b.ID)
	if err != nil {
		return false, err
	}
	if len(roster) == 0 {
		return false, nil
	}
	votes, err := e.Repo.ListVotesTx(ctx, tx, b.ID)
	if err != nil {
		return false, err
	}
	abstentions, err := e.Repo.ListAbstentionsTx(ctx, tx, b.ID)
	if err != nil {
		return false, err
	}
	issues, err := e.Repo.ListIssuesTx(ctx, tx, b.ID)
	if err != nil {
		return false, err
	}

	covered := map[string]map[string]bool{}
	mark := func(voter, ref string) {
		if covered[voter] == nil {
			covered[voter] = map[string]bool{}
		}
		covered[voter][ref] = true
	}
	for _, v := range votes {
		mark(v.Voter, v.IssueNumber)
	}
	for _, a := range abstentions {
		mark(a.Voter, a.IssueNumber)
	}

	for _, voter := range roster {
		for _, is := range issues {
			if is.Status == domain.IssuePending && !covered[voter][is.Number] {
				return false, nil
			}
		}
	}
	return true, nil
}

func (e *Engine) transitionTx(ctx context.Context, tx *sql.Tx, b *domain.Batch, to string) error {
	if err := ensureBatchTransition(b.Status, to); err != nil {
		return err
	}
	if err := e.Repo.UpdateBatchStatusTx(ctx, tx, b.ID, to); err != nil {
		return err
	}
	b.Status = to
	return nil
}

func ensureBatchTransition(from, to string) error {
	switch from {
	case domain.BatchVoting:
		switch to {
		case domain.BatchDiscussion, domain.BatchCompleted, domain.BatchCancelled:
			return nil
		}
	case domain.BatchDiscussion:
		switch to {
		case domain.BatchCompleted, domain.BatchCancelled:
			return nil
		}
	}
	return fmt.Errorf("%w: cannot go from %s to %s", ErrInvalidBatchCommand, from, to)
}

func countPending(issues []domain.Issue) int {
	n := 0
	for _, is := range issues {
		if is.Status == domain.IssuePending {
			n++
		}
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
