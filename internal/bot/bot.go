// Package bot turns free-form chat messages into engine commands and
// engine results into reply text.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"refinery/internal/config"
	"refinery/internal/engine"
	"refinery/internal/parser"
	"refinery/internal/zulip"
)

type Bot struct {
	Engine *engine.Engine
	Config *config.Config
}

func New(eng *engine.Engine, cfg *config.Config) *Bot {
	return &Bot{Engine: eng, Config: cfg}
}

// HandleMessage routes one message from sender and returns the reply.
// It never returns an error: failures become reply text.
func (b *Bot) HandleMessage(ctx context.Context, sender, content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return zulip.HelpText(b.Config.Zulip.BotName)
	}

	keyword, rest := splitKeyword(content)
	switch keyword {
	case "help":
		return zulip.HelpText(b.Config.Zulip.BotName)
	case "start":
		return b.start(ctx, sender, rest)
	case "status":
		return b.status(ctx)
	case "cancel":
		return b.cancel(ctx, sender)
	case "complete":
		return b.complete(ctx, sender)
	case "finish":
		return b.finish(ctx, sender, rest)
	case "add":
		return b.roster(ctx, sender, rest, true)
	case "remove":
		return b.roster(ctx, sender, rest, false)
	case "vote":
		if target, entries, ok := proxyParts(rest); ok {
			return b.vote(ctx, sender, target, entries)
		}
		return b.vote(ctx, sender, "", rest)
	default:
		// bare vote entries, the common case
		return b.vote(ctx, sender, "", content)
	}
}

func splitKeyword(content string) (string, string) {
	fields := strings.SplitN(content, "\n", 2)
	firstLine := strings.TrimSpace(fields[0])
	rest := ""
	if len(fields) == 2 {
		rest = fields[1]
	}
	words := strings.SplitN(firstLine, " ", 2)
	keyword := strings.ToLower(words[0])
	if len(words) == 2 {
		if rest == "" {
			rest = words[1]
		} else {
			rest = words[1] + "\n" + rest
		}
	}
	return keyword, rest
}

// proxyParts splits "for <name> #ref: ..." into the target and the
// vote entries.
func proxyParts(rest string) (string, string, bool) {
	trimmed := strings.TrimSpace(rest)
	if !strings.HasPrefix(strings.ToLower(trimmed), "for ") {
		return "", "", false
	}
	trimmed = strings.TrimSpace(trimmed[4:])
	if m := mentionPrefix(trimmed); m != "" {
		return m, strings.TrimSpace(trimmed[len("@**"+m+"**"):]), true
	}
	idx := strings.IndexAny(trimmed, "#")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(trimmed[:idx]), trimmed[idx:], true
}

func mentionPrefix(s string) string {
	if !strings.HasPrefix(s, "@**") {
		return ""
	}
	end := strings.Index(s[3:], "**")
	if end < 0 {
		return ""
	}
	return s[3 : 3+end]
}

func (b *Bot) start(ctx context.Context, sender, rest string) string {
	refs, err := parser.ParseBatchInput(rest, b.Config.Batch.MaxIssues)
	if err != nil {
		return errorText(err)
	}
	batch, err := b.Engine.StartBatch(ctx, sender, refs)
	if err != nil {
		return errorText(err)
	}
	voters, err := b.Engine.Repo.ListVoters(ctx, batch.ID)
	if err != nil {
		return errorText(err)
	}
	return zulip.BatchAnnouncement(batch, voters)
}

func (b *Bot) status(ctx context.Context) string {
	st, err := b.Engine.Status(ctx)
	if err != nil {
		return errorText(err)
	}
	return zulip.StatusText(st)
}

func (b *Bot) cancel(ctx context.Context, sender string) string {
	if _, err := b.Engine.Cancel(ctx, sender); err != nil {
		return errorText(err)
	}
	return "Batch cancelled. All votes discarded."
}

func (b *Bot) complete(ctx context.Context, sender string) string {
	ev, err := b.Engine.Complete(ctx, sender)
	if err != nil {
		return errorText(err)
	}
	return "Voting closed.\n\n" + zulip.EvaluationText(ev)
}

func (b *Bot) finish(ctx context.Context, sender, rest string) string {
	entries, err := parser.ParseFinish(rest, b.Config.Scale)
	if err != nil {
		return errorText(err)
	}
	ev, err := b.Engine.FinishDiscussion(ctx, sender, entries)
	if err != nil {
		return errorText(err)
	}
	return zulip.EvaluationText(ev)
}

func (b *Bot) roster(ctx context.Context, sender, rest string, add bool) string {
	rest = strings.TrimSpace(rest)
	for _, prefix := range []string{"voters", "voter"} {
		if strings.HasPrefix(strings.ToLower(rest), prefix) {
			rest = strings.TrimSpace(rest[len(prefix):])
			break
		}
	}
	names := parser.ParseVoterNames(rest)
	if len(names) == 0 {
		return "Name at least one voter, e.g. `add voters alice, bob`."
	}
	if add {
		outcomes, err := b.Engine.AddVoters(ctx, sender, names)
		if err != nil {
			return errorText(err)
		}
		return zulip.VoterOutcomesText(outcomes, "added")
	}
	outcomes, ev, err := b.Engine.RemoveVoters(ctx, sender, names)
	if err != nil {
		return errorText(err)
	}
	reply := zulip.VoterOutcomesText(outcomes, "removed")
	if ev != nil {
		reply += "\n\n" + zulip.EvaluationText(ev)
	}
	return reply
}

func (b *Bot) vote(ctx context.Context, sender, target, text string) string {
	entries, err := parser.ParseVotes(text, b.Config.Scale)
	if err != nil {
		return errorText(err)
	}
	res, err := b.Engine.SubmitVotes(ctx, sender, target, entries)
	if err != nil {
		return errorText(err)
	}
	return zulip.VoteReply(res)
}

func errorText(err error) string {
	switch {
	case errors.Is(err, engine.ErrNoActiveBatch):
		return "No batch is active. Start one with `start` followed by issue URLs."
	case errors.Is(err, engine.ErrBatchAlreadyActive):
		return "A batch is already active. `status` shows it; `cancel` abandons it."
	case errors.Is(err, engine.ErrNotFacilitator):
		return "Only the facilitator can do that."
	case errors.Is(err, engine.ErrUnknownVoter):
		return fmt.Sprintf("That voter is not on the roster (%v).", err)
	case errors.Is(err, engine.ErrItemResolutionFailed):
		return fmt.Sprintf("Could not look up an item, batch not started (%v).", err)
	case errors.Is(err, engine.ErrInvalidBatchCommand),
		errors.Is(err, parser.ErrMalformedVote),
		errors.Is(err, parser.ErrInvalidPoint),
		errors.Is(err, parser.ErrDuplicateItem),
		errors.Is(err, parser.ErrTooManyItems):
		return fmt.Sprintf("%v. Try `help` for the command list.", err)
	default:
		return fmt.Sprintf("Something went wrong: %v", err)
	}
}
