package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Parse failures surfaced to callers via errors.Is.
var (
	ErrMalformedVote = errors.New("malformed vote entry")
	ErrInvalidPoint  = errors.New("invalid point value")
	ErrDuplicateItem = errors.New("duplicate item")
	ErrTooManyItems  = errors.New("too many items")
)

// VoteEntry is one parsed vote line. Ref is the bare issue number
// without the leading '#'. Abstain entries carry no points.
type VoteEntry struct {
	Ref     string
	Points  int
	Abstain bool
}

var voteEntryRe = regexp.MustCompile(`^#?(\d+)\s*:\s*(.+)$`)

// ParseVotes extracts vote entries from free text. Entries are
// separated by commas or newlines, e.g. "#12: 5, #13: abstain".
// Backticks and surrounding whitespace are ignored. When the same
// ref appears more than once the later entry wins.
func ParseVotes(text string, scale []int) ([]VoteEntry, error) {
	var (
		entries []VoteEntry
		seen    = map[string]int{}
	)
	for _, raw := range splitEntries(text) {
		m := voteEntryRe.FindStringSubmatch(raw)
		if m == nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedVote, raw)
		}
		e := VoteEntry{Ref: m[1]}
		val := strings.TrimSpace(m[2])
		if strings.EqualFold(val, "abstain") {
			e.Abstain = true
		} else {
			p, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidPoint, val)
			}
			if !onScale(p, scale) {
				return nil, fmt.Errorf("%w: %d not in scale %v", ErrInvalidPoint, p, scale)
			}
			e.Points = p
		}
		if i, ok := seen[e.Ref]; ok {
			entries[i] = e
			continue
		}
		seen[e.Ref] = len(entries)
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries found", ErrMalformedVote)
	}
	return entries, nil
}

func splitEntries(text string) []string {
	text = strings.ReplaceAll(text, "`", "")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func onScale(p int, scale []int) bool {
	for _, s := range scale {
		if p == s {
			return true
		}
	}
	return false
}

// IssueRef is one issue URL named in a batch announcement.
type IssueRef struct {
	Number string
	URL    string
}

var issueURLRe = regexp.MustCompile(`^https?://[^/\s]+/[^/\s]+/[^/\s]+/issues/(\d+)/?$`)

// ParseBatchInput reads one issue URL per line from the text below a
// start command. Blank lines are skipped. maxItems of 0 means no limit.
func ParseBatchInput(text string, maxItems int) ([]IssueRef, error) {
	var (
		refs []IssueRef
		seen = map[string]bool{}
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "`<>")
		if line == "" {
			continue
		}
		m := issueURLRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: %q is not an issue URL", ErrMalformedVote, line)
		}
		if seen[m[1]] {
			return nil, fmt.Errorf("%w: #%s listed twice", ErrDuplicateItem, m[1])
		}
		seen[m[1]] = true
		refs = append(refs, IssueRef{Number: m[1], URL: strings.TrimSuffix(line, "/")})
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no issue URLs found", ErrMalformedVote)
	}
	if maxItems > 0 && len(refs) > maxItems {
		return nil, fmt.Errorf("%w: %d issues, limit is %d", ErrTooManyItems, len(refs), maxItems)
	}
	return refs, nil
}

// FinishEntry is one facilitator resolution line: points plus an
// optional free-text rationale.
type FinishEntry struct {
	Ref       string
	Points    int
	Rationale string
}

var finishEntryRe = regexp.MustCompile(`^#?(\d+)\s*:\s*(\d+)\s*(.*)$`)

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "`", "")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ParseFinish reads resolution lines like "#12: 8 agreed after call".
// Entries are one per line since rationales may contain commas. When
// the same ref appears more than once the later entry wins.
func ParseFinish(text string, scale []int) ([]FinishEntry, error) {
	var (
		entries []FinishEntry
		seen    = map[string]int{}
	)
	for _, raw := range splitLines(text) {
		m := finishEntryRe.FindStringSubmatch(raw)
		if m == nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedVote, raw)
		}
		p, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidPoint, m[2])
		}
		if !onScale(p, scale) {
			return nil, fmt.Errorf("%w: %d not in scale %v", ErrInvalidPoint, p, scale)
		}
		e := FinishEntry{Ref: m[1], Points: p, Rationale: strings.TrimSpace(m[3])}
		if i, ok := seen[e.Ref]; ok {
			entries[i] = e
			continue
		}
		seen[e.Ref] = len(entries)
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries found", ErrMalformedVote)
	}
	return entries, nil
}

var mentionRe = regexp.MustCompile(`@\*\*([^*]+)\*\*`)

// ParseVoterNames extracts voter names from text. Mentions in the
// @**Name** form take precedence; otherwise names are split on commas
// and the word "and".
func ParseVoterNames(text string) []string {
	var names []string
	if ms := mentionRe.FindAllStringSubmatch(text, -1); ms != nil {
		for _, m := range ms {
			if n := strings.TrimSpace(m[1]); n != "" {
				names = append(names, n)
			}
		}
		return dedupe(names)
	}
	text = strings.ReplaceAll(text, " and ", ",")
	for _, part := range strings.Split(text, ",") {
		if n := strings.TrimSpace(part); n != "" {
			names = append(names, n)
		}
	}
	return dedupe(names)
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
