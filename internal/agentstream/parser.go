// Package agentstream is the Agent Stream Parser (spec §4.4): it turns a
// stream of raw agent output chunks into structured events while
// preserving the raw text for UI streaming.
//
// Grounded on the teacher's convention of matching fixed completion
// markers in agent output (agents.Spawner.runClaude checks for the
// "<promise>" substring); here that single substring check is
// generalized into a line-oriented parser because the spec defines
// several distinct terminal markers plus incremental telemetry and quota
// signals.
package agentstream

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EventKind tags a parsed event.
type EventKind string

const (
	EventText      EventKind = "text"
	EventToolUse   EventKind = "tool_use"
	EventVerdict   EventKind = "verdict"
	EventTelemetry EventKind = "telemetry"
	EventQuota     EventKind = "quota"
)

// VerdictKind is the terminal signal a round produces.
type VerdictKind string

const (
	VerdictAccepted            VerdictKind = "ACCEPTED"
	VerdictRejected            VerdictKind = "REJECTED"
	VerdictAllFeaturesComplete VerdictKind = "ALL_FEATURES_COMPLETE"
)

// QuotaStatus is the kind of quota signal detected.
type QuotaStatus string

const (
	QuotaRateLimited QuotaStatus = "RATE_LIMITED"
	QuotaExhausted   QuotaStatus = "QUOTA_EXHAUSTED"
)

// Event is one structured event surfaced by the parser.
type Event struct {
	Kind EventKind

	// text / tool_use
	Text      string
	ToolName  string
	ToolBrief string

	// verdict
	Verdict VerdictKind
	Reason  string // REJECTED
	Summary string // ALL_FEATURES_COMPLETE
	Commits []string

	// telemetry
	Tokens  int64
	CostUSD float64

	// quota
	QuotaStatus QuotaStatus
	ResetAt     *time.Time
}

var (
	acceptedRe    = regexp.MustCompile(`(?m)^\s*ACCEPTED\s*$`)
	rejectedRe    = regexp.MustCompile(`(?m)^\s*REJECTED:\s*(.*)$`)
	allCompleteRe = regexp.MustCompile(`(?m)^\s*ALL_FEATURES_COMPLETE\b\s*(.*)$`)
	commitsRe     = regexp.MustCompile(`(?mi)^\s*Commits?:?\s*$`)
	commitHashRe  = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
	telemetryRe   = regexp.MustCompile(`(?i)tokens[:=]\s*(\d+).*?cost(?:Usd)?[:=]\s*\$?([0-9.]+)`)

	quotaPhraseRe  = regexp.MustCompile(`(?i)(rate limit|quota)`)
	failureWordRe  = regexp.MustCompile(`(?i)(error|exceeded|failed|denied)`)
	tryAgainRe     = regexp.MustCompile(`(?i)try again in (\d+)\s*(minute|hour)s?`)
	resetsAtRe     = regexp.MustCompile(`(?i)resets? at (\d{1,2}):(\d{2})`)
)

// IdleWindow is the quiet period after which a role-marker-free stream is
// considered to have gone idle, making its last verdict authoritative
// (spec §4.4: "an implementation-defined idle window of ~500 ms").
const IdleWindow = 500 * time.Millisecond

// Parser accumulates chunks for one session and extracts events. It is
// not safe for concurrent use; the Iteration Engine owns one per active
// session.
type Parser struct {
	buf strings.Builder
	now func() time.Time
}

// New creates a parser. now supplies the current time for resetAt
// derivation (normally clock.Clock.Now).
func New(now func() time.Time) *Parser {
	return &Parser{now: now}
}

// Feed appends a raw chunk and returns every event it can extract so far.
// Text is always echoed back as an EventText passthrough first.
func (p *Parser) Feed(chunk []byte) []Event {
	text := string(chunk)
	p.buf.WriteString(text)

	events := []Event{{Kind: EventText, Text: text}}
	events = append(events, p.extractTelemetry(text)...)
	if ev, ok := p.extractQuota(text); ok {
		events = append(events, ev)
	}
	return events
}

// Flush inspects the full accumulated buffer (called when the session
// goes idle or exits) and returns the single authoritative verdict, if
// any, per the "only the last one before session idle is used" rule.
func (p *Parser) Flush() (Event, bool) {
	full := p.buf.String()

	bestPos := -1
	var best Event
	found := false

	if loc := lastMatchLoc(acceptedRe, full); loc != nil && loc[0] > bestPos {
		bestPos = loc[0]
		best = Event{Kind: EventVerdict, Verdict: VerdictAccepted}
		found = true
	}
	if idx := lastSubmatchLoc(rejectedRe, full); idx != nil && idx[0] > bestPos {
		bestPos = idx[0]
		reason := strings.TrimSpace(full[idx[2]:idx[3]])
		best = Event{Kind: EventVerdict, Verdict: VerdictRejected, Reason: reason}
		found = true
	}
	if idx := lastSubmatchLoc(allCompleteRe, full); idx != nil && idx[0] > bestPos {
		bestPos = idx[0]
		summary := strings.TrimSpace(full[idx[2]:idx[3]])
		ev := Event{Kind: EventVerdict, Verdict: VerdictAllFeaturesComplete, Summary: summary}
		tail := full[idx[1]:]
		if loc := commitsRe.FindStringIndex(tail); loc != nil {
			ev.Commits = commitHashRe.FindAllString(tail[loc[1]:], -1)
		}
		best = ev
		found = true
	}

	return best, found
}

func lastMatchLoc(re *regexp.Regexp, s string) []int {
	all := re.FindAllStringIndex(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func lastSubmatchLoc(re *regexp.Regexp, s string) []int {
	all := re.FindAllStringSubmatchIndex(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (p *Parser) extractTelemetry(chunk string) []Event {
	var events []Event
	for _, m := range telemetryRe.FindAllStringSubmatch(chunk, -1) {
		tokens, _ := strconv.ParseInt(m[1], 10, 64)
		cost, _ := strconv.ParseFloat(m[2], 64)
		events = append(events, Event{Kind: EventTelemetry, Tokens: tokens, CostUSD: cost})
	}
	return events
}

// extractQuota implements §4.4's conservative rule: a quota event fires
// only when a quota phrase co-occurs with a failure signal in the same
// chunk, never on a passing mention.
func (p *Parser) extractQuota(chunk string) (Event, bool) {
	if !quotaPhraseRe.MatchString(chunk) || !failureWordRe.MatchString(chunk) {
		return Event{}, false
	}

	status := QuotaRateLimited
	if strings.Contains(strings.ToLower(chunk), "quota") {
		status = QuotaExhausted
	}

	ev := Event{Kind: EventQuota, QuotaStatus: status}
	now := p.now()

	if m := tryAgainRe.FindStringSubmatch(chunk); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		if strings.HasPrefix(strings.ToLower(m[2]), "hour") {
			d = time.Duration(n) * time.Hour
		} else {
			d = time.Duration(n) * time.Minute
		}
		t := now.Add(d)
		ev.ResetAt = &t
	} else if m := resetsAtRe.FindStringSubmatch(chunk); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		t := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
		if t.Before(now) {
			t = t.Add(24 * time.Hour)
		}
		ev.ResetAt = &t
	}

	return ev, true
}
