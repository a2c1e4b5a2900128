// Package agentstream implements the Agent Stream Parser (spec.md §4.4): it
// converts a stream of raw agent output chunks into structured events while
// preserving the raw text for UI streaming.
//
// Grounded on steveyegge/gastown's internal/ratelimit/detect.go: the
// case-insensitive, anchored regexp style for recognizing verdict and quota
// language in free-form CLI output is adapted directly from
// DetectRateLimit/DetectStuck, generalized here to also parse verdict and
// telemetry lines rather than just rate-limit indicators.
package agentstream

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EventKind identifies the kind of structured event extracted from an
// agent's output stream.
type EventKind string

const (
	KindText     EventKind = "text"
	KindToolUse  EventKind = "tool_use"
	KindVerdict  EventKind = "verdict"
	KindTelemetry EventKind = "telemetry"
	KindQuota    EventKind = "quota"
)

// Verdict is the terminal signal a round ends with.
type Verdict string

const (
	VerdictAccepted             Verdict = "ACCEPTED"
	VerdictRejected             Verdict = "REJECTED"
	VerdictAllFeaturesComplete  Verdict = "ALL_FEATURES_COMPLETE"
)

// QuotaStatus distinguishes temporary rate limiting from full exhaustion.
type QuotaStatus string

const (
	QuotaRateLimited    QuotaStatus = "RATE_LIMITED"
	QuotaExhausted      QuotaStatus = "QUOTA_EXHAUSTED"
)

// Event is one structured item extracted from the stream. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// KindText
	Text string

	// KindToolUse
	ToolName  string
	ToolBrief string

	// KindVerdict
	Verdict Verdict
	Reason  string  // REJECTED
	Summary string  // ALL_FEATURES_COMPLETE
	Commits []string // ALL_FEATURES_COMPLETE

	// KindTelemetry
	Tokens  int
	CostUsd float64

	// KindQuota
	QuotaStatus QuotaStatus
	ResetAt     *time.Time
}

// IdleWindow is how long the Parser waits after the last chunk before it
// considers a session idle and flushes the last pending verdict, per
// spec.md §4.4's "implementation-defined idle window of ~500ms."
const IdleWindow = 500 * time.Millisecond

var (
	// Verdict lines anchor at (optional-whitespace) line start, case
	// insensitive, matching spec.md §4.4's extraction rule.
	reAccepted = regexp.MustCompile(`(?im)^\s*ACCEPTED\s*$`)
	reRejected = regexp.MustCompile(`(?im)^\s*REJECTED\s*:?\s*(.*)$`)
	reComplete = regexp.MustCompile(`(?im)^\s*ALL_FEATURES_COMPLETE\s*:?\s*(.*)$`)
	reCommitsHeader = regexp.MustCompile(`(?im)^\s*Commits\s*:?\s*$`)
	reCommitLine     = regexp.MustCompile(`(?m)^\s*[-*]?\s*([0-9a-f]{7,40})\b`)
	reBlankLine      = regexp.MustCompile(`^\s*$`)

	reToolUse = regexp.MustCompile(`(?im)^\s*\[tool\]\s*([\w.\-]+)\s*:?\s*(.*)$`)

	reTelemetry = regexp.MustCompile(`(?im)tokens[:\s]+(\d+).*?cost[:\s]+\$?([0-9]+(?:\.[0-9]+)?)`)

	// Quota patterns, kept deliberately conservative: these only fire when
	// combined with a failure surface (reQuotaFailure), per spec.md §4.4
	// ("a quota event is emitted only when the output also indicates
	// failure, not a passing mention").
	reQuotaMention  = regexp.MustCompile(`(?i)(rate.?limit|quota)`)
	reQuotaFailure  = regexp.MustCompile(`(?i)(error|exceed|fail|denied|blocked|exhaust)`)
	reExhausted     = regexp.MustCompile(`(?i)quota.?(exhaust|exceed)`)
	reRetryDuration = regexp.MustCompile(`(?i)try.?again.?in\s+(\d+)\s*(minute|hour|second)s?`)
	reResetAtAbs    = regexp.MustCompile(`(?i)resets?.?at\s+(\d{1,2}):(\d{2})`)
)

// Parser accumulates a stream of raw chunks and extracts structured events.
// It is not safe for concurrent use; the Agent Process Host's output reader
// is single-consumer, matching Parser's intended single-goroutine caller.
type Parser struct {
	now func() time.Time

	buf strings.Builder

	lastVerdict    *Event
	lastChunkAt    time.Time
}

// New returns a Parser that derives quota reset times from now.
func New(now func() time.Time) *Parser {
	return &Parser{now: now}
}

// Feed ingests one raw output chunk and returns the events it extracted.
// A text passthrough event is always emitted for UI streaming; verdict,
// telemetry, and quota events are appended when a complete one is found.
func (p *Parser) Feed(chunk []byte) []Event {
	text := string(chunk)
	p.buf.WriteString(text)
	p.lastChunkAt = p.now()

	events := []Event{{Kind: KindText, Text: text}}

	full := p.buf.String()

	for _, m := range reToolUse.FindAllStringSubmatch(full, -1) {
		events = append(events, Event{Kind: KindToolUse, ToolName: m[1], ToolBrief: strings.TrimSpace(m[2])})
	}

	if m := reTelemetry.FindStringSubmatch(full); m != nil {
		tokens, _ := strconv.Atoi(m[1])
		cost, _ := strconv.ParseFloat(m[2], 64)
		events = append(events, Event{Kind: KindTelemetry, Tokens: tokens, CostUsd: cost})
	}

	if v := p.extractVerdict(full); v != nil {
		p.lastVerdict = v
		events = append(events, *v)
	}

	if q := p.extractQuota(full); q != nil {
		events = append(events, *q)
	}

	return events
}

// Flush is called on session idle (IdleWindow elapsed with no new chunk,
// or an explicit role-marker terminator) and returns the last verdict seen
// in the stream, if any — spec.md §4.4's "only the last one before session
// idle is used" rule. Flush clears Parser's accumulated state for reuse
// across rounds.
func (p *Parser) Flush() *Event {
	v := p.lastVerdict
	p.buf.Reset()
	p.lastVerdict = nil
	return v
}

// Idle reports whether IdleWindow has elapsed since the last Feed call.
func (p *Parser) Idle() bool {
	if p.lastChunkAt.IsZero() {
		return false
	}
	return p.now().Sub(p.lastChunkAt) >= IdleWindow
}

// extractVerdict returns the verdict whose match starts latest in full, per
// spec.md §4.4's "only the last one before session idle is used" — it does
// not simply prefer one verdict kind over another.
func (p *Parser) extractVerdict(full string) *Event {
	type candidate struct {
		start int
		build func() Event
	}
	var candidates []candidate

	if locs := reComplete.FindAllStringSubmatchIndex(full, -1); locs != nil {
		loc := locs[len(locs)-1]
		summary := strings.TrimSpace(full[loc[2]:loc[3]])
		candidates = append(candidates, candidate{start: loc[0], build: func() Event {
			ev := Event{Kind: KindVerdict, Verdict: VerdictAllFeaturesComplete, Summary: summary}
			ev.Commits = extractCommits(full, loc[1])
			return ev
		}})
	}
	if locs := reRejected.FindAllStringSubmatchIndex(full, -1); locs != nil {
		loc := locs[len(locs)-1]
		firstLine := full[loc[2]:loc[3]]
		candidates = append(candidates, candidate{start: loc[0], build: func() Event {
			return Event{Kind: KindVerdict, Verdict: VerdictRejected, Reason: extractMultilineReason(full, firstLine)}
		}})
	}
	if locs := reAccepted.FindAllStringIndex(full, -1); locs != nil {
		loc := locs[len(locs)-1]
		candidates = append(candidates, candidate{start: loc[0], build: func() Event {
			return Event{Kind: KindVerdict, Verdict: VerdictAccepted}
		}})
	}

	if len(candidates) == 0 {
		return nil
	}

	latest := candidates[0]
	for _, c := range candidates[1:] {
		if c.start > latest.start {
			latest = c
		}
	}
	ev := latest.build()
	return &ev
}

// extractMultilineReason takes the first line's captured text and extends
// it through subsequent non-blank lines up to the next blank line or
// verdict-like line, per spec.md §4.4.
func extractMultilineReason(full, firstLine string) string {
	lines := strings.Split(full, "\n")
	var collected []string
	started := false
	for _, line := range lines {
		if !started {
			if strings.Contains(line, firstLine) && strings.Contains(strings.ToUpper(line), "REJECTED") {
				started = true
				collected = append(collected, strings.TrimSpace(firstLine))
			}
			continue
		}
		if reBlankLine.MatchString(line) {
			break
		}
		if reAccepted.MatchString(line) || reRejected.MatchString(line) || reComplete.MatchString(line) {
			break
		}
		collected = append(collected, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(collected, "\n"))
}

func extractCommits(full string, fromOffset int) []string {
	tail := full[fromOffset:]
	headerIdx := reCommitsHeader.FindStringIndex(tail)
	if headerIdx == nil {
		return nil
	}
	// The first element is the rest of the header line itself.
	lines := strings.Split(tail[headerIdx[1]:], "\n")
	var commits []string
	for _, line := range lines[1:] {
		if reBlankLine.MatchString(line) {
			break
		}
		if m := reCommitLine.FindStringSubmatch(line); m != nil {
			commits = append(commits, m[1])
		} else {
			break
		}
	}
	return commits
}

func (p *Parser) extractQuota(full string) *Event {
	if !reQuotaMention.MatchString(full) || !reQuotaFailure.MatchString(full) {
		return nil
	}

	status := QuotaRateLimited
	if reExhausted.MatchString(full) {
		status = QuotaExhausted
	}

	ev := &Event{Kind: KindQuota, QuotaStatus: status}

	now := p.now()
	if m := reRetryDuration.FindStringSubmatch(full); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch strings.ToLower(m[2]) {
		case "second":
			d = time.Duration(n) * time.Second
		case "minute":
			d = time.Duration(n) * time.Minute
		case "hour":
			d = time.Duration(n) * time.Hour
		}
		resetAt := now.Add(d)
		ev.ResetAt = &resetAt
	} else if m := reResetAtAbs.FindStringSubmatch(full); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		resetAt := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
		if resetAt.Before(now) {
			resetAt = resetAt.Add(24 * time.Hour)
		}
		ev.ResetAt = &resetAt
	}

	return ev
}
