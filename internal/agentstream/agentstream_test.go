package agentstream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2026, time.August, 6, 12, 0, 0, 0, time.UTC)
}

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func lastVerdictEvent(events []Event) *Event {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == KindVerdict {
			return &events[i]
		}
	}
	return nil
}

func TestParserExtractsAccepted(t *testing.T) {
	p := New(fixedNow)
	events := p.Feed(loadFixture(t, "accepted.txt"))

	v := lastVerdictEvent(events)
	require.NotNil(t, v)
	require.Equal(t, VerdictAccepted, v.Verdict)
}

func TestParserExtractsRejectedWithMultilineReason(t *testing.T) {
	p := New(fixedNow)
	events := p.Feed(loadFixture(t, "rejected.txt"))

	v := lastVerdictEvent(events)
	require.NotNil(t, v)
	require.Equal(t, VerdictRejected, v.Verdict)
	require.Contains(t, v.Reason, "open redirect")
	require.Contains(t, v.Reason, "allow-list check")
}

func TestParserExtractsAllFeaturesCompleteWithCommits(t *testing.T) {
	p := New(fixedNow)
	events := p.Feed(loadFixture(t, "all_features_complete.txt"))

	v := lastVerdictEvent(events)
	require.NotNil(t, v)
	require.Equal(t, VerdictAllFeaturesComplete, v.Verdict)
	require.Contains(t, v.Summary, "pagination")
	require.Equal(t, []string{"a1b2c3d7", "9f0e1d2a"}, v.Commits)
}

func TestParserExtractsQuotaOnFailureSurface(t *testing.T) {
	p := New(fixedNow)
	events := p.Feed(loadFixture(t, "quota_exhausted.txt"))

	var quota *Event
	var toolUse *Event
	for i := range events {
		switch events[i].Kind {
		case KindQuota:
			quota = &events[i]
		case KindToolUse:
			toolUse = &events[i]
		}
	}

	require.NotNil(t, toolUse)
	require.Equal(t, "bash", toolUse.ToolName)

	require.NotNil(t, quota)
	require.Equal(t, QuotaExhausted, quota.QuotaStatus)
	require.NotNil(t, quota.ResetAt)
	require.Equal(t, fixedNow().Add(45*time.Minute), *quota.ResetAt)
}

func TestParserIgnoresQuotaMentionWithoutFailureSurface(t *testing.T) {
	p := New(fixedNow)
	events := p.Feed(loadFixture(t, "quota_mention_not_failure.txt"))

	for _, ev := range events {
		require.NotEqual(t, KindQuota, ev.Kind, "a passing mention of quota must not emit a quota event")
	}
}

func TestParserResetAtAbsoluteTimeRollsOverToNextDay(t *testing.T) {
	p := New(fixedNow) // fixedNow is 12:00 UTC
	events := p.Feed([]byte("Error: rate limit hit. Resets at 09:30."))

	var quota *Event
	for i := range events {
		if events[i].Kind == KindQuota {
			quota = &events[i]
		}
	}
	require.NotNil(t, quota)
	require.NotNil(t, quota.ResetAt)
	require.True(t, quota.ResetAt.After(fixedNow()))
	require.Equal(t, 9, quota.ResetAt.Hour())
	require.Equal(t, 30, quota.ResetAt.Minute())
}

func TestParserOnlyLastVerdictSurvivesFlush(t *testing.T) {
	p := New(fixedNow)
	p.Feed([]byte("REJECTED: first attempt had a bug\n\n"))
	p.Feed([]byte("ACCEPTED\n"))

	v := p.Flush()
	require.NotNil(t, v)
	require.Equal(t, VerdictAccepted, v.Verdict)
}

func TestFlushClearsStateForNextRound(t *testing.T) {
	p := New(fixedNow)
	p.Feed([]byte("ACCEPTED\n"))
	require.NotNil(t, p.Flush())
	require.Nil(t, p.Flush())
}

func TestIdleReportsTrueAfterWindowElapses(t *testing.T) {
	cur := fixedNow()
	clock := func() time.Time { return cur }
	p := New(clock)

	p.Feed([]byte("working...\n"))
	require.False(t, p.Idle())

	cur = cur.Add(IdleWindow)
	require.True(t, p.Idle())
}

func TestTelemetryExtraction(t *testing.T) {
	p := New(fixedNow)
	events := p.Feed([]byte("round summary: tokens: 1200, cost: $0.42"))

	var telemetry *Event
	for i := range events {
		if events[i].Kind == KindTelemetry {
			telemetry = &events[i]
		}
	}
	require.NotNil(t, telemetry)
	require.Equal(t, 1200, telemetry.Tokens)
	require.InDelta(t, 0.42, telemetry.CostUsd, 0.001)
}
