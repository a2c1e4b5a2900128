package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var fired []string
	f.AfterFunc(10*time.Minute, func() { fired = append(fired, "a") })
	f.AfterFunc(5*time.Minute, func() { fired = append(fired, "b") })
	f.AfterFunc(20*time.Minute, func() { fired = append(fired, "c") })

	f.Advance(15 * time.Minute)

	require.Equal(t, []string{"b", "a"}, fired)
}

func TestFakeAdvanceDoesNotFireStoppedTimer(t *testing.T) {
	f := NewFake(time.Now())

	fired := false
	timer := f.AfterFunc(time.Minute, func() { fired = true })
	timer.Stop()

	f.Advance(time.Hour)

	assert.False(t, fired)
}

func TestDeadlineTimerPastDeadlineFiresImmediately(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	past := f.Now().Add(-time.Hour)

	fired := make(chan struct{}, 1)
	DeadlineTimer(f, past, func() { fired <- struct{}{} })

	f.Advance(0)

	select {
	case <-fired:
	default:
		t.Fatal("expected DeadlineTimer to fire immediately for a past deadline")
	}
}
