package client

import (
	"testing"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

func TestLocalSession_Lifecycle(t *testing.T) {
	l := NewLocalSession()

	_, ok := l.Reading(t0)
	assert.False(t, ok)
	assert.Equal(t, protocol.Heartbeat{Status: string(agents.StatusOnline)}, l.Heartbeat(t0))

	l.Begin(protocol.SessionStart{SessionID: 7, DurationMinutes: 30, HourlyRate: 120}, t0)

	st := l.State()
	assert.True(t, st.Active)
	assert.Equal(t, int64(7), st.SessionID)
	assert.Equal(t, t0, st.StartTime)

	r, ok := l.Reading(t0.Add(10 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, 20, r.RemainingMinutes)

	hb := l.Heartbeat(t0.Add(10 * time.Minute))
	assert.Equal(t, string(agents.StatusInSession), hb.Status)
	require.NotNil(t, hb.RemainingSeconds)
	assert.Equal(t, 1200, *hb.RemainingSeconds)

	l.End()
	assert.False(t, l.State().Active)
}

func TestLocalSession_ExtendRestartsFromNow(t *testing.T) {
	l := NewLocalSession()
	assert.False(t, l.Extend(30, t0), "nothing to extend")

	l.Begin(protocol.SessionStart{DurationMinutes: 60}, t0)
	now := t0.Add(50 * time.Minute)
	require.True(t, l.Extend(30, now))

	r, ok := l.Reading(now)
	require.True(t, ok)
	assert.Equal(t, 1800, r.RemainingSeconds)

	l.Begin(protocol.SessionStart{IsUnlimited: true}, t0)
	assert.False(t, l.Extend(30, now), "unlimited sessions are not extended")
}

func TestLocalSession_Retariff(t *testing.T) {
	l := NewLocalSession()
	assert.False(t, l.Retariff(false, 90))

	l.Begin(protocol.SessionStart{DurationMinutes: 60, FreeMode: true}, t0)
	require.True(t, l.Retariff(false, 90))
	assert.False(t, l.State().FreeMode)
	assert.Equal(t, 90.0, l.State().HourlyRate)
}

func TestLocalSession_WarningThreshold(t *testing.T) {
	tests := []struct {
		name       string
		duration   int
		unlimited  bool
		configured int
		want       int
	}{
		{"long session", 60, false, 5, 5},
		{"equal to lead", 5, false, 5, 5},
		{"short session halves", 4, false, 5, 2},
		{"tiny session floors at one", 1, false, 5, 1},
		{"unlimited", 0, true, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SessionState{Active: true, DurationMinutes: tt.duration, Unlimited: tt.unlimited}
			assert.Equal(t, tt.want, warningThreshold(s, tt.configured))
		})
	}
}

func TestLocalSession_WarningFiresOnceAndRearms(t *testing.T) {
	l := NewLocalSession()
	l.Begin(protocol.SessionStart{DurationMinutes: 30}, t0)

	assert.False(t, l.WarningDue(t0.Add(24*time.Minute+59*time.Second), 5))
	assert.True(t, l.WarningDue(t0.Add(25*time.Minute), 5))
	assert.False(t, l.WarningDue(t0.Add(26*time.Minute), 5), "fires once")

	now := t0.Add(27 * time.Minute)
	require.True(t, l.Extend(10, now))
	assert.False(t, l.WarningDue(now, 5))
	assert.True(t, l.WarningDue(now.Add(5*time.Minute), 5))
}

func TestLocalSession_FinishedDue(t *testing.T) {
	l := NewLocalSession()
	l.Begin(protocol.SessionStart{DurationMinutes: 1}, t0)

	assert.False(t, l.FinishedDue(t0.Add(time.Minute+5*time.Second)), "within skew tolerance")
	assert.True(t, l.FinishedDue(t0.Add(time.Minute+6*time.Second)))
	assert.False(t, l.FinishedDue(t0.Add(2*time.Minute)), "fires once")

	// A finished session does not warn.
	assert.False(t, l.WarningDue(t0.Add(2*time.Minute), 5))

	l.Begin(protocol.SessionStart{IsUnlimited: true}, t0)
	assert.False(t, l.FinishedDue(t0.Add(24*time.Hour)))
	assert.Nil(t, l.Heartbeat(t0).RemainingSeconds)
}

func TestLocalSession_ResumedStartBackdates(t *testing.T) {
	l := NewLocalSession()
	continued := l.Begin(protocol.SessionStart{
		SessionID:       9,
		DurationMinutes: 30,
		Resumed:         true,
		ElapsedSeconds:  600,
	}, t0)
	assert.False(t, continued, "no local session to continue")

	r, ok := l.Reading(t0)
	require.True(t, ok)
	assert.Equal(t, 1200, r.RemainingSeconds)
	assert.Equal(t, t0.Add(-10*time.Minute), l.State().StartTime)
}

func TestLocalSession_ResumeKeepsFlagsForSameAllocation(t *testing.T) {
	l := NewLocalSession()
	l.Begin(protocol.SessionStart{SessionID: 3, DurationMinutes: 10}, t0)
	require.True(t, l.WarningDue(t0.Add(6*time.Minute), 5))

	now := t0.Add(7 * time.Minute)
	resume := protocol.SessionStart{SessionID: 3, DurationMinutes: 10, Resumed: true, ElapsedSeconds: 420}
	require.True(t, l.Begin(resume, now))
	assert.False(t, l.WarningDue(now, 5), "warning already shown")

	// An allocation changed while away re-arms the warning.
	resume = protocol.SessionStart{SessionID: 3, DurationMinutes: 20, Resumed: true, ElapsedSeconds: 60}
	require.True(t, l.Begin(resume, now))
	assert.False(t, l.WarningDue(now, 5))
	assert.True(t, l.WarningDue(now.Add(14*time.Minute), 5))

	// A different session is never a continuation.
	assert.False(t, l.Begin(protocol.SessionStart{SessionID: 4, DurationMinutes: 20, Resumed: true}, now))
}
