package client

import (
	"sync"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/clock"
	"github.com/liblocker/liblocker/internal/protocol"
)

// SessionState is a copy of the agent's view of its current session.
type SessionState struct {
	Active          bool      `json:"active"`
	SessionID       int64     `json:"session_id,omitempty"`
	StartTime       time.Time `json:"start_time,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	Unlimited       bool      `json:"is_unlimited"`
	HourlyRate      float64   `json:"hourly_rate"`
	FreeMode        bool      `json:"free_mode"`
}

// LocalSession is the agent's in-memory session, rebuilt from the last
// command received. Start times are local receipt times; the coordinator's
// clock is never consulted.
type LocalSession struct {
	mu       sync.Mutex
	state    SessionState
	warned   bool
	finished bool
}

func NewLocalSession() *LocalSession {
	return &LocalSession{}
}

// Begin installs start as the current session. A resumed start is backdated
// by its elapsed seconds. Begin reports whether start continues the session
// already running; the warning and finish flags then survive unless the
// allocation changed.
func (l *LocalSession) Begin(start protocol.SessionStart, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	continued := start.Resumed && l.state.Active && l.state.SessionID == start.SessionID
	sameAllocation := continued &&
		l.state.DurationMinutes == start.DurationMinutes &&
		l.state.Unlimited == start.IsUnlimited

	l.state = SessionState{
		Active:          true,
		SessionID:       start.SessionID,
		StartTime:       now.Add(-time.Duration(start.ElapsedSeconds) * time.Second),
		DurationMinutes: start.DurationMinutes,
		Unlimited:       start.IsUnlimited,
		HourlyRate:      start.HourlyRate,
		FreeMode:        start.FreeMode,
	}
	if !sameAllocation {
		l.warned = false
		l.finished = false
	}
	return continued
}

// Extend restarts the countdown from now with the new allocation. It returns
// false when there is no bounded session to extend.
func (l *LocalSession) Extend(newDurationMinutes int, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.Active || l.state.Unlimited {
		return false
	}
	l.state.StartTime = now
	l.state.DurationMinutes = newDurationMinutes
	l.warned = false
	l.finished = false
	return true
}

func (l *LocalSession) Retariff(freeMode bool, hourlyRate float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.Active {
		return false
	}
	l.state.FreeMode = freeMode
	l.state.HourlyRate = hourlyRate
	return true
}

func (l *LocalSession) End() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = SessionState{}
	l.warned = false
	l.finished = false
}

func (l *LocalSession) State() SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Reading observes the session at now; ok is false when no session is active.
func (l *LocalSession) Reading(now time.Time) (clock.Reading, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readingLocked(now)
}

func (l *LocalSession) readingLocked(now time.Time) (clock.Reading, bool) {
	if !l.state.Active {
		return clock.Reading{}, false
	}
	return clock.Compute(l.state.StartTime, l.state.DurationMinutes, l.state.Unlimited, now), true
}

// warningThreshold returns the warning lead time in minutes for an
// allocation. Sessions shorter than the configured lead warn at half their length.
func warningThreshold(s SessionState, configured int) int {
	if s.Unlimited || s.DurationMinutes <= 0 {
		return configured
	}
	if s.DurationMinutes < configured {
		return max(1, s.DurationMinutes/2)
	}
	return configured
}

// WarningDue reports true once per allocation when the remaining time first
// drops to the warning threshold. An extension re-arms it.
func (l *LocalSession) WarningDue(now time.Time, thresholdMinutes int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.readingLocked(now)
	if !ok || r.Unlimited || r.Finished || l.warned {
		return false
	}
	threshold := warningThreshold(l.state, thresholdMinutes)
	if r.Remaining > time.Duration(threshold)*time.Minute {
		return false
	}
	l.warned = true
	return true
}

// FinishedDue reports true once when a bounded session runs out.
func (l *LocalSession) FinishedDue(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.readingLocked(now)
	if !ok || !r.Finished || l.finished {
		return false
	}
	l.finished = true
	return true
}

// Heartbeat builds the heartbeat payload for now.
func (l *LocalSession) Heartbeat(now time.Time) protocol.Heartbeat {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.readingLocked(now)
	if !ok {
		return protocol.Heartbeat{Status: string(agents.StatusOnline)}
	}
	hb := protocol.Heartbeat{Status: string(agents.StatusInSession)}
	if !r.Unlimited {
		remaining := r.RemainingSeconds
		hb.RemainingSeconds = &remaining
	}
	return hb
}
