package agents

import (
	"time"

	"github.com/liblocker/liblocker/internal/clock"
)

type AgentStatus string

const (
	StatusOffline   AgentStatus = "offline"
	StatusOnline    AgentStatus = "online"
	StatusInSession AgentStatus = "in_session"
	StatusBlocked   AgentStatus = "blocked"
)

// ParseAgentStatus maps a wire status to an AgentStatus.
func ParseAgentStatus(s string) (AgentStatus, bool) {
	switch st := AgentStatus(s); st {
	case StatusOffline, StatusOnline, StatusInSession, StatusBlocked:
		return st, true
	default:
		return "", false
	}
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// SettingAdminPasswordHash is the settings key of the operator credential hash
// that is pushed to every agent.
const SettingAdminPasswordHash = "admin_password_hash"

type Agent struct {
	ID         int64
	HardwareID string
	Name       string
	IPAddress  string
	MACAddress string
	Status     AgentStatus
	LastSeen   time.Time
	CreatedAt  time.Time
}

type Session struct {
	ID              int64
	AgentID         int64
	StartTime       time.Time
	EndTime         *time.Time
	DurationMinutes int
	Unlimited       bool
	HourlyRate      float64
	FreeMode        bool
	Status          SessionStatus
	ActualDuration  *int
	Cost            float64
}

// Reading observes the session at now using the shared clock.
func (s *Session) Reading(now time.Time) clock.Reading {
	return clock.Compute(s.StartTime, s.DurationMinutes, s.Unlimited, now)
}

func (s *Session) Active() bool {
	return s.Status == SessionActive
}
