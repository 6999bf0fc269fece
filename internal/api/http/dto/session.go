package dto

import "time"

type StartSessionRequest struct {
	DurationMinutes int      `json:"duration_minutes" binding:"gte=0,lte=10080"`
	IsUnlimited     bool     `json:"is_unlimited"`
	HourlyRate      *float64 `json:"hourly_rate"`
	FreeMode        *bool    `json:"free_mode"`
}

type StopSessionRequest struct {
	Reason string `json:"reason"`
}

type ExtendSessionRequest struct {
	NewDurationMinutes int `json:"new_duration_minutes" binding:"required,gt=0,lte=10080"`
}

type TariffRequest struct {
	FreeMode   bool    `json:"free_mode"`
	HourlyRate float64 `json:"hourly_rate" binding:"gte=0"`
}

type MonitorRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type BulkStartRequest struct {
	AgentIDs []int64 `json:"agent_ids" binding:"required,min=1"`
	StartSessionRequest
}

type BulkStopRequest struct {
	AgentIDs []int64 `json:"agent_ids" binding:"required,min=1"`
	Reason   string  `json:"reason"`
}

type SessionResponse struct {
	ID                    int64      `json:"id"`
	AgentID               int64      `json:"agent_id"`
	StartTime             time.Time  `json:"start_time"`
	EndTime               *time.Time `json:"end_time,omitempty"`
	DurationMinutes       int        `json:"duration_minutes"`
	IsUnlimited           bool       `json:"is_unlimited"`
	HourlyRate            float64    `json:"hourly_rate"`
	FreeMode              bool       `json:"free_mode"`
	Status                string     `json:"status"`
	ActualDurationMinutes *int       `json:"actual_duration_minutes,omitempty"`
	Cost                  float64    `json:"cost"`
	RemainingSeconds      *int       `json:"remaining_seconds,omitempty"`
	Finished              bool       `json:"finished,omitempty"`
	EstimatedCost         *float64   `json:"estimated_cost,omitempty"`
}

type BulkResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Errors   []string          `json:"errors,omitempty"`
}

// LocalSessionResponse is what an agent reports about its own session.
type LocalSessionResponse struct {
	Active           bool      `json:"active"`
	SessionID        int64     `json:"session_id,omitempty"`
	StartTime        time.Time `json:"start_time,omitempty"`
	DurationMinutes  int       `json:"duration_minutes"`
	IsUnlimited      bool      `json:"is_unlimited"`
	RemainingSeconds int       `json:"remaining_seconds"`
	ElapsedSeconds   int       `json:"elapsed_seconds"`
	Finished         bool      `json:"finished"`
	Connected        bool      `json:"connected"`
}
