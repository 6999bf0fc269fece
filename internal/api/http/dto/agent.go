package dto

import "time"

type AgentResponse struct {
	ID         int64            `json:"id"`
	HardwareID string           `json:"hardware_id"`
	Name       string           `json:"name"`
	IPAddress  string           `json:"ip_address"`
	MACAddress string           `json:"mac_address"`
	Status     string           `json:"status"`
	LastSeen   time.Time        `json:"last_seen"`
	Connected  bool             `json:"connected"`
	Session    *SessionResponse `json:"session,omitempty"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}

type SessionHistoryResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}
