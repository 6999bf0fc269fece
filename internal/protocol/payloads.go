package protocol

// Register is the first message an agent sends on every (re)connect.
// InSession reports whether the agent still runs a local session.
type Register struct {
	HardwareID string `json:"hardware_id"`
	Name       string `json:"name"`
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address"`
	InSession  bool   `json:"in_session,omitempty"`
}

// Heartbeat carries the agent's self-reported status. RemainingSeconds is a
// hint computed from the agent's local session view; nil outside a bounded session.
type Heartbeat struct {
	Status           string `json:"status"`
	RemainingSeconds *int   `json:"remaining_seconds"`
}

type SessionStopRequest struct {
	Reason string `json:"reason"`
}

type InstallationAlert struct {
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// SessionStart begins a session on the agent. A resumed start replays a
// session that is already running; the agent backdates its local start by
// ElapsedSeconds.
type SessionStart struct {
	SessionID       int64   `json:"session_id"`
	DurationMinutes int     `json:"duration_minutes"`
	IsUnlimited     bool    `json:"is_unlimited"`
	HourlyRate      float64 `json:"hourly_rate"`
	FreeMode        bool    `json:"free_mode"`
	Resumed         bool    `json:"resumed,omitempty"`
	ElapsedSeconds  int     `json:"elapsed_seconds,omitempty"`
}

// SessionStop carries the settled ledger figures so the agent shows exactly
// what the coordinator recorded.
type SessionStop struct {
	Reason                string  `json:"reason"`
	ActualDurationMinutes int     `json:"actual_duration_minutes"`
	Cost                  float64 `json:"cost"`
}

type SessionTimeUpdate struct {
	NewDurationMinutes int    `json:"new_duration_minutes"`
	Reason             string `json:"reason"`
}

type SessionTariffUpdate struct {
	FreeMode   bool    `json:"free_mode"`
	HourlyRate float64 `json:"hourly_rate"`
}

type PasswordUpdate struct {
	AdminPasswordHash string `json:"admin_password_hash"`
}

type MonitorToggle struct {
	Enabled     bool `json:"enabled"`
	AlertVolume int  `json:"alert_volume"`
}

type Ack struct {
	AgentID int64  `json:"agent_id"`
	Status  string `json:"status"`
}

// Stop reasons used in SessionStop and SessionStopRequest.
const (
	ReasonManual      = "manual"
	ReasonUserRequest = "user_request"
	ReasonTimeout     = "timeout"
	ReasonAdminUpdate = "admin_update"
	ReasonResync      = "resync"
)
