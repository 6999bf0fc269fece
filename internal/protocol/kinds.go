package protocol

import "sort"

// Kind selects the payload shape and direction of an Envelope.
type Kind string

const (
	// Agent -> coordinator
	KindRegister           Kind = "register"
	KindHeartbeat          Kind = "heartbeat"
	KindSessionStopRequest Kind = "session_stop_request"
	KindInstallationAlert  Kind = "installation_alert"

	// Coordinator -> agent
	KindSessionStart        Kind = "session_start"
	KindSessionStop         Kind = "session_stop"
	KindSessionTimeUpdate   Kind = "session_time_update"
	KindSessionTariffUpdate Kind = "session_tariff_update"
	KindShutdown            Kind = "shutdown"
	KindUnlock              Kind = "unlock"
	KindPasswordUpdate      Kind = "password_update"
	KindMonitorToggle       Kind = "installation_monitor_toggle"
	KindAck                 Kind = "ack"

	// Both ways
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Direction describes which side may originate a Kind.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionToCoordinator
	DirectionToAgent
	DirectionBoth
)

func (d Direction) String() string {
	switch d {
	case DirectionToCoordinator:
		return "agent->coordinator"
	case DirectionToAgent:
		return "coordinator->agent"
	case DirectionBoth:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// FromAgent reports whether an agent may send messages in this direction.
func (d Direction) FromAgent() bool {
	return d == DirectionToCoordinator || d == DirectionBoth
}

// FromCoordinator reports whether the coordinator may send messages in this direction.
func (d Direction) FromCoordinator() bool {
	return d == DirectionToAgent || d == DirectionBoth
}

var catalog = map[Kind]Direction{
	KindRegister:            DirectionToCoordinator,
	KindHeartbeat:           DirectionToCoordinator,
	KindSessionStopRequest:  DirectionToCoordinator,
	KindInstallationAlert:   DirectionToCoordinator,
	KindSessionStart:        DirectionToAgent,
	KindSessionStop:         DirectionToAgent,
	KindSessionTimeUpdate:   DirectionToAgent,
	KindSessionTariffUpdate: DirectionToAgent,
	KindShutdown:            DirectionToAgent,
	KindUnlock:              DirectionToAgent,
	KindPasswordUpdate:      DirectionToAgent,
	KindMonitorToggle:       DirectionToAgent,
	KindAck:                 DirectionToAgent,
	KindPing:                DirectionBoth,
	KindPong:                DirectionBoth,
}

// Known reports whether k belongs to the catalog. Peers must tolerate unknown
// kinds so the catalog can grow without breaking older builds.
func (k Kind) Known() bool {
	_, ok := catalog[k]
	return ok
}

// Direction returns the catalog direction of k, DirectionUnknown if k is not in the catalog.
func (k Kind) Direction() Direction {
	return catalog[k]
}

func (k Kind) String() string {
	return string(k)
}

// Kinds returns every catalog kind in lexical order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(catalog))
	for k := range catalog {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
