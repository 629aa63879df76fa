package bridge

import "time"

type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Link is the externally visible health signal. It distinguishes a dead
// network from a reachable network with no broker session.
type Link int

const (
	LinkHealthy Link = iota
	LinkBrokerDown
	LinkNetworkDown
)

func (l Link) String() string {
	switch l {
	case LinkHealthy:
		return "healthy"
	case LinkBrokerDown:
		return "broker_down"
	default:
		return "network_down"
	}
}

// AgentState is owned by the control loop. Nothing outside Step mutates it;
// other goroutines read copies through Agent.Snapshot.
type AgentState struct {
	NetworkUp            bool      `json:"network_up"`
	BrokerConnected      bool      `json:"broker_connected"`
	Phase                Phase     `json:"-"`
	Link                 Link      `json:"-"`
	LastReconnectAttempt time.Time `json:"last_reconnect_attempt"`
	LastHeartbeat        time.Time `json:"last_heartbeat"`
	CommandsProcessed    int       `json:"commands_processed"`
	CommandsFailed       int       `json:"commands_failed"`
	StartedAt            time.Time `json:"started_at"`
}

func linkFor(s AgentState) Link {
	switch {
	case !s.NetworkUp:
		return LinkNetworkDown
	case !s.BrokerConnected:
		return LinkBrokerDown
	default:
		return LinkHealthy
	}
}
