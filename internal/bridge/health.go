package bridge

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	DeviceID          string     `json:"device_id"`
	Link              string     `json:"link"`
	Phase             string     `json:"phase"`
	NetworkUp         bool       `json:"network_up"`
	BrokerConnected   bool       `json:"broker_connected"`
	CommandsProcessed int        `json:"commands_processed"`
	CommandsFailed    int        `json:"commands_failed"`
	UptimeSeconds     int64      `json:"uptime_seconds"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
}

// HealthHandler reports the agent's last snapshot. It answers 200 in every
// link state; the link field carries the signal.
func (a *Agent) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s := a.Snapshot()
		resp := healthResponse{
			DeviceID:          a.cfg.DeviceID,
			Link:              s.Link.String(),
			Phase:             s.Phase.String(),
			NetworkUp:         s.NetworkUp,
			BrokerConnected:   s.BrokerConnected,
			CommandsProcessed: s.CommandsProcessed,
			CommandsFailed:    s.CommandsFailed,
			UptimeSeconds:     int64(a.now().Sub(s.StartedAt) / time.Second),
		}
		if s.LastHeartbeat.After(s.StartedAt) {
			hb := s.LastHeartbeat
			resp.LastHeartbeat = &hb
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
