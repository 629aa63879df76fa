package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/command"
)

var parseErrorStatus = []byte(`{"error":"JSON parse error"}`)

// ProcessCommand handles one command payload received on the command topic.
// Exactly one status message is published per command: the controller's
// response body on success, an error object otherwise.
func (a *Agent) ProcessCommand(ctx context.Context, payload []byte) {
	cmd, err := command.Parse(payload)
	if err != nil {
		slog.Warn("malformed command", "error", err, "bytes", len(payload))
		a.publishStatus(parseErrorStatus)
		a.fail("malformed")
		return
	}

	if _, ok := a.controllers[cmd.ControllerID]; !ok {
		slog.Warn("command for unknown controller", "controller_id", cmd.ControllerID, "action", actionName(cmd))
		a.publishJSON(map[string]any{
			"error":        "unknown controller",
			"controllerId": cmd.ControllerID,
			"action":       actionName(cmd),
		})
		a.fail("unknown_controller")
		return
	}

	if cmd.Unknown {
		slog.Warn("unknown action, treating as setState", "action", cmd.RawAction)
	}

	req := cmd.Route()
	dctx, cancel := context.WithTimeout(ctx, a.cfg.DeviceTimeout)
	defer cancel()
	start := time.Now()
	body, err := a.gateway.Do(dctx, req)
	if err != nil {
		slog.Warn("device request failed",
			"method", req.Method, "path", req.Path, "error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		a.publishJSON(map[string]any{"error": err.Error(), "action": actionName(cmd)})
		a.fail("device_error")
		return
	}

	a.state.CommandsProcessed++
	commandsTotal.WithLabelValues("ok").Inc()
	slog.Debug("command applied", "action", string(cmd.Action), "path", req.Path)

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	a.publishStatus(body)
}

func (a *Agent) fail(reason string) {
	a.state.CommandsFailed++
	commandsTotal.WithLabelValues(reason).Inc()
}

func actionName(cmd command.Command) string {
	if cmd.RawAction != "" {
		return cmd.RawAction
	}
	return string(cmd.Action)
}

// publishDeviceState reads the controller state and publishes it with the
// bridge's own counters attached. A failed read skips this heartbeat.
func (a *Agent) publishDeviceState(ctx context.Context, now time.Time) {
	dctx, cancel := context.WithTimeout(ctx, a.cfg.DeviceTimeout)
	defer cancel()
	body, err := a.gateway.Do(dctx, command.Request{Method: "GET", Path: "/state"})
	if err != nil {
		slog.Warn("heartbeat state read failed", "error", err)
		heartbeatsTotal.WithLabelValues("device_error").Inc()
		return
	}

	state := map[string]any{}
	if err := json.Unmarshal(body, &state); err != nil || state == nil {
		slog.Warn("heartbeat state is not a json object", "error", err)
		heartbeatsTotal.WithLabelValues("invalid").Inc()
		return
	}
	state["_bridge"] = a.cfg.BridgeName
	state["_uptime"] = int64(now.Sub(a.state.StartedAt) / time.Second)
	state["_commands"] = a.state.CommandsProcessed
	state["_errors"] = a.state.CommandsFailed

	if a.publishJSON(state) {
		heartbeatsTotal.WithLabelValues("ok").Inc()
	} else {
		heartbeatsTotal.WithLabelValues("dropped").Inc()
	}
}

func (a *Agent) publishJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode status failed", "error", err)
		return false
	}
	return a.publishStatus(b)
}

// publishStatus sends to the status topic. Without an open session the
// message is dropped and logged.
func (a *Agent) publishStatus(payload []byte) bool {
	if !a.session.IsConnected() {
		slog.Warn("status dropped, broker not connected", "topic", a.topics.Status, "bytes", len(payload))
		return false
	}
	if err := a.session.Publish(a.topics.Status, payload); err != nil {
		slog.Warn("status publish failed", "topic", a.topics.Status, "error", err)
		return false
	}
	slog.Debug("status published", "topic", a.topics.Status, "payload", truncate(payload, 100))
	return true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
