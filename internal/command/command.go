package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrMalformed = errors.New("malformed command")

type Action string

const (
	ActionGetState  Action = "getState"
	ActionGetInfo   Action = "getInfo"
	ActionSetState  Action = "setState"
	ActionSetConfig Action = "setConfig"
)

// ParseAction maps a wire action name onto the closed action set. Names the
// bridge does not know resolve to setState with known=false so callers can log
// the fallback.
func ParseAction(name string) (action Action, known bool) {
	switch strings.TrimSpace(name) {
	case "":
		return ActionSetState, true
	case string(ActionGetState):
		return ActionGetState, true
	case string(ActionGetInfo):
		return ActionGetInfo, true
	case string(ActionSetState), "applyJson":
		return ActionSetState, true
	case string(ActionSetConfig), "applyConfig":
		return ActionSetConfig, true
	default:
		return ActionSetState, false
	}
}

func (a Action) IsWrite() bool {
	return a == ActionSetState || a == ActionSetConfig
}

// Command is the canonical instruction relayed from the cloud to a bridge.
type Command struct {
	Action       Action          `json:"action"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ControllerID string          `json:"controllerId"`

	// RawAction keeps the name as received when it fell back to setState.
	RawAction string `json:"-"`
	Unknown   bool   `json:"-"`
}

type wireCommand struct {
	Action       *string         `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	ControllerID string          `json:"controllerId"`
}

func Parse(data []byte) (Command, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Command{}, fmt.Errorf("%w: body is not a json object", ErrMalformed)
	}
	var w wireCommand
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw := ""
	if w.Action != nil {
		raw = *w.Action
	}
	action, known := ParseAction(raw)
	cmd := Command{
		Action:       action,
		ControllerID: strings.TrimSpace(w.ControllerID),
		RawAction:    raw,
		Unknown:      !known,
	}
	if p := bytes.TrimSpace(w.Payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		if p[0] != '{' {
			return Command{}, fmt.Errorf("%w: payload must be a json object", ErrMalformed)
		}
		cmd.Payload = json.RawMessage(append([]byte(nil), p...))
	}
	return cmd, nil
}

func (c Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Request is the Device Gateway call a command maps to. Path is relative to
// the gateway base URL.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

func (c Command) Route() Request {
	switch c.Action {
	case ActionGetState:
		return Request{Method: http.MethodGet, Path: "/state"}
	case ActionGetInfo:
		return Request{Method: http.MethodGet, Path: "/info"}
	case ActionSetConfig:
		return Request{Method: http.MethodPost, Path: "/cfg", Body: c.body()}
	default:
		return Request{Method: http.MethodPost, Path: "/state", Body: c.body()}
	}
}

func (c Command) body() []byte {
	if len(c.Payload) == 0 {
		return []byte(`{}`)
	}
	return append([]byte(nil), c.Payload...)
}

// Power builds the setState command for a plain on/off change.
func Power(on bool, controllerID string) Command {
	b, _ := json.Marshal(map[string]any{"on": on})
	return Command{Action: ActionSetState, Payload: b, ControllerID: controllerID}
}
