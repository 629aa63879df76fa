package command

import (
	"bytes"
	"encoding/json"
)

const DefaultSceneBrightness = 200

type segment struct {
	ID     int `json:"id"`
	Effect int `json:"fx"`
}

type sceneState struct {
	On         bool      `json:"on"`
	Brightness int       `json:"bri"`
	Segments   []segment `json:"seg,omitempty"`
}

// FromScene builds the setState command that activates a stored scene. A raw
// WLED payload wins when it is a usable JSON object; otherwise the payload is
// synthesised from brightness and effect id. Effects always target segment 0.
func FromScene(raw []byte, brightness, effectID *int) Command {
	if p := bytes.TrimSpace(raw); len(p) > 2 && p[0] == '{' && json.Valid(p) {
		return Command{Action: ActionSetState, Payload: json.RawMessage(append([]byte(nil), p...))}
	}
	st := sceneState{On: true, Brightness: DefaultSceneBrightness}
	if brightness != nil {
		st.Brightness = clamp(*brightness, 0, 255)
	}
	if effectID != nil {
		st.Segments = []segment{{ID: 0, Effect: *effectID}}
	}
	b, _ := json.Marshal(st)
	return Command{Action: ActionSetState, Payload: b}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
