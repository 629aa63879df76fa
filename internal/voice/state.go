package voice

import (
	"encoding/json"
	"math"
)

// deviceState is the subset of a status message the adapter reports.
type deviceState struct {
	On    *bool           `json:"on"`
	Bri   *int            `json:"bri"`
	Error json.RawMessage `json:"error"`
}

func parseState(raw json.RawMessage) (deviceState, bool) {
	var st deviceState
	if len(raw) == 0 {
		return st, false
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, false
	}
	return st, true
}

// toPercent maps device brightness 0-255 onto 0-100.
func toPercent(bri int) int {
	return clampPercent(int(math.Round(float64(bri) * 100 / 255)))
}

// toDevice maps 0-100 onto device brightness 0-255.
func toDevice(percent int) int {
	return int(math.Round(float64(clampPercent(percent)) * 255 / 100))
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
