package command

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"testing"
)

func TestParseDefaultsToSetState(t *testing.T) {
	cmd, err := Parse([]byte(`{"payload":{"on":true},"controllerId":"primary"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cmd.Action != ActionSetState || cmd.Unknown {
		t.Fatalf("expected known setState, got %q unknown=%v", cmd.Action, cmd.Unknown)
	}
	if string(cmd.Payload) != `{"on":true}` {
		t.Fatalf("payload not preserved: %s", cmd.Payload)
	}
}

func TestParseUnknownActionFallsBack(t *testing.T) {
	cmd, err := Parse([]byte(`{"action":"reboot","payload":{"rb":true},"controllerId":"primary"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cmd.Action != ActionSetState || !cmd.Unknown || cmd.RawAction != "reboot" {
		t.Fatalf("unexpected fallback: %+v", cmd)
	}
	req := cmd.Route()
	if req.Method != http.MethodPost || req.Path != "/state" {
		t.Fatalf("expected POST /state, got %s %s", req.Method, req.Path)
	}
}

func TestParseAliases(t *testing.T) {
	cases := map[string]Action{
		"applyJson":   ActionSetState,
		"applyConfig": ActionSetConfig,
		"getInfo":     ActionGetInfo,
		"getState":    ActionGetState,
	}
	for name, want := range cases {
		got, known := ParseAction(name)
		if !known || got != want {
			t.Fatalf("%s: expected %s known, got %s known=%v", name, want, got, known)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, body := range []string{``, `not json`, `[1,2]`, `{"action":`, `{"payload":[1]}`, `{"action":5}`} {
		if _, err := Parse([]byte(body)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("body %q: expected ErrMalformed, got %v", body, err)
		}
	}
}

func TestRouteTable(t *testing.T) {
	cases := []struct {
		action Action
		method string
		path   string
		body   bool
	}{
		{ActionGetState, http.MethodGet, "/state", false},
		{ActionGetInfo, http.MethodGet, "/info", false},
		{ActionSetState, http.MethodPost, "/state", true},
		{ActionSetConfig, http.MethodPost, "/cfg", true},
	}
	for _, c := range cases {
		req := Command{Action: c.action, Payload: json.RawMessage(`{"x":1}`)}.Route()
		if req.Method != c.method || req.Path != c.path {
			t.Fatalf("%s: got %s %s", c.action, req.Method, req.Path)
		}
		if c.body && string(req.Body) != `{"x":1}` {
			t.Fatalf("%s: body not forwarded: %s", c.action, req.Body)
		}
		if !c.body && req.Body != nil {
			t.Fatalf("%s: read request must not carry a body", c.action)
		}
	}
}

func TestRouteEmptyPayloadSendsEmptyObject(t *testing.T) {
	req := Command{Action: ActionSetState}.Route()
	if string(req.Body) != `{}` {
		t.Fatalf("expected {}, got %s", req.Body)
	}
}

func TestFromSceneSynthesizesPayload(t *testing.T) {
	bri, fx := 180, 9
	cmd := FromScene(nil, &bri, &fx)
	var got map[string]any
	if err := json.Unmarshal(cmd.Payload, &got); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	want := map[string]any{
		"on":  true,
		"bri": float64(180),
		"seg": []any{map[string]any{"id": float64(0), "fx": float64(9)}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestFromSceneDefaultsBrightness(t *testing.T) {
	cmd := FromScene([]byte(`not-json`), nil, nil)
	if string(cmd.Payload) != `{"on":true,"bri":200}` {
		t.Fatalf("unexpected payload: %s", cmd.Payload)
	}
}

func TestFromScenePrefersStoredPayload(t *testing.T) {
	cmd := FromScene([]byte(` {"on":true,"ps":3} `), nil, nil)
	if string(cmd.Payload) != `{"on":true,"ps":3}` {
		t.Fatalf("stored payload not used: %s", cmd.Payload)
	}
}

func TestTopics(t *testing.T) {
	tp := TopicsFor("", "abc")
	if tp.Command != "relay/abc/command" || tp.Status != "relay/abc/status" {
		t.Fatalf("unexpected topics: %+v", tp)
	}
	id, err := DeviceFromStatusTopic("relay/", "relay/abc/status")
	if err != nil || id != "abc" {
		t.Fatalf("expected abc, got %q err=%v", id, err)
	}
	if _, err := DeviceFromStatusTopic("relay", "relay/abc/command"); !errors.Is(err, ErrNotAStatusTopic) {
		t.Fatalf("expected ErrNotAStatusTopic, got %v", err)
	}
	if StatusWildcard("relay") != "relay/+/status" {
		t.Fatalf("unexpected wildcard %q", StatusWildcard("relay"))
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]byte(`{"action":"setState","payload":{"on":true,"bri":120},"controllerId":"primary"}`)); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := Validate([]byte(`{"action":"getState"}`)); err != nil {
		t.Fatalf("read action needs no payload: %v", err)
	}
	bad := []string{
		`{"action":"explode"}`,
		`{"action":"setState"}`,
		`{"action":"setState","payload":{"bri":400}}`,
		`{"payload":{"on":true}}`,
	}
	for _, b := range bad {
		if err := Validate([]byte(b)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", b, err)
		}
	}
}
