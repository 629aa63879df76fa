package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/command"
	"github.com/PetoAdam/lumina-relay/internal/directory"
	"github.com/PetoAdam/lumina-relay/internal/dispatch"
	"github.com/prometheus/client_golang/prometheus"
)

var directivesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "voice_directives_total",
		Help: "Smart home directives handled, by result.",
	},
	[]string{"namespace", "name", "result"},
)

func init() {
	prometheus.MustRegister(directivesTotal)
}

const (
	defaultStaleAfter = 2 * time.Minute
	maxDirectiveBytes = 1 << 20
)

type Directory interface {
	ResolveIdentity(ctx context.Context, token string) (string, error)
	GetProfile(ctx context.Context, userID string) (*directory.Profile, error)
	GetScenes(ctx context.Context, userID string) ([]directory.Scene, error)
	GetScene(ctx context.Context, userID, sceneID string) (*directory.Scene, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, cmd command.Command, source string) (string, error)
}

type Options struct {
	// StaleAfter is how old the last known state may be before the endpoint
	// reports UNREACHABLE.
	StaleAfter time.Duration
	Now        func() time.Time
}

// Handler translates smart home directives into canonical commands. It keeps
// no per-request state, so one Handler serves concurrent requests.
type Handler struct {
	dir        Directory
	disp       Dispatcher
	staleAfter time.Duration
	now        func() time.Time
}

func NewHandler(dir Directory, disp Dispatcher, opts Options) *Handler {
	h := &Handler{dir: dir, disp: disp, staleAfter: opts.StaleAfter, now: opts.Now}
	if h.staleAfter <= 0 {
		h.staleAfter = defaultStaleAfter
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Handle routes one directive. It always returns an envelope; unexpected
// panics become INTERNAL_ERROR.
func (h *Handler) Handle(ctx context.Context, req Request) (resp Response) {
	d := req.Directive
	defer func() {
		if r := recover(); r != nil {
			slog.Error("voice directive panic", "namespace", d.Header.Namespace, "name", d.Header.Name, "panic", fmt.Sprint(r))
			resp = errorEnvelope(d, ErrInternal, "internal error")
		}
		result := "ok"
		if resp.Event.Header.Name == "ErrorResponse" {
			if p, ok := resp.Event.Payload.(ErrorPayload); ok {
				result = p.Type
			}
		}
		directivesTotal.WithLabelValues(d.Header.Namespace, d.Header.Name, result).Inc()
	}()

	slog.Info("voice directive",
		"namespace", d.Header.Namespace,
		"name", d.Header.Name,
		"endpoint_id", endpointID(d),
	)

	switch d.Header.Namespace {
	case "Alexa.Discovery":
		if d.Header.Name == "Discover" {
			return h.discover(ctx, d)
		}
	case "Alexa.PowerController":
		if d.Header.Name == "TurnOn" || d.Header.Name == "TurnOff" {
			return h.power(ctx, d)
		}
	case "Alexa.BrightnessController":
		if d.Header.Name == "SetBrightness" || d.Header.Name == "AdjustBrightness" {
			return h.brightness(ctx, d)
		}
	case "Alexa":
		if d.Header.Name == "ReportState" {
			return h.reportState(ctx, d)
		}
	case "Alexa.SceneController":
		if d.Header.Name == "Activate" || d.Header.Name == "Deactivate" {
			return h.scene(ctx, d)
		}
	case "Alexa.Authorization":
		if d.Header.Name == "AcceptGrant" {
			return h.acceptGrant(ctx, d)
		}
	}
	slog.Warn("unsupported directive", "namespace", d.Header.Namespace, "name", d.Header.Name)
	return errorEnvelope(d, ErrInvalidDirective, "unsupported directive "+d.Header.Namespace+"."+d.Header.Name)
}

// ServeHTTP accepts a directive as JSON and always answers 200 with an
// envelope, as the platform expects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDirectiveBytes))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	var resp Response
	if err != nil {
		slog.Warn("voice directive decode failed", "error", err)
		resp = errorEnvelope(req.Directive, ErrInvalidDirective, "malformed directive")
	} else {
		resp = h.Handle(r.Context(), req)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// identify resolves the bearer token carried by the directive. Discovery
// carries it in the payload scope, AcceptGrant in the grantee, everything
// else on the endpoint.
func (h *Handler) identify(ctx context.Context, d Directive) (string, bool) {
	token := ""
	if d.Endpoint != nil && d.Endpoint.Scope != nil {
		token = d.Endpoint.Scope.Token
	}
	if token == "" && len(d.Payload) > 0 {
		var p struct {
			Scope   *Scope `json:"scope"`
			Grantee *Scope `json:"grantee"`
		}
		if err := json.Unmarshal(d.Payload, &p); err == nil {
			switch {
			case p.Scope != nil:
				token = p.Scope.Token
			case p.Grantee != nil:
				token = p.Grantee.Token
			}
		}
	}
	if strings.TrimSpace(token) == "" {
		return "", false
	}
	userID, err := h.dir.ResolveIdentity(ctx, token)
	if err != nil || userID == "" {
		slog.Info("voice token rejected", "error", err)
		return "", false
	}
	return userID, true
}

func unauthorized(d Directive) Response {
	return errorEnvelope(d, ErrInvalidAuthorization, "invalid authorization token")
}

func (h *Handler) discover(ctx context.Context, d Directive) Response {
	userID, ok := h.identify(ctx, d)
	if !ok {
		return unauthorized(d)
	}
	profile, err := h.dir.GetProfile(ctx, userID)
	if err != nil {
		slog.Error("discovery profile lookup failed", "user_id", userID, "error", err)
		return errorEnvelope(d, ErrInternal, "profile lookup failed")
	}
	scenes, err := h.dir.GetScenes(ctx, userID)
	if err != nil {
		slog.Error("discovery scene lookup failed", "user_id", userID, "error", err)
		return errorEnvelope(d, ErrInternal, "scene lookup failed")
	}
	endpoints := buildEndpoints(profile, scenes)
	slog.Info("discovery", "user_id", userID, "endpoints", len(endpoints))
	return envelope("Alexa.Discovery", "Discover.Response", d, "", discoveryPayload{Endpoints: endpoints})
}

func (h *Handler) power(ctx context.Context, d Directive) Response {
	userID, ok := h.identify(ctx, d)
	if !ok {
		return unauthorized(d)
	}
	if endpointID(d) != MainEndpointID {
		return errorEnvelope(d, ErrNoSuchEndpoint, "unknown endpoint "+endpointID(d))
	}
	on := d.Header.Name == "TurnOn"
	if _, err := h.disp.Dispatch(ctx, userID, command.Power(on, ""), dispatch.SourceVoice); err != nil {
		slog.Error("voice power dispatch failed", "user_id", userID, "error", err)
		return errorEnvelope(d, ErrInternal, "command dispatch failed")
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	resp := envelope("Alexa", "Response", d, MainEndpointID, nil)
	resp.Context = &Context{Properties: []Property{
		h.property("Alexa.PowerController", "powerState", state),
	}}
	return resp
}

func (h *Handler) brightness(ctx context.Context, d Directive) Response {
	userID, ok := h.identify(ctx, d)
	if !ok {
		return unauthorized(d)
	}
	if endpointID(d) != MainEndpointID {
		return errorEnvelope(d, ErrNoSuchEndpoint, "unknown endpoint "+endpointID(d))
	}

	var p struct {
		Brightness      *int `json:"brightness"`
		BrightnessDelta *int `json:"brightnessDelta"`
	}
	_ = json.Unmarshal(d.Payload, &p)

	var percent int
	switch d.Header.Name {
	case "SetBrightness":
		if p.Brightness == nil || *p.Brightness < 0 || *p.Brightness > 100 {
			return errorEnvelope(d, ErrInvalidValue, "brightness must be between 0 and 100")
		}
		percent = *p.Brightness
	default:
		if p.BrightnessDelta == nil {
			return errorEnvelope(d, ErrInvalidValue, "brightnessDelta is required")
		}
		current := 100
		if profile, err := h.dir.GetProfile(ctx, userID); err == nil && profile != nil {
			if st, ok := parseState(profile.LastKnownState); ok && st.Bri != nil {
				current = toPercent(*st.Bri)
			}
		}
		percent = clampPercent(current + *p.BrightnessDelta)
	}

	payload, _ := json.Marshal(map[string]any{"on": percent > 0, "bri": toDevice(percent)})
	cmd := command.Command{Action: command.ActionSetState, Payload: payload}
	if _, err := h.disp.Dispatch(ctx, userID, cmd, dispatch.SourceVoice); err != nil {
		slog.Error("voice brightness dispatch failed", "user_id", userID, "error", err)
		return errorEnvelope(d, ErrInternal, "command dispatch failed")
	}
	resp := envelope("Alexa", "Response", d, MainEndpointID, nil)
	resp.Context = &Context{Properties: []Property{
		h.property("Alexa.BrightnessController", "brightness", percent),
	}}
	return resp
}

// reportState answers from the last known state; it never calls the device.
func (h *Handler) reportState(ctx context.Context, d Directive) Response {
	userID, ok := h.identify(ctx, d)
	if !ok {
		return unauthorized(d)
	}
	if endpointID(d) != MainEndpointID {
		return errorEnvelope(d, ErrNoSuchEndpoint, "unknown endpoint "+endpointID(d))
	}
	profile, err := h.dir.GetProfile(ctx, userID)
	if err != nil {
		slog.Error("report state profile lookup failed", "user_id", userID, "error", err)
		return errorEnvelope(d, ErrInternal, "profile lookup failed")
	}

	power, percent, connectivity := "OFF", 0, "UNREACHABLE"
	sampled := h.now()
	if profile != nil {
		st, ok := parseState(profile.LastKnownState)
		if ok {
			if st.On != nil && *st.On {
				power = "ON"
			}
			if st.Bri != nil {
				percent = toPercent(*st.Bri)
			}
		}
		if !profile.LastSeen.IsZero() {
			sampled = profile.LastSeen
		}
		if ok && st.Error == nil && profile.LastError == "" && !profile.LastSeen.IsZero() && h.now().Sub(profile.LastSeen) < h.staleAfter {
			connectivity = "OK"
		}
	}

	resp := envelope("Alexa", "StateReport", d, MainEndpointID, nil)
	resp.Context = &Context{Properties: []Property{
		h.sampledProperty("Alexa.PowerController", "powerState", power, sampled),
		h.sampledProperty("Alexa.BrightnessController", "brightness", percent, sampled),
		h.sampledProperty("Alexa.EndpointHealth", "connectivity", map[string]string{"value": connectivity}, h.now()),
	}}
	return resp
}

func (h *Handler) scene(ctx context.Context, d Directive) Response {
	userID, ok := h.identify(ctx, d)
	if !ok {
		return unauthorized(d)
	}
	sceneID, ok := sceneIDFromEndpoint(endpointID(d))
	if !ok {
		return errorEnvelope(d, ErrNoSuchEndpoint, "unknown endpoint "+endpointID(d))
	}
	scene, err := h.dir.GetScene(ctx, userID, sceneID)
	if err != nil {
		slog.Error("scene lookup failed", "user_id", userID, "scene_id", sceneID, "error", err)
		return errorEnvelope(d, ErrInternal, "scene lookup failed")
	}
	if scene == nil {
		return errorEnvelope(d, ErrNoSuchEndpoint, "scene "+sceneID+" not found")
	}

	var cmd command.Command
	name := "ActivationStarted"
	if d.Header.Name == "Deactivate" {
		cmd = command.Power(false, "")
		name = "DeactivationStarted"
	} else {
		cmd = command.FromScene(scene.WLEDPayload, scene.Brightness, scene.EffectID)
	}
	if _, err := h.disp.Dispatch(ctx, userID, cmd, dispatch.SourceVoice); err != nil {
		slog.Error("voice scene dispatch failed", "user_id", userID, "scene_id", sceneID, "error", err)
		return errorEnvelope(d, ErrInternal, "command dispatch failed")
	}

	resp := envelope("Alexa.SceneController", name, d, endpointID(d), map[string]any{
		"cause":     map[string]string{"type": "VOICE_INTERACTION"},
		"timestamp": timestamp(h.now()),
	})
	resp.Context = &Context{}
	return resp
}

// acceptGrant acknowledges account linking. Proactive reporting is not
// used, so the grant code is not exchanged.
func (h *Handler) acceptGrant(ctx context.Context, d Directive) Response {
	if _, ok := h.identify(ctx, d); !ok {
		return envelope("Alexa.Authorization", "ErrorResponse", d, "", ErrorPayload{Type: "ACCEPT_GRANT_FAILED", Message: "invalid grantee token"})
	}
	return envelope("Alexa.Authorization", "AcceptGrant.Response", d, "", nil)
}

func (h *Handler) property(namespace, name string, value any) Property {
	return h.sampledProperty(namespace, name, value, h.now())
}

func (h *Handler) sampledProperty(namespace, name string, value any, at time.Time) Property {
	return Property{
		Namespace:                 namespace,
		Name:                      name,
		Value:                     value,
		TimeOfSample:              timestamp(at),
		UncertaintyInMilliseconds: 500,
	}
}
