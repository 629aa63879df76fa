package voice

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const payloadVersion = "3"

// Error types from the smart home vocabulary.
const (
	ErrInvalidAuthorization = "INVALID_AUTHORIZATION_CREDENTIAL"
	ErrNoSuchEndpoint       = "NO_SUCH_ENDPOINT"
	ErrInternal             = "INTERNAL_ERROR"
	ErrInvalidDirective     = "INVALID_DIRECTIVE"
	ErrInvalidValue         = "INVALID_VALUE"
	ErrEndpointUnreachable  = "ENDPOINT_UNREACHABLE"
)

type Request struct {
	Directive Directive `json:"directive"`
}

type Directive struct {
	Header   Header          `json:"header"`
	Endpoint *Endpoint       `json:"endpoint,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type Header struct {
	Namespace        string `json:"namespace"`
	Name             string `json:"name"`
	PayloadVersion   string `json:"payloadVersion"`
	MessageID        string `json:"messageId"`
	CorrelationToken string `json:"correlationToken,omitempty"`
}

type Scope struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type Endpoint struct {
	Scope      *Scope            `json:"scope,omitempty"`
	EndpointID string            `json:"endpointId"`
	Cookie     map[string]string `json:"cookie,omitempty"`
}

type Response struct {
	Event   Event    `json:"event"`
	Context *Context `json:"context,omitempty"`
}

type Event struct {
	Header   Header    `json:"header"`
	Endpoint *Endpoint `json:"endpoint,omitempty"`
	Payload  any       `json:"payload"`
}

type Context struct {
	Properties []Property `json:"properties,omitempty"`
}

type Property struct {
	Namespace                 string `json:"namespace"`
	Name                      string `json:"name"`
	Value                     any    `json:"value"`
	TimeOfSample              string `json:"timeOfSample"`
	UncertaintyInMilliseconds int    `json:"uncertaintyInMilliseconds"`
}

type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// envelope is the one place responses are assembled, so every response
// carries the header fields the platform validates.
func envelope(namespace, name string, in Directive, endpointID string, payload any) Response {
	if payload == nil {
		payload = struct{}{}
	}
	resp := Response{Event: Event{
		Header: Header{
			Namespace:        namespace,
			Name:             name,
			PayloadVersion:   payloadVersion,
			MessageID:        newMessageID(time.Now()),
			CorrelationToken: in.Header.CorrelationToken,
		},
		Payload: payload,
	}}
	if endpointID != "" {
		resp.Event.Endpoint = &Endpoint{EndpointID: endpointID}
	}
	return resp
}

func errorEnvelope(in Directive, errType, msg string) Response {
	return envelope("Alexa", "ErrorResponse", in, endpointID(in), ErrorPayload{Type: errType, Message: msg})
}

func endpointID(in Directive) string {
	if in.Endpoint == nil {
		return ""
	}
	return in.Endpoint.EndpointID
}

// newMessageID combines a base36 millisecond timestamp with a random UUID.
func newMessageID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + uuid.NewString()
}

func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.00Z")
}
