package voice

import (
	"strings"

	"github.com/PetoAdam/lumina-relay/internal/directory"
)

const (
	MainEndpointID      = "lumina-main"
	sceneEndpointPrefix = "scene-"
	manufacturer        = "Lumina"
	defaultFriendlyName = "Lights"
)

type DiscoveryEndpoint struct {
	EndpointID        string       `json:"endpointId"`
	ManufacturerName  string       `json:"manufacturerName"`
	FriendlyName      string       `json:"friendlyName"`
	Description       string       `json:"description"`
	DisplayCategories []string     `json:"displayCategories"`
	Capabilities      []Capability `json:"capabilities"`
}

type Capability struct {
	Type                 string                `json:"type"`
	Interface            string                `json:"interface"`
	Version              string                `json:"version"`
	Properties           *CapabilityProperties `json:"properties,omitempty"`
	SupportsDeactivation *bool                 `json:"supportsDeactivation,omitempty"`
	ProactivelyReported  *bool                 `json:"proactivelyReported,omitempty"`
}

type CapabilityProperties struct {
	Supported           []SupportedProperty `json:"supported"`
	ProactivelyReported bool                `json:"proactivelyReported"`
	Retrievable         bool                `json:"retrievable"`
}

type SupportedProperty struct {
	Name string `json:"name"`
}

type discoveryPayload struct {
	Endpoints []DiscoveryEndpoint `json:"endpoints"`
}

func retrievable(prop string) *CapabilityProperties {
	return &CapabilityProperties{Supported: []SupportedProperty{{Name: prop}}, Retrievable: true}
}

func mainEndpoint(friendlyName string) DiscoveryEndpoint {
	if strings.TrimSpace(friendlyName) == "" {
		friendlyName = defaultFriendlyName
	}
	return DiscoveryEndpoint{
		EndpointID:        MainEndpointID,
		ManufacturerName:  manufacturer,
		FriendlyName:      friendlyName,
		Description:       "Lumina LED controller",
		DisplayCategories: []string{"LIGHT"},
		Capabilities: []Capability{
			{Type: "AlexaInterface", Interface: "Alexa", Version: "3"},
			{Type: "AlexaInterface", Interface: "Alexa.PowerController", Version: "3", Properties: retrievable("powerState")},
			{Type: "AlexaInterface", Interface: "Alexa.BrightnessController", Version: "3", Properties: retrievable("brightness")},
			{Type: "AlexaInterface", Interface: "Alexa.EndpointHealth", Version: "3", Properties: retrievable("connectivity")},
		},
	}
}

func sceneEndpoint(s directory.Scene) DiscoveryEndpoint {
	no := false
	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = s.ID
	}
	return DiscoveryEndpoint{
		EndpointID:        sceneEndpointPrefix + s.ID,
		ManufacturerName:  manufacturer,
		FriendlyName:      name,
		Description:       "Lumina scene",
		DisplayCategories: []string{"SCENE_TRIGGER"},
		Capabilities: []Capability{
			{Type: "AlexaInterface", Interface: "Alexa.SceneController", Version: "3", SupportsDeactivation: &no, ProactivelyReported: &no},
		},
	}
}

// buildEndpoints lists the main endpoint followed by one endpoint per user
// scene. System scenes are not exposed.
func buildEndpoints(profile *directory.Profile, scenes []directory.Scene) []DiscoveryEndpoint {
	name := ""
	if profile != nil {
		name = profile.PropertyName
	}
	out := []DiscoveryEndpoint{mainEndpoint(name)}
	for _, s := range scenes {
		if s.IsSystem {
			continue
		}
		out = append(out, sceneEndpoint(s))
	}
	return out
}

// sceneIDFromEndpoint returns the scene id for a scene-{id} endpoint.
func sceneIDFromEndpoint(id string) (string, bool) {
	if !strings.HasPrefix(id, sceneEndpointPrefix) {
		return "", false
	}
	sceneID := strings.TrimPrefix(id, sceneEndpointPrefix)
	return sceneID, sceneID != ""
}
