package command

import (
	"errors"
	"strings"
)

const DefaultTopicPrefix = "relay"

var ErrNotAStatusTopic = errors.New("not a status topic")

type Topics struct {
	Command string
	Status  string
}

func TopicsFor(prefix, deviceID string) Topics {
	base := normalizePrefix(prefix) + "/" + deviceID
	return Topics{Command: base + "/command", Status: base + "/status"}
}

// StatusWildcard matches the status topic of every device under prefix.
func StatusWildcard(prefix string) string {
	return normalizePrefix(prefix) + "/+/status"
}

func DeviceFromStatusTopic(prefix, topic string) (string, error) {
	p := normalizePrefix(prefix) + "/"
	if !strings.HasPrefix(topic, p) || !strings.HasSuffix(topic, "/status") {
		return "", ErrNotAStatusTopic
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, p), "/status")
	if id == "" || strings.Contains(id, "/") {
		return "", errors.New("invalid device id in topic")
	}
	return id, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return DefaultTopicPrefix
	}
	return prefix
}
