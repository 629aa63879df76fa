package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/command"
	"github.com/PetoAdam/lumina-relay/internal/mqtt"
	"github.com/prometheus/client_golang/prometheus"
)

type Kind string

const (
	KindPresence Kind = "presence"
	KindState    Kind = "state"
	KindError    Kind = "error"
	KindOther    Kind = "other"
	KindInvalid  Kind = "invalid"
)

var statusMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_status_messages_total",
		Help: "Status messages received from bridges, by kind.",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(statusMessages)
}

type Store interface {
	RecordDeviceState(ctx context.Context, deviceID string, state []byte, seen time.Time) error
	RecordDeviceSeen(ctx context.Context, deviceID string, seen time.Time) error
	RecordDeviceError(ctx context.Context, deviceID, msg string, seen time.Time) error
}

type Cache interface {
	Put(ctx context.Context, deviceID string, state []byte, seen time.Time) error
	Delete(ctx context.Context, deviceID string) error
}

type Broadcaster interface {
	Broadcast(deviceID string, payload []byte)
}

// Ingestor consumes bridge status topics. Cache and Hub are optional.
type Ingestor struct {
	Repo        Store
	Cache       Cache
	Hub         Broadcaster
	TopicPrefix string
}

// Classify sorts a status payload into presence markers, device state,
// error reports and anything else (write acknowledgements, info documents).
func Classify(payload []byte) (Kind, string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return KindInvalid, ""
	}
	if _, ok := fields["online"]; ok {
		return KindPresence, ""
	}
	if raw, ok := fields["error"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = string(raw)
		}
		return KindError, msg
	}
	_, hasOn := fields["on"]
	_, hasBri := fields["bri"]
	if hasOn || hasBri {
		return KindState, ""
	}
	return KindOther, ""
}

func (i *Ingestor) HandleMessage(ctx context.Context, msg mqtt.Message, receivedAt time.Time) {
	topic := msg.Topic()
	deviceID, err := command.DeviceFromStatusTopic(i.TopicPrefix, topic)
	if err != nil {
		if !errors.Is(err, command.ErrNotAStatusTopic) {
			slog.Warn("status topic parse failed", "topic", topic, "error", err)
		}
		return
	}

	payload := append([]byte(nil), msg.Payload()...)
	kind, errMsg := Classify(payload)
	statusMessages.WithLabelValues(string(kind)).Inc()
	if kind == KindInvalid {
		slog.Warn("status is not a json object", "topic", topic, "device_id", deviceID)
		return
	}

	seen := receivedAt.UTC()
	switch kind {
	case KindState:
		if err := i.Repo.RecordDeviceState(ctx, deviceID, payload, seen); err != nil {
			slog.Error("store device state failed", "device_id", deviceID, "error", err)
		}
		if i.Cache != nil {
			if err := i.Cache.Put(ctx, deviceID, payload, seen); err != nil {
				slog.Warn("state cache write failed", "device_id", deviceID, "error", err)
			}
		}
	case KindError:
		if err := i.Repo.RecordDeviceError(ctx, deviceID, errMsg, seen); err != nil {
			slog.Error("store device error failed", "device_id", deviceID, "error", err)
		}
		if i.Cache != nil {
			if err := i.Cache.Delete(ctx, deviceID); err != nil {
				slog.Warn("state cache delete failed", "device_id", deviceID, "error", err)
			}
		}
		slog.Warn("bridge reported error", "device_id", deviceID, "error", errMsg)
	default:
		if err := i.Repo.RecordDeviceSeen(ctx, deviceID, seen); err != nil {
			slog.Error("store last seen failed", "device_id", deviceID, "error", err)
		}
	}

	if i.Hub != nil {
		i.Hub.Broadcast(deviceID, payload)
	}
	slog.Debug("status ingested", "device_id", deviceID, "kind", string(kind))
}

type Subscriber interface {
	Subscribe(topic string, h mqtt.Handler) error
}

// Subscribe wires the ingestor to every device status topic.
func (i *Ingestor) Subscribe(ctx context.Context, client Subscriber) error {
	return client.Subscribe(command.StatusWildcard(i.TopicPrefix), func(m mqtt.Message) {
		i.HandleMessage(ctx, m, time.Now())
	})
}
