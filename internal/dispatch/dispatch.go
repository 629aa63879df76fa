package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PetoAdam/lumina-relay/internal/command"
	"github.com/PetoAdam/lumina-relay/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/datatypes"
)

var (
	ErrNoDevice      = errors.New("no device provisioned for user")
	ErrInvalidDevice = errors.New("invalid device id")
)

const (
	SourceApp      = "app"
	SourceVoice    = "voice"
	SourceSchedule = "schedule"
)

var dispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_dispatched_commands_total",
		Help: "Commands published to device command topics.",
	},
	[]string{"source", "result"},
)

func init() {
	prometheus.MustRegister(dispatchedTotal)
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Store interface {
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
	InsertCommand(ctx context.Context, rec *store.CommandRecord) error
}

// Service publishes canonical commands to the command topic of the device
// linked to a user.
type Service struct {
	store             Store
	pub               Publisher
	prefix            string
	defaultController string
}

func New(st Store, pub Publisher, topicPrefix, defaultController string) *Service {
	if defaultController == "" {
		defaultController = "primary"
	}
	return &Service{store: st, pub: pub, prefix: topicPrefix, defaultController: defaultController}
}

// Dispatch resolves the user's device, records the command and publishes it.
// The returned id identifies the command record.
func (s *Service) Dispatch(ctx context.Context, userID string, cmd command.Command, source string) (string, error) {
	id, err := s.dispatch(ctx, userID, cmd, source)
	result := "ok"
	switch {
	case errors.Is(err, ErrNoDevice):
		result = "no_device"
	case err != nil:
		result = "error"
	}
	dispatchedTotal.WithLabelValues(source, result).Inc()
	return id, err
}

func (s *Service) dispatch(ctx context.Context, userID string, cmd command.Command, source string) (string, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	if profile == nil || strings.TrimSpace(profile.DeviceID) == "" {
		return "", ErrNoDevice
	}
	if err := ValidateDeviceID(profile.DeviceID); err != nil {
		return "", err
	}

	if cmd.ControllerID == "" {
		cmd.ControllerID = profile.ControllerID
	}
	if cmd.ControllerID == "" {
		cmd.ControllerID = s.defaultController
	}
	if cmd.Action == "" {
		cmd.Action = command.ActionSetState
	}
	payload, err := cmd.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}

	rec := &store.CommandRecord{
		ID:           uuid.New(),
		UserID:       userID,
		DeviceID:     profile.DeviceID,
		Action:       string(cmd.Action),
		Payload:      datatypes.JSON(cmd.Payload),
		ControllerID: cmd.ControllerID,
		Source:       source,
	}
	if err := s.store.InsertCommand(ctx, rec); err != nil {
		slog.Warn("command record failed", "user_id", userID, "device_id", profile.DeviceID, "error", err)
	}

	topic := command.TopicsFor(s.prefix, profile.DeviceID).Command
	if err := s.pub.Publish(topic, payload); err != nil {
		return rec.ID.String(), fmt.Errorf("publish %s: %w", topic, err)
	}
	slog.Info("command dispatched",
		"device_id", profile.DeviceID,
		"action", string(cmd.Action),
		"source", source,
		"command_id", rec.ID.String(),
	)
	return rec.ID.String(), nil
}

// ValidateDeviceID rejects ids that would change the topic structure.
func ValidateDeviceID(id string) error {
	if id == "" || strings.ContainsAny(id, "/+#") || strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidDevice, id)
	}
	return nil
}
