package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Profile links a user to the single LED controller they own.
type Profile struct {
	UserID         string         `gorm:"primaryKey" json:"user_id"`
	PropertyName   string         `json:"property_name"`
	DeviceID       string         `gorm:"index" json:"device_id"`
	ControllerID   string         `json:"controller_id"`
	LastKnownState datatypes.JSON `gorm:"type:jsonb" json:"last_known_state,omitempty"`
	LastSeen       *time.Time     `json:"last_seen,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type Scene struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	UserID      string         `gorm:"index" json:"user_id"`
	Name        string         `json:"name"`
	WLEDPayload datatypes.JSON `gorm:"column:wled_payload;type:jsonb" json:"wled_payload,omitempty"`
	Brightness  *int           `json:"brightness,omitempty"`
	EffectID    *int           `json:"effect_id,omitempty"`
	IsSystem    bool           `json:"is_system"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CommandRecord is the outbound command log. It is written before publish.
type CommandRecord struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string         `gorm:"index:idx_user_created,priority:1" json:"user_id"`
	DeviceID     string         `gorm:"index" json:"device_id"`
	Action       string         `json:"action"`
	Payload      datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
	ControllerID string         `json:"controller_id"`
	Source       string         `json:"source"`
	CreatedAt    time.Time      `gorm:"index:idx_user_created,priority:2" json:"created_at"`
}

type SceneSchedule struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"index" json:"user_id"`
	SceneID   string    `json:"scene_id"`
	Cron      string    `json:"cron"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
