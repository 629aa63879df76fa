package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDeviceTaken = errors.New("device already linked to another user")

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// OpenSqlite is used for single-node deployments and tests.
func OpenSqlite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		path = "relay.db"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Profile{}, &Scene{}, &CommandRecord{}, &SceneSchedule{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// GetProfile returns nil, nil when the user has no profile.
func (r *Repo) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) GetProfileByDevice(ctx context.Context, deviceID string) (*Profile, error) {
	var p Profile
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProfile creates or updates the user's profile settings. A device id
// can belong to one user only.
func (r *Repo) UpsertProfile(ctx context.Context, p *Profile) error {
	if p.DeviceID != "" {
		owner, err := r.GetProfileByDevice(ctx, p.DeviceID)
		if err != nil {
			return err
		}
		if owner != nil && owner.UserID != p.UserID {
			return ErrDeviceTaken
		}
	}
	p.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"property_name", "device_id", "controller_id", "updated_at"}),
	}).Create(p).Error
}

// RecordDeviceState stores a state-shaped status message and clears any
// previous error.
func (r *Repo) RecordDeviceState(ctx context.Context, deviceID string, state []byte, seen time.Time) error {
	return r.updateDevice(ctx, deviceID, map[string]any{
		"last_known_state": datatypes.JSON(state),
		"last_seen":        seen.UTC(),
		"last_error":       "",
	})
}

func (r *Repo) RecordDeviceSeen(ctx context.Context, deviceID string, seen time.Time) error {
	return r.updateDevice(ctx, deviceID, map[string]any{"last_seen": seen.UTC()})
}

func (r *Repo) RecordDeviceError(ctx context.Context, deviceID, msg string, seen time.Time) error {
	return r.updateDevice(ctx, deviceID, map[string]any{
		"last_error": msg,
		"last_seen":  seen.UTC(),
	})
}

func (r *Repo) updateDevice(ctx context.Context, deviceID string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).Model(&Profile{}).Where("device_id = ?", deviceID).Updates(fields).Error
}

func (r *Repo) ListScenes(ctx context.Context, userID string) ([]Scene, error) {
	var out []Scene
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Order("id ASC").Find(&out).Error
	return out, err
}

// GetScene returns nil, nil when the scene does not exist or belongs to
// another user.
func (r *Repo) GetScene(ctx context.Context, userID, sceneID string) (*Scene, error) {
	var s Scene
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sceneID, userID).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) CreateScene(ctx context.Context, s *Scene) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) InsertCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

type CommandPage struct {
	Commands   []CommandRecord `json:"commands"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ListCommands pages through a user's command log, newest first.
func (r *Repo) ListCommands(ctx context.Context, userID string, limit int, cursor *Cursor) (CommandPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "user_id"}, Value: userID},
	}
	if cursor != nil {
		exprs = append(exprs, clause.Or(
			clause.Lt{Column: clause.Column{Name: "created_at"}, Value: cursor.CreatedAt},
			clause.And(
				clause.Eq{Column: clause.Column{Name: "created_at"}, Value: cursor.CreatedAt},
				clause.Lt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
			),
		))
	}
	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: true},
		{Column: clause.Column{Name: "id"}, Desc: true},
	}}

	var rows []CommandRecord
	q := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1)
	if err := q.Find(&rows).Error; err != nil {
		return CommandPage{}, err
	}

	out := CommandPage{Commands: rows}
	if len(rows) > limit {
		last := rows[limit-1]
		out.Commands = rows[:limit]
		out.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.String()
	}
	return out, nil
}

func (r *Repo) ListEnabledSchedules(ctx context.Context) ([]SceneSchedule, error) {
	var out []SceneSchedule
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&out).Error
	return out, err
}

func (r *Repo) ListSchedules(ctx context.Context, userID string) ([]SceneSchedule, error) {
	var out []SceneSchedule
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (r *Repo) CreateSchedule(ctx context.Context, s *SceneSchedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(s).Error
}

// DeleteSchedule reports whether a schedule owned by userID was removed.
func (r *Repo) DeleteSchedule(ctx context.Context, userID string, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&SceneSchedule{})
	return res.RowsAffected > 0, res.Error
}
