package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/store"
)

// Profile is the read model the voice adapter and app API work with.
type Profile struct {
	UserID         string
	PropertyName   string
	DeviceID       string
	ControllerID   string
	LastKnownState json.RawMessage
	LastSeen       time.Time
	LastError      string
}

type Scene struct {
	ID          string
	Name        string
	WLEDPayload json.RawMessage
	Brightness  *int
	EffectID    *int
	IsSystem    bool
}

type IdentityResolver interface {
	UserID(ctx context.Context, token string) (string, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
	ListScenes(ctx context.Context, userID string) ([]store.Scene, error)
	GetScene(ctx context.Context, userID, sceneID string) (*store.Scene, error)
}

type StateReader interface {
	Get(ctx context.Context, deviceID string) (*store.CachedState, error)
}

// Directory resolves bearer tokens to users and users to their device
// profile and scenes. The state cache, when present, is consulted before
// the database copy of the last known state.
type Directory struct {
	ids   IdentityResolver
	repo  ProfileStore
	cache StateReader
}

func New(ids IdentityResolver, repo ProfileStore, cache StateReader) *Directory {
	return &Directory{ids: ids, repo: repo, cache: cache}
}

func (d *Directory) ResolveIdentity(ctx context.Context, token string) (string, error) {
	return d.ids.UserID(ctx, token)
}

// GetProfile returns nil, nil when the user has no profile.
func (d *Directory) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	p, err := d.repo.GetProfile(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	out := &Profile{
		UserID:         p.UserID,
		PropertyName:   p.PropertyName,
		DeviceID:       p.DeviceID,
		ControllerID:   p.ControllerID,
		LastKnownState: json.RawMessage(p.LastKnownState),
		LastError:      p.LastError,
	}
	if p.LastSeen != nil {
		out.LastSeen = *p.LastSeen
	}
	if d.cache == nil || p.DeviceID == "" {
		return out, nil
	}
	cs, err := d.cache.Get(ctx, p.DeviceID)
	if err != nil {
		slog.Warn("state cache read failed", "device_id", p.DeviceID, "error", err)
		return out, nil
	}
	if cs != nil && len(cs.State) > 0 && cs.SeenAt.After(out.LastSeen) {
		out.LastKnownState = cs.State
		out.LastSeen = cs.SeenAt
		out.LastError = ""
	}
	return out, nil
}

func (d *Directory) GetScenes(ctx context.Context, userID string) ([]Scene, error) {
	rows, err := d.repo.ListScenes(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Scene, 0, len(rows))
	for _, s := range rows {
		out = append(out, toScene(s))
	}
	return out, nil
}

// GetScene returns nil, nil when the user has no such scene.
func (d *Directory) GetScene(ctx context.Context, userID, sceneID string) (*Scene, error) {
	s, err := d.repo.GetScene(ctx, userID, sceneID)
	if err != nil || s == nil {
		return nil, err
	}
	out := toScene(*s)
	return &out, nil
}

func toScene(s store.Scene) Scene {
	return Scene{
		ID:          s.ID,
		Name:        s.Name,
		WLEDPayload: json.RawMessage(s.WLEDPayload),
		Brightness:  s.Brightness,
		EffectID:    s.EffectID,
		IsSystem:    s.IsSystem,
	}
}
