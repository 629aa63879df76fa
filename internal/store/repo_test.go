package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestProfileNotFoundIsNil(t *testing.T) {
	repo := openTestRepo(t)
	p, err := repo.GetProfile(context.Background(), "nobody")
	if err != nil || p != nil {
		t.Fatalf("expected nil, nil; got %+v %v", p, err)
	}
}

func TestUpsertProfileAndDeviceOwnership(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.UpsertProfile(ctx, &Profile{UserID: "u1", PropertyName: "Loft", DeviceID: "dev1", ControllerID: "primary"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpsertProfile(ctx, &Profile{UserID: "u1", PropertyName: "Studio", DeviceID: "dev1", ControllerID: "primary"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	p, err := repo.GetProfile(ctx, "u1")
	if err != nil || p == nil || p.PropertyName != "Studio" {
		t.Fatalf("expected updated profile, got %+v %v", p, err)
	}

	err = repo.UpsertProfile(ctx, &Profile{UserID: "u2", DeviceID: "dev1"})
	if !errors.Is(err, ErrDeviceTaken) {
		t.Fatalf("expected ErrDeviceTaken, got %v", err)
	}
}

func TestRecordDeviceStateAndError(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	if err := repo.UpsertProfile(ctx, &Profile{UserID: "u1", DeviceID: "dev1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	seen := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := repo.RecordDeviceError(ctx, "dev1", "HTTP 500", seen); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if err := repo.RecordDeviceState(ctx, "dev1", []byte(`{"on":true,"bri":200}`), seen.Add(time.Minute)); err != nil {
		t.Fatalf("record state: %v", err)
	}
	p, err := repo.GetProfileByDevice(ctx, "dev1")
	if err != nil || p == nil {
		t.Fatalf("lookup: %+v %v", p, err)
	}
	if p.LastError != "" {
		t.Fatalf("state should clear last error, got %q", p.LastError)
	}
	if !strings.Contains(string(p.LastKnownState), `"bri":200`) {
		t.Fatalf("unexpected state %s", p.LastKnownState)
	}
	if p.LastSeen == nil || !p.LastSeen.Equal(seen.Add(time.Minute)) {
		t.Fatalf("unexpected last seen %v", p.LastSeen)
	}
}

func TestScenesAreScopedToUser(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	bri := 180
	if err := repo.CreateScene(ctx, &Scene{ID: "sunset", UserID: "u1", Name: "Sunset", Brightness: &bri}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s, err := repo.GetScene(ctx, "u2", "sunset")
	if err != nil || s != nil {
		t.Fatalf("scene leaked across users: %+v %v", s, err)
	}
	s, err = repo.GetScene(ctx, "u1", "sunset")
	if err != nil || s == nil || *s.Brightness != 180 {
		t.Fatalf("expected scene, got %+v %v", s, err)
	}
}

func TestListCommandsCursorDesc(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := &CommandRecord{UserID: "u1", DeviceID: "dev1", Action: "setState", Source: "app", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := repo.InsertCommand(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := repo.InsertCommand(ctx, &CommandRecord{UserID: "u2", DeviceID: "dev2", Action: "setState"}); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	page1, err := repo.ListCommands(ctx, "u1", 2, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1.Commands) != 2 || page1.NextCursor == "" {
		t.Fatalf("expected 2 commands and a cursor, got %d %q", len(page1.Commands), page1.NextCursor)
	}
	if !page1.Commands[0].CreatedAt.After(page1.Commands[1].CreatedAt) {
		t.Fatalf("expected newest first")
	}
	cur, err := ParseCursor(page1.NextCursor)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	page2, err := repo.ListCommands(ctx, "u1", 2, cur)
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2.Commands) != 1 || page2.NextCursor != "" {
		t.Fatalf("expected final page of 1, got %d %q", len(page2.Commands), page2.NextCursor)
	}
}

func TestSchedules(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	on := &SceneSchedule{UserID: "u1", SceneID: "sunset", Cron: "0 30 19 * * *", Enabled: true}
	off := &SceneSchedule{UserID: "u1", SceneID: "night", Cron: "0 0 23 * * *", Enabled: false}
	for _, s := range []*SceneSchedule{on, off} {
		if err := repo.CreateSchedule(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	enabled, err := repo.ListEnabledSchedules(ctx)
	if err != nil || len(enabled) != 1 || enabled[0].ID != on.ID {
		t.Fatalf("expected only the enabled schedule, got %+v %v", enabled, err)
	}
	ok, err := repo.DeleteSchedule(ctx, "u2", on.ID)
	if err != nil || ok {
		t.Fatalf("other user must not delete: ok=%v err=%v", ok, err)
	}
	ok, err = repo.DeleteSchedule(ctx, "u1", on.ID)
	if err != nil || !ok {
		t.Fatalf("expected delete, ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.DeleteSchedule(ctx, "u1", uuid.New()); ok {
		t.Fatalf("deleting a missing schedule reported success")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2025, 1, 1, 0, 0, 1, 5, time.UTC), ID: uuid.New()}
	got, err := ParseCursor(c.String())
	if err != nil || got == nil || !got.CreatedAt.Equal(c.CreatedAt) || got.ID != c.ID {
		t.Fatalf("round trip mismatch: %+v %v", got, err)
	}
	if got, err := ParseCursor(""); got != nil || err != nil {
		t.Fatalf("empty cursor should be nil, nil")
	}
	if _, err := ParseCursor("!!!"); err == nil {
		t.Fatalf("expected decode error")
	}
}
