package schedule

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/PetoAdam/lumina-relay/internal/command"
	"github.com/PetoAdam/lumina-relay/internal/directory"
	"github.com/PetoAdam/lumina-relay/internal/store"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeScenes map[string]*directory.Scene

func (f fakeScenes) GetScene(_ context.Context, userID, sceneID string) (*directory.Scene, error) {
	return f[userID+"/"+sceneID], nil
}

type dispatched struct {
	user   string
	cmd    command.Command
	source string
}

type fakeDispatcher struct{ calls []dispatched }

func (d *fakeDispatcher) Dispatch(_ context.Context, userID string, cmd command.Command, source string) (string, error) {
	d.calls = append(d.calls, dispatched{userID, cmd, source})
	return uuid.NewString(), nil
}

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:schedule_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestReloadReconcilesEntries(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	good := &store.SceneSchedule{UserID: "u1", SceneID: "sunset", Cron: "0 30 19 * * *", Enabled: true}
	bad := &store.SceneSchedule{UserID: "u1", SceneID: "sunset", Cron: "every tuesday", Enabled: true}
	for _, s := range []*store.SceneSchedule{good, bad} {
		if err := repo.CreateSchedule(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	s := New(repo, fakeScenes{}, &fakeDispatcher{}, 0)
	if err := s.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.EntryCount() != 1 {
		t.Fatalf("expected only the valid schedule, got %d", s.EntryCount())
	}

	if ok, err := repo.DeleteSchedule(ctx, "u1", good.ID); err != nil || !ok {
		t.Fatalf("delete: %v", err)
	}
	if err := s.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.EntryCount() != 0 {
		t.Fatalf("deleted schedule still registered")
	}
}

func TestFireDispatchesScene(t *testing.T) {
	bri, fx := 180, 9
	scenes := fakeScenes{"u1/party": {ID: "party", Brightness: &bri, EffectID: &fx}}
	disp := &fakeDispatcher{}
	s := New(openRepo(t), scenes, disp, 0)

	if err := s.Fire(context.Background(), store.SceneSchedule{UserID: "u1", SceneID: "party"}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(disp.calls))
	}
	c := disp.calls[0]
	if c.user != "u1" || c.source != "schedule" || c.cmd.Action != command.ActionSetState {
		t.Fatalf("unexpected dispatch %+v", c)
	}
	if string(c.cmd.Payload) != `{"on":true,"bri":180,"seg":[{"id":0,"fx":9}]}` {
		t.Fatalf("unexpected payload %s", c.cmd.Payload)
	}
}

func TestFireMissingScene(t *testing.T) {
	disp := &fakeDispatcher{}
	s := New(openRepo(t), fakeScenes{}, disp, 0)
	err := s.Fire(context.Background(), store.SceneSchedule{UserID: "u1", SceneID: "gone"})
	if !errors.Is(err, ErrSceneNotFound) || len(disp.calls) != 0 {
		t.Fatalf("expected ErrSceneNotFound without dispatch, got %v", err)
	}
}

func TestValidateSpec(t *testing.T) {
	if err := ValidateSpec("0 0 7 * * MON-FRI"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateSpec("0 7 * * *"); err == nil {
		t.Fatalf("five-field spec should be rejected")
	}
}
