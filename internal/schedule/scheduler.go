package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/command"
	"github.com/PetoAdam/lumina-relay/internal/directory"
	"github.com/PetoAdam/lumina-relay/internal/dispatch"
	"github.com/PetoAdam/lumina-relay/internal/store"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var ErrSceneNotFound = errors.New("scene not found")

type Store interface {
	ListEnabledSchedules(ctx context.Context) ([]store.SceneSchedule, error)
}

type Scenes interface {
	GetScene(ctx context.Context, userID, sceneID string) (*directory.Scene, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, cmd command.Command, source string) (string, error)
}

// Scheduler activates scenes on cron schedules. Schedules are reloaded from
// the database periodically and on demand.
type Scheduler struct {
	repo   Store
	scenes Scenes
	disp   Dispatcher

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[uuid.UUID]cron.EntryID
	specs   map[uuid.UUID]string

	reloadEvery time.Duration
}

func New(repo Store, scenes Scenes, disp Dispatcher, reloadEvery time.Duration) *Scheduler {
	if reloadEvery <= 0 {
		reloadEvery = 30 * time.Second
	}
	return &Scheduler{
		repo:        repo,
		scenes:      scenes,
		disp:        disp,
		cron:        cron.New(cron.WithSeconds()),
		entries:     map[uuid.UUID]cron.EntryID{},
		specs:       map[uuid.UUID]string{},
		reloadEvery: reloadEvery,
	}
}

// ValidateSpec checks a six-field (seconds first) cron expression.
func ValidateSpec(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(strings.TrimSpace(spec))
	return err
}

func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.ReloadNow(ctx); err != nil {
		return err
	}
	s.cron.Start()
	go s.reloadLoop(ctx)
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) reloadLoop(ctx context.Context) {
	t := time.NewTicker(s.reloadEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.ReloadNow(ctx); err != nil {
				slog.Warn("schedule reload failed", "error", err)
			}
		}
	}
}

// ReloadNow reconciles cron entries with the enabled schedules in the
// database. Changed expressions are re-registered; removed or disabled
// schedules are dropped.
func (s *Scheduler) ReloadNow(ctx context.Context) error {
	rows, err := s.repo.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expected := map[uuid.UUID]struct{}{}
	for _, sched := range rows {
		spec := strings.TrimSpace(sched.Cron)
		if spec == "" {
			continue
		}
		expected[sched.ID] = struct{}{}
		if old, ok := s.specs[sched.ID]; ok && old != spec {
			s.cron.Remove(s.entries[sched.ID])
			delete(s.entries, sched.ID)
			delete(s.specs, sched.ID)
		}
		if _, exists := s.entries[sched.ID]; exists {
			continue
		}

		schedCopy := sched
		id, err := s.cron.AddFunc(spec, func() {
			if err := s.Fire(context.Background(), schedCopy); err != nil {
				slog.Warn("scheduled scene failed", "schedule_id", schedCopy.ID, "scene_id", schedCopy.SceneID, "error", err)
			}
		})
		if err != nil {
			slog.Warn("invalid cron expression", "schedule_id", sched.ID, "cron", spec, "error", err)
			continue
		}
		s.entries[sched.ID] = id
		s.specs[sched.ID] = spec
	}

	for key, entryID := range s.entries {
		if _, ok := expected[key]; ok {
			continue
		}
		s.cron.Remove(entryID)
		delete(s.entries, key)
		delete(s.specs, key)
	}
	return nil
}

// Fire activates the schedule's scene for its owner.
func (s *Scheduler) Fire(ctx context.Context, sched store.SceneSchedule) error {
	scene, err := s.scenes.GetScene(ctx, sched.UserID, sched.SceneID)
	if err != nil {
		return err
	}
	if scene == nil {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, sched.SceneID)
	}
	cmd := command.FromScene(scene.WLEDPayload, scene.Brightness, scene.EffectID)
	_, err = s.disp.Dispatch(ctx, sched.UserID, cmd, dispatch.SourceSchedule)
	return err
}

func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
