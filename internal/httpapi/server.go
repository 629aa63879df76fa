package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/auth"
	"github.com/PetoAdam/lumina-relay/internal/command"
	"github.com/PetoAdam/lumina-relay/internal/directory"
	"github.com/PetoAdam/lumina-relay/internal/dispatch"
	"github.com/PetoAdam/lumina-relay/internal/ratelimit"
	"github.com/PetoAdam/lumina-relay/internal/schedule"
	"github.com/PetoAdam/lumina-relay/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const maxBodyBytes = 64 << 10

type Profiles interface {
	GetProfile(ctx context.Context, userID string) (*directory.Profile, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, cmd command.Command, source string) (string, error)
}

type Reloader interface {
	ReloadNow(ctx context.Context) error
}

type StatusStreamer interface {
	ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string, initial []byte)
}

type Deps struct {
	Repo       *store.Repo
	Profiles   Profiles
	Dispatcher Dispatcher
	Schedules  Reloader
	Hub        StatusStreamer
	Verifier   *auth.Verifier
	Limiter    ratelimit.Allower
	Voice      http.Handler
	Metrics    http.Handler
	// Ready reports broker connectivity for /healthz. Nil means always ready.
	Ready      func() bool
	StaleAfter time.Duration
}

type Server struct {
	d Deps
}

func New(d Deps) *Server {
	if d.StaleAfter <= 0 {
		d.StaleAfter = 2 * time.Minute
	}
	return &Server{d: d}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Trace-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.d.Metrics != nil {
		r.Handle("/metrics", s.d.Metrics)
	}
	if s.d.Voice != nil {
		r.Post("/api/voice/directive", s.d.Voice.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.d.Verifier))

		r.Route("/api/relay", func(r chi.Router) {
			r.With(ratelimit.Middleware(s.d.Limiter, ratelimit.KeyByUserOrIP)).Post("/commands", s.handleSubmitCommand)
			r.Get("/commands", s.handleListCommands)
			r.Get("/state", s.handleState)
			r.Put("/profile", s.handlePutProfile)
			r.Get("/scenes", s.handleListScenes)
			r.Post("/scenes", s.handleCreateScene)
			r.Get("/schedules", s.handleListSchedules)
			r.Post("/schedules", s.handleCreateSchedule)
			r.Delete("/schedules/{id}", s.handleDeleteSchedule)
		})
		r.Get("/ws/relay/status", s.handleStatusStream)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.d.Ready != nil && !s.d.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "mqtt": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func userID(r *http.Request) string {
	if c := auth.GetClaims(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}

type submitResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if err := command.Validate(body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := command.Parse(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	uid := userID(r)
	id, err := s.d.Dispatcher.Dispatch(r.Context(), uid, cmd, dispatch.SourceApp)
	switch {
	case errors.Is(err, dispatch.ErrNoDevice):
		writeJSONError(w, http.StatusConflict, "no device provisioned")
		return
	case errors.Is(err, dispatch.ErrInvalidDevice):
		writeJSONError(w, http.StatusConflict, "device id is not usable")
		return
	case err != nil:
		slog.Error("command dispatch failed", "user_id", uid, "error", err)
		writeJSONError(w, http.StatusBadGateway, "could not publish command")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Status: "queued", CommandID: id})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	cursor, err := store.ParseCursor(q.Get("cursor"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	page, err := s.d.Repo.ListCommands(r.Context(), userID(r), limit, cursor)
	if err != nil {
		slog.Error("command history query failed", "user_id", userID(r), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not query commands")
		return
	}
	if page.Commands == nil {
		page.Commands = []store.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, page)
}

type stateResponse struct {
	DeviceID     string          `json:"device_id"`
	PropertyName string          `json:"property_name,omitempty"`
	ControllerID string          `json:"controller_id,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	LastSeen     *time.Time      `json:"last_seen,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Reachable    bool            `json:"reachable"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	p, ok := s.profile(w, r)
	if !ok {
		return
	}
	resp := stateResponse{
		DeviceID:     p.DeviceID,
		PropertyName: p.PropertyName,
		ControllerID: p.ControllerID,
		State:        p.LastKnownState,
		LastError:    p.LastError,
	}
	if !p.LastSeen.IsZero() {
		seen := p.LastSeen
		resp.LastSeen = &seen
		resp.Reachable = p.LastError == "" && time.Since(seen) < s.d.StaleAfter
	}
	writeJSON(w, http.StatusOK, resp)
}

// profile loads the caller's profile and writes 404 when no device is linked.
func (s *Server) profile(w http.ResponseWriter, r *http.Request) (*directory.Profile, bool) {
	p, err := s.d.Profiles.GetProfile(r.Context(), userID(r))
	if err != nil {
		slog.Error("profile lookup failed", "user_id", userID(r), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not load profile")
		return nil, false
	}
	if p == nil || p.DeviceID == "" {
		writeJSONError(w, http.StatusNotFound, "no device provisioned")
		return nil, false
	}
	return p, true
}

type profileRequest struct {
	PropertyName string `json:"property_name"`
	DeviceID     string `json:"device_id"`
	ControllerID string `json:"controller_id"`
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := dispatch.ValidateDeviceID(req.DeviceID); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := &store.Profile{
		UserID:       userID(r),
		PropertyName: strings.TrimSpace(req.PropertyName),
		DeviceID:     req.DeviceID,
		ControllerID: strings.TrimSpace(req.ControllerID),
	}
	if err := s.d.Repo.UpsertProfile(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrDeviceTaken) {
			writeJSONError(w, http.StatusConflict, "device already linked to another account")
			return
		}
		slog.Error("profile upsert failed", "user_id", p.UserID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not save profile")
		return
	}
	slog.Info("profile updated", "user_id", p.UserID, "device_id", p.DeviceID)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	scenes, err := s.d.Repo.ListScenes(r.Context(), userID(r))
	if err != nil {
		slog.Error("scene list failed", "user_id", userID(r), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not list scenes")
		return
	}
	if scenes == nil {
		scenes = []store.Scene{}
	}
	writeJSON(w, http.StatusOK, scenes)
}

type sceneRequest struct {
	Name        string          `json:"name"`
	WLEDPayload json.RawMessage `json:"wled_payload"`
	Brightness  *int            `json:"brightness"`
	EffectID    *int            `json:"effect_id"`
}

func (s *Server) handleCreateScene(w http.ResponseWriter, r *http.Request) {
	var req sceneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.WLEDPayload) > 0 && string(req.WLEDPayload) != "null" {
		var obj map[string]any
		if err := json.Unmarshal(req.WLEDPayload, &obj); err != nil {
			writeJSONError(w, http.StatusBadRequest, "wled_payload must be a json object")
			return
		}
	} else {
		req.WLEDPayload = nil
	}
	if req.Brightness != nil && (*req.Brightness < 0 || *req.Brightness > 255) {
		writeJSONError(w, http.StatusBadRequest, "brightness must be between 0 and 255")
		return
	}
	if req.EffectID != nil && *req.EffectID < 0 {
		writeJSONError(w, http.StatusBadRequest, "effect_id must not be negative")
		return
	}

	scene := &store.Scene{
		UserID:      userID(r),
		Name:        name,
		WLEDPayload: datatypes.JSON(req.WLEDPayload),
		Brightness:  req.Brightness,
		EffectID:    req.EffectID,
	}
	if err := s.d.Repo.CreateScene(r.Context(), scene); err != nil {
		slog.Error("scene create failed", "user_id", scene.UserID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not create scene")
		return
	}
	writeJSON(w, http.StatusCreated, scene)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	out, err := s.d.Repo.ListSchedules(r.Context(), userID(r))
	if err != nil {
		slog.Error("schedule list failed", "user_id", userID(r), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not list schedules")
		return
	}
	if out == nil {
		out = []store.SceneSchedule{}
	}
	writeJSON(w, http.StatusOK, out)
}

type scheduleRequest struct {
	SceneID string `json:"scene_id"`
	Cron    string `json:"cron"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	spec := strings.TrimSpace(req.Cron)
	if err := schedule.ValidateSpec(spec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid cron expression")
		return
	}
	uid := userID(r)
	scene, err := s.d.Repo.GetScene(r.Context(), uid, req.SceneID)
	if err != nil {
		slog.Error("scene lookup failed", "user_id", uid, "scene_id", req.SceneID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not load scene")
		return
	}
	if scene == nil {
		writeJSONError(w, http.StatusNotFound, "scene not found")
		return
	}

	sched := &store.SceneSchedule{UserID: uid, SceneID: scene.ID, Cron: spec, Enabled: req.Enabled == nil || *req.Enabled}
	if err := s.d.Repo.CreateSchedule(r.Context(), sched); err != nil {
		slog.Error("schedule create failed", "user_id", uid, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not create schedule")
		return
	}
	s.reloadSchedules(r.Context())
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	deleted, err := s.d.Repo.DeleteSchedule(r.Context(), userID(r), id)
	if err != nil {
		slog.Error("schedule delete failed", "schedule_id", id.String(), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not delete schedule")
		return
	}
	if !deleted {
		writeJSONError(w, http.StatusNotFound, "schedule not found")
		return
	}
	s.reloadSchedules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// reloadSchedules applies schedule edits right away instead of waiting for
// the periodic reconcile.
func (s *Server) reloadSchedules(ctx context.Context) {
	if s.d.Schedules == nil {
		return
	}
	if err := s.d.Schedules.ReloadNow(ctx); err != nil {
		slog.Warn("schedule reload failed", "error", err)
	}
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	p, ok := s.profile(w, r)
	if !ok {
		return
	}
	s.d.Hub.ServeDevice(w, r, p.DeviceID, p.LastKnownState)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
