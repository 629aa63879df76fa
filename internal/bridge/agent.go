package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/command"
	"github.com/PetoAdam/lumina-relay/internal/mqtt"
)

const (
	// MinReconnectInterval is the floor between broker connection attempts.
	MinReconnectInterval = 5 * time.Second
	defaultLoopInterval  = 50 * time.Millisecond
	defaultDeviceTimeout = 10 * time.Second
	inboxSize            = 256
)

// Session is the broker connection the agent drives. *mqtt.Client satisfies it.
type Session interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Subscribe(topic string, h mqtt.Handler) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// Gateway is the LED controller's local HTTP API. *device.Client satisfies it.
type Gateway interface {
	Do(ctx context.Context, req command.Request) ([]byte, error)
}

type NetworkProbe interface {
	Up() bool
}

// ProbeFunc adapts a function to NetworkProbe.
type ProbeFunc func() bool

func (f ProbeFunc) Up() bool { return f() }

type Config struct {
	DeviceID          string
	BridgeName        string
	ControllerIDs     []string
	TopicPrefix       string
	StatusInterval    time.Duration
	ReconnectInterval time.Duration
	LoopInterval      time.Duration
	DeviceTimeout     time.Duration
}

type Option func(*Agent)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

type Agent struct {
	cfg         Config
	topics      command.Topics
	controllers map[string]struct{}

	session Session
	gateway Gateway
	probe   NetworkProbe
	now     func() time.Time

	inbox   chan []byte
	dropped atomic.Int64
	done    chan struct{}
	once  sync.Once

	state AgentState

	snapMu sync.RWMutex
	snap   AgentState
}

func New(cfg Config, session Session, gateway Gateway, probe NetworkProbe, opts ...Option) *Agent {
	if cfg.BridgeName == "" {
		cfg.BridgeName = "go-mqtt"
	}
	if cfg.ReconnectInterval < MinReconnectInterval {
		cfg.ReconnectInterval = MinReconnectInterval
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = defaultLoopInterval
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = defaultDeviceTimeout
	}
	if len(cfg.ControllerIDs) == 0 {
		cfg.ControllerIDs = []string{"primary"}
	}
	if probe == nil {
		probe = ProbeFunc(func() bool { return true })
	}

	a := &Agent{
		cfg:         cfg,
		topics:      command.TopicsFor(cfg.TopicPrefix, cfg.DeviceID),
		controllers: make(map[string]struct{}, len(cfg.ControllerIDs)),
		session:     session,
		gateway:     gateway,
		probe:       probe,
		now:         time.Now,
		inbox:       make(chan []byte, inboxSize),
		done:        make(chan struct{}),
	}
	for _, id := range cfg.ControllerIDs {
		a.controllers[id] = struct{}{}
	}
	for _, o := range opts {
		o(a)
	}
	a.state.StartedAt = a.now()
	a.state.LastHeartbeat = a.state.StartedAt
	a.state.Link = LinkNetworkDown
	a.publishSnapshot()
	return a
}

func (a *Agent) Topics() command.Topics { return a.topics }

// Snapshot returns a copy of the loop state as of the last completed Step.
func (a *Agent) Snapshot() AgentState {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return a.snap
}

// Run steps the agent until ctx is done, then publishes the offline marker
// and disconnects.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("bridge agent starting",
		"device_id", a.cfg.DeviceID,
		"command_topic", a.topics.Command,
		"status_topic", a.topics.Status,
	)
	ticker := time.NewTicker(a.cfg.LoopInterval)
	defer ticker.Stop()
	for {
		a.Step(ctx)
		select {
		case <-ctx.Done():
			a.Shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs one iteration of the control loop: probe the network, maintain
// the broker session, drain queued commands, emit a heartbeat when due and
// refresh the link signal.
func (a *Agent) Step(ctx context.Context) {
	now := a.now()

	a.state.NetworkUp = a.probe.Up()
	a.state.BrokerConnected = a.state.NetworkUp && a.session.IsConnected()

	if !a.state.BrokerConnected && a.state.Phase == PhaseConnected {
		slog.Warn("broker session lost")
		a.state.Phase = PhaseDisconnected
	}
	if a.state.BrokerConnected && a.state.Phase != PhaseConnected {
		// The session outlived a network blip; nothing to reconnect.
		a.state.Phase = PhaseConnected
	}
	if a.state.NetworkUp && !a.state.BrokerConnected {
		a.maybeReconnect(ctx, now)
	}
	if a.state.BrokerConnected {
		a.reportDropped()
		a.drainInbox(ctx)
	}
	a.maybeHeartbeat(ctx, now)
	a.updateLink()
	a.publishSnapshot()
}

// Attempts are spaced by at least ReconnectInterval. The attempt clock is
// never reset by a successful connect, so a session that drops right after
// connecting still waits out the interval.
func (a *Agent) maybeReconnect(ctx context.Context, now time.Time) {
	last := a.state.LastReconnectAttempt
	if !last.IsZero() && now.Sub(last) < a.cfg.ReconnectInterval {
		return
	}
	a.state.LastReconnectAttempt = now
	a.state.Phase = PhaseConnecting
	reconnectAttempts.Inc()

	slog.Info("connecting to broker", "device_id", a.cfg.DeviceID)
	if err := a.session.Connect(ctx); err != nil {
		slog.Warn("broker connect failed", "error", err)
		a.state.Phase = PhaseDisconnected
		return
	}
	a.state.Phase = PhaseConnected
	a.state.BrokerConnected = true
	a.onConnected()
}

func (a *Agent) onConnected() {
	if err := a.session.Subscribe(a.topics.Command, a.enqueue); err != nil {
		slog.Error("subscribe command topic failed", "topic", a.topics.Command, "error", err)
	}
	online, _ := json.Marshal(map[string]any{"online": true, "bridge": a.cfg.BridgeName})
	a.publishStatus(online)
}

// enqueue runs on the broker client's goroutine. It only hands the payload to
// the loop; all processing happens inside Step. It never blocks: the client
// delivers in order on a single goroutine, so a full inbox would also stall
// keepalives. Overflow is counted and reported by the loop.
func (a *Agent) enqueue(m mqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)
	select {
	case a.inbox <- payload:
	case <-a.done:
	default:
		a.dropped.Add(1)
		slog.Warn("command inbox full, dropping command", "capacity", inboxSize, "bytes", len(payload))
	}
}

// reportDropped folds inbox overflow into the failure counter and publishes
// one error status for the batch.
func (a *Agent) reportDropped() {
	n := a.dropped.Swap(0)
	if n == 0 {
		return
	}
	a.state.CommandsFailed += int(n)
	commandsTotal.WithLabelValues("dropped").Add(float64(n))
	a.publishJSON(map[string]any{"error": "command queue full", "dropped": n})
}

func (a *Agent) drainInbox(ctx context.Context) {
	for {
		select {
		case p := <-a.inbox:
			a.ProcessCommand(ctx, p)
		default:
			return
		}
	}
}

// A zero StatusInterval disables the heartbeat.
func (a *Agent) maybeHeartbeat(ctx context.Context, now time.Time) {
	if a.cfg.StatusInterval <= 0 {
		return
	}
	if now.Sub(a.state.LastHeartbeat) < a.cfg.StatusInterval {
		return
	}
	a.state.LastHeartbeat = now
	a.publishDeviceState(ctx, now)
}

func (a *Agent) updateLink() {
	l := linkFor(a.state)
	if l != a.state.Link {
		slog.Info("bridge link changed", "from", a.state.Link.String(), "to", l.String())
		a.state.Link = l
	}
	linkState.Set(float64(l))
}

func (a *Agent) publishSnapshot() {
	a.snapMu.Lock()
	a.snap = a.state
	a.snapMu.Unlock()
}

// Shutdown publishes the offline marker if a session is open and closes it.
// It is safe to call more than once.
func (a *Agent) Shutdown() {
	a.once.Do(func() {
		close(a.done)
		if a.session.IsConnected() {
			offline, _ := json.Marshal(map[string]any{"online": false, "bridge": a.cfg.BridgeName})
			a.publishStatus(offline)
		}
		a.session.Disconnect()
		slog.Info("bridge agent stopped", "device_id", a.cfg.DeviceID)
	})
}
