package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/autoreply/wa-autoreply/internal/logging"
	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrShutdown is returned by AddDevice once Shutdown has been called
var ErrShutdown = errors.New("device manager is shut down")

const reinitConcurrency = 4

// Manager owns every device session: it creates them, routes their events through a
// per-session worker, and tracks the last known state of each device.
type Manager struct {
	dialer   Dialer
	configs  ConfigSource
	ai       AISettingsSource
	pipeline *Pipeline
	qr       QREncoder
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	observer Observer
	sessions map[string]*session
	states   map[string]models.ConnectionState
	gen      uint64
	closed   bool
}

// NewManager creates a manager with no sessions
func NewManager(dialer Dialer, configs ConfigSource, ai AISettingsSource, pipeline *Pipeline, qr QREncoder, log zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if qr == nil {
		qr = NewPNGQREncoder()
	}
	return &Manager{
		dialer:   dialer,
		configs:  configs,
		ai:       ai,
		pipeline: pipeline,
		qr:       qr,
		log:      logging.Component(log, "manager"),
		ctx:      ctx,
		cancel:   cancel,
		observer: nopObserver{},
		sessions: make(map[string]*session),
		states:   make(map[string]models.ConnectionState),
	}
}

// SetObserver replaces the observer notified of state changes
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// AddDevice starts a session for rawID unless one is already active.
// It returns the normalized id; connecting continues in the background.
func (m *Manager) AddDevice(ctx context.Context, rawID string) (string, error) {
	id := models.NormalizeDeviceID(rawID)
	if err := models.ValidateDeviceID(id); err != nil {
		return id, err
	}

	if _, err := m.configs.Device(ctx, id); err != nil {
		return id, fmt.Errorf("failed to load config for device %s: %w", id, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return id, ErrShutdown
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return id, nil
	}

	m.gen++
	s := newSession(m.ctx, id, m.gen, logging.Device(m.log, id))
	m.sessions[id] = s
	m.setStateLocked(s, models.StateInitializing)
	m.wg.Add(1)
	m.mu.Unlock()

	s.log.Info().Uint64("gen", s.gen).Msg("Starting device session")
	go m.run(s)
	return id, nil
}

// DisconnectDevice logs the device out and ends its session.
// If logout fails the session stays registered.
func (m *Manager) DisconnectDevice(ctx context.Context, rawID string) error {
	id := models.NormalizeDeviceID(rawID)

	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return models.NotFound("no active session for device %q", id)
	}

	// a session still dialing has no connection to log out yet
	select {
	case <-s.dialed:
	case <-s.ctx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	conn, gone := s.conn, s.evicted
	m.mu.Unlock()
	if gone {
		return models.NotFound("no active session for device %q", id)
	}

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			s.log.Error().Err(err).Msg("Logout failed, keeping session")
			return models.ProviderError("logout "+id, err)
		}
	}

	s.log.Info().Msg("Device logged out")
	m.finish(s, models.StateDisconnected, "logged out from panel")
	return nil
}

// ForgetDevice logs out any session of the device, deletes its stored session identity
// and drops its last known state. The device config is left to the caller.
func (m *Manager) ForgetDevice(ctx context.Context, rawID string) error {
	id := models.NormalizeDeviceID(rawID)
	if err := models.ValidateDeviceID(id); err != nil {
		return err
	}
	if err := m.DisconnectDevice(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if err := m.dialer.Purge(ctx, id); err != nil {
		return fmt.Errorf("failed to remove session of device %s: %w", id, err)
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		delete(m.states, id)
	}
	m.mu.Unlock()

	m.log.Info().Str("device", id).Msg("Device forgotten")
	return nil
}

// ListDevices returns every device known from storage or seen during this run
func (m *Manager) ListDevices(ctx context.Context) ([]models.DeviceStatus, error) {
	stored, err := m.configs.DeviceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	ids := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		ids[id] = struct{}{}
	}

	m.mu.Lock()
	states := make(map[string]models.ConnectionState, len(m.states))
	active := make(map[string]bool, len(m.sessions))
	for id, st := range m.states {
		states[id] = st
		ids[id] = struct{}{}
	}
	for id := range m.sessions {
		active[id] = true
		ids[id] = struct{}{}
	}
	m.mu.Unlock()

	out := make([]models.DeviceStatus, 0, len(ids))
	for _, id := range sortedKeys(ids) {
		cfg, err := m.configs.Device(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load config for device %s: %w", id, err)
		}
		state, ok := states[id]
		if !ok {
			state = models.StateDisconnected
		}
		out = append(out, models.DeviceStatus{
			DeviceID:     id,
			State:        state,
			Settings:     cfg.Settings,
			KeywordCount: len(cfg.Keywords),
			Active:       active[id],
		})
	}
	return out, nil
}

// ReinitializeAll starts a session for every device with a stored config or session identity.
// Devices that already have a session are left alone.
func (m *Manager) ReinitializeAll(ctx context.Context) error {
	stored, err := m.configs.DeviceIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	known, err := m.dialer.KnownDevices(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to list stored sessions, using configs only")
	}

	ids := make(map[string]struct{}, len(stored)+len(known))
	for _, id := range append(stored, known...) {
		if id = models.NormalizeDeviceID(id); id != "" {
			ids[id] = struct{}{}
		}
	}

	m.log.Info().Int("devices", len(ids)).Msg("Re-initializing devices")

	var g errgroup.Group
	g.SetLimit(reinitConcurrency)
	for _, id := range sortedKeys(ids) {
		g.Go(func() error {
			_, err := m.AddDevice(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// Device returns the status of one device as seen during this run
func (m *Manager) Device(rawID string) (models.DeviceStatus, bool) {
	id := models.NormalizeDeviceID(rawID)
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return models.DeviceStatus{}, false
	}
	_, active := m.sessions[id]
	return models.DeviceStatus{DeviceID: id, State: state, Active: active}, true
}

// Challenge returns the pending QR image of a device that is waiting to be paired
func (m *Manager) Challenge(rawID string) (string, bool) {
	id := models.NormalizeDeviceID(rawID)
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.state != models.StateAwaitingChallenge || s.challenge == "" {
		return "", false
	}
	return s.challenge, true
}

// DeviceSnapshot is the state replayed to an observer that joins late
type DeviceSnapshot struct {
	DeviceID  string
	State     models.ConnectionState
	Challenge string
}

// Snapshot returns the current state and pending challenge of every device seen this run
func (m *Manager) Snapshot() []DeviceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]struct{}, len(m.states))
	for id := range m.states {
		ids[id] = struct{}{}
	}
	out := make([]DeviceSnapshot, 0, len(ids))
	for _, id := range sortedKeys(ids) {
		snap := DeviceSnapshot{DeviceID: id, State: m.states[id]}
		if s, ok := m.sessions[id]; ok && s.state == models.StateAwaitingChallenge {
			snap.Challenge = s.challenge
		}
		out = append(out, snap)
	}
	return out
}

// Shutdown closes every connection without logging out and waits for the workers
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var conns []Connection
	for id, s := range m.sessions {
		s.evicted = true
		s.cancel()
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, conn := range conns {
		conn.Close()
	}
	m.wg.Wait()
	m.log.Info().Msg("All device sessions stopped")
}

// run is the worker of one session; everything the session does happens here, in order
func (m *Manager) run(s *session) {
	defer m.wg.Done()
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Device worker crashed")
			m.finish(s, models.StateFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	if !m.dial(s) {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			m.dispatch(s, ev)
		}
	}
}

func (m *Manager) dial(s *session) bool {
	defer close(s.dialed)

	conn, err := m.dialer.Dial(s.ctx, s.id, s.enqueue)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to create connection")
		m.finish(s, models.StateFailed, err.Error())
		return false
	}

	m.mu.Lock()
	if s.evicted {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	m.mu.Unlock()

	if err := conn.Connect(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to connect")
		m.finish(s, models.StateFailed, err.Error())
		return false
	}
	return true
}

// dispatch handles one event; a panic here only loses that event
func (m *Manager) dispatch(s *session, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", ev.Kind.String()).Bytes("stack", debug.Stack()).
				Msg("Recovered from panic while handling event")
		}
	}()

	switch ev.Kind {
	case EventChallenge:
		m.handleChallenge(s, ev.Challenge)
	case EventReady:
		m.mu.Lock()
		changed := !s.evicted && m.setStateLocked(s, models.StateConnected)
		m.mu.Unlock()
		if changed {
			s.log.Info().Msg("Device connected")
		}
	case EventDisconnected:
		s.log.Warn().Str("reason", ev.Reason).Msg("Device disconnected")
		m.finish(s, models.StateDisconnected, ev.Reason)
	case EventFailed:
		reason := ev.Reason
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		s.log.Error().Str("reason", reason).Msg("Device session failed")
		m.finish(s, models.StateFailed, reason)
	case EventMessage:
		m.handleMessage(s, ev.Message)
	default:
		s.log.Warn().Int("kind", int(ev.Kind)).Msg("Ignoring unknown connection event")
	}
}

func (m *Manager) handleChallenge(s *session, payload string) {
	image, err := m.qr.Encode(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to render pairing QR code")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.evicted {
		return
	}
	if s.state != models.StateInitializing && s.state != models.StateAwaitingChallenge {
		return
	}
	m.setStateLocked(s, models.StateAwaitingChallenge)
	s.challenge = image
	m.observer.ChallengeReady(s.id, image)
	s.log.Info().Msg("Pairing QR code ready")
}

func (m *Manager) handleMessage(s *session, msg models.InboundMessage) {
	m.mu.Lock()
	conn, live := s.conn, !s.evicted
	m.mu.Unlock()
	if !live || conn == nil || strings.TrimSpace(msg.Body) == "" {
		return
	}

	cfg, err := m.configs.Device(s.ctx, s.id)
	if err != nil {
		s.log.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to load device config, dropping message")
		return
	}

	var ai models.GlobalAISettings
	if cfg.Settings.AIFallback && m.ai != nil {
		if ai, err = m.ai.ActiveAISettings(s.ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to load AI settings, AI fallback skipped")
			ai = models.GlobalAISettings{}
		}
	}

	if err := m.pipeline.Handle(s.ctx, conn, msg, cfg, ai); err != nil {
		if s.ctx.Err() != nil {
			s.log.Info().Err(err).Str("msg_id", msg.ID).Msg("Reply aborted, session ended")
			return
		}
		s.log.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to send reply")
	}
}

// finish moves s to a terminal state and evicts it. Later events of s are ignored.
func (m *Manager) finish(s *session, to models.ConnectionState, reason string) {
	m.mu.Lock()
	if s.evicted {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(s, to)
	s.evicted = true
	s.cancel()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	conn := s.conn
	m.mu.Unlock()

	s.log.Debug().Str("state", string(to)).Str("reason", reason).Msg("Session evicted")
	if conn != nil {
		conn.Close()
	}
}

// setStateLocked applies a transition and notifies the observer; duplicates are no-ops
func (m *Manager) setStateLocked(s *session, to models.ConnectionState) bool {
	if !canTransition(s.state, to) {
		return false
	}
	s.state = to
	if to != models.StateAwaitingChallenge {
		s.challenge = ""
	}
	m.states[s.id] = to
	m.observer.StatusChanged(s.id, to)
	return true
}

func canTransition(from, to models.ConnectionState) bool {
	if from == to || from.Terminal() {
		return false
	}
	switch to {
	case models.StateInitializing:
		return from == models.StateUninitialized
	case models.StateAwaitingChallenge:
		return from == models.StateInitializing
	case models.StateConnected:
		return from == models.StateInitializing || from == models.StateAwaitingChallenge
	case models.StateDisconnected, models.StateFailed:
		return true
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
