package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"gmshoot-go/config"
	"gmshoot-go/internal/core/models"
	"gmshoot-go/internal/detection"
	"gmshoot-go/internal/device"
	"gmshoot-go/internal/scoring"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceNotOnline  = errors.New("device not online")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionActive    = errors.New("device already has an active session")
)

// Transport is the device command surface the orchestrator drives.
// *device.Client implements it; tests substitute a fake.
type Transport interface {
	Ping(ctx context.Context, dev *models.Device) (*device.PingResponse, error)
	StartSession(ctx context.Context, dev *models.Device, req device.StartSessionRequest) (*device.SessionCommandResponse, error)
	StopSession(ctx context.Context, dev *models.Device, sessionID, reason string) error
	PauseSession(ctx context.Context, dev *models.Device, sessionID string, paused bool) error
	EmergencyStop(ctx context.Context, dev *models.Device, sessionID string) error
	LatestFrame(ctx context.Context, dev *models.Device) (*models.Frame, error)
	NextFrame(ctx context.Context, dev *models.Device, since int64) (*models.Frame, error)
	SetZoomPreset(ctx context.Context, dev *models.Device, preset int) error
}

var _ Transport = (*device.Client)(nil)

// Store is the persistence surface the orchestrator forwards to. All store
// calls are best-effort: a failing backend never blocks session control.
type Store interface {
	RegisterSession(ctx context.Context, session *models.Session, device *models.Device, userID string) error
	SaveSession(ctx context.Context, session *models.Session) error
	SaveShot(ctx context.Context, shot *models.Shot) error
	SaveFrame(ctx context.Context, frame *models.Frame) error
	SaveSessionEvent(ctx context.Context, event *models.SessionEvent) error
}

// BearerSource supplies the token sent on push channel handshakes.
// *auth.Manager implements it.
type BearerSource interface {
	Bearer(deviceID string) (string, bool)
}

// pushChannel is the live event stream for one session.
type pushChannel interface {
	Start()
	Close()
}

type pushFactory func(endpoint, sessionID, bearer string, handler device.MessageHandler, onStatus device.StatusHandler) pushChannel

// sessionState is the orchestrator's mutable per-session record.
type sessionState struct {
	session   *models.Session
	device    *models.Device
	shots     []models.Shot
	lastFrame int64
	push      pushChannel
}

// Orchestrator owns the device and session registries and mediates every
// interaction between API consumers, the detection/scoring core, remote
// devices and the store. All registry access is serialized through one
// mutex; events are emitted after the lock is released.
type Orchestrator struct {
	mu       sync.Mutex
	cfg      *config.Config
	remote   Transport
	store    Store
	bearers  BearerSource
	detector *detection.Detector
	scorer   *scoring.Engine
	bus      *eventBus
	newPush  pushFactory

	userID   string
	devices  map[string]*models.Device
	sessions map[string]*sessionState
}

// New wires an orchestrator. store and bearers may be nil; persistence and
// push authentication are then skipped.
func New(cfg *config.Config, remote Transport, store Store, bearers BearerSource) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		remote:   remote,
		store:    store,
		bearers:  bearers,
		detector: detection.NewDetector(detection.ConfigFrom(cfg.Detection)),
		scorer:   scoring.New(),
		bus:      newEventBus(),
		devices:  make(map[string]*models.Device),
		sessions: make(map[string]*sessionState),
	}
	o.newPush = func(endpoint, sessionID, bearer string, handler device.MessageHandler, onStatus device.StatusHandler) pushChannel {
		return device.NewPushTransport(endpoint, sessionID, bearer, cfg.Device.ReconnectDelay(), handler, onStatus)
	}
	return o
}

// Detector exposes the shot detector for configuration endpoints.
func (o *Orchestrator) Detector() *detection.Detector { return o.detector }

// Scorer exposes the scoring engine for read-only analytics endpoints.
func (o *Orchestrator) Scorer() *scoring.Engine { return o.scorer }

// SetUser records the authenticated user all subsequent connections act as.
func (o *Orchestrator) SetUser(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.userID = userID
}

// CurrentUser returns the user set via SetUser, or "" when unauthenticated.
func (o *Orchestrator) CurrentUser() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.userID
}

// ConnectViaToken parses a connection token, registers the device and
// verifies liveness with a ping. The device stays registered (offline) when
// the ping fails so the caller can retry without re-entering the token.
func (o *Orchestrator) ConnectViaToken(ctx context.Context, token string) (*models.Device, error) {
	o.mu.Lock()
	user := o.userID
	o.mu.Unlock()
	if user == "" {
		return nil, o.fail("connect", ErrNotAuthenticated)
	}

	dev, err := device.ParseConnectionToken(token)
	if err != nil {
		return nil, o.fail("connect", err)
	}

	dev.Status = models.DeviceConnecting
	o.mu.Lock()
	o.devices[dev.ID] = dev
	o.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, o.cfg.Device.PingTimeout())
	defer cancel()
	resp, err := o.remote.Ping(pingCtx, dev)
	if err != nil {
		o.mu.Lock()
		dev.Status = models.DeviceOffline
		o.mu.Unlock()
		return nil, o.fail("connect", fmt.Errorf("device %s unreachable: %w", dev.ID, err))
	}

	o.mu.Lock()
	dev.Status = models.DeviceOnline
	dev.LastSeen = time.Now()
	dev.TunnelAddress = resp.TunnelAddress
	dev.Capabilities = resp.Capabilities
	snap := *dev
	o.mu.Unlock()

	log.WithFields(log.Fields{"device": dev.ID, "endpoint": dev.Endpoint()}).Info("Device connected")
	o.bus.emit(Event{Type: EventDeviceConnected, Device: &snap})
	return &snap, nil
}

// DisconnectDevice stops any non-terminal sessions bound to the device and
// marks it offline. Disconnecting an already offline device is a no-op; the
// device remains registered for reconnection.
func (o *Orchestrator) DisconnectDevice(ctx context.Context, deviceID string) error {
	o.mu.Lock()
	dev, ok := o.devices[deviceID]
	if !ok {
		o.mu.Unlock()
		return o.fail("disconnect", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID))
	}
	if dev.Status == models.DeviceOffline {
		o.mu.Unlock()
		return nil
	}
	var open []string
	for id, st := range o.sessions {
		if st.session.DeviceID == deviceID && !st.session.Status.Terminal() {
			open = append(open, id)
		}
	}
	o.mu.Unlock()

	for _, id := range open {
		if err := o.StopSession(ctx, id, "device disconnect"); err != nil {
			log.WithError(err).WithField("session", id).Warn("Failed to stop session during disconnect")
		}
	}

	o.mu.Lock()
	dev.Status = models.DeviceOffline
	snap := *dev
	o.mu.Unlock()

	log.WithField("device", deviceID).Info("Device disconnected")
	o.bus.emit(Event{Type: EventDeviceDisconnected, Device: &snap})
	return nil
}

// GetDevice returns a snapshot of one registered device.
func (o *Orchestrator) GetDevice(deviceID string) (*models.Device, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	dev, ok := o.devices[deviceID]
	if !ok {
		return nil, false
	}
	snap := *dev
	return &snap, true
}

// Devices returns snapshots of every registered device, sorted by ID.
func (o *Orchestrator) Devices() []models.Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Device, 0, len(o.devices))
	for _, dev := range o.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartSession creates a session on an online device. A device carries at
// most one non-terminal session at a time.
func (o *Orchestrator) StartSession(ctx context.Context, deviceID string, settings models.SessionSettings) (*models.Session, error) {
	o.mu.Lock()
	dev, ok := o.devices[deviceID]
	if !ok {
		o.mu.Unlock()
		return nil, o.fail("start session", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID))
	}
	if dev.Status != models.DeviceOnline {
		o.mu.Unlock()
		return nil, o.fail("start session", fmt.Errorf("%w: %s is %s", ErrDeviceNotOnline, deviceID, dev.Status))
	}
	for _, st := range o.sessions {
		if st.session.DeviceID == deviceID && !st.session.Status.Terminal() {
			o.mu.Unlock()
			return nil, o.fail("start session", fmt.Errorf("%w: %s", ErrSessionActive, st.session.ID))
		}
	}
	devSnap := *dev
	user := o.userID
	o.mu.Unlock()

	sessionID := uuid.NewString()
	startCtx, cancel := context.WithTimeout(ctx, o.cfg.Device.SessionStartTimeout())
	defer cancel()
	_, err := o.remote.StartSession(startCtx, &devSnap, device.StartSessionRequest{
		SessionID:  sessionID,
		ZoomPreset: settings.ZoomPreset,
		Distance:   settings.TargetDistance,
	})
	if err != nil {
		return nil, o.fail("start session", fmt.Errorf("device rejected session start: %w", err))
	}

	session := &models.Session{
		ID:        sessionID,
		DeviceID:  deviceID,
		StartTime: time.Now(),
		Status:    models.SessionActive,
		Settings:  settings,
	}
	state := &sessionState{session: session, device: dev}

	o.detector.InitializeSession(sessionID)

	bearer := ""
	if o.bearers != nil {
		bearer, _ = o.bearers.Bearer(deviceID)
	}
	state.push = o.newPush(devSnap.Endpoint(), sessionID,
		bearer,
		func(env device.Envelope) { o.handlePushMessage(sessionID, env) },
		func(connected bool) { o.handlePushStatus(sessionID, connected) },
	)

	o.mu.Lock()
	o.sessions[sessionID] = state
	snap := *session
	o.mu.Unlock()

	state.push.Start()

	if o.store != nil {
		o.bestEffort("register session", func(ctx context.Context) error {
			return o.store.RegisterSession(ctx, &snap, &devSnap, user)
		})
	}
	o.recordSessionEvent(session, "started", "")

	log.WithFields(log.Fields{"session": sessionID, "device": deviceID}).Info("Session started")
	o.bus.emit(Event{Type: EventSessionStarted, Session: &snap})
	return &snap, nil
}

// StopSession terminates a session normally. Terminal sessions are rejected
// with ErrSessionNotFound rather than silently re-terminated.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID, reason string) error {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	if !ok || state.session.Status.Terminal() {
		o.mu.Unlock()
		return o.fail("stop session", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	devSnap := *state.device
	o.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.Device.CommandTimeout())
	defer cancel()
	if err := o.remote.StopSession(stopCtx, &devSnap, sessionID, reason); err != nil {
		return o.fail("stop session", fmt.Errorf("device rejected session stop: %w", err))
	}

	snap := o.finishSession(state, models.SessionCompleted)
	o.recordSessionEvent(state.session, "stopped", reason)

	log.WithFields(log.Fields{"session": sessionID, "reason": reason}).Info("Session stopped")
	o.bus.emit(Event{Type: EventSessionEnded, Session: &snap})
	return nil
}

// ToggleSessionPause flips a session between active and paused.
func (o *Orchestrator) ToggleSessionPause(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	if !ok || state.session.Status.Terminal() {
		o.mu.Unlock()
		return o.fail("pause session", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	devSnap := *state.device
	pausing := state.session.Status == models.SessionActive
	o.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, o.cfg.Device.CommandTimeout())
	defer cancel()
	if err := o.remote.PauseSession(cmdCtx, &devSnap, sessionID, pausing); err != nil {
		return o.fail("pause session", fmt.Errorf("device rejected pause toggle: %w", err))
	}

	o.mu.Lock()
	if pausing {
		state.session.Status = models.SessionPaused
	} else {
		state.session.Status = models.SessionActive
	}
	snap := *state.session
	o.mu.Unlock()

	o.recordSessionEvent(state.session, "pause_toggled", string(snap.Status))
	o.bus.emit(Event{Type: EventSessionStatusChanged, Session: &snap})
	return nil
}

// EmergencyStop halts a session immediately. The local session is committed
// to its terminal state even when the device call fails; the remote error is
// still returned so the caller knows the device may be out of sync.
func (o *Orchestrator) EmergencyStop(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	if !ok || state.session.Status.Terminal() {
		o.mu.Unlock()
		return o.fail("emergency stop", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	devSnap := *state.device
	o.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.Device.CommandTimeout())
	defer cancel()
	remoteErr := o.remote.EmergencyStop(stopCtx, &devSnap, sessionID)

	snap := o.finishSession(state, models.SessionEmergencyStopped)
	o.recordSessionEvent(state.session, "emergency_stopped", "")

	log.WithField("session", sessionID).Warn("Session emergency stopped")
	o.bus.emit(Event{Type: EventSessionEnded, Session: &snap})

	if remoteErr != nil {
		return o.fail("emergency stop", fmt.Errorf("device emergency stop failed, session stopped locally: %w", remoteErr))
	}
	return nil
}

// finishSession commits the terminal status, releases per-session resources
// and persists the final record.
func (o *Orchestrator) finishSession(state *sessionState, status models.SessionStatus) models.Session {
	o.mu.Lock()
	now := time.Now()
	state.session.Status = status
	state.session.EndTime = &now
	snap := *state.session
	push := state.push
	state.push = nil
	o.mu.Unlock()

	o.detector.ClearSession(snap.ID)
	if push != nil {
		push.Close()
	}
	if o.store != nil {
		o.bestEffort("save session", func(ctx context.Context) error {
			return o.store.SaveSession(ctx, &snap)
		})
	}
	return snap
}

// GetSession returns a snapshot of one session.
func (o *Orchestrator) GetSession(sessionID string) (*models.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.sessions[sessionID]
	if !ok {
		return nil, false
	}
	snap := *state.session
	return &snap, true
}

// ActiveSessions returns every non-terminal session, newest first.
func (o *Orchestrator) ActiveSessions() []models.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []models.Session
	for _, st := range o.sessions {
		if !st.session.Status.Terminal() {
			out = append(out, *st.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// SessionShots returns a copy of the accumulated scored shots for a session.
func (o *Orchestrator) SessionShots(sessionID string) []models.Shot {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]models.Shot, len(state.shots))
	copy(out, state.shots)
	return out
}

// SessionStatistics aggregates the scored shots of a session. Unknown
// sessions and empty sessions both yield the zero-value sentinel.
func (o *Orchestrator) SessionStatistics(sessionID string) models.SessionStatistics {
	return o.scorer.CalculateSessionStatistics(o.SessionShots(sessionID))
}

// GetLatestFrame fetches the most recent frame from a device. Returns
// (nil, nil) when the device has not captured anything yet.
func (o *Orchestrator) GetLatestFrame(ctx context.Context, deviceID string) (*models.Frame, error) {
	dev, ok := o.GetDevice(deviceID)
	if !ok {
		return nil, o.fail("latest frame", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID))
	}
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.Device.FrameTimeout())
	defer cancel()
	frame, err := o.remote.LatestFrame(fetchCtx, dev)
	if err != nil {
		return nil, o.fail("latest frame", err)
	}
	return frame, nil
}

// GetNextFrame long-polls the device for the next frame after the last one
// seen for its session, runs the frame through shot detection and emits
// frameUpdated. Returns (nil, nil) when the poll times out without data.
func (o *Orchestrator) GetNextFrame(ctx context.Context, deviceID string) (*models.Frame, error) {
	o.mu.Lock()
	dev, ok := o.devices[deviceID]
	if !ok {
		o.mu.Unlock()
		return nil, o.fail("next frame", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID))
	}
	devSnap := *dev
	var state *sessionState
	var since int64
	for _, st := range o.sessions {
		if st.session.DeviceID == deviceID && !st.session.Status.Terminal() {
			state = st
			since = st.lastFrame
			break
		}
	}
	o.mu.Unlock()

	frame, err := o.remote.NextFrame(ctx, &devSnap, since)
	if err != nil {
		return nil, o.fail("next frame", err)
	}
	if frame == nil {
		return nil, nil
	}

	o.mu.Lock()
	dev.LastSeen = time.Now()
	active := false
	if state != nil {
		frame.SessionID = state.session.ID
		frame.DeviceID = deviceID
		state.lastFrame = frame.Number
		active = state.session.Status == models.SessionActive
	}
	o.mu.Unlock()

	if active {
		o.enrichFrame(state, frame)
	}

	o.bus.emit(Event{Type: EventFrameUpdated, Frame: frame})
	return frame, nil
}

// enrichFrame runs the frame through the shot detector. A panicking or
// otherwise failing detector degrades to a raw frame update; polling
// continues. Detection is an enhancement on top of the device's own hit
// reporting: a frame the device flags as a hit counts even when the
// detector does not confirm it.
func (o *Orchestrator) enrichFrame(state *sessionState, frame *models.Frame) {
	var det *detection.ShotDetection
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Shot detection failed for session %s: %v", frame.SessionID, r)
			}
		}()
		det = o.detector.ProcessFrame(frame.SessionID, frame)
	}()
	if det == nil && !frame.HasShot && frame.Shot == nil {
		return
	}

	if det != nil {
		if frame.Shot != nil {
			frame.Shot.ID = fmt.Sprintf("%s-%d", frame.Shot.ID, det.Number)
			frame.Shot.Confidence = det.Confidence
		} else {
			frame.Shot = &models.Shot{
				ID:          fmt.Sprintf("%s-%d", frame.SessionID, det.Number),
				SessionID:   frame.SessionID,
				Timestamp:   det.Timestamp,
				FrameNumber: det.FrameNumber,
				Position:    det.Position,
				Confidence:  det.Confidence,
			}
		}
	}
	if frame.Shot != nil {
		if frame.Shot.SessionID == "" {
			frame.Shot.SessionID = frame.SessionID
		}
		if frame.Shot.DeviceID == "" {
			frame.Shot.DeviceID = frame.DeviceID
		}
	}
	frame.HasShot = true

	o.mu.Lock()
	state.session.ShotCount++
	o.mu.Unlock()

	ev := Event{Type: EventShotDetected}
	if frame.Shot != nil {
		shot := *frame.Shot
		ev.Shot = &shot
	}
	o.bus.emit(ev)
}

// SetZoomPreset applies a zoom preset on a device.
func (o *Orchestrator) SetZoomPreset(ctx context.Context, deviceID string, preset int) error {
	dev, ok := o.GetDevice(deviceID)
	if !ok {
		return o.fail("zoom preset", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID))
	}
	cmdCtx, cancel := context.WithTimeout(ctx, o.cfg.Device.CommandTimeout())
	defer cancel()
	if err := o.remote.SetZoomPreset(cmdCtx, dev, preset); err != nil {
		return o.fail("zoom preset", err)
	}
	return nil
}

// recordSessionEvent appends an audit record for a session state change.
func (o *Orchestrator) recordSessionEvent(session *models.Session, eventType, detail string) {
	ev := models.SessionEvent{
		SessionID: session.ID,
		DeviceID:  session.DeviceID,
		Type:      eventType,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if o.store != nil {
		o.bestEffort("save session event", func(ctx context.Context) error {
			return o.store.SaveSessionEvent(ctx, &ev)
		})
	}
}

// bestEffort runs a store operation in the background with its own timeout.
// Failures are logged, never propagated.
func (o *Orchestrator) bestEffort(op string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.WithError(err).Warnf("Best-effort %s failed", op)
		}
	}()
}

// fail emits the error on the bus's error channel and returns it.
func (o *Orchestrator) fail(op string, err error) error {
	log.WithError(err).Debugf("Orchestrator %s failed", op)
	o.bus.emit(Event{Type: EventError, Message: fmt.Sprintf("%s: %v", op, err)})
	return err
}
