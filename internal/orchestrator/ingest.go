package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"gmshoot-go/internal/core/models"
	"gmshoot-go/internal/device"
)

// IngestFrameData accepts a frame pushed by a device, runs it through shot
// detection and forwards it to the store. This is the push-channel twin of
// GetNextFrame.
func (o *Orchestrator) IngestFrameData(ctx context.Context, sessionID string, frame *models.Frame) error {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return o.fail("ingest frame", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	frame.SessionID = sessionID
	frame.DeviceID = state.session.DeviceID
	state.lastFrame = frame.Number
	active := state.session.Status == models.SessionActive
	o.mu.Unlock()

	if active {
		o.enrichFrame(state, frame)
	}

	if o.store != nil {
		snap := *frame
		o.bestEffort("save frame", func(ctx context.Context) error {
			return o.store.SaveFrame(ctx, &snap)
		})
	}

	o.bus.emit(Event{Type: EventFrameUpdated, Frame: frame})
	return nil
}

// IngestShotData scores a device-reported shot against the session target,
// appends it to the session's shot list and re-syncs the shot counter.
func (o *Orchestrator) IngestShotData(ctx context.Context, sessionID string, shot *models.Shot) error {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return o.fail("ingest shot", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	target := state.session.Settings.Target()
	deviceID := state.session.DeviceID
	prior := make([]models.Shot, len(state.shots))
	copy(prior, state.shots)
	o.mu.Unlock()

	scored, err := o.scorer.AnalyzeShot(shot.ID, shot.Position, target, prior)
	if err != nil {
		return o.fail("ingest shot", fmt.Errorf("scoring shot %s: %w", shot.ID, err))
	}
	scored.SessionID = sessionID
	scored.DeviceID = deviceID
	scored.FrameNumber = shot.FrameNumber
	scored.Confidence = shot.Confidence
	if !shot.Timestamp.IsZero() {
		scored.Timestamp = shot.Timestamp
	} else if scored.Timestamp.IsZero() {
		scored.Timestamp = time.Now()
	}

	o.mu.Lock()
	state.shots = append(state.shots, scored)
	state.session.ShotCount = len(state.shots)
	o.mu.Unlock()

	if o.store != nil {
		snap := scored
		o.bestEffort("save shot", func(ctx context.Context) error {
			return o.store.SaveShot(ctx, &snap)
		})
	}

	log.WithFields(log.Fields{
		"session": sessionID,
		"shot":    scored.ID,
		"score":   scored.Score,
		"zone":    scored.ZoneID,
	}).Info("Shot scored")
	o.bus.emit(Event{Type: EventShotDetected, Shot: &scored})
	return nil
}

// IngestSessionEvent records a device-originated session event.
func (o *Orchestrator) IngestSessionEvent(ctx context.Context, event models.SessionEvent) error {
	o.mu.Lock()
	state, ok := o.sessions[event.SessionID]
	if !ok {
		o.mu.Unlock()
		return o.fail("ingest event", fmt.Errorf("%w: %s", ErrSessionNotFound, event.SessionID))
	}
	event.DeviceID = state.session.DeviceID
	snap := *state.session
	o.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if o.store != nil {
		ev := event
		o.bestEffort("save session event", func(ctx context.Context) error {
			return o.store.SaveSessionEvent(ctx, &ev)
		})
	}

	o.bus.emit(Event{Type: EventSessionStatusChanged, Session: &snap})
	return nil
}

// handlePushMessage routes one websocket envelope from a device into the
// matching ingestion path. Malformed payloads are logged and dropped; the
// stream keeps running.
func (o *Orchestrator) handlePushMessage(sessionID string, env device.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case device.MessageFrameUpdate:
		var frame models.Frame
		if err := json.Unmarshal(env.Payload, &frame); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn("Malformed frame push")
			return
		}
		_ = o.IngestFrameData(ctx, sessionID, &frame)
	case device.MessageShotDetected:
		var shot models.Shot
		if err := json.Unmarshal(env.Payload, &shot); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn("Malformed shot push")
			return
		}
		_ = o.IngestShotData(ctx, sessionID, &shot)
	case device.MessageSessionStatus:
		var ev models.SessionEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn("Malformed status push")
			return
		}
		ev.SessionID = sessionID
		_ = o.IngestSessionEvent(ctx, ev)
	case device.MessageDeviceStatus:
		o.touchSessionDevice(sessionID)
	case device.MessageError:
		o.bus.emit(Event{Type: EventError, Message: fmt.Sprintf("device error on session %s: %s", sessionID, string(env.Payload))})
	default:
		log.WithFields(log.Fields{"session": sessionID, "type": env.Type}).Debug("Ignoring unknown push message type")
	}
}

// handlePushStatus mirrors websocket connectivity changes onto the bus.
func (o *Orchestrator) handlePushStatus(sessionID string, connected bool) {
	o.mu.Lock()
	var snap *models.Session
	if state, ok := o.sessions[sessionID]; ok {
		s := *state.session
		snap = &s
	}
	o.mu.Unlock()

	t := EventPushDisconnected
	if connected {
		t = EventPushConnected
	}
	o.bus.emit(Event{Type: t, Session: snap})
}

// touchSessionDevice refreshes the LastSeen stamp of the device behind a
// session after a device_status heartbeat.
func (o *Orchestrator) touchSessionDevice(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.sessions[sessionID]; ok {
		if dev, ok := o.devices[state.session.DeviceID]; ok {
			dev.LastSeen = time.Now()
		}
	}
}
