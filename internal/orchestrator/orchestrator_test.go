package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gmshoot-go/config"
	"gmshoot-go/internal/core/models"
	"gmshoot-go/internal/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "gmshoot://dev1|Range Camera|127.0.0.1|9000"

// fakeTransport is a scriptable Transport double.
type fakeTransport struct {
	mu           sync.Mutex
	pingErr      error
	startErr     error
	stopErr      error
	pauseErr     error
	emergencyErr error
	zoomErr      error
	frame        *models.Frame
	frameErr     error
	lastSince    int64
	calls        []string
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Ping(ctx context.Context, dev *models.Device) (*device.PingResponse, error) {
	f.record("ping")
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	return &device.PingResponse{
		Status:        "ok",
		TunnelAddress: "tunnel:9000",
		Capabilities:  models.DeviceCapabilities{HasCamera: true, HasZoom: true},
	}, nil
}

func (f *fakeTransport) StartSession(ctx context.Context, dev *models.Device, req device.StartSessionRequest) (*device.SessionCommandResponse, error) {
	f.record("start")
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &device.SessionCommandResponse{SessionID: req.SessionID, Status: "active"}, nil
}

func (f *fakeTransport) StopSession(ctx context.Context, dev *models.Device, sessionID, reason string) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeTransport) PauseSession(ctx context.Context, dev *models.Device, sessionID string, paused bool) error {
	f.record("pause")
	return f.pauseErr
}

func (f *fakeTransport) EmergencyStop(ctx context.Context, dev *models.Device, sessionID string) error {
	f.record("emergency")
	return f.emergencyErr
}

func (f *fakeTransport) LatestFrame(ctx context.Context, dev *models.Device) (*models.Frame, error) {
	f.record("latest")
	return f.frame, f.frameErr
}

func (f *fakeTransport) NextFrame(ctx context.Context, dev *models.Device, since int64) (*models.Frame, error) {
	f.record("next")
	f.mu.Lock()
	f.lastSince = since
	f.mu.Unlock()
	return f.frame, f.frameErr
}

func (f *fakeTransport) SetZoomPreset(ctx context.Context, dev *models.Device, preset int) error {
	f.record("zoom")
	return f.zoomErr
}

// fakePush is a no-op push channel that counts lifecycle calls.
type fakePush struct {
	mu      sync.Mutex
	started int
	closed  int
}

func (p *fakePush) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
}

func (p *fakePush) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

func testConfig() *config.Config {
	return &config.Config{
		Device: config.DeviceConfig{
			PingTimeoutSeconds:      1,
			CommandTimeoutSeconds:   1,
			FrameTimeoutSeconds:     1,
			LongPollTimeoutSeconds:  1,
			ReconnectDelaySeconds:   1,
			SessionStartTimeoutSecs: 1,
		},
		Detection: config.DetectionConfig{
			DifferenceThreshold: 0.15,
			MinShotArea:         100,
			MaxShotArea:         50000,
			MinShotIntervalMs:   500,
			ConfirmationFrames:  2,
			Sensitivity:         "medium",
		},
	}
}

func newTestOrchestrator(remote *fakeTransport) (*Orchestrator, *fakePush) {
	o := New(testConfig(), remote, nil, nil)
	push := &fakePush{}
	o.newPush = func(endpoint, sessionID, bearer string, handler device.MessageHandler, onStatus device.StatusHandler) pushChannel {
		return push
	}
	return o, push
}

// recordEvents subscribes to one channel and returns the growing slice.
// Emission is synchronous, so reads after the triggering call are safe.
func recordEvents(o *Orchestrator, t EventType) *[]Event {
	var events []Event
	o.AddEventListener(t, func(e Event) { events = append(events, e) })
	return &events
}

func connectedOrchestrator(t *testing.T, remote *fakeTransport) (*Orchestrator, *fakePush) {
	t.Helper()
	o, push := newTestOrchestrator(remote)
	o.SetUser("user1")
	_, err := o.ConnectViaToken(context.Background(), testToken)
	require.NoError(t, err)
	return o, push
}

func TestConnectRequiresAuthentication(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTransport{})
	errs := recordEvents(o, EventError)

	_, err := o.ConnectViaToken(context.Background(), testToken)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Len(t, *errs, 1)
}

func TestConnectViaToken(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTransport{})
	o.SetUser("user1")
	connected := recordEvents(o, EventDeviceConnected)

	dev, err := o.ConnectViaToken(context.Background(), testToken)
	require.NoError(t, err)

	assert.Equal(t, "dev1", dev.ID)
	assert.Equal(t, models.DeviceOnline, dev.Status)
	assert.Equal(t, "tunnel:9000", dev.TunnelAddress)
	assert.True(t, dev.Capabilities.HasCamera)
	assert.False(t, dev.LastSeen.IsZero())

	require.Len(t, *connected, 1)
	assert.Equal(t, "dev1", (*connected)[0].Device.ID)
}

func TestConnectInvalidToken(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTransport{})
	o.SetUser("user1")

	_, err := o.ConnectViaToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, device.ErrInvalidToken)
}

func TestConnectPingFailureKeepsDeviceRegisteredOffline(t *testing.T) {
	remote := &fakeTransport{pingErr: errors.New("connection refused")}
	o, _ := newTestOrchestrator(remote)
	o.SetUser("user1")

	_, err := o.ConnectViaToken(context.Background(), testToken)
	require.Error(t, err)

	dev, ok := o.GetDevice("dev1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOffline, dev.Status)
}

func TestSessionLifecycle(t *testing.T) {
	remote := &fakeTransport{}
	o, push := connectedOrchestrator(t, remote)

	started := recordEvents(o, EventSessionStarted)
	shots := recordEvents(o, EventShotDetected)
	ended := recordEvents(o, EventSessionEnded)

	session, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{
		TargetDistance: 10,
		TargetSize:     60,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, session.Status)
	assert.Equal(t, "dev1", session.DeviceID)
	assert.NotEmpty(t, session.ID)
	require.Len(t, *started, 1)
	assert.Equal(t, 1, push.started)

	// Two device-reported shots get scored and accumulated.
	require.NoError(t, o.IngestShotData(context.Background(), session.ID, &models.Shot{
		ID: "shot-1", Position: models.Point{X: 50, Y: 50},
	}))
	require.NoError(t, o.IngestShotData(context.Background(), session.ID, &models.Shot{
		ID: "shot-2", Position: models.Point{X: 57, Y: 50},
	}))

	list := o.SessionShots(session.ID)
	require.Len(t, list, 2)
	assert.Equal(t, "dev1", list[0].DeviceID)
	assert.Equal(t, 10, list[0].Score)
	assert.Equal(t, "bullseye", list[0].ZoneID)
	assert.Equal(t, 9, list[1].Score)
	assert.Equal(t, "inner", list[1].ZoneID)
	assert.Len(t, *shots, 2)

	current, ok := o.GetSession(session.ID)
	require.True(t, ok)
	assert.Equal(t, 2, current.ShotCount)

	stats := o.SessionStatistics(session.ID)
	assert.True(t, stats.HasData)
	assert.Equal(t, 19, stats.TotalScore)

	// Normal stop commits the terminal state and releases resources.
	require.NoError(t, o.StopSession(context.Background(), session.ID, "done"))
	stopped, ok := o.GetSession(session.ID)
	require.True(t, ok)
	assert.Equal(t, models.SessionCompleted, stopped.Status)
	require.NotNil(t, stopped.EndTime)
	assert.Equal(t, 1, push.closed)
	require.Len(t, *ended, 1)

	// Terminal sessions cannot be stopped again.
	err = o.StopSession(context.Background(), session.ID, "again")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartSessionUnknownDevice(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTransport{})

	_, err := o.StartSession(context.Background(), "ghost", models.SessionSettings{})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestStartSessionOfflineDevice(t *testing.T) {
	remote := &fakeTransport{pingErr: errors.New("unreachable")}
	o, _ := newTestOrchestrator(remote)
	o.SetUser("user1")
	_, _ = o.ConnectViaToken(context.Background(), testToken)

	_, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	assert.ErrorIs(t, err, ErrDeviceNotOnline)
}

func TestOneActiveSessionPerDevice(t *testing.T) {
	o, _ := connectedOrchestrator(t, &fakeTransport{})

	first, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)

	_, err = o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	assert.ErrorIs(t, err, ErrSessionActive)

	// A terminal session frees the device for the next one.
	require.NoError(t, o.StopSession(context.Background(), first.ID, "done"))
	second, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStartSessionRemoteRejection(t *testing.T) {
	remote := &fakeTransport{startErr: errors.New("camera busy")}
	o, _ := connectedOrchestrator(t, remote)

	_, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.Error(t, err)
	assert.Empty(t, o.ActiveSessions())
}

func TestEmergencyStopCommitsLocallyOnRemoteFailure(t *testing.T) {
	remote := &fakeTransport{emergencyErr: errors.New("device gone")}
	o, push := connectedOrchestrator(t, remote)
	ended := recordEvents(o, EventSessionEnded)

	session, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)

	// The remote failure propagates, but the session is already terminal.
	err = o.EmergencyStop(context.Background(), session.ID)
	require.Error(t, err)

	stopped, ok := o.GetSession(session.ID)
	require.True(t, ok)
	assert.Equal(t, models.SessionEmergencyStopped, stopped.Status)
	require.NotNil(t, stopped.EndTime)
	assert.Equal(t, 1, push.closed)
	require.Len(t, *ended, 1)
}

func TestTogglePause(t *testing.T) {
	o, _ := connectedOrchestrator(t, &fakeTransport{})
	changed := recordEvents(o, EventSessionStatusChanged)

	session, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)

	require.NoError(t, o.ToggleSessionPause(context.Background(), session.ID))
	paused, _ := o.GetSession(session.ID)
	assert.Equal(t, models.SessionPaused, paused.Status)

	require.NoError(t, o.ToggleSessionPause(context.Background(), session.ID))
	resumed, _ := o.GetSession(session.ID)
	assert.Equal(t, models.SessionActive, resumed.Status)

	assert.Len(t, *changed, 2)
}

func TestTogglePauseRemoteFailureKeepsState(t *testing.T) {
	remote := &fakeTransport{}
	o, _ := connectedOrchestrator(t, remote)

	session, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)

	remote.pauseErr = errors.New("device gone")
	require.Error(t, o.ToggleSessionPause(context.Background(), session.ID))

	unchanged, _ := o.GetSession(session.ID)
	assert.Equal(t, models.SessionActive, unchanged.Status)
}

func TestDisconnectStopsSessionsAndIsIdempotent(t *testing.T) {
	o, _ := connectedOrchestrator(t, &fakeTransport{})
	disconnected := recordEvents(o, EventDeviceDisconnected)

	session, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)

	require.NoError(t, o.DisconnectDevice(context.Background(), "dev1"))

	stopped, _ := o.GetSession(session.ID)
	assert.Equal(t, models.SessionCompleted, stopped.Status)

	dev, ok := o.GetDevice("dev1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOffline, dev.Status)
	assert.Len(t, *disconnected, 1)

	// Disconnecting an offline device is a no-op, not an error.
	require.NoError(t, o.DisconnectDevice(context.Background(), "dev1"))
	assert.Len(t, *disconnected, 1)

	assert.ErrorIs(t, o.DisconnectDevice(context.Background(), "ghost"), ErrDeviceNotFound)
}

func TestGetNextFrame(t *testing.T) {
	remote := &fakeTransport{frame: &models.Frame{
		Number:  5,
		Capture: models.CaptureInfo{Width: 640, Height: 480, Brightness: 100},
	}}
	o, _ := connectedOrchestrator(t, remote)
	frames := recordEvents(o, EventFrameUpdated)

	session, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)

	frame, err := o.GetNextFrame(context.Background(), "dev1")
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, session.ID, frame.SessionID)
	assert.Len(t, *frames, 1)

	// The next poll resumes after the last delivered frame.
	remote.frame = &models.Frame{Number: 6, Capture: models.CaptureInfo{Width: 640, Height: 480}}
	_, err = o.GetNextFrame(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), remote.lastSince)
}

func TestGetNextFrameCountsDeviceReportedHit(t *testing.T) {
	// The very first frame has nothing to diff against, so the detector
	// cannot confirm - the device's own hit report must still count.
	remote := &fakeTransport{frame: &models.Frame{
		Number:  1,
		HasShot: true,
		Shot:    &models.Shot{ID: "dev-shot-1", Position: models.Point{X: 50, Y: 50}},
		Capture: models.CaptureInfo{Width: 640, Height: 480, Brightness: 100},
	}}
	o, _ := connectedOrchestrator(t, remote)
	shots := recordEvents(o, EventShotDetected)

	session, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)

	frame, err := o.GetNextFrame(context.Background(), "dev1")
	require.NoError(t, err)
	require.NotNil(t, frame)

	current, ok := o.GetSession(session.ID)
	require.True(t, ok)
	assert.Equal(t, 1, current.ShotCount)

	require.Len(t, *shots, 1)
	shot := (*shots)[0].Shot
	require.NotNil(t, shot)
	assert.Equal(t, "dev-shot-1", shot.ID)
	assert.Equal(t, session.ID, shot.SessionID)
	assert.Equal(t, "dev1", shot.DeviceID)
}

func TestGetNextFramePausedSessionSkipsCounting(t *testing.T) {
	remote := &fakeTransport{frame: &models.Frame{
		Number:  1,
		HasShot: true,
		Shot:    &models.Shot{ID: "dev-shot-1", Position: models.Point{X: 50, Y: 50}},
		Capture: models.CaptureInfo{Width: 640, Height: 480, Brightness: 100},
	}}
	o, _ := connectedOrchestrator(t, remote)
	shots := recordEvents(o, EventShotDetected)
	frames := recordEvents(o, EventFrameUpdated)

	session, err := o.StartSession(context.Background(), "dev1", models.SessionSettings{})
	require.NoError(t, err)
	require.NoError(t, o.ToggleSessionPause(context.Background(), session.ID))

	_, err = o.GetNextFrame(context.Background(), "dev1")
	require.NoError(t, err)

	current, _ := o.GetSession(session.ID)
	assert.Equal(t, 0, current.ShotCount)
	assert.Empty(t, *shots)
	assert.Len(t, *frames, 1)
}

func TestGetNextFrameNoData(t *testing.T) {
	o, _ := connectedOrchestrator(t, &fakeTransport{})
	frames := recordEvents(o, EventFrameUpdated)

	frame, err := o.GetNextFrame(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Nil(t, frame)
	assert.Empty(t, *frames)
}

func TestIngestShotUnknownSession(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTransport{})

	err := o.IngestShotData(context.Background(), "ghost", &models.Shot{ID: "s"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStatisticsEmpty(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTransport{})

	stats := o.SessionStatistics("ghost")
	assert.False(t, stats.HasData)
}

func TestSetZoomPreset(t *testing.T) {
	remote := &fakeTransport{}
	o, _ := connectedOrchestrator(t, remote)

	require.NoError(t, o.SetZoomPreset(context.Background(), "dev1", 2))
	assert.ErrorIs(t, o.SetZoomPreset(context.Background(), "ghost", 2), ErrDeviceNotFound)
}
