package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"gmshoot-go/config"
	"gmshoot-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// TokenSource supplies bearer tokens for authenticated device requests.
type TokenSource interface {
	Bearer(deviceID string) (string, bool)
}

// RemoteError is a non-success response from the device, carrying the
// device's own error message.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device rejected request (status %d): %s", e.StatusCode, e.Message)
}

// PingResponse is the device's answer to a liveness check.
type PingResponse struct {
	Status        string                    `json:"status"`
	TunnelAddress string                    `json:"tunnel_address,omitempty"`
	Capabilities  models.DeviceCapabilities `json:"capabilities"`
}

// StartSessionRequest carries the session parameters sent to the device.
type StartSessionRequest struct {
	SessionID  string  `json:"session_id"`
	ZoomPreset int     `json:"preset,omitempty"`
	Distance   float64 `json:"distance,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
}

// SessionCommandResponse is the device's acknowledgement of a session command.
type SessionCommandResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionStatusResponse reports the device-side session state.
type SessionStatusResponse struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	FrameCount int64  `json:"frame_count"`
}

// Client talks to a remote camera device over its HTTP surface. All
// requests carry a JSON content type and, once authenticated, a bearer
// Authorization header sourced from the auth manager.
type Client struct {
	cfg        config.DeviceConfig
	httpClient *http.Client
	tokens     TokenSource
}

// NewClient creates a device client. Per-request timeouts come from the
// device configuration rather than a global client timeout, since the
// long-poll frame fetch needs a longer bound than the short commands.
func NewClient(cfg config.DeviceConfig, tokens TokenSource) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		tokens:     tokens,
	}
}

// Ping performs a liveness check and discovers the optional tunnel address
// plus the device's capability set.
func (c *Client) Ping(ctx context.Context, dev *models.Device) (*PingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout())
	defer cancel()

	var out PingResponse
	if err := c.getJSON(ctx, dev, "/ping", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSession starts a session on the device.
func (c *Client) StartSession(ctx context.Context, dev *models.Device, req StartSessionRequest) (*SessionCommandResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SessionStartTimeout())
	defer cancel()

	var out SessionCommandResponse
	if err := c.postJSON(ctx, dev, "/session/start", req, &out); err != nil {
		return nil, err
	}
	log.Infof("Device %s started session %s", dev.ID, out.SessionID)
	return &out, nil
}

// StopSession stops a session on the device.
func (c *Client) StopSession(ctx context.Context, dev *models.Device, sessionID, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout())
	defer cancel()

	payload := map[string]string{"session_id": sessionID, "reason": reason}
	return c.postJSON(ctx, dev, "/session/stop", payload, nil)
}

// PauseSession toggles the device-side pause state of a session.
func (c *Client) PauseSession(ctx context.Context, dev *models.Device, sessionID string, paused bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout())
	defer cancel()

	payload := map[string]interface{}{"session_id": sessionID, "paused": paused}
	return c.postJSON(ctx, dev, "/session/pause", payload, nil)
}

// EmergencyStop issues the emergency stop command.
func (c *Client) EmergencyStop(ctx context.Context, dev *models.Device, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout())
	defer cancel()

	payload := map[string]string{"session_id": sessionID}
	return c.postJSON(ctx, dev, "/session/emergency-stop", payload, nil)
}

// SessionStatus fetches the device-side session state.
func (c *Client) SessionStatus(ctx context.Context, dev *models.Device) (*SessionStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout())
	defer cancel()

	var out SessionStatusResponse
	if err := c.getJSON(ctx, dev, "/session/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestFrame fetches the most recent frame via request/response.
// A 503 from the device means no frame is available yet and yields
// (nil, nil).
func (c *Client) LatestFrame(ctx context.Context, dev *models.Device) (*models.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FrameTimeout())
	defer cancel()

	return c.fetchFrame(ctx, dev, "/frame/latest")
}

// NextFrame long-polls for the next frame after the given frame number.
// A 204 within the poll window, or a timeout, means no new frame - a normal
// condition reported as (nil, nil), never an error.
func (c *Client) NextFrame(ctx context.Context, dev *models.Device, since int64) (*models.Frame, error) {
	pollSecs := int(c.cfg.LongPollTimeout().Seconds())
	// Client-side bound slightly above the server-side wait.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LongPollTimeout()+2*time.Second)
	defer cancel()

	path := fmt.Sprintf("/frame/next?timeout=%d", pollSecs)
	if since > 0 {
		path += fmt.Sprintf("&since=%d", since)
	}

	frame, err := c.fetchFrame(ctx, dev, path)
	if err != nil && isTimeout(err) {
		log.Debugf("Device %s: frame long-poll timed out, no new frame", dev.ID)
		return nil, nil
	}
	return frame, err
}

// SetZoomPreset moves the camera to a stored zoom preset.
func (c *Client) SetZoomPreset(ctx context.Context, dev *models.Device, preset int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout())
	defer cancel()

	payload := map[string]int{"number": preset}
	return c.postJSON(ctx, dev, "/zoom/preset", payload, nil)
}

func (c *Client) fetchFrame(ctx context.Context, dev *models.Device, path string) (*models.Frame, error) {
	resp, err := c.do(ctx, dev, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusServiceUnavailable:
		// No frame available - a normal condition, not a fault.
		return nil, nil
	case http.StatusOK:
	default:
		return nil, remoteError(resp)
	}

	var frame models.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if frame.Number == 0 {
		if id := resp.Header.Get("X-Frame-Id"); id != "" {
			frame.Number, _ = strconv.ParseInt(id, 10, 64)
		}
	}
	frame.DeviceID = dev.ID
	return &frame, nil
}

func (c *Client) getJSON(ctx context.Context, dev *models.Device, path string, out interface{}) error {
	resp, err := c.do(ctx, dev, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, dev *models.Device, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.do(ctx, dev, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return remoteError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, dev *models.Device, method, path string, body io.Reader) (*http.Response, error) {
	url := fmt.Sprintf("http://%s%s", dev.Endpoint(), path)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if bearer, ok := c.tokens.Bearer(dev.ID); ok {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device request %s %s failed: %w", method, path, err)
	}
	return resp, nil
}

func remoteError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &RemoteError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
