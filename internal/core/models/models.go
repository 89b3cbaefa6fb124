package models

import (
	"math"
	"time"
)

// DeviceStatus describes the connection state of a remote camera device.
type DeviceStatus string

const (
	DeviceOffline    DeviceStatus = "offline"
	DeviceConnecting DeviceStatus = "connecting"
	DeviceOnline     DeviceStatus = "online"
)

// SessionStatus describes the lifecycle state of a shooting session.
type SessionStatus string

const (
	SessionActive           SessionStatus = "active"
	SessionPaused           SessionStatus = "paused"
	SessionCompleted        SessionStatus = "completed"
	SessionEmergencyStopped SessionStatus = "emergency_stopped"
)

// Terminal reports whether the session can no longer change state.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionEmergencyStopped
}

// DeviceCapabilities describes what a connected device can do.
type DeviceCapabilities struct {
	HasCamera     bool     `json:"has_camera"`
	HasZoom       bool     `json:"has_zoom"`
	MaxResolution string   `json:"max_resolution,omitempty"`
	ImageFormats  []string `json:"image_formats,omitempty"`
}

// Device identifies a remote camera endpoint.
type Device struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Address       string             `json:"address"`                  // host:port
	TunnelAddress string             `json:"tunnel_address,omitempty"` // Optional tunneled address discovered via ping
	Status        DeviceStatus       `json:"status"`
	LastSeen      time.Time          `json:"last_seen"`
	Capabilities  DeviceCapabilities `json:"capabilities"`
}

// Endpoint returns the address to use for device requests,
// preferring a discovered tunnel address over the direct one.
func (d *Device) Endpoint() string {
	if d.TunnelAddress != "" {
		return d.TunnelAddress
	}
	return d.Address
}

// ScoringZone is one concentric ring of the target.
// OuterRadius and InnerRadius are percentages of the target radius.
type ScoringZone struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Points      int     `json:"points"`
	OuterRadius float64 `json:"outer_radius"`
	InnerRadius float64 `json:"inner_radius"`
	Color       string  `json:"color,omitempty"` // Display only
}

// DefaultScoringZones returns the standard circular target layout.
// The miss zone is the catch-all with the largest radius.
func DefaultScoringZones() []ScoringZone {
	return []ScoringZone{
		{ID: "bullseye", Name: "Bullseye", Points: 10, OuterRadius: 5, Color: "#d4af37"},
		{ID: "inner", Name: "Inner Ring", Points: 9, InnerRadius: 5, OuterRadius: 10, Color: "#c0c0c0"},
		{ID: "middle", Name: "Middle Ring", Points: 7, InnerRadius: 10, OuterRadius: 25, Color: "#cd7f32"},
		{ID: "outer", Name: "Outer Ring", Points: 5, InnerRadius: 25, OuterRadius: 45, Color: "#8a8a8a"},
		{ID: "miss", Name: "Miss", Points: 0, InnerRadius: 45, OuterRadius: 100, Color: "#333333"},
	}
}

// TargetType names the supported target geometries.
type TargetType string

const TargetCircular TargetType = "circular"

// TargetConfig carries the geometry a session scores against.
type TargetConfig struct {
	Type           TargetType    `json:"type"`
	DistanceMeters float64       `json:"distance_meters"`
	SizeCm         float64       `json:"size_cm"`
	Zones          []ScoringZone `json:"zones"`
	// Correction factors for camera angle and lens distortion.
	// Currently applied as simple scalar corrections; kept for the
	// planned trigonometric model.
	CameraAngleDeg   float64 `json:"camera_angle_deg,omitempty"`
	DistortionFactor float64 `json:"distortion_factor,omitempty"`
}

// SessionSettings are the caller-supplied parameters for a session.
type SessionSettings struct {
	TargetDistance float64       `json:"target_distance"`
	TargetSize     float64       `json:"target_size"`
	ZoomPreset     int           `json:"zoom_preset,omitempty"`
	Sensitivity    float64       `json:"detection_sensitivity,omitempty"`
	Zones          []ScoringZone `json:"zones,omitempty"`
}

// Target builds the scoring geometry for these settings,
// falling back to the default zone layout when none were provided.
func (s SessionSettings) Target() TargetConfig {
	zones := s.Zones
	if len(zones) == 0 {
		zones = DefaultScoringZones()
	}
	return TargetConfig{
		Type:           TargetCircular,
		DistanceMeters: s.TargetDistance,
		SizeCm:         s.TargetSize,
		Zones:          zones,
	}
}

// Session represents one shooting session bound to exactly one device.
type Session struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	ShotCount int             `json:"shot_count"`
	Status    SessionStatus   `json:"status"`
	Settings  SessionSettings `json:"settings"`
}

// Point is a 2D impact location in percentage-of-target space (0-100),
// origin top-left, target center at (50,50).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance to another point.
func (p Point) DistanceTo(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// TrendDirection classifies recent scoring progression.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

// ShotEnrichment carries the analytics derived from scoring a shot.
type ShotEnrichment struct {
	RawDistance        float64        `json:"raw_distance"`
	CorrectedDistance  float64        `json:"corrected_distance"`
	IsBullseye         bool           `json:"is_bullseye"`
	AngleDegrees       float64        `json:"angle_degrees"`
	CompensatedScore   float64        `json:"compensated_score"`
	TrendPrecision     float64        `json:"trend_precision"`
	TrendGrouping      float64        `json:"trend_grouping"`
	TrendDirection     TrendDirection `json:"trend_direction"`
}

// Shot is a confirmed detected impact. Immutable after creation;
// re-scoring requires explicit re-analysis, never mutation.
type Shot struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	DeviceID    string          `json:"device_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	FrameNumber int64           `json:"frame_number"`
	Position    Point           `json:"position"`
	Score       int             `json:"score"`
	ZoneID      string          `json:"zone_id"`
	Confidence  float64         `json:"confidence"`
	Enrichment  *ShotEnrichment `json:"enrichment,omitempty"`
}

// CaptureInfo is the capture metadata a device attaches to a frame.
type CaptureInfo struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Brightness float64 `json:"brightness"` // 0-255
	Contrast   float64 `json:"contrast"`   // 0-255
}

// Region is a device-reported changed area within a frame,
// in pixel coordinates of the capture resolution.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the bounding area of the region in pixels.
func (r Region) Area() int {
	return r.Width * r.Height
}

// Center returns the region center in percentage-of-frame coordinates.
func (r Region) Center(capture CaptureInfo) Point {
	if capture.Width == 0 || capture.Height == 0 {
		return Point{X: 50, Y: 50}
	}
	return Point{
		X: (float64(r.X) + float64(r.Width)/2) / float64(capture.Width) * 100,
		Y: (float64(r.Y) + float64(r.Height)/2) / float64(capture.Height) * 100,
	}
}

// Frame is one observation from a device. The core never owns raw image
// bytes; ImageURL references where the capture can be fetched. Frames are
// transient - only the most recent frame per session is retained for
// difference computation.
type Frame struct {
	Number    int64       `json:"number"`
	DeviceID  string      `json:"device_id"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	ImageURL  string      `json:"image_url"`
	HasShot   bool        `json:"has_shot"`
	Shot      *Shot       `json:"shot,omitempty"`
	Capture   CaptureInfo `json:"capture"`
	Regions   []Region    `json:"regions,omitempty"` // Device-reported motion regions
}

// SessionStatistics aggregates scoring results for a session.
// HasData is false for an empty shot list; callers must check it
// instead of relying on an error.
type SessionStatistics struct {
	HasData       bool    `json:"has_data"`
	ShotCount     int     `json:"shot_count"`
	TotalScore    int     `json:"total_score"`
	AverageScore  float64 `json:"average_score"`
	MinScore      int     `json:"min_score"`
	MaxScore      int     `json:"max_score"`
	BullseyeCount int     `json:"bullseye_count"`
	Accuracy      float64 `json:"accuracy"` // Bullseyes / total, 0-1
}

// SessionEvent is an audit record of a session state change.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
