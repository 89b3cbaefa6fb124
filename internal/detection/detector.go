package detection

import (
	"sync"
	"time"

	"gmshoot-go/config"
	"gmshoot-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// Sensitivity scales how much frame difference is required before a frame
// counts as a shot candidate. High sensitivity requires less difference.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Multiplier returns the factor applied to the difference threshold.
func (s Sensitivity) Multiplier() float64 {
	switch s {
	case SensitivityLow:
		return 1.5
	case SensitivityHigh:
		return 0.7
	default:
		return 1.0
	}
}

// Config holds the detector tuning parameters. All fields are mutable at
// runtime via UpdateConfig.
type Config struct {
	DifferenceThreshold float64
	MinShotArea         int
	MaxShotArea         int
	MinShotInterval     time.Duration
	ConfirmationFrames  int
	Sensitivity         Sensitivity
}

// DefaultConfig returns the documented detector defaults.
func DefaultConfig() Config {
	return Config{
		DifferenceThreshold: 0.15,
		MinShotArea:         100,
		MaxShotArea:         50000,
		MinShotInterval:     500 * time.Millisecond,
		ConfirmationFrames:  2,
		Sensitivity:         SensitivityMedium,
	}
}

// ConfigFrom builds a detector config from the application configuration.
func ConfigFrom(cfg config.DetectionConfig) Config {
	return Config{
		DifferenceThreshold: cfg.DifferenceThreshold,
		MinShotArea:         cfg.MinShotArea,
		MaxShotArea:         cfg.MaxShotArea,
		MinShotInterval:     cfg.MinShotInterval(),
		ConfirmationFrames:  cfg.ConfirmationFrames,
		Sensitivity:         Sensitivity(cfg.Sensitivity),
	}
}

// ShotDetection is a confirmed, sequentially numbered shot event.
type ShotDetection struct {
	SessionID   string       `json:"session_id"`
	Number      int          `json:"number"`
	Timestamp   time.Time    `json:"timestamp"`
	FrameNumber int64        `json:"frame_number"`
	Position    models.Point `json:"position"`
	Confidence  float64      `json:"confidence"`
}

// sessionHistory is the per-session detector state. The last processed
// frame is replaced on every call; only the current/previous pair is held.
type sessionHistory struct {
	shots        []ShotDetection
	lastFrame    *models.Frame
	shotCounter  int
	lastShotTime time.Time
	pending      int
}

// SessionData is the exportable form of a session's detector state, used
// for persistence round-tripping.
type SessionData struct {
	SessionID    string          `json:"session_id"`
	Shots        []ShotDetection `json:"shots"`
	ShotCounter  int             `json:"shot_counter"`
	LastShotTime time.Time       `json:"last_shot_time"`
}

// Statistics summarizes detection activity for a session.
type Statistics struct {
	TotalShots        int       `json:"total_shots"`
	AverageConfidence float64   `json:"average_confidence"`
	FirstShotTime     time.Time `json:"first_shot_time"`
	LastShotTime      time.Time `json:"last_shot_time"`
	ShotsPerMinute    float64   `json:"shots_per_minute"`
}

// Detector converts a raw per-session frame stream into a deduplicated,
// confirmed sequence of numbered shot events using frame-difference
// heuristics. One instance is shared across all sessions; per-session state
// is isolated. Calls for the same session id must be serialized by the
// caller - frame ordering within a session is not the detector's job.
type Detector struct {
	mu        sync.Mutex
	cfg       Config
	histories map[string]*sessionHistory
	now       func() time.Time
}

// NewDetector creates a detector with the given configuration.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:       cfg,
		histories: make(map[string]*sessionHistory),
		now:       time.Now,
	}
}

// InitializeSession creates fresh detection state for a session. Calling it
// again for the same id discards the existing history - do not re-initialize
// an active session.
func (d *Detector) InitializeSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.histories[sessionID] = &sessionHistory{}
	log.Debugf("Initialized detection history for session %s", sessionID)
}

// UpdateConfig replaces the detector configuration at runtime.
func (d *Detector) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// Config returns the current detector configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// ProcessFrame feeds one frame into the session's state machine and returns
// a confirmed detection, or nil when there is nothing to report. Querying an
// unknown session is a silent no-op, not an error.
func (d *Detector) ProcessFrame(sessionID string, frame *models.Frame) *ShotDetection {
	d.mu.Lock()
	defer d.mu.Unlock()

	hist, ok := d.histories[sessionID]
	if !ok {
		return nil
	}

	// First frame: nothing to diff against yet.
	if hist.lastFrame == nil {
		hist.lastFrame = frame
		return nil
	}

	diff := Difference(hist.lastFrame, frame)
	hist.lastFrame = frame

	if !d.isCandidate(hist, diff) {
		hist.pending = 0
		return nil
	}

	hist.pending++
	if hist.pending < d.cfg.ConfirmationFrames {
		log.Debugf("Session %s: shot candidate pending confirmation (%d/%d)",
			sessionID, hist.pending, d.cfg.ConfirmationFrames)
		return nil
	}

	// Confirmed.
	now := d.now()
	hist.shotCounter++
	hist.pending = 0
	hist.lastShotTime = now

	detection := ShotDetection{
		SessionID:   sessionID,
		Number:      hist.shotCounter,
		Timestamp:   now,
		FrameNumber: frame.Number,
		Position:    d.impactPosition(frame, diff),
		Confidence:  clamp01(diff.Overall),
	}
	hist.shots = append(hist.shots, detection)

	log.Infof("Session %s: confirmed shot #%d (confidence %.2f)",
		sessionID, detection.Number, detection.Confidence)
	return &detection
}

// isCandidate applies the four candidate rules: minimum interval since the
// last confirmed shot, overall difference above the sensitivity-scaled
// threshold, total changed area within bounds, and at least one region whose
// own area is within bounds.
func (d *Detector) isCandidate(hist *sessionHistory, diff FrameDifference) bool {
	if !hist.lastShotTime.IsZero() && d.now().Sub(hist.lastShotTime) < d.cfg.MinShotInterval {
		return false
	}
	required := d.cfg.DifferenceThreshold * d.cfg.Sensitivity.Multiplier()
	if diff.Overall < required {
		return false
	}
	if diff.ChangedArea < d.cfg.MinShotArea || diff.ChangedArea > d.cfg.MaxShotArea {
		return false
	}
	for _, r := range diff.Regions {
		if a := r.Area(); a >= d.cfg.MinShotArea && a <= d.cfg.MaxShotArea {
			return true
		}
	}
	return false
}

// impactPosition picks the largest in-bounds region and converts its center
// to percentage coordinates. Falls back to target center when the device
// reported no usable region.
func (d *Detector) impactPosition(frame *models.Frame, diff FrameDifference) models.Point {
	best := -1
	for i, r := range diff.Regions {
		a := r.Area()
		if a < d.cfg.MinShotArea || a > d.cfg.MaxShotArea {
			continue
		}
		if best < 0 || a > diff.Regions[best].Area() {
			best = i
		}
	}
	if best < 0 {
		return models.Point{X: 50, Y: 50}
	}
	return diff.Regions[best].Center(frame.Capture)
}

// GetSessionStatistics reports detection totals for a session. An unknown
// session yields the zero value, never an error.
func (d *Detector) GetSessionStatistics(sessionID string) Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	hist, ok := d.histories[sessionID]
	if !ok || len(hist.shots) == 0 {
		return Statistics{}
	}

	stats := Statistics{
		TotalShots:    len(hist.shots),
		FirstShotTime: hist.shots[0].Timestamp,
		LastShotTime:  hist.shots[len(hist.shots)-1].Timestamp,
	}
	var sum float64
	for _, s := range hist.shots {
		sum += s.Confidence
	}
	stats.AverageConfidence = sum / float64(len(hist.shots))

	if duration := stats.LastShotTime.Sub(stats.FirstShotTime); duration > 0 && len(hist.shots) > 1 {
		stats.ShotsPerMinute = float64(len(hist.shots)) / duration.Minutes()
	}
	return stats
}

// Shots returns a copy of the confirmed detections for a session.
func (d *Detector) Shots(sessionID string) []ShotDetection {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist, ok := d.histories[sessionID]
	if !ok {
		return nil
	}
	out := make([]ShotDetection, len(hist.shots))
	copy(out, hist.shots)
	return out
}

// ExportSession returns the session's detector state as a plain structure.
// The second return is false for unknown sessions.
func (d *Detector) ExportSession(sessionID string) (SessionData, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist, ok := d.histories[sessionID]
	if !ok {
		return SessionData{}, false
	}
	shots := make([]ShotDetection, len(hist.shots))
	copy(shots, hist.shots)
	return SessionData{
		SessionID:    sessionID,
		Shots:        shots,
		ShotCounter:  hist.shotCounter,
		LastShotTime: hist.lastShotTime,
	}, true
}

// ImportSession restores detector state from an exported structure,
// replacing any existing history for that session id.
func (d *Detector) ImportSession(data SessionData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	shots := make([]ShotDetection, len(data.Shots))
	copy(shots, data.Shots)
	d.histories[data.SessionID] = &sessionHistory{
		shots:        shots,
		shotCounter:  data.ShotCounter,
		lastShotTime: data.LastShotTime,
	}
}

// ClearSession removes all state for a session. Safe to call for sessions
// the detector never tracked.
func (d *Detector) ClearSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.histories, sessionID)
}
