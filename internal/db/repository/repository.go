package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gmshoot-go/internal/auth"
	"gmshoot-go/internal/core/models"
	"gmshoot-go/internal/db"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository defines the persistence operations offered to the rest of the
// system. It doubles as the backend persistence collaborator for the
// orchestrator and as the credential store for the auth manager.
type Repository interface {
	// Session methods
	RegisterSession(ctx context.Context, session *models.Session, device *models.Device, userID string) error
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]models.Session, int64, error)

	// Shot methods
	SaveShot(ctx context.Context, shot *models.Shot) error
	GetShotsBySession(ctx context.Context, sessionID string) ([]models.Shot, error)

	// Frame/event ingestion
	SaveFrame(ctx context.Context, frame *models.Frame) error
	SaveSessionEvent(ctx context.Context, event *models.SessionEvent) error

	// Credential methods (auth.CredentialStore)
	SaveCredential(c *auth.Credential) error
	LoadCredential(deviceID, userID string) (*auth.Credential, error)
	DeleteCredential(deviceID, userID string) error
}

// SQLiteRepository implements Repository on gorm/SQLite.
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a new SQLite repository instance.
func NewSQLiteRepository(gdb *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: gdb}
}

// Session methods

// RegisterSession records a newly started session together with the device
// metadata and owning user.
func (r *SQLiteRepository) RegisterSession(ctx context.Context, session *models.Session, device *models.Device, userID string) error {
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode session settings: %w", err)
	}

	rec := db.SessionRecord{
		SessionID:  session.ID,
		DeviceID:   session.DeviceID,
		DeviceName: device.Name,
		UserID:     userID,
		StartTime:  session.StartTime,
		ShotCount:  session.ShotCount,
		Status:     string(session.Status),
		Settings:   datatypes.JSON(settings),
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

// SaveSession upserts the session state keyed by session id.
func (r *SQLiteRepository) SaveSession(ctx context.Context, session *models.Session) error {
	updates := map[string]interface{}{
		"shot_count": session.ShotCount,
		"status":     string(session.Status),
		"end_time":   session.EndTime,
	}
	result := r.db.WithContext(ctx).Model(&db.SessionRecord{}).
		Where("session_id = ?", session.ID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Session was never registered (best-effort registration may have
		// failed earlier); create it now so the terminal state survives.
		settings, err := json.Marshal(session.Settings)
		if err != nil {
			return fmt.Errorf("failed to encode session settings: %w", err)
		}
		rec := db.SessionRecord{
			SessionID: session.ID,
			DeviceID:  session.DeviceID,
			StartTime: session.StartTime,
			EndTime:   session.EndTime,
			ShotCount: session.ShotCount,
			Status:    string(session.Status),
			Settings:  datatypes.JSON(settings),
		}
		return r.db.WithContext(ctx).Create(&rec).Error
	}
	return nil
}

// GetSession loads one session by its id. Returns (nil, nil) when absent.
func (r *SQLiteRepository) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var rec db.SessionRecord
	result := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return sessionFromRecord(&rec), nil
}

// ListSessions returns sessions with pagination, newest first.
func (r *SQLiteRepository) ListSessions(ctx context.Context, limit, offset int) ([]models.Session, int64, error) {
	var recs []db.SessionRecord
	var total int64

	r.db.WithContext(ctx).Model(&db.SessionRecord{}).Count(&total)
	result := r.db.WithContext(ctx).Order("start_time DESC").Limit(limit).Offset(offset).Find(&recs)
	if result.Error != nil {
		return nil, 0, result.Error
	}

	sessions := make([]models.Session, 0, len(recs))
	for i := range recs {
		sessions = append(sessions, *sessionFromRecord(&recs[i]))
	}
	return sessions, total, nil
}

func sessionFromRecord(rec *db.SessionRecord) *models.Session {
	s := &models.Session{
		ID:        rec.SessionID,
		DeviceID:  rec.DeviceID,
		StartTime: rec.StartTime,
		EndTime:   rec.EndTime,
		ShotCount: rec.ShotCount,
		Status:    models.SessionStatus(rec.Status),
	}
	if len(rec.Settings) > 0 {
		if err := json.Unmarshal(rec.Settings, &s.Settings); err != nil {
			log.Warnf("Failed to decode settings for session %s: %v", rec.SessionID, err)
		}
	}
	return s
}

// Shot methods

// SaveShot persists one scored shot.
func (r *SQLiteRepository) SaveShot(ctx context.Context, shot *models.Shot) error {
	var enrichment datatypes.JSON
	if shot.Enrichment != nil {
		data, err := json.Marshal(shot.Enrichment)
		if err != nil {
			return fmt.Errorf("failed to encode shot enrichment: %w", err)
		}
		enrichment = datatypes.JSON(data)
	}

	rec := db.ShotRecord{
		ShotID:      shot.ID,
		SessionID:   shot.SessionID,
		DeviceID:    shot.DeviceID,
		Timestamp:   shot.Timestamp,
		FrameNumber: shot.FrameNumber,
		X:           shot.Position.X,
		Y:           shot.Position.Y,
		Score:       shot.Score,
		ZoneID:      shot.ZoneID,
		Confidence:  shot.Confidence,
		Enrichment:  enrichment,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

// GetShotsBySession returns a session's shots in chronological order.
func (r *SQLiteRepository) GetShotsBySession(ctx context.Context, sessionID string) ([]models.Shot, error) {
	var recs []db.ShotRecord
	result := r.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("timestamp ASC").Find(&recs)
	if result.Error != nil {
		return nil, result.Error
	}

	shots := make([]models.Shot, 0, len(recs))
	for _, rec := range recs {
		shot := models.Shot{
			ID:          rec.ShotID,
			SessionID:   rec.SessionID,
			DeviceID:    rec.DeviceID,
			Timestamp:   rec.Timestamp,
			FrameNumber: rec.FrameNumber,
			Position:    models.Point{X: rec.X, Y: rec.Y},
			Score:       rec.Score,
			ZoneID:      rec.ZoneID,
			Confidence:  rec.Confidence,
		}
		if len(rec.Enrichment) > 0 {
			var enr models.ShotEnrichment
			if err := json.Unmarshal(rec.Enrichment, &enr); err == nil {
				shot.Enrichment = &enr
			}
		}
		shots = append(shots, shot)
	}
	return shots, nil
}

// Frame/event ingestion

// SaveFrame stores the metadata of one frame observation.
func (r *SQLiteRepository) SaveFrame(ctx context.Context, frame *models.Frame) error {
	capture, err := json.Marshal(frame.Capture)
	if err != nil {
		return fmt.Errorf("failed to encode capture info: %w", err)
	}

	rec := db.FrameRecord{
		SessionID:   frame.SessionID,
		DeviceID:    frame.DeviceID,
		FrameNumber: frame.Number,
		Timestamp:   frame.Timestamp,
		ImageURL:    frame.ImageURL,
		HasShot:     frame.HasShot,
		Capture:     datatypes.JSON(capture),
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

// SaveSessionEvent appends one audit entry.
func (r *SQLiteRepository) SaveSessionEvent(ctx context.Context, event *models.SessionEvent) error {
	rec := db.SessionEventRecord{
		SessionID: event.SessionID,
		DeviceID:  event.DeviceID,
		Type:      event.Type,
		Detail:    event.Detail,
		Timestamp: event.Timestamp,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

// Credential methods

// SaveCredential upserts the encrypted credential for a (device, user) pair.
func (r *SQLiteRepository) SaveCredential(c *auth.Credential) error {
	perms, err := json.Marshal(c.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}

	var existing db.DeviceCredentialRecord
	result := r.db.Where("device_id = ? AND user_id = ?", c.DeviceID, c.UserID).First(&existing)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}

	if result.Error == nil {
		existing.Ciphertext = c.Ciphertext
		existing.Nonce = c.Nonce
		existing.Permissions = datatypes.JSON(perms)
		existing.IssuedAt = c.CreatedAt
		return r.db.Save(&existing).Error
	}

	rec := db.DeviceCredentialRecord{
		DeviceID:    c.DeviceID,
		UserID:      c.UserID,
		Ciphertext:  c.Ciphertext,
		Nonce:       c.Nonce,
		Permissions: datatypes.JSON(perms),
		IssuedAt:    c.CreatedAt,
	}
	return r.db.Create(&rec).Error
}

// LoadCredential fetches the credential for a pair, or (nil, nil).
func (r *SQLiteRepository) LoadCredential(deviceID, userID string) (*auth.Credential, error) {
	var rec db.DeviceCredentialRecord
	result := r.db.Where("device_id = ? AND user_id = ?", deviceID, userID).First(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}

	cred := &auth.Credential{
		DeviceID:   rec.DeviceID,
		UserID:     rec.UserID,
		Ciphertext: rec.Ciphertext,
		Nonce:      rec.Nonce,
		CreatedAt:  rec.IssuedAt,
	}
	if len(rec.Permissions) > 0 {
		if err := json.Unmarshal(rec.Permissions, &cred.Permissions); err != nil {
			log.Warnf("Failed to decode permissions for device %s: %v", rec.DeviceID, err)
		}
	}
	return cred, nil
}

// DeleteCredential removes the credential for a pair. Deleting a missing
// credential is not an error.
func (r *SQLiteRepository) DeleteCredential(deviceID, userID string) error {
	return r.db.Where("device_id = ? AND user_id = ?", deviceID, userID).
		Delete(&db.DeviceCredentialRecord{}).Error
}

var _ auth.CredentialStore = (*SQLiteRepository)(nil)
