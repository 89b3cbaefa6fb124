package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionRecord is the durable form of a shooting session.
type SessionRecord struct {
	gorm.Model
	SessionID  string    `gorm:"uniqueIndex;not null"`
	DeviceID   string    `gorm:"index;not null"`
	DeviceName string    `gorm:"index"`
	UserID     string    `gorm:"index"`
	StartTime  time.Time `gorm:"index"`
	EndTime    *time.Time
	ShotCount  int
	Status     string         `gorm:"index"`
	Settings   datatypes.JSON `gorm:"type:json"` // Raw session settings
}

// ShotRecord is the durable form of a confirmed, scored shot.
type ShotRecord struct {
	gorm.Model
	ShotID      string    `gorm:"uniqueIndex;not null"`
	SessionID   string    `gorm:"index;not null"`
	DeviceID    string    `gorm:"index"`
	Timestamp   time.Time `gorm:"index"`
	FrameNumber int64
	X           float64
	Y           float64
	Score       int
	ZoneID      string `gorm:"index"`
	Confidence  float64
	Enrichment  datatypes.JSON `gorm:"type:json;null"` // Derived analytics block
}

// FrameRecord stores the metadata of an ingested frame observation.
// Frames are transient in the core; this is the backend's copy.
type FrameRecord struct {
	gorm.Model
	SessionID   string    `gorm:"index"`
	DeviceID    string    `gorm:"index"`
	FrameNumber int64     `gorm:"index"`
	Timestamp   time.Time `gorm:"index"`
	ImageURL    string
	HasShot     bool
	Capture     datatypes.JSON `gorm:"type:json;null"`
}

// SessionEventRecord is an audit entry for session state changes.
type SessionEventRecord struct {
	gorm.Model
	SessionID string `gorm:"index;not null"`
	DeviceID  string `gorm:"index"`
	Type      string `gorm:"index"`
	Detail    string
	Timestamp time.Time `gorm:"index"`
}

// DeviceCredentialRecord stores an encrypted device API key. The plaintext
// secret is never written - only ciphertext plus nonce.
type DeviceCredentialRecord struct {
	gorm.Model
	DeviceID    string         `gorm:"index:idx_device_user,unique;not null"`
	UserID      string         `gorm:"index:idx_device_user,unique;not null"`
	Ciphertext  []byte         `gorm:"not null"`
	Nonce       []byte         `gorm:"not null"`
	Permissions datatypes.JSON `gorm:"type:json;null"`
	IssuedAt    time.Time
}
