package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"gmshoot-go/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrCredentialExpired = errors.New("credential expired")
	ErrNoCredentials     = errors.New("no credentials stored")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrNoActiveChallenge = errors.New("no active challenge")
)

const (
	credentialMaxAge = 24 * time.Hour
	challengeTTL     = 5 * time.Minute
)

// Credential is an encrypted API-key record for a (device, user) pair.
// The plaintext secret is never persisted - only the AES-GCM ciphertext
// plus nonce.
type Credential struct {
	DeviceID    string
	UserID      string
	Ciphertext  []byte
	Nonce       []byte
	Permissions []string
	CreatedAt   time.Time
}

// CredentialStore persists encrypted credentials.
// Load returns (nil, nil) when no credential is stored.
type CredentialStore interface {
	SaveCredential(c *Credential) error
	LoadCredential(deviceID, userID string) (*Credential, error)
	DeleteCredential(deviceID, userID string) error
}

// Token is a short-lived signed access token for device requests.
type Token struct {
	Value       string    `json:"value"`
	DeviceID    string    `json:"device_id"`
	UserID      string    `json:"user_id"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Challenge models a device-initiated proof-of-possession handshake.
type Challenge struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager issues and validates access credentials scoped to (device, user)
// pairs, independent of any specific device transport.
type Manager struct {
	mu         sync.Mutex
	cfg        config.AuthConfig
	store      CredentialStore
	key        []byte
	signingKey []byte
	tokens     map[string]*Token     // keyed by device id
	challenges map[string]*Challenge // keyed by challenge id
	now        func() time.Time
}

// NewManager creates an auth manager. The encryption key must be 32 hex-encoded
// bytes; when absent a random per-process key is generated, meaning stored
// credentials do not survive a restart.
func NewManager(cfg config.AuthConfig, store CredentialStore) (*Manager, error) {
	var key []byte
	if cfg.EncryptionKey != "" {
		decoded, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("auth encryption key must be 32 hex-encoded bytes")
		}
		key = decoded
	} else {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		log.Warn("No auth encryption key configured; stored credentials will not survive a restart")
	}

	signingKey := []byte(cfg.SigningSecret)
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
	}

	return &Manager{
		cfg:        cfg,
		store:      store,
		key:        key,
		signingKey: signingKey,
		tokens:     make(map[string]*Token),
		challenges: make(map[string]*Challenge),
		now:        time.Now,
	}, nil
}

// GenerateAPIKey creates a new credential for the (device, user) pair,
// persists it encrypted and returns the plaintext key to the caller.
func (m *Manager) GenerateAPIKey(deviceID, userID string, permissions []string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	apiKey := base64.RawURLEncoding.EncodeToString(raw)

	ciphertext, nonce, err := m.encrypt([]byte(apiKey))
	if err != nil {
		return "", err
	}

	cred := &Credential{
		DeviceID:    deviceID,
		UserID:      userID,
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		Permissions: permissions,
		CreatedAt:   m.now(),
	}
	if err := m.store.SaveCredential(cred); err != nil {
		return "", fmt.Errorf("failed to persist credential: %w", err)
	}

	log.Infof("Generated API key for device %s, user %s", deviceID, userID)
	return apiKey, nil
}

// AuthenticateWithDevice validates the presented key against the stored
// credential and issues a short-lived signed token on success.
func (m *Manager) AuthenticateWithDevice(deviceID, apiKey, userID string) (*Token, error) {
	cred, err := m.store.LoadCredential(deviceID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrInvalidCredential
	}
	if m.now().Sub(cred.CreatedAt) > credentialMaxAge {
		return nil, ErrCredentialExpired
	}

	stored, err := m.decrypt(cred.Ciphertext, cred.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	if !hmac.Equal(stored, []byte(apiKey)) {
		return nil, ErrInvalidCredential
	}

	return m.issueToken(deviceID, userID, cred.Permissions)
}

// GetToken returns a cached, still-valid token for the device, or nil.
// Expired tokens are evicted on read.
func (m *Manager) GetToken(deviceID string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[deviceID]
	if !ok {
		return nil
	}
	if m.now().After(tok.ExpiresAt) {
		delete(m.tokens, deviceID)
		return nil
	}
	return tok
}

// Bearer returns the bearer value for a device's cached token, if any.
// Satisfies the device transport's TokenSource.
func (m *Manager) Bearer(deviceID string) (string, bool) {
	tok := m.GetToken(deviceID)
	if tok == nil {
		return "", false
	}
	return tok.Value, true
}

// RefreshToken reissues a token from the stored credential without the key
// being re-presented.
func (m *Manager) RefreshToken(deviceID, userID string) (*Token, error) {
	cred, err := m.store.LoadCredential(deviceID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrNoCredentials
	}
	return m.issueToken(deviceID, userID, cred.Permissions)
}

// RevokeAccess deletes the credential, cached token and any in-flight
// challenge for the pair.
func (m *Manager) RevokeAccess(deviceID, userID string) error {
	if err := m.store.DeleteCredential(deviceID, userID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, deviceID)
	for id, ch := range m.challenges {
		if ch.DeviceID == deviceID && ch.UserID == userID {
			delete(m.challenges, id)
		}
	}
	log.Infof("Revoked access for device %s, user %s", deviceID, userID)
	return nil
}

// InitiateAuthChallenge starts a proof-of-possession handshake. The
// challenge expires after five minutes.
func (m *Manager) InitiateAuthChallenge(deviceID, userID string) (*Challenge, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate challenge nonce: %w", err)
	}

	ch := &Challenge{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		UserID:    userID,
		Nonce:     hex.EncodeToString(nonce),
		ExpiresAt: m.now().Add(challengeTTL),
	}

	m.mu.Lock()
	m.challenges[ch.ID] = ch
	m.mu.Unlock()
	return ch, nil
}

// CompleteAuthChallenge verifies the device's response - the hex SHA-256 of
// "nonce:apiKey" - and issues a token. Unknown and expired challenges fail
// with their respective errors; the challenge is consumed either way once
// it has been resolved.
func (m *Manager) CompleteAuthChallenge(challengeID, response string) (*Token, error) {
	m.mu.Lock()
	ch, ok := m.challenges[challengeID]
	if ok {
		delete(m.challenges, challengeID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNoActiveChallenge
	}
	if m.now().After(ch.ExpiresAt) {
		return nil, ErrChallengeExpired
	}

	cred, err := m.store.LoadCredential(ch.DeviceID, ch.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrNoCredentials
	}

	apiKey, err := m.decrypt(cred.Ciphertext, cred.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}

	sum := sha256.Sum256([]byte(ch.Nonce + ":" + string(apiKey)))
	if !hmac.Equal([]byte(hex.EncodeToString(sum[:])), []byte(response)) {
		return nil, ErrInvalidCredential
	}

	return m.issueToken(ch.DeviceID, ch.UserID, cred.Permissions)
}

// issueToken signs a new HS256 token carrying the credential's permissions
// and caches it per device.
func (m *Manager) issueToken(deviceID, userID string, permissions []string) (*Token, error) {
	expires := m.now().Add(m.cfg.TokenTTL())

	claims := jwt.MapClaims{
		"sub":   userID,
		"dev":   deviceID,
		"perms": permissions,
		"iat":   m.now().Unix(),
		"exp":   expires.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	tok := &Token{
		Value:       signed,
		DeviceID:    deviceID,
		UserID:      userID,
		Permissions: permissions,
		ExpiresAt:   expires,
	}

	m.mu.Lock()
	m.tokens[deviceID] = tok
	m.mu.Unlock()
	return tok, nil
}

func (m *Manager) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (m *Manager) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
