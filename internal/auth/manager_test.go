package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"gmshoot-go/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory CredentialStore for tests.
type memStore struct {
	creds map[string]*Credential
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*Credential)}
}

func (s *memStore) SaveCredential(c *Credential) error {
	s.creds[c.DeviceID+"/"+c.UserID] = c
	return nil
}

func (s *memStore) LoadCredential(deviceID, userID string) (*Credential, error) {
	return s.creds[deviceID+"/"+userID], nil
}

func (s *memStore) DeleteCredential(deviceID, userID string) error {
	delete(s.creds, deviceID+"/"+userID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	m, err := NewManager(config.AuthConfig{
		SigningSecret: "test-secret",
		TokenTTLMins:  60,
	}, store)
	require.NoError(t, err)
	return m, store
}

func TestNewManagerRejectsBadEncryptionKey(t *testing.T) {
	_, err := NewManager(config.AuthConfig{EncryptionKey: "not-hex"}, newMemStore())
	assert.Error(t, err)

	// Too short even when valid hex.
	_, err = NewManager(config.AuthConfig{EncryptionKey: "abcd"}, newMemStore())
	assert.Error(t, err)
}

func TestAuthenticateWithDevice(t *testing.T) {
	m, store := newTestManager(t)

	apiKey, err := m.GenerateAPIKey("dev1", "user1", []string{"session:control"})
	require.NoError(t, err)
	require.NotEmpty(t, apiKey)

	// The stored record carries only ciphertext, never the key.
	stored := store.creds["dev1/user1"]
	require.NotNil(t, stored)
	assert.NotContains(t, string(stored.Ciphertext), apiKey)

	tok, err := m.AuthenticateWithDevice("dev1", apiKey, "user1")
	require.NoError(t, err)
	assert.Equal(t, "dev1", tok.DeviceID)
	assert.Equal(t, "user1", tok.UserID)
	assert.Equal(t, []string{"session:control"}, tok.Permissions)
	assert.NotEmpty(t, tok.Value)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	// The token is cached and served as the bearer value.
	bearer, ok := m.Bearer("dev1")
	require.True(t, ok)
	assert.Equal(t, tok.Value, bearer)
}

func TestAuthenticateWithWrongKey(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.GenerateAPIKey("dev1", "user1", nil)
	require.NoError(t, err)

	_, err = m.AuthenticateWithDevice("dev1", "wrong-key", "user1")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticateWithoutCredential(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.AuthenticateWithDevice("dev1", "whatever", "user1")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticateExpiredCredential(t *testing.T) {
	m, _ := newTestManager(t)

	apiKey, err := m.GenerateAPIKey("dev1", "user1", nil)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = m.AuthenticateWithDevice("dev1", apiKey, "user1")
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestTokenExpiryEvictsFromCache(t *testing.T) {
	m, _ := newTestManager(t)

	apiKey, err := m.GenerateAPIKey("dev1", "user1", nil)
	require.NoError(t, err)
	_, err = m.AuthenticateWithDevice("dev1", apiKey, "user1")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Nil(t, m.GetToken("dev1"))
	_, ok := m.Bearer("dev1")
	assert.False(t, ok)
}

func TestRefreshToken(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.GenerateAPIKey("dev1", "user1", []string{"frames:read"})
	require.NoError(t, err)

	tok, err := m.RefreshToken("dev1", "user1")
	require.NoError(t, err)
	assert.Equal(t, []string{"frames:read"}, tok.Permissions)

	_, err = m.RefreshToken("dev2", "user1")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestRevokeAccess(t *testing.T) {
	m, _ := newTestManager(t)

	apiKey, err := m.GenerateAPIKey("dev1", "user1", nil)
	require.NoError(t, err)
	_, err = m.AuthenticateWithDevice("dev1", apiKey, "user1")
	require.NoError(t, err)

	require.NoError(t, m.RevokeAccess("dev1", "user1"))

	assert.Nil(t, m.GetToken("dev1"))
	_, err = m.AuthenticateWithDevice("dev1", apiKey, "user1")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestChallengeHandshake(t *testing.T) {
	m, _ := newTestManager(t)

	apiKey, err := m.GenerateAPIKey("dev1", "user1", nil)
	require.NoError(t, err)

	ch, err := m.InitiateAuthChallenge("dev1", "user1")
	require.NoError(t, err)
	require.NotEmpty(t, ch.Nonce)

	sum := sha256.Sum256([]byte(ch.Nonce + ":" + apiKey))
	tok, err := m.CompleteAuthChallenge(ch.ID, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, "dev1", tok.DeviceID)

	// A challenge is consumed on completion.
	_, err = m.CompleteAuthChallenge(ch.ID, hex.EncodeToString(sum[:]))
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}

func TestChallengeWrongResponse(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.GenerateAPIKey("dev1", "user1", nil)
	require.NoError(t, err)

	ch, err := m.InitiateAuthChallenge("dev1", "user1")
	require.NoError(t, err)

	_, err = m.CompleteAuthChallenge(ch.ID, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestChallengeExpiry(t *testing.T) {
	m, _ := newTestManager(t)

	apiKey, err := m.GenerateAPIKey("dev1", "user1", nil)
	require.NoError(t, err)

	ch, err := m.InitiateAuthChallenge("dev1", "user1")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	sum := sha256.Sum256([]byte(ch.Nonce + ":" + apiKey))
	_, err = m.CompleteAuthChallenge(ch.ID, hex.EncodeToString(sum[:]))
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestUnknownChallenge(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CompleteAuthChallenge("no-such-challenge", "response")
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}
