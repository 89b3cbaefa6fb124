package device

import (
	"testing"

	"gmshoot-go/internal/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionToken(t *testing.T) {
	dev, err := ParseConnectionToken("gmshoot://pi-01|Garage Range|192.168.1.50|8080")
	require.NoError(t, err)

	assert.Equal(t, "pi-01", dev.ID)
	assert.Equal(t, "Garage Range", dev.Name)
	assert.Equal(t, "192.168.1.50:8080", dev.Address)
	assert.Equal(t, models.DeviceOffline, dev.Status)
	assert.Equal(t, "192.168.1.50:8080", dev.Endpoint())
}

func TestParseConnectionTokenRejectsMalformed(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"wrong scheme", "http://pi-01|Name|host|8080"},
		{"missing scheme", "pi-01|Name|host|8080"},
		{"too few fields", "gmshoot://pi-01|Name|host"},
		{"too many fields", "gmshoot://pi-01|Name|host|8080|extra"},
		{"empty device id", "gmshoot://|Name|host|8080"},
		{"empty name", "gmshoot://pi-01||host|8080"},
		{"empty host", "gmshoot://pi-01|Name||8080"},
		{"empty port", "gmshoot://pi-01|Name|host|"},
		{"non-numeric port", "gmshoot://pi-01|Name|host|abc"},
		{"port zero", "gmshoot://pi-01|Name|host|0"},
		{"port too large", "gmshoot://pi-01|Name|host|70000"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConnectionToken(tc.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestEndpointPrefersTunnelAddress(t *testing.T) {
	dev, err := ParseConnectionToken("gmshoot://pi-01|Name|192.168.1.50|8080")
	require.NoError(t, err)

	dev.TunnelAddress = "tunnel.example.org:443"
	assert.Equal(t, "tunnel.example.org:443", dev.Endpoint())
}
