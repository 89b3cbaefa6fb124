package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gmshoot-go/internal/core/models"
)

// TokenScheme is the fixed prefix of device connection tokens, the
// QR-code-equivalent pairing format.
const TokenScheme = "gmshoot://"

// ErrInvalidToken reports a malformed connection token.
var ErrInvalidToken = errors.New("invalid connection token")

// ParseConnectionToken parses a pairing token of the form
// gmshoot://deviceId|displayName|host|port into an offline Device record.
func ParseConnectionToken(token string) (*models.Device, error) {
	if !strings.HasPrefix(token, TokenScheme) {
		return nil, fmt.Errorf("%w: missing %q scheme", ErrInvalidToken, TokenScheme)
	}

	fields := strings.Split(strings.TrimPrefix(token, TokenScheme), "|")
	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidToken, len(fields))
	}
	for i, f := range fields {
		if f == "" {
			return nil, fmt.Errorf("%w: field %d is empty", ErrInvalidToken, i+1)
		}
	}

	port, err := strconv.Atoi(fields[3])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidToken, fields[3])
	}

	return &models.Device{
		ID:      fields[0],
		Name:    fields[1],
		Address: fmt.Sprintf("%s:%d", fields[2], port),
		Status:  models.DeviceOffline,
	}, nil
}
