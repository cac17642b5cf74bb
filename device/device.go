// Package device issues and verifies the device identifier bound to a
// user-agent session. The identifier travels as a signed cookie pair:
// the id cookie is a lookup key, the secret cookie proves possession.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/polaris-id/polaris/oauth"
)

type Device struct {
	ID         string                `json:"id"`
	SecretHash string                `json:"secret_hash"`
	Metadata   oauth.RequestMetadata `json:"metadata"`
	CreatedAt  time.Time             `json:"created_at"`
	LastSeenAt time.Time             `json:"last_seen_at"`
}

type Store interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	PutDevice(ctx context.Context, d *Device) error
	DeleteDevice(ctx context.Context, id string) error
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
