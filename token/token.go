// Package token creates, refreshes, revokes and introspects the tokens
// issued for an authorized request. One record covers a whole grant: the
// access token jti stays stable across refreshes, so revoking the record
// kills the entire lineage at once.
package token

import (
	"context"
	"time"

	"github.com/polaris-id/polaris/oauth"
)

// Token is the stored state of one grant.
type Token struct {
	ID             string                        `json:"id"`
	ClientID       string                        `json:"client_id"`
	ClientAuth     oauth.ClientAuth              `json:"client_auth"`
	Sub            string                        `json:"sub"`
	DeviceID       string                        `json:"device_id,omitempty"`
	RequestURI     string                        `json:"request_uri,omitempty"`
	Parameters     oauth.AuthorizationParameters `json:"parameters"`
	CreatedAt      time.Time                     `json:"created_at"`
	UpdatedAt      time.Time                     `json:"updated_at"`
	ExpiresAt      time.Time                     `json:"expires_at"`
	CurrentRefresh string                        `json:"current_refresh,omitempty"`
	RotationCount  int                           `json:"rotation_count"`
	Revoked        bool                          `json:"revoked"`
}

// Store persists token records. GetTokenForRefresh must resolve rotated-
// out refresh tokens too, so replays can be attributed to their lineage.
// RotateRefresh must be conditional on the current refresh value.
type Store interface {
	PutToken(ctx context.Context, t *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	// GetTokenForRefresh resolves any refresh value ever issued for a
	// record, current or rotated out.
	GetTokenForRefresh(ctx context.Context, refresh string) (*Token, error)
	// RotateRefresh installs newRefresh iff oldRefresh is still the
	// current one, updating the passed record. Returns false when
	// another rotation won.
	RotateRefresh(ctx context.Context, t *Token, oldRefresh, newRefresh string) (bool, error)
	RevokeToken(ctx context.Context, id string) error
	FindByRequestURI(ctx context.Context, uri string) ([]*Token, error)
	DeleteToken(ctx context.Context, id string) error
}
