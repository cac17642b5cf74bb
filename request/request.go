// Package request owns the authorization request record through its
// lifecycle: pushed or submitted, bound to a device, authorized with a
// code, and consumed at the token endpoint.
package request

import (
	"context"
	"time"

	"github.com/polaris-id/polaris/oauth"
)

type State string

const (
	StatePending    State = "pending"
	StateBound      State = "bound"
	StateAuthorized State = "authorized"
	StateConsumed   State = "consumed"
)

// Request is one authorization request, keyed by its opaque request_uri.
type Request struct {
	URI           string                        `json:"uri"`
	ClientID      string                        `json:"client_id"`
	ClientAuth    oauth.ClientAuth              `json:"client_auth"`
	Parameters    oauth.AuthorizationParameters `json:"parameters"`
	State         State                         `json:"state"`
	DeviceID      string                        `json:"device_id,omitempty"`
	Sub           string                        `json:"sub,omitempty"`
	Code          string                        `json:"code,omitempty"`
	CreatedAt     time.Time                     `json:"created_at"`
	ExpiresAt     time.Time                     `json:"expires_at"`
	CodeExpiresAt time.Time                     `json:"code_expires_at,omitempty"`
}

func (r *Request) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store persists requests. Create must be a conditional insert on the
// uri; ConsumeCode must atomically transition authorized -> consumed so
// a code can never be spent twice.
type Store interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, uri string) (*Request, error)
	UpdateRequest(ctx context.Context, r *Request) error
	DeleteRequest(ctx context.Context, uri string) error

	// ConsumeCode returns the request holding the code. The bool
	// reports whether this call performed the authorized -> consumed
	// transition; false means the code was already spent.
	ConsumeCode(ctx context.Context, code string) (*Request, bool, error)
}
