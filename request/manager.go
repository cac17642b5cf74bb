package request

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/polaris-id/polaris/client"
	"github.com/polaris-id/polaris/oauth"
	"github.com/polaris-id/polaris/replay"
)

const (
	requestTTL = 300 * time.Second
	// sliding extension granted on interactive retrievals, bounded by maxTTL
	slideTTL = 60 * time.Second
	maxTTL   = 900 * time.Second
	codeTTL  = 60 * time.Second
)

type ManagerConfig struct {
	// AllowPlainCodeChallenge permits the "plain" PKCE method for
	// confidential clients. S256 is always accepted.
	AllowPlainCodeChallenge bool
}

type Manager struct {
	cfg    ManagerConfig
	store  Store
	replay *replay.Manager
}

func NewManager(cfg ManagerConfig, store Store, replayManager *replay.Manager) *Manager {
	return &Manager{cfg: cfg, store: store, replay: replayManager}
}

// Info is what callers get back about a created or retrieved request.
type Info struct {
	URI        string
	ExpiresAt  time.Time
	Parameters oauth.AuthorizationParameters
	ClientID   string
	ClientAuth oauth.ClientAuth
	DeviceID   string
	Sub        string
}

func info(r *Request) *Info {
	return &Info{
		URI:        r.URI,
		ExpiresAt:  r.ExpiresAt,
		Parameters: r.Parameters,
		ClientID:   r.ClientID,
		ClientAuth: r.ClientAuth,
		DeviceID:   r.DeviceID,
		Sub:        r.Sub,
	}
}

// Create validates the parameters against the client and persists a new
// request under a fresh unguessable uri.
func (m *Manager) Create(ctx context.Context, c *client.Client, auth *oauth.ClientAuth, params oauth.AuthorizationParameters, deviceID, dpopJkt string) (*Info, *oauth.Error) {
	if params.ResponseType != oauth.ResponseTypeCode {
		return nil, oauth.NewError(http.StatusBadRequest, oauth.ErrorUnsupportedResponseType, fmt.Sprintf("unsupported response_type: %q", params.ResponseType))
	}
	if !c.AllowsGrantType(oauth.GrantTypeAuthorizationCode) {
		return nil, oauth.UnauthorizedClient("client is not allowed to use the authorization_code grant")
	}

	if params.RedirectURI == "" {
		if len(c.Metadata.RedirectURIs) != 1 {
			return nil, oauth.ValidationError("redirect_uri", "body")
		}
		params.RedirectURI = c.Metadata.RedirectURIs[0]
	} else if !c.IsAllowedRedirectURI(params.RedirectURI) {
		return nil, oauth.ValidationError("redirect_uri", "body")
	}

	if !c.IsAllowedScopes(params.Scopes()) {
		return nil, oauth.InvalidScope(fmt.Sprintf("scope not allowed: %q", params.Scope))
	}

	switch params.CodeChallengeMethod {
	case "":
		if params.CodeChallenge != "" {
			params.CodeChallengeMethod = oauth.CodeChallengeMethodS256
		}
	case oauth.CodeChallengeMethodS256:
	case oauth.CodeChallengeMethodPlain:
		if !m.cfg.AllowPlainCodeChallenge || auth.Method == oauth.AuthMethodNone {
			return nil, oauth.InvalidRequest("code_challenge_method \"plain\" is not allowed")
		}
	default:
		return nil, oauth.ValidationError("code_challenge_method", "body")
	}
	if params.CodeChallenge == "" {
		return nil, oauth.ValidationError("code_challenge", "body")
	}

	// a challenge may back exactly one authorization
	ok, err := m.replay.UniqueCodeChallenge(ctx, params.CodeChallenge)
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}
	if !ok {
		return nil, oauth.InvalidGrant("code_challenge was already used")
	}

	if dpopJkt != "" {
		if params.DpopJkt != "" && params.DpopJkt != dpopJkt {
			return nil, oauth.InvalidRequest("dpop_jkt does not match DPoP proof key")
		}
		params.DpopJkt = dpopJkt
	}

	now := time.Now()
	r := &Request{
		URI:        oauth.RequestURIPrefix + oauth.NewSecret(32),
		ClientID:   c.ID,
		ClientAuth: *auth,
		Parameters: params,
		State:      StatePending,
		DeviceID:   deviceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(requestTTL),
	}
	if deviceID != "" {
		r.State = StateBound
	}

	if err := m.store.CreateRequest(ctx, r); err != nil {
		return nil, oauth.ServerError(fmt.Sprintf("persist request: %v", err))
	}
	return info(r), nil
}

// Get loads a request for an interactive step, binding it to the device
// on first sight and extending its lifetime by a bounded slide.
func (m *Manager) Get(ctx context.Context, uri, deviceID, expectedClientID string) (*Info, *oauth.Error) {
	r, err := m.store.GetRequest(ctx, uri)
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}
	now := time.Now()
	if r == nil || r.Expired(now) || r.State == StateConsumed {
		return nil, oauth.InvalidGrant("unknown or expired request_uri")
	}
	if expectedClientID != "" && r.ClientID != expectedClientID {
		return nil, oauth.InvalidGrant("request_uri was issued to another client")
	}
	if r.DeviceID != "" && deviceID != "" && r.DeviceID != deviceID {
		return nil, oauth.InvalidGrant("request_uri is bound to another device")
	}

	changed := false
	if r.DeviceID == "" && deviceID != "" {
		r.DeviceID = deviceID
		r.State = StateBound
		changed = true
	}
	if slid := now.Add(slideTTL); slid.After(r.ExpiresAt) {
		if limit := r.CreatedAt.Add(maxTTL); slid.After(limit) {
			slid = limit
		}
		if slid.After(r.ExpiresAt) {
			r.ExpiresAt = slid
			changed = true
		}
	}
	if changed {
		if err := m.store.UpdateRequest(ctx, r); err != nil {
			return nil, oauth.ServerError(err.Error())
		}
	}
	return info(r), nil
}

// SetAuthorized issues the authorization code. It succeeds at most once
// per request.
func (m *Manager) SetAuthorized(ctx context.Context, uri, deviceID, sub string) (string, *oauth.Error) {
	r, err := m.store.GetRequest(ctx, uri)
	if err != nil {
		return "", oauth.ServerError(err.Error())
	}
	now := time.Now()
	if r == nil || r.Expired(now) {
		return "", oauth.InvalidGrant("unknown or expired request_uri")
	}
	if r.State == StateAuthorized || r.State == StateConsumed {
		return "", oauth.InvalidGrant("request was already authorized")
	}
	if r.DeviceID == "" || r.DeviceID != deviceID {
		return "", oauth.InvalidGrant("request is not bound to this device")
	}

	r.Code = oauth.CodePrefix + oauth.NewSecret(32)
	r.Sub = sub
	r.State = StateAuthorized
	r.CodeExpiresAt = now.Add(codeTTL)
	if err := m.store.UpdateRequest(ctx, r); err != nil {
		return "", oauth.ServerError(err.Error())
	}
	return r.Code, nil
}

// FindCode atomically consumes an authorization code for the token
// endpoint. The replayedURI return is non-empty when the code had
// already been spent, or was consumed now but failed the expiry, client
// or client-auth check: the caller must revoke every token derived from
// that request.
func (m *Manager) FindCode(ctx context.Context, c *client.Client, auth *oauth.ClientAuth, code string) (*Info, string, *oauth.Error) {
	if code == "" {
		return nil, "", oauth.ValidationError("code", "body")
	}
	r, consumed, err := m.store.ConsumeCode(ctx, code)
	if err != nil {
		return nil, "", oauth.ServerError(err.Error())
	}
	if r == nil {
		return nil, "", oauth.InvalidGrant("invalid code")
	}
	if !consumed {
		// double spend: burn the lineage
		return nil, r.URI, oauth.InvalidGrant("code was already used")
	}

	fail := func(desc string) (*Info, string, *oauth.Error) {
		// the code is consumed either way; report the lineage so any
		// sibling artifacts get revoked
		return nil, r.URI, oauth.InvalidGrant(desc)
	}

	now := time.Now()
	if now.After(r.CodeExpiresAt) || r.Expired(now) {
		return fail("code is expired")
	}
	if r.ClientID != c.ID {
		return fail("code was issued to another client")
	}
	if !r.ClientAuth.Matches(auth) {
		return fail("client authentication method changed between authorization and token request")
	}
	return info(r), "", nil
}

// RevokeCode spends a code without redeeming it, for revocation by code.
// Returns the owning request uri so derived tokens can be revoked too.
func (m *Manager) RevokeCode(ctx context.Context, code string) (string, error) {
	r, _, err := m.store.ConsumeCode(ctx, code)
	if err != nil || r == nil {
		return "", err
	}
	return r.URI, nil
}

// Delete removes a request. Idempotent.
func (m *Manager) Delete(ctx context.Context, uri string) error {
	return m.store.DeleteRequest(ctx, uri)
}
