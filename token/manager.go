package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polaris-id/polaris/account"
	"github.com/polaris-id/polaris/client"
	"github.com/polaris-id/polaris/keys"
	"github.com/polaris-id/polaris/oauth"
	"github.com/polaris-id/polaris/request"
)

const (
	defaultTokenMaxAge = 60 * time.Minute
	minTokenMaxAge     = 5 * time.Minute
	refreshLifetime    = 90 * 24 * time.Hour
	refreshIdleTimeout = 14 * 24 * time.Hour
)

type ManagerConfig struct {
	TokenMaxAge time.Duration
}

type Manager struct {
	cfg    ManagerConfig
	store  Store
	signer *keys.Signer
}

func NewManager(cfg ManagerConfig, store Store, signer *keys.Signer) *Manager {
	if cfg.TokenMaxAge == 0 {
		cfg.TokenMaxAge = defaultTokenMaxAge
	}
	if cfg.TokenMaxAge < minTokenMaxAge {
		cfg.TokenMaxAge = minTokenMaxAge
	}
	return &Manager{cfg: cfg, store: store, signer: signer}
}

// CreateInput is the authorization_code grant body.
type CreateInput struct {
	CodeVerifier string `form:"code_verifier"`
	RedirectURI  string `form:"redirect_uri"`
}

// Create validates PKCE and DPoP binding for a consumed authorization
// request and issues the token pair.
func (m *Manager) Create(ctx context.Context, c *client.Client, auth *oauth.ClientAuth, req *request.Info, acct *account.Account, dpopJkt string, input CreateInput) (*oauth.TokenResponse, *oauth.Error) {
	params := req.Parameters

	if oerr := checkPkce(params, input.CodeVerifier); oerr != nil {
		return nil, oerr
	}
	if input.RedirectURI != "" && input.RedirectURI != params.RedirectURI {
		return nil, oauth.InvalidGrant("redirect_uri does not match the authorization request")
	}

	if params.DpopJkt != "" {
		if dpopJkt == "" {
			return nil, oauth.InvalidGrant("authorization is DPoP-bound, a DPoP proof is required")
		}
		if dpopJkt != params.DpopJkt {
			return nil, oauth.InvalidGrant("DPoP proof key does not match the authorization")
		}
	} else {
		if c.Metadata.DpopBoundAccessTokens {
			return nil, oauth.InvalidGrant("client requires DPoP-bound access tokens")
		}
		if dpopJkt != "" {
			return nil, oauth.InvalidGrant("authorization was not DPoP-bound")
		}
	}

	now := time.Now()
	t := &Token{
		ID:         oauth.TokenIDPrefix + oauth.NewSecret(24),
		ClientID:   c.ID,
		ClientAuth: *auth,
		Sub:        acct.Sub,
		DeviceID:   req.DeviceID,
		RequestURI: req.URI,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.TokenMaxAge),
	}
	if c.AllowsGrantType(oauth.GrantTypeRefreshToken) {
		t.CurrentRefresh = oauth.RefreshPrefix + oauth.NewSecret(32)
	}

	if err := m.store.PutToken(ctx, t); err != nil {
		return nil, oauth.ServerError(fmt.Sprintf("persist token: %v", err))
	}

	return m.tokenResponse(t, acct)
}

// Refresh rotates the refresh token. Presenting a rotated-out refresh
// revokes the entire lineage.
func (m *Manager) Refresh(ctx context.Context, c *client.Client, auth *oauth.ClientAuth, refreshToken, dpopJkt string) (*oauth.TokenResponse, *oauth.Error) {
	if refreshToken == "" {
		return nil, oauth.ValidationError("refresh_token", "body")
	}
	t, err := m.store.GetTokenForRefresh(ctx, refreshToken)
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}
	if t == nil || t.Revoked {
		return nil, oauth.InvalidGrant("invalid refresh_token")
	}
	if t.ClientID != c.ID {
		return nil, oauth.InvalidGrant("refresh_token was issued to another client")
	}
	if !t.ClientAuth.Matches(auth) {
		return nil, oauth.InvalidGrant("client authentication method changed since the token was issued")
	}

	if refreshToken != t.CurrentRefresh {
		// replay of a rotated-out refresh: burn everything
		slog.Warn("refresh token replay detected", "token", t.ID, "client", t.ClientID)
		if err := m.store.RevokeToken(ctx, t.ID); err != nil {
			slog.Error("revoke lineage failed", "token", t.ID, "error", err)
		}
		return nil, oauth.InvalidGrant("refresh_token was already used")
	}

	now := time.Now()
	if now.Sub(t.CreatedAt) > refreshLifetime || now.Sub(t.UpdatedAt) > refreshIdleTimeout {
		m.store.RevokeToken(ctx, t.ID)
		return nil, oauth.InvalidGrant("refresh_token is expired")
	}

	if t.Parameters.DpopJkt != "" && dpopJkt != t.Parameters.DpopJkt {
		return nil, oauth.InvalidGrant("DPoP proof key does not match the token")
	}

	next := oauth.RefreshPrefix + oauth.NewSecret(32)
	t.UpdatedAt = now
	t.ExpiresAt = now.Add(m.cfg.TokenMaxAge)
	t.RotationCount++
	rotated, err := m.store.RotateRefresh(ctx, t, refreshToken, next)
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}
	if !rotated {
		// lost a concurrent rotation race: same as a replay
		m.store.RevokeToken(ctx, t.ID)
		return nil, oauth.InvalidGrant("refresh_token was already used")
	}
	t.CurrentRefresh = next

	return m.tokenResponse(t, nil)
}

func (m *Manager) tokenResponse(t *Token, acct *account.Account) (*oauth.TokenResponse, *oauth.Error) {
	aud := ""
	if acct != nil {
		aud = acct.Aud
	}
	accessToken, err := m.signer.SignAccessToken(keys.AccessClaims{
		Jti:      t.ID,
		Sub:      t.Sub,
		Aud:      aud,
		ClientID: t.ClientID,
		Scope:    t.Parameters.Scope,
		Jkt:      t.Parameters.DpopJkt,
		IssuedAt: t.UpdatedAt,
		Expiry:   t.ExpiresAt,
	})
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}

	tokenType := oauth.TokenTypeBearer
	if t.Parameters.DpopJkt != "" {
		tokenType = oauth.TokenTypeDPoP
	}
	return &oauth.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenType,
		ExpiresIn:    int(time.Until(t.ExpiresAt).Seconds()),
		RefreshToken: t.CurrentRefresh,
		Scope:        t.Parameters.Scope,
		Sub:          t.Sub,
	}, nil
}

// Revoke accepts an access token, a refresh token or a token id and
// revokes the lineage. Best effort, idempotent.
func (m *Manager) Revoke(ctx context.Context, tokenValue string) error {
	t, err := m.resolve(ctx, tokenValue)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	return m.store.RevokeToken(ctx, t.ID)
}

// RevokeByRequestURI revokes every token derived from an authorization
// request. Used when a code replay is detected.
func (m *Manager) RevokeByRequestURI(ctx context.Context, uri string) error {
	tokens, err := m.store.FindByRequestURI(ctx, uri)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if err := m.store.RevokeToken(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

// ClientTokenInfo serves introspection: only the token's own client may
// ask, and any failure reads as inactive upstream.
func (m *Manager) ClientTokenInfo(ctx context.Context, c *client.Client, auth *oauth.ClientAuth, tokenValue string) (*Token, *oauth.Error) {
	t, err := m.resolve(ctx, tokenValue)
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}
	if t == nil || t.Revoked {
		return nil, oauth.InvalidGrant("invalid token")
	}
	if t.ClientID != c.ID || !t.ClientAuth.Matches(auth) {
		return nil, oauth.InvalidGrant("token belongs to another client")
	}
	return t, nil
}

// AuthenticateTokenID is the resource-server validation path for opaque
// token ids: it checks liveness and the DPoP binding.
func (m *Manager) AuthenticateTokenID(ctx context.Context, tokenID, dpopJkt string) (*Token, *oauth.Error) {
	t, err := m.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}
	if t == nil || t.Revoked || time.Now().After(t.ExpiresAt) {
		return nil, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidGrant, "invalid token")
	}
	if t.Parameters.DpopJkt != "" && t.Parameters.DpopJkt != dpopJkt {
		return nil, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidGrant, "DPoP key binding mismatch")
	}
	return t, nil
}

// resolve maps any presented token shape onto its record.
func (m *Manager) resolve(ctx context.Context, tokenValue string) (*Token, error) {
	switch {
	case tokenValue == "":
		return nil, nil
	case strings.HasPrefix(tokenValue, oauth.RefreshPrefix):
		return m.store.GetTokenForRefresh(ctx, tokenValue)
	case strings.HasPrefix(tokenValue, oauth.TokenIDPrefix):
		return m.store.GetToken(ctx, tokenValue)
	case strings.Count(tokenValue, ".") == 2:
		tok, err := m.signer.VerifyAccessToken(tokenValue)
		if err != nil {
			// unverifiable JWTs are simply unknown
			return nil, nil
		}
		return m.store.GetToken(ctx, tok.JwtID())
	default:
		return nil, nil
	}
}

// checkPkce verifies the code_verifier against the stored challenge.
func checkPkce(params oauth.AuthorizationParameters, verifier string) *oauth.Error {
	if params.CodeChallenge == "" {
		if verifier != "" {
			return oauth.InvalidGrant("code_verifier without code_challenge")
		}
		return nil
	}
	if verifier == "" {
		return oauth.ValidationError("code_verifier", "body")
	}
	switch params.CodeChallengeMethod {
	case oauth.CodeChallengeMethodS256, "":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if !oauth.ConstantTimeEqual(computed, params.CodeChallenge) {
			return oauth.InvalidGrant("invalid code_verifier")
		}
	case oauth.CodeChallengeMethodPlain:
		if !oauth.ConstantTimeEqual(verifier, params.CodeChallenge) {
			return oauth.InvalidGrant("invalid code_verifier")
		}
	default:
		return oauth.InvalidGrant(fmt.Sprintf("unsupported code_challenge_method: %q", params.CodeChallengeMethod))
	}
	return nil
}
