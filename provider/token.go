package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/polaris-id/polaris/client"
	"github.com/polaris-id/polaris/dpop"
	"github.com/polaris-id/polaris/oauth"
	"github.com/polaris-id/polaris/token"
)

// TokenEndpoint handles the authorization_code and refresh_token grants.
func (p *Provider) TokenEndpoint(c echo.Context) error {
	proof, oerr := p.checkDpop(c, dpop.CheckOptions{})
	if oerr != nil {
		return oerr
	}
	dpopJkt := ""
	if proof != nil {
		dpopJkt = proof.KeyThumbprint
	}

	cl, auth, oerr := p.verifyClient(c)
	if oerr != nil {
		return oerr
	}

	grantType := c.FormValue("grant_type")
	if grantType == "" {
		return oauth.ValidationError("grant_type", "body")
	}
	if !p.serverAllowsGrantType(grantType) {
		return oauth.UnsupportedGrantType(fmt.Sprintf("unsupported grant type: %q", grantType))
	}
	if !cl.AllowsGrantType(grantType) {
		return oauth.UnauthorizedClient(fmt.Sprintf("client is not allowed to use grant type %q", grantType))
	}

	switch grantType {
	case oauth.GrantTypeAuthorizationCode:
		return p.tokenAuthorizationCode(c, cl, auth, dpopJkt)
	case oauth.GrantTypeRefreshToken:
		return p.tokenRefresh(c, cl, auth, dpopJkt)
	default:
		return oauth.UnsupportedGrantType(fmt.Sprintf("unsupported grant type: %q", grantType))
	}
}

func (p *Provider) serverAllowsGrantType(grantType string) bool {
	for _, gt := range p.metadata.GrantTypesSupported {
		if gt == grantType {
			return true
		}
	}
	return false
}

func (p *Provider) tokenAuthorizationCode(c echo.Context, cl *client.Client, auth *oauth.ClientAuth, dpopJkt string) error {
	ctx := c.Request().Context()

	code := c.FormValue("code")
	reqInfo, replayedURI, oerr := p.requests.FindCode(ctx, cl, auth, code)
	if oerr != nil {
		if replayedURI != "" {
			// the code lineage is burnt: revoke anything minted from it
			p.metrics.count(ctx, p.metrics.codeReuse, cl.ID)
			if err := p.tokens.RevokeByRequestURI(ctx, replayedURI); err != nil {
				return oauth.ServerError(err.Error())
			}
		}
		return oerr
	}

	acct, err := p.accounts.GetAccount(ctx, reqInfo.Sub)
	if err != nil {
		return oauth.ServerError(err.Error())
	}
	if acct == nil {
		return oauth.InvalidGrant("account no longer exists")
	}

	input := token.CreateInput{
		CodeVerifier: c.FormValue("code_verifier"),
		RedirectURI:  c.FormValue("redirect_uri"),
	}
	resp, oerr := p.tokens.Create(ctx, cl, auth, reqInfo, acct, dpopJkt, input)
	if oerr != nil {
		return oerr
	}

	p.metrics.count(ctx, p.metrics.tokensIssued, cl.ID)
	return c.JSON(http.StatusOK, resp)
}

func (p *Provider) tokenRefresh(c echo.Context, cl *client.Client, auth *oauth.ClientAuth, dpopJkt string) error {
	ctx := c.Request().Context()

	resp, oerr := p.tokens.Refresh(ctx, cl, auth, c.FormValue("refresh_token"), dpopJkt)
	if oerr != nil {
		return oerr
	}
	p.metrics.count(ctx, p.metrics.tokensRefreshed, cl.ID)
	return c.JSON(http.StatusOK, resp)
}

// RevokeEndpoint implements RFC 7009. Revocation always reports success
// so callers cannot probe token existence.
func (p *Provider) RevokeEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	tokenValue := c.FormValue("token")
	switch {
	case tokenValue == "":
	case strings.HasPrefix(tokenValue, oauth.CodePrefix):
		// an unredeemed authorization code revokes its whole request
		if uri, err := p.requests.RevokeCode(ctx, tokenValue); err == nil && uri != "" {
			if err := p.tokens.RevokeByRequestURI(ctx, uri); err != nil {
				slog.Error("revoke by code failed", "error", err)
			}
		}
	default:
		if err := p.tokens.Revoke(ctx, tokenValue); err != nil {
			// the response stays 200 either way (RFC 7009 §2.2)
			slog.Error("revoke failed", "error", err)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

const introspectionFloor = 750 * time.Millisecond

// IntrospectEndpoint implements RFC 7662 for the token's own client.
// Invalid tokens take the same time as unknown ones and report only
// {active: false}.
func (p *Provider) IntrospectEndpoint(c echo.Context) error {
	ctx := c.Request().Context()
	started := time.Now()

	inactive := func() error {
		// pad so rejection timing does not reveal why
		remaining := introspectionFloor - time.Since(started)
		if remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return c.JSON(http.StatusOK, &oauth.IntrospectionResponse{Active: false})
	}

	cl, auth, oerr := p.verifyClient(c)
	if oerr != nil {
		return inactive()
	}

	t, oerr := p.tokens.ClientTokenInfo(ctx, cl, auth, c.FormValue("token"))
	if oerr != nil || time.Now().After(t.ExpiresAt) {
		return inactive()
	}

	resp := &oauth.IntrospectionResponse{
		Active:    true,
		Scope:     t.Parameters.Scope,
		ClientID:  t.ClientID,
		TokenType: oauth.TokenTypeBearer,
		Exp:       t.ExpiresAt.Unix(),
		Iat:       t.UpdatedAt.Unix(),
		Sub:       t.Sub,
		Iss:       p.cfg.Issuer,
		Jti:       t.ID,
	}
	if t.Parameters.DpopJkt != "" {
		resp.TokenType = oauth.TokenTypeDPoP
		resp.Cnf = &oauth.Cnf{Jkt: t.Parameters.DpopJkt}
	}
	if acct, err := p.accounts.GetAccount(ctx, t.Sub); err == nil && acct != nil {
		resp.Username = acct.Handle
	}
	return c.JSON(http.StatusOK, resp)
}
