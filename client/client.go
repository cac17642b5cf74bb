// Package client resolves, caches and validates OAuth client metadata,
// verifies client credentials and decodes JWT-secured authorization
// requests. Client ids are URLs pointing at a metadata document.
package client

import (
	"encoding/json"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/polaris-id/polaris/oauth"
)

// Metadata is the client metadata document published under the client id.
type Metadata struct {
	ClientID                    string          `json:"client_id"`
	ClientName                  string          `json:"client_name,omitempty"`
	ClientURI                   string          `json:"client_uri,omitempty"`
	LogoURI                     string          `json:"logo_uri,omitempty"`
	RedirectURIs                []string        `json:"redirect_uris"`
	GrantTypes                  []string        `json:"grant_types"`
	ResponseTypes               []string        `json:"response_types"`
	Scope                       string          `json:"scope,omitempty"`
	TokenEndpointAuthMethod     string          `json:"token_endpoint_auth_method"`
	TokenEndpointAuthSigningAlg string          `json:"token_endpoint_auth_signing_alg,omitempty"`
	ApplicationType             string          `json:"application_type,omitempty"`
	DpopBoundAccessTokens       bool            `json:"dpop_bound_access_tokens"`
	Jwks                        json.RawMessage `json:"jwks,omitempty"`
	JwksURI                     string          `json:"jwks_uri,omitempty"`
}

// Info carries server-side client attributes that are not part of the
// published document.
type Info struct {
	IsFirstParty bool `json:"is_first_party"`
}

// Client is resolved metadata plus server-side info. Immutable within a
// request.
type Client struct {
	ID       string
	Metadata Metadata
	Info     Info
}

func (c *Client) IsAllowedRedirectURI(redirectURI string) bool {
	for _, uri := range c.Metadata.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.Metadata.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// IsAllowedScopes checks every requested scope against the registered
// scope list. An empty registered scope allows nothing but the empty
// request.
func (c *Client) IsAllowedScopes(requested []string) bool {
	registered := map[string]bool{}
	for _, s := range oauth.SplitScope(c.Metadata.Scope) {
		registered[s] = true
	}
	for _, s := range requested {
		if !registered[s] {
			return false
		}
	}
	return true
}

// CheckClientAuth enforces the metadata policy on a performed client
// authentication. Native clients must use none (RFC 8252 §8.4).
func (c *Client) CheckClientAuth(auth *oauth.ClientAuth) *oauth.Error {
	if c.Metadata.ApplicationType == oauth.ApplicationTypeNative && auth.Method != oauth.AuthMethodNone {
		return oauth.InvalidGrant("native clients must authenticate using the \"none\" method")
	}
	if auth.Method != c.Metadata.TokenEndpointAuthMethod {
		return oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "client authentication method mismatch")
	}
	return nil
}

func (c *Client) parseEmbeddedJwks() (jwk.Set, error) {
	if len(c.Metadata.Jwks) == 0 {
		return nil, nil
	}
	return jwk.Parse(c.Metadata.Jwks)
}
