package oauth

import (
	"fmt"
	"strings"
)

// Metadata is the authorization server metadata document.
// See https://datatracker.ietf.org/doc/html/rfc8414
type Metadata struct {
	Issuer                                     string   `json:"issuer" yaml:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint" yaml:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint" yaml:"token_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint" yaml:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests" yaml:"require_pushed_authorization_requests"`
	JwksURI                                    string   `json:"jwks_uri" yaml:"jwks_uri"`
	RevocationEndpoint                         string   `json:"revocation_endpoint,omitempty" yaml:"revocation_endpoint"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint,omitempty" yaml:"introspection_endpoint"`
	ScopesSupported                            []string `json:"scopes_supported" yaml:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported" yaml:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported" yaml:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported" yaml:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported" yaml:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported" yaml:"token_endpoint_auth_signing_alg_values_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported" yaml:"code_challenge_methods_supported"`
	RequestObjectSigningAlgValuesSupported     []string `json:"request_object_signing_alg_values_supported" yaml:"request_object_signing_alg_values_supported"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported" yaml:"dpop_signing_alg_values_supported"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported" yaml:"authorization_response_iss_parameter_supported"`
	ClientIDMetadataDocumentSupported          bool     `json:"client_id_metadata_document_supported" yaml:"client_id_metadata_document_supported"`
}

// Endpoint paths are fixed; only the issuer varies.
const (
	PathMetadata   = "/.well-known/oauth-authorization-server"
	PathJwks       = "/oauth/jwks"
	PathPar        = "/oauth/par"
	PathToken      = "/oauth/token"
	PathRevoke     = "/oauth/revoke"
	PathIntrospect = "/oauth/introspect"
	PathAuthorize  = "/oauth/authorize"
)

// BuildMetadata fills the metadata document for the given issuer origin.
func BuildMetadata(issuer string, scopes []string) Metadata {
	return Metadata{
		Issuer:                             issuer,
		AuthorizationEndpoint:              BuildURI(issuer, PathAuthorize),
		TokenEndpoint:                      BuildURI(issuer, PathToken),
		PushedAuthorizationRequestEndpoint: BuildURI(issuer, PathPar),
		RequirePushedAuthorizationRequests: true,
		JwksURI:                            BuildURI(issuer, PathJwks),
		RevocationEndpoint:                 BuildURI(issuer, PathRevoke),
		IntrospectionEndpoint:              BuildURI(issuer, PathIntrospect),
		ScopesSupported:                    scopes,
		ResponseTypesSupported:             []string{ResponseTypeCode},
		ResponseModesSupported:             []string{"query"},
		GrantTypesSupported:                []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported:  []string{AuthMethodNone, AuthMethodPrivateKeyJwt},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256", "ES384", "RS256"},
		CodeChallengeMethodsSupported:              []string{CodeChallengeMethodS256},
		RequestObjectSigningAlgValuesSupported:     []string{"ES256", "ES384", "RS256"},
		DpopSigningAlgValuesSupported:              []string{"ES256", "ES384", "RS256"},
		AuthorizationResponseIssParameterSupported: true,
		ClientIDMetadataDocumentSupported:          true,
	}
}

func BuildURI(base string, paths ...string) string {
	result := strings.TrimRight(base, "/")
	for _, p := range paths {
		if p == "" {
			continue
		}
		result = fmt.Sprintf("%s/%s", result, strings.Trim(p, "/"))
	}
	return result
}
