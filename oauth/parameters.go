package oauth

import (
	"fmt"
	"net/http"
	"strings"
)

// AuthorizationParameters are the validated query/JAR parameters of an
// authorization request. Form tags follow the wire names; the same struct
// is persisted with the request record.
type AuthorizationParameters struct {
	ClientID            string `json:"client_id" form:"client_id"`
	ResponseType        string `json:"response_type" form:"response_type"`
	RedirectURI         string `json:"redirect_uri" form:"redirect_uri"`
	Scope               string `json:"scope,omitempty" form:"scope"`
	State               string `json:"state,omitempty" form:"state"`
	CodeChallenge       string `json:"code_challenge,omitempty" form:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty" form:"code_challenge_method"`
	LoginHint           string `json:"login_hint,omitempty" form:"login_hint"`
	Prompt              string `json:"prompt,omitempty" form:"prompt"`
	DpopJkt             string `json:"dpop_jkt,omitempty" form:"dpop_jkt"`
	Nonce               string `json:"nonce,omitempty" form:"nonce"`
}

// Scopes splits the scope parameter on spaces, dropping empty entries.
func (p *AuthorizationParameters) Scopes() []string {
	return SplitScope(p.Scope)
}

func (p *AuthorizationParameters) HasScope(scope string) bool {
	for _, s := range p.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

func SplitScope(scope string) []string {
	parts := strings.Fields(scope)
	return parts
}

// ValidationError builds the canonical message for a failed parameter.
func ValidationError(field, location string) *Error {
	return InvalidRequest(fmt.Sprintf("Validation of %s %s parameter failed", field, location))
}

// ClientAuth records how the client authenticated on a particular request.
// A code or refresh token minted under one method cannot be redeemed under
// another, so the record is persisted with requests and tokens.
type ClientAuth struct {
	Method string `json:"method"`
	Kid    string `json:"kid,omitempty"`
	Alg    string `json:"alg,omitempty"`
	Jkt    string `json:"jkt,omitempty"`
}

func (a *ClientAuth) Matches(other *ClientAuth) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.Method == other.Method
}

// RequestMetadata captures the user agent a device is bound to.
type RequestMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	Locale    string `json:"locale,omitempty"`
}

func RequestMetadataFromRequest(r *http.Request, realIP string) RequestMetadata {
	locale := r.Header.Get("Accept-Language")
	if i := strings.IndexAny(locale, ",;"); i > 0 {
		locale = locale[:i]
	}
	return RequestMetadata{
		IPAddress: realIP,
		UserAgent: r.UserAgent(),
		Locale:    locale,
	}
}
