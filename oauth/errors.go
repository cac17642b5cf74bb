// Package oauth holds the protocol types shared by all server components:
// the OAuth error taxonomy, authorization parameters, server metadata and
// endpoint response bodies.
package oauth

import (
	"fmt"
	"net/http"
)

// Standard OAuth 2.1 error codes, plus the interaction outcomes
// defined by OpenID Connect Core for prompt handling.
const (
	ErrorInvalidRequest           = "invalid_request"
	ErrorInvalidClient            = "invalid_client"
	ErrorInvalidGrant             = "invalid_grant"
	ErrorUnauthorizedClient       = "unauthorized_client"
	ErrorUnsupportedGrantType     = "unsupported_grant_type"
	ErrorUnsupportedResponseType  = "unsupported_response_type"
	ErrorInvalidScope             = "invalid_scope"
	ErrorAccessDenied             = "access_denied"
	ErrorInvalidDpopProof         = "invalid_dpop_proof"
	ErrorUseDpopNonce             = "use_dpop_nonce"
	ErrorLoginRequired            = "login_required"
	ErrorConsentRequired          = "consent_required"
	ErrorAccountSelectionRequired = "account_selection_required"
	ErrorServerError              = "server_error"
	ErrorTemporarilyUnavailable   = "temporarily_unavailable"
)

// Error is the OAuth error body. It doubles as the internal error value:
// handlers return it and the provider middleware renders it as JSON or,
// once a redirect_uri has been validated, as an error redirect.
type Error struct {
	HttpStatus  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func NewError(status int, code, description string) *Error {
	return &Error{HttpStatus: status, Code: code, Description: description}
}

func InvalidRequest(description string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidRequest, description)
}

func InvalidClient(description string) *Error {
	return NewError(http.StatusUnauthorized, ErrorInvalidClient, description)
}

func InvalidGrant(description string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidGrant, description)
}

func UnauthorizedClient(description string) *Error {
	return NewError(http.StatusBadRequest, ErrorUnauthorizedClient, description)
}

func UnsupportedGrantType(description string) *Error {
	return NewError(http.StatusBadRequest, ErrorUnsupportedGrantType, description)
}

func InvalidScope(description string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidScope, description)
}

func AccessDenied(description string) *Error {
	return NewError(http.StatusForbidden, ErrorAccessDenied, description)
}

func InvalidDpopProof(description string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidDpopProof, description)
}

func ServerError(description string) *Error {
	return NewError(http.StatusInternalServerError, ErrorServerError, description)
}

func LoginRequired() *Error {
	return NewError(http.StatusBadRequest, ErrorLoginRequired, "User authentication is required")
}

func ConsentRequired() *Error {
	return NewError(http.StatusBadRequest, ErrorConsentRequired, "User consent is required")
}

func AccountSelectionRequired() *Error {
	return NewError(http.StatusBadRequest, ErrorAccountSelectionRequired, "Account selection is required")
}

// AsError coerces any error into an *Error. Store and I/O failures
// surface as server_error per the propagation rules.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if oe, ok := err.(*Error); ok {
		return oe
	}
	return ServerError(err.Error())
}

// RedirectError wraps an Error that occurred after the redirect_uri was
// validated: the authorize endpoint unwraps it into a 302 back to the
// client instead of rendering an error page.
type RedirectError struct {
	Err         *Error
	RedirectURI string
	State       string
}

func (e *RedirectError) Error() string {
	return e.Err.Error()
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}
