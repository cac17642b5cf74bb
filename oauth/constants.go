package oauth

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	ResponseTypeCode = "code"

	TokenTypeBearer = "Bearer"
	TokenTypeDPoP   = "DPoP"

	AuthMethodNone          = "none"
	AuthMethodPrivateKeyJwt = "private_key_jwt"

	ClientAssertionTypeJwtBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"

	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"

	ApplicationTypeWeb    = "web"
	ApplicationTypeNative = "native"

	// Conventional refresh-token scope. Refresh tokens are issued when the
	// client's grant_types include refresh_token, whether or not this scope
	// was requested.
	ScopeOfflineAccess = "offline_access"

	RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"
	CodePrefix       = "cod-"
	RefreshPrefix    = "ref-"
	TokenIDPrefix    = "tok-"
)
