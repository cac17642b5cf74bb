package client

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/polaris-id/polaris/oauth"
)

const (
	cacheTTL     = 10 * time.Minute
	cacheEntries = 256
	jwtSkew      = 30 * time.Second
)

var allowedAssertionAlgs = map[jwa.SignatureAlgorithm]bool{
	jwa.ES256: true,
	jwa.ES384: true,
	jwa.RS256: true,
}

type ManagerConfig struct {
	Issuer            string
	FirstPartyClients []string
	// LoopbackScope is granted to synthesized loopback clients.
	LoopbackScope string
}

type cachedDoc struct {
	metadata  Metadata
	fetchedAt time.Time
}

type cachedJwks struct {
	set       jwk.Set
	fetchedAt time.Time
}

// JSONFetcher retrieves a JSON document from a client-controlled URL.
// The production implementation is the SSRF-guarded Fetcher.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, url string, out any) error
}

// Manager resolves client metadata and verifies client credentials.
type Manager struct {
	cfg           ManagerConfig
	fetcher       JSONFetcher
	metadataCache *lru.Cache[string, cachedDoc]
	jwksCache     *lru.Cache[string, cachedJwks]
	firstParty    map[string]bool
}

func NewManager(cfg ManagerConfig, fetcher JSONFetcher) (*Manager, error) {
	if cfg.LoopbackScope == "" {
		cfg.LoopbackScope = "atproto"
	}
	metadataCache, err := lru.New[string, cachedDoc](cacheEntries)
	if err != nil {
		return nil, err
	}
	jwksCache, err := lru.New[string, cachedJwks](cacheEntries)
	if err != nil {
		return nil, err
	}
	firstParty := make(map[string]bool, len(cfg.FirstPartyClients))
	for _, id := range cfg.FirstPartyClients {
		firstParty[id] = true
	}
	return &Manager{
		cfg:           cfg,
		fetcher:       fetcher,
		metadataCache: metadataCache,
		jwksCache:     jwksCache,
		firstParty:    firstParty,
	}, nil
}

// GetClient resolves the metadata document behind the client id. Loopback
// ids are synthesized locally; remote ids are fetched and cached.
func (m *Manager) GetClient(ctx context.Context, clientID string) (*Client, *oauth.Error) {
	u, err := url.Parse(clientID)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, oauth.InvalidRequest(fmt.Sprintf("invalid client_id: %q", clientID))
	}

	if isLoopbackHost(u.Hostname()) {
		if u.Scheme != "http" {
			return nil, oauth.InvalidRequest("loopback client_id must use http")
		}
		return m.loopbackClient(u), nil
	}
	if u.Scheme != "https" {
		return nil, oauth.InvalidRequest("client_id must use https")
	}

	if entry, ok := m.metadataCache.Get(clientID); ok && time.Since(entry.fetchedAt) < cacheTTL {
		return m.buildClient(clientID, entry.metadata), nil
	}

	var metadata Metadata
	if err := m.fetcher.FetchJSON(ctx, clientID, &metadata); err != nil {
		return nil, oauth.InvalidRequest(fmt.Sprintf("unable to fetch client metadata: %v", err))
	}
	if metadata.ClientID != clientID {
		return nil, oauth.InvalidRequest("client metadata client_id mismatch")
	}
	if len(metadata.RedirectURIs) == 0 {
		return nil, oauth.InvalidRequest("client metadata has no redirect_uris")
	}
	if metadata.TokenEndpointAuthMethod == "" {
		metadata.TokenEndpointAuthMethod = oauth.AuthMethodNone
	}

	m.metadataCache.Add(clientID, cachedDoc{metadata: metadata, fetchedAt: time.Now()})
	return m.buildClient(clientID, metadata), nil
}

func (m *Manager) buildClient(clientID string, metadata Metadata) *Client {
	return &Client{
		ID:       clientID,
		Metadata: metadata,
		Info:     Info{IsFirstParty: m.firstParty[clientID]},
	}
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// loopbackClient synthesizes metadata for native development clients per
// the loopback policy: no credentials, redirect back to the loopback.
func (m *Manager) loopbackClient(u *url.URL) *Client {
	q := u.Query()
	redirectURIs := q["redirect_uri"]
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"http://127.0.0.1/", "http://[::1]/"}
	}
	scope := q.Get("scope")
	if scope == "" {
		scope = m.cfg.LoopbackScope
	}
	return &Client{
		ID: u.String(),
		Metadata: Metadata{
			ClientID:                u.String(),
			ClientName:              "Loopback client",
			RedirectURIs:            redirectURIs,
			GrantTypes:              []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
			ResponseTypes:           []string{oauth.ResponseTypeCode},
			Scope:                   scope,
			TokenEndpointAuthMethod: oauth.AuthMethodNone,
			ApplicationType:         oauth.ApplicationTypeNative,
			DpopBoundAccessTokens:   true,
		},
	}
}

// Jwks resolves the client's key set, embedded or via jwks_uri, cached.
func (m *Manager) Jwks(ctx context.Context, c *Client) (jwk.Set, error) {
	if set, err := c.parseEmbeddedJwks(); err != nil {
		return nil, fmt.Errorf("parse embedded jwks: %w", err)
	} else if set != nil {
		return set, nil
	}

	if c.Metadata.JwksURI == "" {
		return nil, fmt.Errorf("client has no jwks")
	}
	if entry, ok := m.jwksCache.Get(c.Metadata.JwksURI); ok && time.Since(entry.fetchedAt) < cacheTTL {
		return entry.set, nil
	}

	var raw json.RawMessage
	if err := m.fetcher.FetchJSON(ctx, c.Metadata.JwksURI, &raw); err != nil {
		return nil, err
	}
	set, err := jwk.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	m.jwksCache.Add(c.Metadata.JwksURI, cachedJwks{set: set, fetchedAt: time.Now()})
	return set, nil
}

// Credentials are the client authentication inputs of a request.
type Credentials struct {
	ClientID            string `form:"client_id"`
	ClientAssertionType string `form:"client_assertion_type"`
	ClientAssertion     string `form:"client_assertion"`
}

// VerifyCredentials authenticates the client. For "none" any resolvable
// client id is accepted; for private_key_jwt the assertion is verified
// against the client's key set. The returned nonce is the assertion jti,
// which the caller must put through the replay manager.
func (m *Manager) VerifyCredentials(ctx context.Context, creds Credentials) (*Client, *oauth.ClientAuth, string, *oauth.Error) {
	if creds.ClientID == "" {
		return nil, nil, "", oauth.ValidationError("client_id", "body")
	}
	c, oerr := m.GetClient(ctx, creds.ClientID)
	if oerr != nil {
		return nil, nil, "", oerr
	}

	if creds.ClientAssertion == "" {
		return c, &oauth.ClientAuth{Method: oauth.AuthMethodNone}, "", nil
	}

	if creds.ClientAssertionType != oauth.ClientAssertionTypeJwtBearer {
		return nil, nil, "", oauth.InvalidClient(fmt.Sprintf("unsupported client_assertion_type: %q", creds.ClientAssertionType))
	}

	set, err := m.Jwks(ctx, c)
	if err != nil {
		return nil, nil, "", oauth.InvalidClient(fmt.Sprintf("unable to resolve client keys: %v", err))
	}

	key, alg, kid, oerr := selectKey(set, creds.ClientAssertion)
	if oerr != nil {
		return nil, nil, "", oerr
	}

	tok, err := jwt.Parse(
		[]byte(creds.ClientAssertion),
		jwt.WithKey(alg, key),
		jwt.WithAudience(m.cfg.Issuer),
		jwt.WithAcceptableSkew(jwtSkew),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, nil, "", oauth.InvalidClient(fmt.Sprintf("invalid client assertion: %v", err))
	}

	if tok.Issuer() != c.ID || tok.Subject() != c.ID {
		return nil, nil, "", oauth.InvalidClient("client assertion iss and sub must equal client_id")
	}
	if tok.Expiration().IsZero() {
		return nil, nil, "", oauth.InvalidClient("client assertion exp is required")
	}
	jti := tok.JwtID()
	if jti == "" {
		return nil, nil, "", oauth.InvalidClient("client assertion jti is required")
	}

	jkt, err := keyThumbprint(key)
	if err != nil {
		return nil, nil, "", oauth.ServerError(err.Error())
	}

	auth := &oauth.ClientAuth{
		Method: oauth.AuthMethodPrivateKeyJwt,
		Kid:    kid,
		Alg:    alg.String(),
		Jkt:    jkt,
	}
	return c, auth, jti, nil
}

// RequestObject is a decoded JAR payload.
type RequestObject struct {
	Parameters oauth.AuthorizationParameters
	Jti        string
	Kid        string
	Alg        string
	Jkt        string
}

// DecodeRequestObject verifies a JAR against the client's key set and
// extracts the authorization parameters.
func (m *Manager) DecodeRequestObject(ctx context.Context, c *Client, request string) (*RequestObject, *oauth.Error) {
	set, err := m.Jwks(ctx, c)
	if err != nil {
		return nil, oauth.InvalidRequest(fmt.Sprintf("unable to resolve client keys: %v", err))
	}

	key, alg, kid, oerr := selectKey(set, request)
	if oerr != nil {
		return nil, oerr
	}

	tok, err := jwt.Parse(
		[]byte(request),
		jwt.WithKey(alg, key),
		jwt.WithAudience(m.cfg.Issuer),
		jwt.WithAcceptableSkew(jwtSkew),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, oauth.InvalidRequest(fmt.Sprintf("invalid request object: %v", err))
	}

	if tok.Issuer() != c.ID {
		return nil, oauth.InvalidRequest("request object iss must equal client_id")
	}
	jti := tok.JwtID()
	if jti == "" {
		return nil, oauth.InvalidRequest("request object jti is required")
	}

	// round-trip the claim set into the typed parameters
	buf, err := json.Marshal(tok)
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}
	var params oauth.AuthorizationParameters
	if err := json.Unmarshal(buf, &params); err != nil {
		return nil, oauth.InvalidRequest(fmt.Sprintf("invalid request object payload: %v", err))
	}
	if params.ClientID == "" {
		params.ClientID = c.ID
	}
	if params.ClientID != c.ID {
		return nil, oauth.InvalidRequest("request object client_id mismatch")
	}

	jkt, err := keyThumbprint(key)
	if err != nil {
		return nil, oauth.ServerError(err.Error())
	}

	return &RequestObject{
		Parameters: params,
		Jti:        jti,
		Kid:        kid,
		Alg:        alg.String(),
		Jkt:        jkt,
	}, nil
}

// selectKey picks the verification key named by the compact JWS header.
func selectKey(set jwk.Set, compact string) (jwk.Key, jwa.SignatureAlgorithm, string, *oauth.Error) {
	msg, err := jws.Parse([]byte(compact))
	if err != nil {
		return nil, "", "", oauth.InvalidClient(fmt.Sprintf("malformed JWT: %v", err))
	}
	if len(msg.Signatures()) == 0 {
		return nil, "", "", oauth.InvalidClient("JWT has no signature")
	}
	headers := msg.Signatures()[0].ProtectedHeaders()
	if headers == nil {
		return nil, "", "", oauth.InvalidClient("JWT has no protected headers")
	}

	alg := headers.Algorithm()
	if !allowedAssertionAlgs[alg] {
		return nil, "", "", oauth.InvalidClient(fmt.Sprintf("unsupported alg: %s", alg))
	}

	kid := headers.KeyID()
	if kid != "" {
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, "", "", oauth.InvalidClient(fmt.Sprintf("unknown kid: %q", kid))
		}
		return key, alg, kid, nil
	}
	if set.Len() == 1 {
		key, _ := set.Key(0)
		return key, alg, "", nil
	}
	return nil, "", "", oauth.InvalidClient("JWT header has no kid and client has multiple keys")
}

func keyThumbprint(key jwk.Key) (string, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	thumb, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
