package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/polaris-id/polaris/account"
	"github.com/polaris-id/polaris/client"
	"github.com/polaris-id/polaris/device"
	"github.com/polaris-id/polaris/dpop"
	"github.com/polaris-id/polaris/keys"
	"github.com/polaris-id/polaris/nonce"
	"github.com/polaris-id/polaris/oauth"
	"github.com/polaris-id/polaris/replay"
	"github.com/polaris-id/polaris/request"
	"github.com/polaris-id/polaris/token"
)

const (
	testIssuer       = "https://auth.example.com"
	testClientID     = "https://app.example.com/client"
	testNativeID     = "https://native.example.com/client"
	testRedirectURI  = "https://app.example.com/cb"
	testCodeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type stubFetcher struct {
	docs map[string]any
}

func (f *stubFetcher) FetchJSON(ctx context.Context, url string, out any) error {
	doc, ok := f.docs[url]
	if !ok {
		return fmt.Errorf("no document at %s", url)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type fixture struct {
	e            *echo.Echo
	provider     *Provider
	accounts     *account.Manager
	accountStore *account.MemoryStore
	devices      *device.Manager
	tokens       *token.Manager
	clientKey    jwk.Key
	nativeKey    jwk.Key
}

func challenge(v string) string {
	sum := sha256.Sum256([]byte(v))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func clientKeySet(t *testing.T, kid string) (jwk.Key, jwk.Set) {
	t.Helper()
	prk, err := keys.GenerateJwk()
	if err != nil {
		t.Fatal(err)
	}
	prk.Set(jwk.KeyIDKey, kid)
	puk, err := prk.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	set := jwk.NewSet()
	set.AddKey(puk)
	return prk, set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clientPrk, clientSet := clientKeySet(t, "app-key-1")
	nativePrk, nativeSet := clientKeySet(t, "native-key-1")
	clientJwks, _ := json.Marshal(clientSet)
	nativeJwks, _ := json.Marshal(nativeSet)

	fetcher := &stubFetcher{docs: map[string]any{
		testClientID: client.Metadata{
			ClientID:                testClientID,
			ClientName:              "Example App",
			RedirectURIs:            []string{testRedirectURI},
			GrantTypes:              []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
			ResponseTypes:           []string{oauth.ResponseTypeCode},
			Scope:                   "atproto offline_access",
			TokenEndpointAuthMethod: oauth.AuthMethodNone,
			ApplicationType:         oauth.ApplicationTypeWeb,
			DpopBoundAccessTokens:   true,
			Jwks:                    clientJwks,
		},
		testNativeID: client.Metadata{
			ClientID:                testNativeID,
			RedirectURIs:            []string{"https://native.example.com/cb"},
			GrantTypes:              []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
			ResponseTypes:           []string{oauth.ResponseTypeCode},
			Scope:                   "atproto",
			TokenEndpointAuthMethod: oauth.AuthMethodPrivateKeyJwt,
			ApplicationType:         oauth.ApplicationTypeNative,
			DpopBoundAccessTokens:   true,
			Jwks:                    nativeJwks,
		},
	}}

	sigPrk, err := keys.GenerateJwk()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := keys.NewSigner(testIssuer, sigPrk)
	if err != nil {
		t.Fatal(err)
	}

	nonces, err := nonce.NewHashicorpService()
	if err != nil {
		t.Fatal(err)
	}
	replayManager := replay.NewManager(replay.NewMemoryStore())
	dpopVerifier := dpop.NewVerifier(replayManager, nonces)

	clients, err := client.NewManager(client.ManagerConfig{Issuer: testIssuer}, fetcher)
	if err != nil {
		t.Fatal(err)
	}
	requests := request.NewManager(request.ManagerConfig{}, request.NewMemoryStore(), replayManager)
	tokens := token.NewManager(token.ManagerConfig{}, token.NewMemoryStore(), signer)
	accountStore := account.NewMemoryStore()
	accounts := account.NewManager(accountStore, nil)
	devices := device.NewManager(device.NewMemoryStore(), true)

	p, err := New(Config{Issuer: testIssuer}, signer, clients, requests, tokens, accounts, devices, replayManager, dpopVerifier)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	p.MountRoutes(e)

	return &fixture{
		e:            e,
		provider:     p,
		accounts:     accounts,
		accountStore: accountStore,
		devices:      devices,
		tokens:       tokens,
		clientKey:    clientPrk,
		nativeKey:    nativePrk,
	}
}

// signedInDevice creates a device with cookies and signs alice in on it.
func (f *fixture) signedInDevice(t *testing.T) (string, []*http.Cookie, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, oauth.PathAuthorize, nil)
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec)
	dev, err := f.devices.Ensure(c, oauth.RequestMetadata{IPAddress: "203.0.113.9"})
	if err != nil {
		t.Fatal(err)
	}

	session, err := f.accounts.SignUp(context.Background(), dev.ID, "alice.example.com", "hunter2hunter2", true)
	if err != nil {
		t.Fatal(err)
	}
	return dev.ID, rec.Result().Cookies(), session.Account.Sub
}

func (f *fixture) do(method, target string, form url.Values, cookies []*http.Cookie, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func dpopHeader(t *testing.T, key *dpop.PrivateKey, method, uri, nonce string) string {
	t.Helper()
	b := dpop.NewBuilder().HttpMethod(method).HttpURI(uri)
	if nonce != "" {
		b.Nonce(nonce)
	}
	proof, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	compact, err := proof.Sign(key)
	if err != nil {
		t.Fatal(err)
	}
	return compact
}

func (f *fixture) par(t *testing.T, key *dpop.PrivateKey, extra url.Values) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{
		"client_id":             {testClientID},
		"response_type":         {oauth.ResponseTypeCode},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"atproto"},
		"state":                 {"s1"},
		"code_challenge":        {challenge(testCodeVerifier)},
		"code_challenge_method": {oauth.CodeChallengeMethodS256},
	}
	for k, vs := range extra {
		form[k] = vs
	}
	headers := map[string]string{}
	if key != nil {
		headers["DPoP"] = dpopHeader(t, key, http.MethodPost, testIssuer+oauth.PathPar, "")
	}
	return f.do(http.MethodPost, oauth.PathPar, form, nil, headers)
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func csrfCookieOf(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if strings.HasPrefix(c.Name, "csrf-") {
			return c
		}
	}
	t.Fatal("no csrf cookie set")
	return nil
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON[map[string]any](t, rec)
	code, _ := body["error"].(string)
	return code
}

// TestAuthorizationCodeFlow walks the whole happy path: PAR, interactive
// authorization, consent, token exchange with PKCE and DPoP, refresh
// rotation, and the replay properties around it.
func TestAuthorizationCodeFlow(t *testing.T) {
	f := newFixture(t)
	_, cookies, sub := f.signedInDevice(t)
	dpopKey, err := dpop.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	// pushed authorization request
	rec := f.par(t, dpopKey, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("PAR status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("DPoP-Nonce") == "" {
		t.Error("PAR response has no DPoP-Nonce header")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
	parResp := decodeJSON[oauth.ParResponse](t, rec)
	if !strings.HasPrefix(parResp.RequestURI, oauth.RequestURIPrefix) {
		t.Fatalf("request_uri = %q", parResp.RequestURI)
	}
	if parResp.ExpiresIn <= 0 || parResp.ExpiresIn > 300 {
		t.Errorf("expires_in = %d", parResp.ExpiresIn)
	}

	// interactive authorization page
	q := url.Values{"client_id": {testClientID}, "request_uri": {parResp.RequestURI}}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"?"+q.Encode(), nil, cookies, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	csrf := csrfCookieOf(t, rec)

	// consent
	q = url.Values{
		"client_id":   {testClientID},
		"request_uri": {parResp.RequestURI},
		"account_sub": {sub},
		"csrf_token":  {csrf.Value},
	}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"/accept?"+q.Encode(), nil, append(cookies, csrf), nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("accept status = %d, body %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testRedirectURI {
		t.Fatalf("redirected to %q", got)
	}
	if loc.Query().Get("state") != "s1" {
		t.Errorf("state = %q", loc.Query().Get("state"))
	}
	if loc.Query().Get("iss") != testIssuer {
		t.Errorf("iss = %q", loc.Query().Get("iss"))
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}

	// token exchange
	tokenForm := url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"code":          {code},
		"code_verifier": {testCodeVerifier},
		"client_id":     {testClientID},
	}
	rec = f.do(http.MethodPost, oauth.PathToken, tokenForm, nil, map[string]string{
		"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathToken, ""),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	tokenResp := decodeJSON[oauth.TokenResponse](t, rec)
	if tokenResp.TokenType != oauth.TokenTypeDPoP {
		t.Errorf("token_type = %q", tokenResp.TokenType)
	}
	if tokenResp.Scope != "atproto" {
		t.Errorf("scope = %q", tokenResp.Scope)
	}
	if tokenResp.AccessToken == "" || tokenResp.RefreshToken == "" {
		t.Fatal("missing tokens")
	}

	// replaying the code fails and revokes the issued tokens
	rec = f.do(http.MethodPost, oauth.PathToken, tokenForm, nil, map[string]string{
		"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathToken, ""),
	})
	if rec.Code != http.StatusBadRequest || errorCodeOf(t, rec) != oauth.ErrorInvalidGrant {
		t.Fatalf("code replay: status %d body %s", rec.Code, rec.Body.String())
	}
	if _, oerr := f.tokens.Refresh(context.Background(), mustGetClient(t, f, testClientID), &oauth.ClientAuth{Method: oauth.AuthMethodNone}, tokenResp.RefreshToken, dpopKey.Thumbprint); oerr == nil {
		t.Fatal("tokens from a replayed code survived")
	}
}

func mustGetClient(t *testing.T, f *fixture, id string) *client.Client {
	t.Helper()
	cl, oerr := f.provider.clients.GetClient(context.Background(), id)
	if oerr != nil {
		t.Fatal(oerr)
	}
	return cl
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	f := newFixture(t)
	_, cookies, sub := f.signedInDevice(t)
	dpopKey, _ := dpop.NewPrivateKey()

	tokenResp := f.runToToken(t, cookies, sub, dpopKey)
	r0 := tokenResp.RefreshToken

	refreshForm := url.Values{
		"grant_type":    {oauth.GrantTypeRefreshToken},
		"refresh_token": {r0},
		"client_id":     {testClientID},
	}
	rec := f.do(http.MethodPost, oauth.PathToken, refreshForm, nil, map[string]string{
		"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathToken, ""),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp1 := decodeJSON[oauth.TokenResponse](t, rec)
	if resp1.RefreshToken == r0 {
		t.Fatal("refresh token not rotated")
	}

	// replaying R0 fails and kills the lineage
	rec = f.do(http.MethodPost, oauth.PathToken, refreshForm, nil, map[string]string{
		"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathToken, ""),
	})
	if rec.Code != http.StatusBadRequest || errorCodeOf(t, rec) != oauth.ErrorInvalidGrant {
		t.Fatalf("refresh replay: status %d body %s", rec.Code, rec.Body.String())
	}

	refreshForm.Set("refresh_token", resp1.RefreshToken)
	rec = f.do(http.MethodPost, oauth.PathToken, refreshForm, nil, map[string]string{
		"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathToken, ""),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("successor refresh survived lineage revocation: %d", rec.Code)
	}
}

// runToToken drives PAR, authorize and accept, then exchanges the code.
func (f *fixture) runToToken(t *testing.T, cookies []*http.Cookie, sub string, dpopKey *dpop.PrivateKey) *oauth.TokenResponse {
	t.Helper()

	rec := f.par(t, dpopKey, url.Values{"code_challenge": {challenge(testCodeVerifier)}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("PAR status = %d, body %s", rec.Code, rec.Body.String())
	}
	parResp := decodeJSON[oauth.ParResponse](t, rec)

	q := url.Values{"client_id": {testClientID}, "request_uri": {parResp.RequestURI}}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"?"+q.Encode(), nil, cookies, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d", rec.Code)
	}
	csrf := csrfCookieOf(t, rec)

	q = url.Values{
		"client_id":   {testClientID},
		"request_uri": {parResp.RequestURI},
		"account_sub": {sub},
		"csrf_token":  {csrf.Value},
	}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"/accept?"+q.Encode(), nil, append(cookies, csrf), nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("accept status = %d body %s", rec.Code, rec.Body.String())
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	code := loc.Query().Get("code")

	tokenForm := url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"code":          {code},
		"code_verifier": {testCodeVerifier},
		"client_id":     {testClientID},
	}
	rec = f.do(http.MethodPost, oauth.PathToken, tokenForm, nil, map[string]string{
		"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathToken, ""),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d body %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[oauth.TokenResponse](t, rec)
	return &resp
}

func TestPkceMismatchOverHTTP(t *testing.T) {
	f := newFixture(t)
	_, cookies, sub := f.signedInDevice(t)
	dpopKey, _ := dpop.NewPrivateKey()

	rec := f.par(t, dpopKey, nil)
	parResp := decodeJSON[oauth.ParResponse](t, rec)

	q := url.Values{"client_id": {testClientID}, "request_uri": {parResp.RequestURI}}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"?"+q.Encode(), nil, cookies, nil)
	csrf := csrfCookieOf(t, rec)

	q = url.Values{
		"client_id":   {testClientID},
		"request_uri": {parResp.RequestURI},
		"account_sub": {sub},
		"csrf_token":  {csrf.Value},
	}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"/accept?"+q.Encode(), nil, append(cookies, csrf), nil)
	loc, _ := url.Parse(rec.Header().Get("Location"))

	tokenForm := url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"code":          {loc.Query().Get("code")},
		"code_verifier": {"not-the-right-verifier-not-the-right-one"},
		"client_id":     {testClientID},
	}
	rec = f.do(http.MethodPost, oauth.PathToken, tokenForm, nil, map[string]string{
		"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathToken, ""),
	})
	if rec.Code != http.StatusBadRequest || errorCodeOf(t, rec) != oauth.ErrorInvalidGrant {
		t.Fatalf("PKCE mismatch: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestPromptNoneWithoutSession(t *testing.T) {
	f := newFixture(t)
	dpopKey, _ := dpop.NewPrivateKey()

	rec := f.par(t, dpopKey, url.Values{"prompt": {oauth.PromptNone}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("PAR status = %d body %s", rec.Code, rec.Body.String())
	}
	parResp := decodeJSON[oauth.ParResponse](t, rec)

	// fresh user agent, no sessions at all
	q := url.Values{"client_id": {testClientID}, "request_uri": {parResp.RequestURI}}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"?"+q.Encode(), nil, nil, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error") != oauth.ErrorLoginRequired {
		t.Fatalf("error = %q", loc.Query().Get("error"))
	}
	if loc.Query().Get("state") != "s1" {
		t.Errorf("state = %q", loc.Query().Get("state"))
	}
}

func TestStaleSessionRequiresLogin(t *testing.T) {
	f := newFixture(t)
	_, cookies, sub := f.signedInDevice(t)
	dpopKey, _ := dpop.NewPrivateKey()

	// age the session past authenticationMaxAge
	devID := deviceIDFromCookies(t, cookies)
	stale := account.DeviceAccountInfo{AuthenticatedAt: time.Now().Add(-8 * 24 * time.Hour), Remember: true}
	if err := f.accountStore.UpsertDeviceAccount(context.Background(), devID, sub, stale); err != nil {
		t.Fatal(err)
	}

	rec := f.par(t, dpopKey, url.Values{"prompt": {oauth.PromptNone}})
	parResp := decodeJSON[oauth.ParResponse](t, rec)

	q := url.Values{"client_id": {testClientID}, "request_uri": {parResp.RequestURI}}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"?"+q.Encode(), nil, cookies, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error") != oauth.ErrorLoginRequired {
		t.Fatalf("error = %q", loc.Query().Get("error"))
	}
}

func deviceIDFromCookies(t *testing.T, cookies []*http.Cookie) string {
	t.Helper()
	for _, c := range cookies {
		if c.Name == "device-id" {
			return c.Value
		}
	}
	t.Fatal("no device-id cookie")
	return ""
}

func TestNativeClientWithPrivateKeyJwt(t *testing.T) {
	f := newFixture(t)

	assertion := jwt.New()
	assertion.Set(jwt.IssuerKey, testNativeID)
	assertion.Set(jwt.SubjectKey, testNativeID)
	assertion.Set(jwt.AudienceKey, testIssuer)
	assertion.Set(jwt.JwtIDKey, "assert-1")
	assertion.Set(jwt.IssuedAtKey, time.Now().Unix())
	assertion.Set(jwt.ExpirationKey, time.Now().Add(time.Minute).Unix())
	signed, err := jwt.Sign(assertion, jwt.WithKey(jwa.ES256, f.nativeKey))
	if err != nil {
		t.Fatal(err)
	}

	form := url.Values{
		"grant_type":            {oauth.GrantTypeAuthorizationCode},
		"code":                  {"cod-whatever"},
		"client_id":             {testNativeID},
		"client_assertion_type": {oauth.ClientAssertionTypeJwtBearer},
		"client_assertion":      {string(signed)},
	}
	rec := f.do(http.MethodPost, oauth.PathToken, form, nil, nil)
	if rec.Code != http.StatusBadRequest || errorCodeOf(t, rec) != oauth.ErrorInvalidGrant {
		t.Fatalf("native private_key_jwt: status %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "none") {
		t.Errorf("error should point at the none method: %s", rec.Body.String())
	}
}

func TestJarReplay(t *testing.T) {
	f := newFixture(t)
	dpopKey, _ := dpop.NewPrivateKey()

	buildJar := func() string {
		tok := jwt.New()
		tok.Set(jwt.IssuerKey, testClientID)
		tok.Set(jwt.AudienceKey, testIssuer)
		tok.Set(jwt.JwtIDKey, "jar-jti-1")
		tok.Set(jwt.IssuedAtKey, time.Now().Unix())
		tok.Set(jwt.ExpirationKey, time.Now().Add(time.Minute).Unix())
		tok.Set("client_id", testClientID)
		tok.Set("response_type", oauth.ResponseTypeCode)
		tok.Set("redirect_uri", testRedirectURI)
		tok.Set("scope", "atproto")
		tok.Set("state", "s6")
		tok.Set("code_challenge", challenge("some-other-verifier-some-other-verifier"))
		tok.Set("code_challenge_method", oauth.CodeChallengeMethodS256)
		signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, f.clientKey))
		if err != nil {
			t.Fatal(err)
		}
		return string(signed)
	}

	jar := buildJar()
	form := url.Values{"client_id": {testClientID}, "request": {jar}}
	headers := map[string]string{"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathPar, "")}

	rec := f.do(http.MethodPost, oauth.PathPar, form, nil, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first JAR push: status %d body %s", rec.Code, rec.Body.String())
	}

	// same jti again within the TTL
	headers["DPoP"] = dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathPar, "")
	rec = f.do(http.MethodPost, oauth.PathPar, form, nil, headers)
	if rec.Code != http.StatusBadRequest || errorCodeOf(t, rec) != oauth.ErrorInvalidRequest {
		t.Fatalf("JAR replay: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestIntrospection(t *testing.T) {
	f := newFixture(t)
	_, cookies, sub := f.signedInDevice(t)
	dpopKey, _ := dpop.NewPrivateKey()

	tokenResp := f.runToToken(t, cookies, sub, dpopKey)

	form := url.Values{"client_id": {testClientID}, "token": {tokenResp.AccessToken}}
	rec := f.do(http.MethodPost, oauth.PathIntrospect, form, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("introspect status = %d", rec.Code)
	}
	info := decodeJSON[oauth.IntrospectionResponse](t, rec)
	if !info.Active {
		t.Fatal("fresh token inactive")
	}
	if info.Scope != "atproto" || info.ClientID != testClientID || info.Sub != sub {
		t.Errorf("introspection fields: %+v", info)
	}
	if info.Cnf == nil || info.Cnf.Jkt != dpopKey.Thumbprint {
		t.Errorf("cnf.jkt missing or wrong: %+v", info.Cnf)
	}

	// unknown tokens report inactive only, after the timing floor
	started := time.Now()
	form.Set("token", "tok-doesnotexist")
	rec = f.do(http.MethodPost, oauth.PathIntrospect, form, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("introspect status = %d", rec.Code)
	}
	if decodeJSON[oauth.IntrospectionResponse](t, rec).Active {
		t.Fatal("unknown token active")
	}
	if elapsed := time.Since(started); elapsed < 700*time.Millisecond {
		t.Errorf("inactive introspection answered in %v, too fast", elapsed)
	}
}

func TestRevocation(t *testing.T) {
	f := newFixture(t)
	_, cookies, sub := f.signedInDevice(t)
	dpopKey, _ := dpop.NewPrivateKey()

	tokenResp := f.runToToken(t, cookies, sub, dpopKey)

	form := url.Values{"token": {tokenResp.RefreshToken}}
	rec := f.do(http.MethodPost, oauth.PathRevoke, form, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	// revocation of garbage still reports success
	form.Set("token", "garbage")
	rec = f.do(http.MethodPost, oauth.PathRevoke, form, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke of unknown token: status %d", rec.Code)
	}

	// the lineage is dead
	refreshForm := url.Values{
		"grant_type":    {oauth.GrantTypeRefreshToken},
		"refresh_token": {tokenResp.RefreshToken},
		"client_id":     {testClientID},
	}
	rec = f.do(http.MethodPost, oauth.PathToken, refreshForm, nil, map[string]string{
		"DPoP": dpopHeader(t, dpopKey, http.MethodPost, testIssuer+oauth.PathToken, ""),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("revoked refresh accepted: %d", rec.Code)
	}
}

func TestCsrfRejection(t *testing.T) {
	f := newFixture(t)
	_, cookies, sub := f.signedInDevice(t)
	dpopKey, _ := dpop.NewPrivateKey()

	rec := f.par(t, dpopKey, nil)
	parResp := decodeJSON[oauth.ParResponse](t, rec)

	q := url.Values{"client_id": {testClientID}, "request_uri": {parResp.RequestURI}}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"?"+q.Encode(), nil, cookies, nil)
	csrf := csrfCookieOf(t, rec)

	// wrong token value
	q = url.Values{
		"client_id":   {testClientID},
		"request_uri": {parResp.RequestURI},
		"account_sub": {sub},
		"csrf_token":  {"forged"},
	}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"/accept?"+q.Encode(), nil, append(cookies, csrf), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forged csrf token: status %d", rec.Code)
	}

	// cross-site fetch metadata
	q.Set("csrf_token", csrf.Value)
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"/accept?"+q.Encode(), nil, append(cookies, csrf), map[string]string{
		"Sec-Fetch-Site": "cross-site",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-site accept: status %d", rec.Code)
	}
}

func TestSignInEndpoint(t *testing.T) {
	f := newFixture(t)
	dpopKey, _ := dpop.NewPrivateKey()

	// the account exists, but not on this user agent
	if _, err := f.accounts.SignUp(context.Background(), "dev-elsewhere", "alice.example.com", "hunter2hunter2", true); err != nil {
		t.Fatal(err)
	}

	rec := f.par(t, dpopKey, nil)
	parResp := decodeJSON[oauth.ParResponse](t, rec)

	// fresh device: the authorize page offers sign-in and sets the csrf pair
	q := url.Values{"client_id": {testClientID}, "request_uri": {parResp.RequestURI}}
	rec = f.do(http.MethodGet, oauth.PathAuthorize+"?"+q.Encode(), nil, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d", rec.Code)
	}
	csrf := csrfCookieOf(t, rec)
	deviceCookies := rec.Result().Cookies()

	body, _ := json.Marshal(map[string]any{
		"request_uri": parResp.RequestURI,
		"csrf_token":  csrf.Value,
		"handle":      "alice.example.com",
		"password":    "hunter2hunter2",
		"remember":    true,
	})
	req := httptest.NewRequest(http.MethodPost, oauth.PathAuthorize+"/sign-in", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, ck := range deviceCookies {
		req.AddCookie(ck)
	}
	res := httptest.NewRecorder()
	f.e.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("sign-in status = %d body %s", res.Code, res.Body.String())
	}
	signIn := decodeJSON[signInResponse](t, res)
	if signIn.Account.Handle != "alice.example.com" {
		t.Errorf("handle = %q", signIn.Account.Handle)
	}
	if !signIn.ConsentRequired {
		t.Error("third-party client must need consent after first sign-in")
	}

	// wrong password is a 401
	body, _ = json.Marshal(map[string]any{
		"request_uri": parResp.RequestURI,
		"csrf_token":  csrf.Value,
		"handle":      "alice.example.com",
		"password":    "wrong-password",
	})
	req = httptest.NewRequest(http.MethodPost, oauth.PathAuthorize+"/sign-in", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, ck := range deviceCookies {
		req.AddCookie(ck)
	}
	res = httptest.NewRecorder()
	f.e.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", res.Code)
	}
}

func TestHandleAvailabilityEndpoint(t *testing.T) {
	f := newFixture(t)

	if _, err := f.accounts.SignUp(context.Background(), "dev-x", "taken.example.com", "hunter2hunter2", true); err != nil {
		t.Fatal(err)
	}

	check := func(handle string) int {
		body, _ := json.Marshal(map[string]any{"handle": handle})
		req := httptest.NewRequest(http.MethodPost, oauth.PathAuthorize+"/verify-handle-availability", strings.NewReader(string(body)))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		res := httptest.NewRecorder()
		f.e.ServeHTTP(res, req)
		return res.Code
	}

	if code := check("free.example.com"); code != http.StatusOK {
		t.Errorf("free handle: status %d", code)
	}
	if code := check("taken.example.com"); code != http.StatusBadRequest {
		t.Errorf("taken handle: status %d", code)
	}
	if code := check("not-domain-shaped"); code != http.StatusBadRequest {
		t.Errorf("malformed handle: status %d", code)
	}
}
