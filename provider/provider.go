// Package provider composes the managers into the HTTP surface of the
// authorization server: metadata, JWKS, PAR, authorize with its
// interactive sub-endpoints, token, revocation and introspection.
package provider

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/polaris-id/polaris/account"
	"github.com/polaris-id/polaris/client"
	"github.com/polaris-id/polaris/device"
	"github.com/polaris-id/polaris/dpop"
	"github.com/polaris-id/polaris/keys"
	"github.com/polaris-id/polaris/oauth"
	"github.com/polaris-id/polaris/replay"
	"github.com/polaris-id/polaris/request"
	"github.com/polaris-id/polaris/token"
)

const defaultAuthenticationMaxAge = 7 * 24 * time.Hour

type Config struct {
	Issuer               string
	Scopes               []string
	AuthenticationMaxAge time.Duration
}

// Provider is the endpoint orchestrator.
type Provider struct {
	cfg      Config
	metadata oauth.Metadata
	signer   *keys.Signer
	clients  *client.Manager
	requests *request.Manager
	tokens   *token.Manager
	accounts *account.Manager
	devices  *device.Manager
	replay   *replay.Manager
	dpop     *dpop.Verifier
	metrics  *metrics
}

func New(cfg Config, signer *keys.Signer, clients *client.Manager, requests *request.Manager, tokens *token.Manager, accounts *account.Manager, devices *device.Manager, replayManager *replay.Manager, dpopVerifier *dpop.Verifier) (*Provider, error) {
	if cfg.AuthenticationMaxAge == 0 {
		cfg.AuthenticationMaxAge = defaultAuthenticationMaxAge
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"atproto", oauth.ScopeOfflineAccess}
	}
	return &Provider{
		cfg:      cfg,
		metadata: oauth.BuildMetadata(cfg.Issuer, cfg.Scopes),
		signer:   signer,
		clients:  clients,
		requests: requests,
		tokens:   tokens,
		accounts: accounts,
		devices:  devices,
		replay:   replayManager,
		dpop:     dpopVerifier,
		metrics:  newMetrics(),
	}, nil
}

// MountRoutes registers all endpoints on the echo instance.
func (p *Provider) MountRoutes(e *echo.Echo) {
	public := e.Group("")
	public.Use(
		ErrorHandlerMiddleware,
		noStoreMiddleware,
		middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     []string{"*"},
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Authorization", "Content-Type", "DPoP"},
			ExposeHeaders:    []string{"DPoP-Nonce", "WWW-Authenticate"},
			AllowCredentials: false,
		}),
	)
	public.GET(oauth.PathMetadata, p.MetadataEndpoint)
	public.GET(oauth.PathJwks, p.JwksEndpoint)
	public.POST(oauth.PathPar, p.ParEndpoint)
	public.POST(oauth.PathToken, p.TokenEndpoint)
	public.POST(oauth.PathRevoke, p.RevokeEndpoint)
	public.POST(oauth.PathIntrospect, p.IntrospectEndpoint)

	interactive := e.Group(oauth.PathAuthorize)
	interactive.Use(
		ErrorHandlerMiddleware,
		noStoreMiddleware,
		p.sameOriginMiddleware,
	)
	interactive.GET("", p.AuthorizeEndpoint)
	interactive.GET("/accept", p.AcceptEndpoint)
	interactive.GET("/reject", p.RejectEndpoint)
	interactive.POST("/sign-in", p.SignInEndpoint)
	interactive.POST("/sign-up", p.SignUpEndpoint)
	interactive.POST("/verify-handle-availability", p.VerifyHandleEndpoint)
	interactive.POST("/reset-password-request", p.ResetPasswordRequestEndpoint)
	interactive.POST("/reset-password-confirm", p.ResetPasswordConfirmEndpoint)
}

// ErrorHandlerMiddleware renders returned errors as OAuth bodies or, for
// errors that postdate redirect_uri validation, as error redirects.
func ErrorHandlerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err == nil {
			return nil
		}
		slog.Error("request failed", "error", err, "path", c.Path(), "remote_addr", c.RealIP())

		if redirectErr, ok := err.(*oauth.RedirectError); ok {
			return redirectWithError(c, redirectErr.RedirectURI, redirectErr.State, redirectErr.Err)
		}
		if oauthErr, ok := err.(*oauth.Error); ok {
			if oauthErr.HttpStatus == http.StatusUnauthorized {
				c.Response().Header().Set("WWW-Authenticate", `DPoP algs="ES256 ES384 RS256"`)
			}
			return c.JSON(oauthErr.HttpStatus, oauthErr)
		}
		if echoErr, ok := err.(*echo.HTTPError); ok {
			desc, _ := echoErr.Message.(string)
			return c.JSON(echoErr.Code, &oauth.Error{
				HttpStatus:  echoErr.Code,
				Code:        oauth.ErrorServerError,
				Description: desc,
			})
		}
		return c.JSON(http.StatusInternalServerError, oauth.ServerError("internal error"))
	}
}

func noStoreMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Pragma", "no-cache")
		return next(c)
	}
}

func redirectWithError(c echo.Context, redirectURI, state string, err *oauth.Error) error {
	params := url.Values{}
	if state != "" {
		params.Add("state", state)
	}
	params.Add("error", err.Code)
	params.Add("error_description", err.Description)
	return c.Redirect(http.StatusFound, redirectURI+"?"+params.Encode())
}

func (p *Provider) MetadataEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, p.metadata)
}

func (p *Provider) JwksEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, p.signer.PublicJWKS())
}

// requestURL rebuilds the public URL of the current request for DPoP htu
// comparison. The issuer origin is authoritative; proxies may have
// rewritten everything else.
func (p *Provider) requestURL(c echo.Context) string {
	return strings.TrimRight(p.cfg.Issuer, "/") + c.Request().URL.Path
}

// checkDpop validates an optional DPoP proof and sets a fresh nonce on
// the response.
func (p *Provider) checkDpop(c echo.Context, opts dpop.CheckOptions) (*dpop.Proof, *oauth.Error) {
	proof, oerr := p.dpop.CheckProof(c.Request().Context(), c.Request(), p.requestURL(c), opts)

	if nonce, err := p.dpop.NextNonce(); err == nil {
		c.Response().Header().Set("DPoP-Nonce", nonce)
	} else {
		slog.Error("unable to issue DPoP nonce", "error", err)
	}

	if oerr != nil {
		return nil, oerr
	}
	return proof, nil
}

// verifyClient authenticates the client from the request form and runs
// the client-assertion replay check plus the metadata auth policy.
func (p *Provider) verifyClient(c echo.Context) (*client.Client, *oauth.ClientAuth, *oauth.Error) {
	ctx := c.Request().Context()
	creds := client.Credentials{
		ClientID:            c.FormValue("client_id"),
		ClientAssertionType: c.FormValue("client_assertion_type"),
		ClientAssertion:     c.FormValue("client_assertion"),
	}
	cl, auth, jti, oerr := p.clients.VerifyCredentials(ctx, creds)
	if oerr != nil {
		return nil, nil, oerr
	}
	if jti != "" {
		ok, err := p.replay.UniqueAuth(ctx, jti, cl.ID)
		if err != nil {
			return nil, nil, oauth.ServerError(err.Error())
		}
		if !ok {
			return nil, nil, oauth.InvalidGrant("client assertion jti was already used")
		}
	}
	if oerr := cl.CheckClientAuth(auth); oerr != nil {
		return nil, nil, oerr
	}
	return cl, auth, nil
}
