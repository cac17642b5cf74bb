package provider

import (
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/polaris-id/polaris/account"
	"github.com/polaris-id/polaris/client"
	"github.com/polaris-id/polaris/oauth"
	"github.com/polaris-id/polaris/request"
)

// candidate is one device session evaluated against the request.
type candidate struct {
	Session         account.Session
	LoginRequired   bool
	ConsentRequired bool
}

// AuthorizeEndpoint starts the interactive flow. The request must have
// been pushed through PAR; the uri both identifies and authenticates it.
func (p *Provider) AuthorizeEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	requestURI := c.QueryParam("request_uri")
	clientID := c.QueryParam("client_id")
	if requestURI == "" {
		return oauth.ValidationError("request_uri", "query")
	}
	if clientID == "" {
		return oauth.ValidationError("client_id", "query")
	}

	meta := oauth.RequestMetadataFromRequest(c.Request(), c.RealIP())
	dev, err := p.devices.Ensure(c, meta)
	if err != nil {
		return oauth.ServerError(err.Error())
	}

	reqInfo, oerr := p.requests.Get(ctx, requestURI, dev.ID, clientID)
	if oerr != nil {
		return oerr
	}

	cl, oerr := p.clients.GetClient(ctx, clientID)
	if oerr != nil {
		return oerr
	}

	// the redirect_uri was validated when the request was created: all
	// failures from here on are reported to the client via redirect
	params := reqInfo.Parameters
	fail := func(e *oauth.Error) error {
		return &oauth.RedirectError{Err: e, RedirectURI: params.RedirectURI, State: params.State}
	}

	sessions, err := p.accounts.ListDeviceAccounts(ctx, dev.ID)
	if err != nil {
		return fail(oauth.ServerError(err.Error()))
	}

	candidates := p.evaluateSessions(cl, params, sessions)
	matching := filterByHint(candidates, params.LoginHint)

	switch params.Prompt {
	case oauth.PromptNone:
		return p.authorizeSilently(c, dev.ID, reqInfo, matching, fail)
	case oauth.PromptLogin:
		// force reauthentication: no session is selectable
		for i := range candidates {
			candidates[i].LoginRequired = true
		}
		return p.renderAuthorizePage(c, cl, reqInfo, candidates)
	case oauth.PromptSelectAccount:
		return p.renderAuthorizePage(c, cl, reqInfo, candidates)
	default:
		if params.LoginHint != "" && len(matching) == 1 &&
			!matching[0].LoginRequired && !matching[0].ConsentRequired {
			return p.issueCode(c, dev.ID, reqInfo, matching[0].Session.Account.Sub, fail)
		}
		return p.renderAuthorizePage(c, cl, reqInfo, candidates)
	}
}

// authorizeSilently handles prompt=none: either a single ready session
// yields a code, or the client is told what interaction is missing.
func (p *Provider) authorizeSilently(c echo.Context, deviceID string, reqInfo *request.Info, matching []candidate, fail func(*oauth.Error) error) error {
	switch {
	case len(matching) == 0:
		return fail(oauth.LoginRequired())
	case len(matching) > 1:
		return fail(oauth.AccountSelectionRequired())
	case matching[0].LoginRequired:
		return fail(oauth.LoginRequired())
	case matching[0].ConsentRequired:
		return fail(oauth.ConsentRequired())
	default:
		return p.issueCode(c, deviceID, reqInfo, matching[0].Session.Account.Sub, fail)
	}
}

// evaluateSessions computes freshness and consent state per session.
func (p *Provider) evaluateSessions(cl *client.Client, params oauth.AuthorizationParameters, sessions []account.Session) []candidate {
	now := time.Now()
	out := make([]candidate, 0, len(sessions))
	for _, s := range sessions {
		loginRequired := now.Sub(s.Info.AuthenticatedAt) >= p.cfg.AuthenticationMaxAge
		consentRequired := !cl.Info.IsFirstParty && !s.Info.HasAuthorizedClient(cl.ID)
		if params.Prompt == oauth.PromptConsent {
			consentRequired = true
		}
		out = append(out, candidate{
			Session:         s,
			LoginRequired:   loginRequired,
			ConsentRequired: consentRequired,
		})
	}
	return out
}

func filterByHint(candidates []candidate, hint string) []candidate {
	if hint == "" {
		return candidates
	}
	var out []candidate
	for _, cand := range candidates {
		if cand.Session.Account.Handle == hint || cand.Session.Account.Sub == hint {
			out = append(out, cand)
		}
	}
	return out
}

// issueCode authorizes the request for sub and redirects with the code.
func (p *Provider) issueCode(c echo.Context, deviceID string, reqInfo *request.Info, sub string, fail func(*oauth.Error) error) error {
	code, oerr := p.requests.SetAuthorized(c.Request().Context(), reqInfo.URI, deviceID, sub)
	if oerr != nil {
		return fail(oerr)
	}

	params := url.Values{}
	params.Set("iss", p.cfg.Issuer)
	params.Set("code", code)
	if reqInfo.Parameters.State != "" {
		params.Set("state", reqInfo.Parameters.State)
	}
	return c.Redirect(http.StatusFound, reqInfo.Parameters.RedirectURI+"?"+params.Encode())
}

// AcceptEndpoint finalizes consent for a chosen account.
//
// Account selection deliberately does not re-check the remember flag
// from sign-in: any session within authenticationMaxAge is selectable.
func (p *Provider) AcceptEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	requestURI := c.QueryParam("request_uri")
	clientID := c.QueryParam("client_id")
	sub := c.QueryParam("account_sub")

	if oerr := p.checkCsrf(c, requestURI, c.QueryParam("csrf_token")); oerr != nil {
		return oerr
	}
	if sub == "" {
		return oauth.ValidationError("account_sub", "query")
	}

	dev, err := p.devices.Load(c)
	if err != nil {
		return oauth.ServerError(err.Error())
	}
	if dev == nil {
		return oauth.AccessDenied("unknown device")
	}

	reqInfo, oerr := p.requests.Get(ctx, requestURI, dev.ID, clientID)
	if oerr != nil {
		return oerr
	}
	params := reqInfo.Parameters
	fail := func(e *oauth.Error) error {
		return &oauth.RedirectError{Err: e, RedirectURI: params.RedirectURI, State: params.State}
	}

	session, err := p.accounts.GetDeviceAccount(ctx, dev.ID, sub)
	if err != nil {
		return fail(oauth.ServerError(err.Error()))
	}
	if session == nil {
		return fail(oauth.AccessDenied("account is not signed in on this device"))
	}
	if time.Since(session.Info.AuthenticatedAt) >= p.cfg.AuthenticationMaxAge {
		return fail(oauth.LoginRequired())
	}

	if err := p.accounts.AddAuthorizedClient(ctx, dev.ID, sub, reqInfo.ClientID); err != nil {
		return fail(oauth.ServerError(err.Error()))
	}

	p.clearCsrfCookie(c, requestURI)
	return p.issueCode(c, dev.ID, reqInfo, sub, fail)
}

// RejectEndpoint cancels the request and notifies the client.
func (p *Provider) RejectEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	requestURI := c.QueryParam("request_uri")
	if oerr := p.checkCsrf(c, requestURI, c.QueryParam("csrf_token")); oerr != nil {
		return oerr
	}

	dev, err := p.devices.Load(c)
	if err != nil {
		return oauth.ServerError(err.Error())
	}
	if dev == nil {
		return oauth.AccessDenied("unknown device")
	}

	reqInfo, oerr := p.requests.Get(ctx, requestURI, dev.ID, c.QueryParam("client_id"))
	if oerr != nil {
		return oerr
	}

	if err := p.requests.Delete(ctx, requestURI); err != nil {
		return oauth.ServerError(err.Error())
	}
	p.clearCsrfCookie(c, requestURI)

	return redirectWithError(c, reqInfo.Parameters.RedirectURI, reqInfo.Parameters.State,
		oauth.AccessDenied("the user rejected the request"))
}

var authorizePageTemplate = template.Must(template.New("authorize").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>{{.ClientName}}</h1>
<p>wants to access your account with scope: <code>{{.Scope}}</code></p>
{{if .Sessions}}
<ul>
{{range .Sessions}}
<li>
<form method="get" action="{{$.AcceptPath}}">
<input type="hidden" name="request_uri" value="{{$.RequestURI}}">
<input type="hidden" name="client_id" value="{{$.ClientID}}">
<input type="hidden" name="account_sub" value="{{.Sub}}">
<input type="hidden" name="csrf_token" value="{{$.CsrfToken}}">
<button type="submit"{{if .LoginRequired}} disabled{{end}}>{{.Handle}}</button>
{{if .LoginRequired}}<span>(sign in again)</span>{{end}}
</form>
</li>
{{end}}
</ul>
{{else}}
<p>No account is signed in on this device.</p>
{{end}}
<form method="get" action="{{.RejectPath}}">
<input type="hidden" name="request_uri" value="{{.RequestURI}}">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="csrf_token" value="{{.CsrfToken}}">
<button type="submit">Deny</button>
</form>
</body>
</html>
`))

type authorizePageSession struct {
	Sub           string
	Handle        string
	LoginRequired bool
}

type authorizePageData struct {
	ClientName string
	ClientID   string
	Scope      string
	RequestURI string
	CsrfToken  string
	AcceptPath string
	RejectPath string
	Sessions   []authorizePageSession
}

func (p *Provider) renderAuthorizePage(c echo.Context, cl *client.Client, reqInfo *request.Info, candidates []candidate) error {
	csrfToken := p.setCsrfCookie(c, reqInfo.URI)

	name := cl.Metadata.ClientName
	if name == "" {
		name = cl.ID
	}
	data := authorizePageData{
		ClientName: name,
		ClientID:   cl.ID,
		Scope:      reqInfo.Parameters.Scope,
		RequestURI: reqInfo.URI,
		CsrfToken:  csrfToken,
		AcceptPath: oauth.PathAuthorize + "/accept",
		RejectPath: oauth.PathAuthorize + "/reject",
	}
	for _, cand := range candidates {
		data.Sessions = append(data.Sessions, authorizePageSession{
			Sub:           cand.Session.Account.Sub,
			Handle:        cand.Session.Account.Handle,
			LoginRequired: cand.LoginRequired,
		})
	}

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return authorizePageTemplate.Execute(c.Response(), data)
}
