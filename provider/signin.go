package provider

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/polaris-id/polaris/oauth"
)

// accountView is what interactive endpoints reveal about an account.
type accountView struct {
	Sub    string `json:"sub"`
	Handle string `json:"preferred_username"`
}

type signInRequest struct {
	RequestURI string `json:"request_uri"`
	CsrfToken  string `json:"csrf_token"`
	Handle     string `json:"handle"`
	Password   string `json:"password"`
	Remember   bool   `json:"remember"`
}

type signInResponse struct {
	Account         accountView `json:"account"`
	ConsentRequired bool        `json:"consent_required"`
}

// SignInEndpoint checks credentials and binds the account to the device.
func (p *Provider) SignInEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	var body signInRequest
	if err := c.Bind(&body); err != nil {
		return oauth.InvalidRequest(err.Error())
	}
	if oerr := p.checkCsrf(c, body.RequestURI, body.CsrfToken); oerr != nil {
		return oerr
	}
	if body.Handle == "" {
		return oauth.ValidationError("handle", "body")
	}
	if body.Password == "" {
		return oauth.ValidationError("password", "body")
	}

	dev, err := p.devices.Ensure(c, oauth.RequestMetadataFromRequest(c.Request(), c.RealIP()))
	if err != nil {
		return oauth.ServerError(err.Error())
	}

	reqInfo, oerr := p.requests.Get(ctx, body.RequestURI, dev.ID, "")
	if oerr != nil {
		return oerr
	}

	session, err := p.accounts.SignIn(ctx, dev.ID, body.Handle, body.Password, body.Remember)
	if err != nil {
		return oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidRequest, "invalid credentials")
	}

	cl, oerr := p.clients.GetClient(ctx, reqInfo.ClientID)
	if oerr != nil {
		return oerr
	}
	consentRequired := !cl.Info.IsFirstParty && !session.Info.HasAuthorizedClient(cl.ID)

	return c.JSON(http.StatusOK, &signInResponse{
		Account:         accountView{Sub: session.Account.Sub, Handle: session.Account.Handle},
		ConsentRequired: consentRequired,
	})
}

type signUpRequest struct {
	RequestURI string `json:"request_uri"`
	CsrfToken  string `json:"csrf_token"`
	Handle     string `json:"handle"`
	Password   string `json:"password"`
}

// SignUpEndpoint creates an account and signs it in on the device.
func (p *Provider) SignUpEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	var body signUpRequest
	if err := c.Bind(&body); err != nil {
		return oauth.InvalidRequest(err.Error())
	}
	if oerr := p.checkCsrf(c, body.RequestURI, body.CsrfToken); oerr != nil {
		return oerr
	}

	dev, err := p.devices.Ensure(c, oauth.RequestMetadataFromRequest(c.Request(), c.RealIP()))
	if err != nil {
		return oauth.ServerError(err.Error())
	}

	if _, oerr := p.requests.Get(ctx, body.RequestURI, dev.ID, ""); oerr != nil {
		return oerr
	}

	session, err := p.accounts.SignUp(ctx, dev.ID, body.Handle, body.Password, true)
	if err != nil {
		return oauth.InvalidRequest(err.Error())
	}

	return c.JSON(http.StatusOK, &signInResponse{
		Account:         accountView{Sub: session.Account.Sub, Handle: session.Account.Handle},
		ConsentRequired: true,
	})
}

type handleRequest struct {
	Handle string `json:"handle"`
}

// VerifyHandleEndpoint pre-checks handle syntax and availability.
func (p *Provider) VerifyHandleEndpoint(c echo.Context) error {
	var body handleRequest
	if err := c.Bind(&body); err != nil {
		return oauth.InvalidRequest(err.Error())
	}
	if err := p.accounts.VerifyHandleAvailability(c.Request().Context(), body.Handle); err != nil {
		return oauth.InvalidRequest(err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"available": true})
}

type resetRequest struct {
	Handle string `json:"handle"`
}

// ResetPasswordRequestEndpoint triggers reset token delivery. The
// response does not reveal whether the handle exists.
func (p *Provider) ResetPasswordRequestEndpoint(c echo.Context) error {
	var body resetRequest
	if err := c.Bind(&body); err != nil {
		return oauth.InvalidRequest(err.Error())
	}
	if body.Handle == "" {
		return oauth.ValidationError("handle", "body")
	}
	if err := p.accounts.ResetPasswordRequest(c.Request().Context(), body.Handle); err != nil {
		return oauth.ServerError(err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

type resetConfirmRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ResetPasswordConfirmEndpoint consumes a reset token.
func (p *Provider) ResetPasswordConfirmEndpoint(c echo.Context) error {
	var body resetConfirmRequest
	if err := c.Bind(&body); err != nil {
		return oauth.InvalidRequest(err.Error())
	}
	if body.Token == "" {
		return oauth.ValidationError("token", "body")
	}
	if err := p.accounts.ResetPasswordConfirm(c.Request().Context(), body.Token, body.Password); err != nil {
		return oauth.InvalidRequest(err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{})
}
