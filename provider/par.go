package provider

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/polaris-id/polaris/client"
	"github.com/polaris-id/polaris/dpop"
	"github.com/polaris-id/polaris/oauth"
)

// ParEndpoint implements RFC 9126: the client pushes its authorization
// parameters and gets back an opaque request_uri.
func (p *Provider) ParEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	proof, oerr := p.checkDpop(c, dpop.CheckOptions{})
	if oerr != nil {
		return downgradeParError(oerr)
	}

	cl, auth, oerr := p.verifyClient(c)
	if oerr != nil {
		return downgradeParError(oerr)
	}

	params, oerr := p.parParameters(c, cl)
	if oerr != nil {
		return downgradeParError(oerr)
	}

	dpopJkt := ""
	if proof != nil {
		dpopJkt = proof.KeyThumbprint
	}

	info, oerr := p.requests.Create(ctx, cl, auth, *params, "", dpopJkt)
	if oerr != nil {
		return downgradeParError(oerr)
	}

	p.metrics.count(ctx, p.metrics.parRequests, cl.ID)

	return c.JSON(http.StatusCreated, &oauth.ParResponse{
		RequestURI: info.URI,
		ExpiresIn:  int(time.Until(info.ExpiresAt).Seconds()),
	})
}

// parParameters extracts the authorization parameters from a JAR request
// object when one is pushed, from the form body otherwise.
func (p *Provider) parParameters(c echo.Context, cl *client.Client) (*oauth.AuthorizationParameters, *oauth.Error) {
	ctx := c.Request().Context()

	if requestObject := c.FormValue("request"); requestObject != "" {
		decoded, oerr := p.clients.DecodeRequestObject(ctx, cl, requestObject)
		if oerr != nil {
			return nil, oerr
		}
		ok, err := p.replay.UniqueJar(ctx, decoded.Jti, cl.ID)
		if err != nil {
			return nil, oauth.ServerError(err.Error())
		}
		if !ok {
			p.metrics.count(ctx, p.metrics.replaysBlocked, cl.ID)
			return nil, oauth.InvalidRequest("request object jti was already used")
		}
		return &decoded.Parameters, nil
	}

	params := &oauth.AuthorizationParameters{}
	if err := c.Bind(params); err != nil {
		return nil, oauth.InvalidRequest(err.Error())
	}
	if params.ClientID == "" {
		params.ClientID = cl.ID
	}
	if params.ClientID != cl.ID {
		return nil, oauth.InvalidRequest("client_id mismatch")
	}
	return params, nil
}

// downgradeParError applies RFC 9126 §2.3: user-interaction outcomes
// make no sense at PAR and are reported as invalid_request.
func downgradeParError(err *oauth.Error) *oauth.Error {
	switch err.Code {
	case oauth.ErrorAccessDenied, oauth.ErrorLoginRequired, oauth.ErrorConsentRequired, oauth.ErrorAccountSelectionRequired:
		return oauth.InvalidRequest(err.Description)
	}
	return err
}
