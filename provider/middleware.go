package provider

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/polaris-id/polaris/oauth"
)

// sameOriginMiddleware guards the interactive endpoints. The initial
// authorize GET is a cross-site top-level navigation by nature, so it
// only has to look like one; everything after it must come from our own
// pages.
func (p *Provider) sameOriginMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	issuerOrigin := origin(p.cfg.Issuer)
	return func(c echo.Context) error {
		r := c.Request()

		if r.Method == http.MethodGet && c.Path() == oauth.PathAuthorize {
			if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" && mode != "navigate" {
				return oauth.NewError(http.StatusForbidden, oauth.ErrorInvalidRequest, "authorize must be a navigation request")
			}
			return next(c)
		}

		if site := r.Header.Get("Sec-Fetch-Site"); site != "" && site != "same-origin" {
			return oauth.NewError(http.StatusForbidden, oauth.ErrorInvalidRequest, "cross-site request rejected")
		}
		if o := r.Header.Get("Origin"); o != "" && o != issuerOrigin {
			return oauth.NewError(http.StatusForbidden, oauth.ErrorInvalidRequest, "cross-origin request rejected")
		}
		if ref := r.Header.Get("Referer"); ref != "" && origin(ref) != issuerOrigin {
			return oauth.NewError(http.StatusForbidden, oauth.ErrorInvalidRequest, "cross-origin request rejected")
		}
		return next(c)
	}
}

func origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// csrfCookieName derives the per-request cookie name from the opaque
// part of the request_uri.
func csrfCookieName(requestURI string) string {
	if i := strings.LastIndexByte(requestURI, ':'); i >= 0 {
		requestURI = requestURI[i+1:]
	}
	return "csrf-" + requestURI
}

// setCsrfCookie installs the double-submit token for one request_uri.
func (p *Provider) setCsrfCookie(c echo.Context, requestURI string) string {
	token := oauth.NewSecret(24)
	c.SetCookie(&http.Cookie{
		Name:     csrfCookieName(requestURI),
		Value:    token,
		Path:     oauth.PathAuthorize,
		MaxAge:   int((15 * 60)),
		Secure:   strings.HasPrefix(p.cfg.Issuer, "https://"),
		HttpOnly: false, // the consent page echoes the token in its forms' csrf_token field
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

// checkCsrf validates the double-submit pair for one request_uri.
func (p *Provider) checkCsrf(c echo.Context, requestURI, submitted string) *oauth.Error {
	if requestURI == "" || submitted == "" {
		return oauth.NewError(http.StatusForbidden, oauth.ErrorInvalidRequest, "missing csrf token")
	}
	cookie, err := c.Cookie(csrfCookieName(requestURI))
	if err != nil || cookie.Value == "" || !oauth.ConstantTimeEqual(cookie.Value, submitted) {
		return oauth.NewError(http.StatusForbidden, oauth.ErrorInvalidRequest, "invalid csrf token")
	}
	return nil
}

func (p *Provider) clearCsrfCookie(c echo.Context, requestURI string) {
	c.SetCookie(&http.Cookie{
		Name:   csrfCookieName(requestURI),
		Value:  "",
		Path:   oauth.PathAuthorize,
		MaxAge: -1,
	})
}
