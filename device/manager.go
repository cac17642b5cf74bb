package device

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/segmentio/ksuid"

	"github.com/polaris-id/polaris/oauth"
)

const (
	idCookieName     = "device-id"
	secretCookieName = "device-secret"
	cookieMaxAge     = 365 * 24 * time.Hour
)

// Manager loads and creates devices from the cookie pair.
type Manager struct {
	store  Store
	secure bool
}

func NewManager(store Store, secureCookies bool) *Manager {
	return &Manager{store: store, secure: secureCookies}
}

// Load returns the device bound to the request cookies, or nil when the
// cookies are absent or fail verification.
func (m *Manager) Load(c echo.Context) (*Device, error) {
	idCookie, err := c.Cookie(idCookieName)
	if err != nil {
		return nil, nil
	}
	secretCookie, err := c.Cookie(secretCookieName)
	if err != nil {
		return nil, nil
	}

	d, err := m.store.GetDevice(c.Request().Context(), idCookie.Value)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if d == nil {
		return nil, nil
	}
	if !oauth.ConstantTimeEqual(d.SecretHash, hashSecret(secretCookie.Value)) {
		return nil, nil
	}
	return d, nil
}

// Ensure returns the request's device, creating and setting the cookie
// pair when none exists. Metadata and last-seen are refreshed.
func (m *Manager) Ensure(c echo.Context, meta oauth.RequestMetadata) (*Device, error) {
	ctx := c.Request().Context()

	d, err := m.Load(c)
	if err != nil {
		return nil, err
	}
	if d != nil {
		d.Metadata = meta
		d.LastSeenAt = time.Now()
		if err := m.store.PutDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("update device: %w", err)
		}
		return d, nil
	}

	secret := oauth.NewSecret(32)
	d = &Device{
		ID:         "dev-" + ksuid.New().String(),
		SecretHash: hashSecret(secret),
		Metadata:   meta,
		CreatedAt:  time.Now(),
		LastSeenAt: time.Now(),
	}
	if err := m.store.PutDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("put device: %w", err)
	}

	m.setCookie(c, idCookieName, d.ID)
	m.setCookie(c, secretCookieName, secret)
	return d, nil
}

// Forget drops the device record and expires the cookies.
func (m *Manager) Forget(c echo.Context, d *Device) error {
	if err := m.store.DeleteDevice(c.Request().Context(), d.ID); err != nil {
		return err
	}
	m.expireCookie(c, idCookieName)
	m.expireCookie(c, secretCookieName)
	return nil
}

func (m *Manager) setCookie(c echo.Context, name, value string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    value,
		Path:     oauth.PathAuthorize,
		MaxAge:   int(cookieMaxAge.Seconds()),
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) expireCookie(c echo.Context, name string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     oauth.PathAuthorize,
		MaxAge:   -1,
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
