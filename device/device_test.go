package device

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/polaris-id/polaris/oauth"
)

func newContext(e *echo.Echo, cookies []*http.Cookie) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestEnsureCreatesDevice(t *testing.T) {
	e := echo.New()
	m := NewManager(NewMemoryStore(), true)

	c, rec := newContext(e, nil)
	d, err := m.Ensure(c, oauth.RequestMetadata{IPAddress: "203.0.113.7", UserAgent: "test"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if d.ID == "" {
		t.Fatal("no device id")
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected the cookie pair, got %d cookies", len(cookies))
	}
	for _, ck := range cookies {
		if !ck.HttpOnly || !ck.Secure {
			t.Errorf("cookie %s must be HttpOnly and Secure", ck.Name)
		}
	}

	// the pair loads the same device back
	c2, _ := newContext(e, cookies)
	got, err := m.Load(c2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || got.ID != d.ID {
		t.Fatalf("cookie pair did not load the device")
	}
}

func TestLoadRejectsWrongSecret(t *testing.T) {
	e := echo.New()
	m := NewManager(NewMemoryStore(), true)

	c, rec := newContext(e, nil)
	if _, err := m.Ensure(c, oauth.RequestMetadata{}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	cookies := rec.Result().Cookies()
	for _, ck := range cookies {
		if ck.Name == "device-secret" {
			ck.Value = "forged"
		}
	}
	c2, _ := newContext(e, cookies)
	got, err := m.Load(c2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatal("forged secret loaded a device")
	}
}

func TestLoadWithoutCookies(t *testing.T) {
	e := echo.New()
	m := NewManager(NewMemoryStore(), true)

	c, _ := newContext(e, nil)
	got, err := m.Load(c)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatal("device loaded from nothing")
	}
}
