package account

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/polaris-id/polaris/oauth"
)

var handleRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,251}[a-z0-9]$`)

const (
	minPasswordLength = 8
	resetTokenTTL     = 30 * time.Minute
)

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("polaris-dummy"), bcrypt.DefaultCost)

type Manager struct {
	store Store
	hooks Hooks
}

func NewManager(store Store, hooks Hooks) *Manager {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Manager{store: store, hooks: hooks}
}

// CheckHandle validates the syntax of a domain-shaped handle.
func CheckHandle(handle string) error {
	handle = strings.ToLower(handle)
	if !handleRegexp.MatchString(handle) || !strings.Contains(handle, ".") {
		return fmt.Errorf("invalid handle: %q", handle)
	}
	return nil
}

// VerifyHandleAvailability checks syntax and that no account holds the handle.
func (m *Manager) VerifyHandleAvailability(ctx context.Context, handle string) error {
	if err := CheckHandle(handle); err != nil {
		return err
	}
	existing, err := m.store.GetAccountByHandle(ctx, strings.ToLower(handle))
	if err != nil {
		return fmt.Errorf("lookup handle: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("handle is taken: %q", handle)
	}
	return nil
}

// SignUp creates an account and binds it to the device as a fresh session.
func (m *Manager) SignUp(ctx context.Context, deviceID, handle, password string, remember bool) (*Session, error) {
	handle = strings.ToLower(handle)
	if err := m.VerifyHandleAvailability(ctx, handle); err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	a := &Account{
		Sub:          "did:plc:" + strings.ToLower(ksuid.New().String()),
		Handle:       handle,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := m.store.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	info := DeviceAccountInfo{AuthenticatedAt: time.Now(), Remember: remember}
	if err := m.store.UpsertDeviceAccount(ctx, deviceID, a.Sub, info); err != nil {
		return nil, fmt.Errorf("bind device account: %w", err)
	}

	if err := m.hooks.OnSignedUp(ctx, a, deviceID); err != nil {
		slog.Error("sign-up hook failed", "sub", a.Sub, "error", err)
	}
	return &Session{Account: *a, Info: info}, nil
}

// SignIn checks credentials and refreshes the device-account binding.
// Previously authorized clients on this device survive re-authentication.
func (m *Manager) SignIn(ctx context.Context, deviceID, handle, password string, remember bool) (*Session, error) {
	a, err := m.store.GetAccountByHandle(ctx, strings.ToLower(handle))
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if a == nil {
		// burn comparable time so unknown handles are not distinguishable
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}

	info := DeviceAccountInfo{AuthenticatedAt: time.Now(), Remember: remember}
	if prev, err := m.store.GetDeviceAccount(ctx, deviceID, a.Sub); err == nil && prev != nil {
		info.AuthorizedClients = prev.Info.AuthorizedClients
	}
	if err := m.store.UpsertDeviceAccount(ctx, deviceID, a.Sub, info); err != nil {
		return nil, fmt.Errorf("bind device account: %w", err)
	}

	if err := m.hooks.OnSignedIn(ctx, a, deviceID); err != nil {
		slog.Error("sign-in hook failed", "sub", a.Sub, "error", err)
	}
	return &Session{Account: *a, Info: info}, nil
}

// GetAccount looks an account up by its subject identifier.
func (m *Manager) GetAccount(ctx context.Context, sub string) (*Account, error) {
	return m.store.GetAccountBySub(ctx, sub)
}

// GetDeviceAccount returns the session of one account on one device.
func (m *Manager) GetDeviceAccount(ctx context.Context, deviceID, sub string) (*Session, error) {
	return m.store.GetDeviceAccount(ctx, deviceID, sub)
}

// ListDeviceAccounts returns all sessions bound to a device.
func (m *Manager) ListDeviceAccounts(ctx context.Context, deviceID string) ([]Session, error) {
	return m.store.ListDeviceAccounts(ctx, deviceID)
}

// AddAuthorizedClient records that consent was granted to a client for
// this device-account pair.
func (m *Manager) AddAuthorizedClient(ctx context.Context, deviceID, sub, clientID string) error {
	return m.store.AddAuthorizedClient(ctx, deviceID, sub, clientID)
}

// ResetPasswordRequest issues a single-use reset token and hands it to
// the hooks for delivery. Unknown handles report success to the caller.
func (m *Manager) ResetPasswordRequest(ctx context.Context, handle string) error {
	a, err := m.store.GetAccountByHandle(ctx, strings.ToLower(handle))
	if err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}
	if a == nil {
		slog.Info("password reset requested for unknown handle")
		return nil
	}
	token := oauth.NewSecret(32)
	if err := m.store.SaveResetToken(ctx, token, a.Sub, time.Now().Add(resetTokenTTL)); err != nil {
		return fmt.Errorf("save reset token: %w", err)
	}
	if err := m.hooks.SendPasswordReset(ctx, a, token); err != nil {
		return fmt.Errorf("deliver reset token: %w", err)
	}
	return nil
}

// ResetPasswordConfirm consumes the token and replaces the password.
func (m *Manager) ResetPasswordConfirm(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	sub, err := m.store.ConsumeResetToken(ctx, token)
	if err != nil {
		return fmt.Errorf("invalid reset token")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return m.store.UpdatePassword(ctx, sub, hash)
}
