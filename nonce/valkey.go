package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyService stores nonces in Valkey so redemption works across
// server instances.
type ValkeyService struct {
	options Options
	vk      valkey.Client
}

func NewValkeyService(vk valkey.Client, options Options) (*ValkeyService, error) {
	if options.ExpirySeconds == 0 {
		options.ExpirySeconds = 300
	}
	return &ValkeyService{options: options, vk: vk}, nil
}

const nonceBits = 256

func (v *ValkeyService) Get() (string, error) {
	randomBytes := make([]byte, nonceBits/8)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(randomBytes)

	ctx := context.Background()
	expiry := time.Duration(v.options.ExpirySeconds) * time.Second
	cmd := v.vk.B().Set().Key("nonce:" + nonce).Value("").Ex(expiry).Build()
	if err := v.vk.Do(ctx, cmd).Error(); err != nil {
		return "", fmt.Errorf("storing nonce: %w", err)
	}
	return nonce, nil
}

func (v *ValkeyService) Redeem(nonce string) error {
	ctx := context.Background()
	cmd := v.vk.B().Del().Key("nonce:" + nonce).Build()
	deleted, err := v.vk.Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("redeeming nonce: %w", err)
	}
	if deleted == 0 {
		return errors.New("nonce not found")
	}
	return nil
}
