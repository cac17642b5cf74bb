package replay

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore implements Store with SET NX EX, which is atomic on the
// server and safe across multiple authorization server instances.
type ValkeyStore struct {
	vk valkey.Client
}

func NewValkeyStore(vk valkey.Client) *ValkeyStore {
	return &ValkeyStore{vk: vk}
}

func (s *ValkeyStore) Add(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cmd := s.vk.B().Set().Key("replay:" + key).Value("1").Nx().Ex(ttl).Build()
	if err := s.vk.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			// SET NX on an existing key replies nil
			return false, nil
		}
		return false, err
	}
	return true, nil
}
