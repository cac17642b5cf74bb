package request

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

const (
	reqKeyPrefix       = "authreq:"
	codeKeyPrefix      = "authcode:"
	spentCodeKeyPrefix = "authcode-spent:"
	recordTTL          = 35 * time.Minute
)

// ValkeyStore keeps requests in Valkey. Code consumption uses GETDEL so
// only one caller can ever win; a spent marker preserves the lineage for
// replay attribution.
type ValkeyStore struct {
	vk valkey.Client
}

func NewValkeyStore(vk valkey.Client) *ValkeyStore {
	return &ValkeyStore{vk: vk}
}

func (s *ValkeyStore) CreateRequest(ctx context.Context, r *Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	cmd := s.vk.B().Set().Key(reqKeyPrefix + r.URI).Value(string(data)).Nx().Ex(recordTTL).Build()
	if err := s.vk.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return fmt.Errorf("request_uri collision: %s", r.URI)
		}
		return err
	}
	return nil
}

func (s *ValkeyStore) GetRequest(ctx context.Context, uri string) (*Request, error) {
	cmd := s.vk.B().Get().Key(reqKeyPrefix + uri).Build()
	data, err := s.vk.Do(ctx, cmd).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *ValkeyStore) UpdateRequest(ctx context.Context, r *Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	cmd := s.vk.B().Set().Key(reqKeyPrefix + r.URI).Value(string(data)).Xx().Ex(recordTTL).Build()
	if err := s.vk.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return fmt.Errorf("request not found: %s", r.URI)
		}
		return err
	}
	if r.Code != "" {
		cmd := s.vk.B().Set().Key(codeKeyPrefix + r.Code).Value(r.URI).Ex(recordTTL).Build()
		if err := s.vk.Do(ctx, cmd).Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeyStore) DeleteRequest(ctx context.Context, uri string) error {
	r, err := s.GetRequest(ctx, uri)
	if err != nil {
		return err
	}
	if r != nil && r.Code != "" {
		s.vk.Do(ctx, s.vk.B().Del().Key(codeKeyPrefix+r.Code).Build())
	}
	return s.vk.Do(ctx, s.vk.B().Del().Key(reqKeyPrefix+uri).Build()).Error()
}

func (s *ValkeyStore) ConsumeCode(ctx context.Context, code string) (*Request, bool, error) {
	uri, err := s.vk.Do(ctx, s.vk.B().Getdel().Key(codeKeyPrefix+code).Build()).ToString()
	if err != nil {
		if !valkey.IsValkeyNil(err) {
			return nil, false, err
		}
		// already spent?
		uri, err = s.vk.Do(ctx, s.vk.B().Get().Key(spentCodeKeyPrefix+code).Build()).ToString()
		if err != nil {
			if valkey.IsValkeyNil(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		r, gerr := s.GetRequest(ctx, uri)
		if gerr != nil || r == nil {
			return nil, false, gerr
		}
		return r, false, nil
	}

	marker := s.vk.B().Set().Key(spentCodeKeyPrefix + code).Value(uri).Ex(recordTTL).Build()
	if err := s.vk.Do(ctx, marker).Error(); err != nil {
		return nil, false, err
	}

	r, err := s.GetRequest(ctx, uri)
	if err != nil {
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	if r.State != StateAuthorized {
		return r, false, nil
	}
	r.State = StateConsumed
	if err := s.UpdateRequest(ctx, r); err != nil {
		return nil, false, err
	}
	return r, true, nil
}
