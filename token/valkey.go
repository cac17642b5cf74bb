package token

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

const (
	tokenKeyPrefix   = "token:"
	refreshKeyPrefix = "tokenref:"
	currentKeyPrefix = "tokencur:"
	requestKeyPrefix = "tokenreq:"
	tokenRecordTTL   = 91 * 24 * time.Hour
)

// rotation is a compare-and-swap on the current-refresh key; everything
// else is idempotent compensation around it.
var rotateScript = valkey.NewLuaScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
  return 1
end
return 0
`)

type ValkeyStore struct {
	vk valkey.Client
}

func NewValkeyStore(vk valkey.Client) *ValkeyStore {
	return &ValkeyStore{vk: vk}
}

func (s *ValkeyStore) putRecord(ctx context.Context, t *Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	cmd := s.vk.B().Set().Key(tokenKeyPrefix + t.ID).Value(string(data)).Ex(tokenRecordTTL).Build()
	return s.vk.Do(ctx, cmd).Error()
}

func (s *ValkeyStore) PutToken(ctx context.Context, t *Token) error {
	if err := s.putRecord(ctx, t); err != nil {
		return err
	}
	if t.CurrentRefresh != "" {
		cur := s.vk.B().Set().Key(currentKeyPrefix + t.ID).Value(t.CurrentRefresh).Ex(tokenRecordTTL).Build()
		if err := s.vk.Do(ctx, cur).Error(); err != nil {
			return err
		}
		ref := s.vk.B().Set().Key(refreshKeyPrefix + t.CurrentRefresh).Value(t.ID).Ex(tokenRecordTTL).Build()
		if err := s.vk.Do(ctx, ref).Error(); err != nil {
			return err
		}
	}
	if t.RequestURI != "" {
		add := s.vk.B().Sadd().Key(requestKeyPrefix + t.RequestURI).Member(t.ID).Build()
		if err := s.vk.Do(ctx, add).Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeyStore) GetToken(ctx context.Context, id string) (*Token, error) {
	data, err := s.vk.Do(ctx, s.vk.B().Get().Key(tokenKeyPrefix+id).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *ValkeyStore) GetTokenForRefresh(ctx context.Context, refresh string) (*Token, error) {
	id, err := s.vk.Do(ctx, s.vk.B().Get().Key(refreshKeyPrefix+refresh).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetToken(ctx, id)
}

func (s *ValkeyStore) RotateRefresh(ctx context.Context, t *Token, oldRefresh, newRefresh string) (bool, error) {
	ttl := strconv.FormatInt(int64(tokenRecordTTL/time.Second), 10)
	res, err := rotateScript.Exec(ctx, s.vk,
		[]string{currentKeyPrefix + t.ID},
		[]string{oldRefresh, newRefresh, ttl},
	).AsInt64()
	if err != nil {
		return false, err
	}
	if res != 1 {
		return false, nil
	}

	cp := *t
	cp.CurrentRefresh = newRefresh
	if err := s.putRecord(ctx, &cp); err != nil {
		return false, err
	}
	ref := s.vk.B().Set().Key(refreshKeyPrefix + newRefresh).Value(t.ID).Ex(tokenRecordTTL).Build()
	if err := s.vk.Do(ctx, ref).Error(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ValkeyStore) RevokeToken(ctx context.Context, id string) error {
	t, err := s.GetToken(ctx, id)
	if err != nil || t == nil {
		return err
	}
	t.Revoked = true
	return s.putRecord(ctx, t)
}

func (s *ValkeyStore) FindByRequestURI(ctx context.Context, uri string) ([]*Token, error) {
	ids, err := s.vk.Do(ctx, s.vk.B().Smembers().Key(requestKeyPrefix+uri).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Token
	for _, id := range ids {
		t, err := s.GetToken(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *ValkeyStore) DeleteToken(ctx context.Context, id string) error {
	t, err := s.GetToken(ctx, id)
	if err != nil || t == nil {
		return err
	}
	if t.CurrentRefresh != "" {
		s.vk.Do(ctx, s.vk.B().Del().Key(refreshKeyPrefix+t.CurrentRefresh).Build())
	}
	s.vk.Do(ctx, s.vk.B().Del().Key(currentKeyPrefix+id).Build())
	if t.RequestURI != "" {
		s.vk.Do(ctx, s.vk.B().Srem().Key(requestKeyPrefix+t.RequestURI).Member(id).Build())
	}
	return s.vk.Do(ctx, s.vk.B().Del().Key(tokenKeyPrefix+id).Build()).Error()
}
