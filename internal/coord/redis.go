package coord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// RedisConfig holds connection parameters for the Redis sync backend.
type RedisConfig struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	LeaderKey string
	Channel   string
}

// Default key and channel names.
const (
	DefaultLeaderKey = "kura:leader"
	DefaultChannel   = "kura:sync"
)

// NewRedisClient creates a rueidis client for the sync backend.
func NewRedisClient(cfg RedisConfig) (rueidis.Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return client, nil
}

// The record is "<tabID>|<unix millis>". Claim succeeds when the key is
// missing, owned by the caller, or older than the stale window.
var claimScript = rueidis.NewLuaScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local sep = string.find(cur, '|', 1, true)
  if sep then
    local owner = string.sub(cur, 1, sep - 1)
    local ts = tonumber(string.sub(cur, sep + 1))
    if owner ~= ARGV[1] and ts and (tonumber(ARGV[2]) - ts) <= tonumber(ARGV[3]) then
      return 0
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. '|' .. ARGV[2])
return 1
`)

var releaseScript = rueidis.NewLuaScript(`
local cur = redis.call('GET', KEYS[1])
if cur and string.sub(cur, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. '|' then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisLeaderStore keeps the leadership record in one Redis key and updates
// it with Lua scripts so claim and release are atomic.
type RedisLeaderStore struct {
	client rueidis.Client
	key    string
}

var _ LeaderStore = (*RedisLeaderStore)(nil)

// NewRedisLeaderStore returns a LeaderStore on key. An empty key uses DefaultLeaderKey.
func NewRedisLeaderStore(client rueidis.Client, key string) *RedisLeaderStore {
	if key == "" {
		key = DefaultLeaderKey
	}
	return &RedisLeaderStore{client: client, key: key}
}

func (s *RedisLeaderStore) Claim(ctx context.Context, tabID string, now time.Time, staleAfter time.Duration) (bool, error) {
	n, err := claimScript.Exec(ctx, s.client, []string{s.key}, []string{
		tabID,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(staleAfter.Milliseconds(), 10),
	}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("claim leader: %w", err)
	}
	return n == 1, nil
}

func (s *RedisLeaderStore) Release(ctx context.Context, tabID string) (bool, error) {
	n, err := releaseScript.Exec(ctx, s.client, []string{s.key}, []string{tabID}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("release leader: %w", err)
	}
	return n == 1, nil
}

func (s *RedisLeaderStore) Current(ctx context.Context) (LeaderRecord, bool, error) {
	cmd := s.client.B().Get().Key(s.key).Build()
	val, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return LeaderRecord{}, false, nil
		}
		return LeaderRecord{}, false, fmt.Errorf("read leader: %w", err)
	}
	rec, err := parseLeaderValue(val)
	if err != nil {
		return LeaderRecord{}, false, err
	}
	return rec, true, nil
}

func parseLeaderValue(val string) (LeaderRecord, error) {
	i := strings.LastIndexByte(val, '|')
	if i <= 0 {
		return LeaderRecord{}, fmt.Errorf("malformed leader record %q", val)
	}
	ms, err := strconv.ParseInt(val[i+1:], 10, 64)
	if err != nil {
		return LeaderRecord{}, fmt.Errorf("malformed leader record %q: %w", val, err)
	}
	return LeaderRecord{TabID: val[:i], Heartbeat: time.UnixMilli(ms)}, nil
}

// RedisBus publishes sync messages on a Redis pub/sub channel.
type RedisBus struct {
	client  rueidis.Client
	channel string
	logger  *zap.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus returns a Bus on channel. An empty channel uses DefaultChannel.
func NewRedisBus(client rueidis.Client, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, m Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	cmd := b.client.B().Publish().Channel(b.channel).Message(string(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.Type, err)
	}
	return nil
}

// Subscribe starts a receive loop in the background. Malformed payloads are
// logged and skipped.
func (b *RedisBus) Subscribe(h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancels = append(b.cancels, cancel)

	go func() {
		cmd := b.client.B().Subscribe().Channel(b.channel).Build()
		err := b.client.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
			m, err := DecodeMessage([]byte(msg.Message))
			if err != nil {
				b.logger.Warn("Dropping sync message", zap.Error(err))
				return
			}
			h(m)
		})
		if err != nil && ctx.Err() == nil {
			b.logger.Error("Sync subscription ended", zap.String("channel", b.channel), zap.Error(err))
		}
	}()
	return cancel, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	return nil
}
