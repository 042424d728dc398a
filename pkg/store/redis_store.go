package store

import (
	"context"
	cryptotls "crypto/tls"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// reconnectBaseInterval is the starting backoff for the connection-loss
// recovery loop.
const reconnectBaseInterval = 500 * time.Millisecond

// reconnectMaxInterval is the backoff ceiling (spec.md §4.1: "reconnect is
// with bounded exponential backoff, cap at 30s").
const reconnectMaxInterval = 30 * time.Second

// casScript performs an atomic read-compare-write: it only sets key to
// ARGV[len(ARGV)-2] when the current value is empty (and ARGV says missing
// keys are acceptable) or matches one of the candidate old values passed
// as the leading ARGV entries. TTL (milliseconds) is the final ARGV
// entry; 0 means no expiry.
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
local newValue = ARGV[#ARGV-2]
local allowMissing = ARGV[#ARGV-1]
local ttlMs = tonumber(ARGV[#ARGV])
local matched = false
if current == false then
  if allowMissing == "1" then
    matched = true
  end
else
  for i = 1, #ARGV-3 do
    if ARGV[i] == current then
      matched = true
      break
    end
  end
end
if not matched then
  return 0
end
if ttlMs > 0 then
  redis.call("SET", KEYS[1], newValue, "PX", ttlMs)
else
  redis.call("SET", KEYS[1], newValue)
end
return 1
`)

// incrScript increments key and, only on the call that creates it, sets
// its TTL — so a caller can't reset a rolling rate-limit window just by
// sending another request mid-window.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  local ttlMs = tonumber(ARGV[1])
  if ttlMs > 0 then
    redis.call("PEXPIRE", KEYS[1], ttlMs)
  end
end
return count
`)

// RedisStore implements Store over a *redis.Client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Dial builds a *redis.Client from addr/password/tls and wraps it,
// verifying connectivity with one Ping classified through classifyErr so
// a bad password surfaces as an *AuthError immediately.
func Dial(ctx context.Context, addr, password string, tls bool) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     addr,
		Password: password,
	}
	if tls {
		opts.TLSConfig = &cryptotls.Config{MinVersion: cryptotls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	s := &RedisStore{client: client}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, classifyErr(err)
	}
	return s, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, classifyErr(err)
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return classifyErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return classifyErr(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, classifyErr(err)
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return classifyErr(s.client.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return classifyErr(s.client.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	return m, classifyErr(err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return classifyErr(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return classifyErr(s.client.ZRem(ctx, key, member).Err())
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	opt := &redis.ZRangeBy{Min: fmt.Sprintf("%f", min), Max: fmt.Sprintf("%f", max), Count: limit}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	return toZMembers(zs), classifyErr(err)
}

func (s *RedisStore) ZRevRangeByScore(ctx context.Context, key string, max, min float64, limit int64) ([]ZMember, error) {
	opt := &redis.ZRangeBy{Min: fmt.Sprintf("%f", min), Max: fmt.Sprintf("%f", max), Count: limit}
	zs, err := s.client.ZRevRangeByScoreWithScores(ctx, key, opt).Result()
	return toZMembers(zs), classifyErr(err)
}

func toZMembers(zs []redis.Z) []ZMember {
	out := make([]ZMember, len(zs))
	for i, z := range zs {
		out[i] = ZMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out
}

func (s *RedisStore) LPush(ctx context.Context, key, value string) error {
	return classifyErr(s.client.LPush(ctx, key, value).Err())
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.client.LRange(ctx, key, start, stop).Result()
	return vs, classifyErr(err)
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	return v, classifyErr(err)
}

// decrFloorScript decrements key, clamping at zero so the active-children
// counter never goes negative if a decrement races ahead of its matching
// increment.
var decrFloorScript = redis.NewScript(`
local count = redis.call("DECR", KEYS[1])
if count < 0 then
  redis.call("SET", KEYS[1], 0)
  count = 0
end
return count
`)

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	v, err := decrFloorScript.Run(ctx, s.client, []string{key}).Int64()
	return v, classifyErr(err)
}

func (s *RedisStore) CAS(ctx context.Context, key string, wantOld []string, newValue string, allowMissing bool, ttl time.Duration) (bool, error) {
	args := make([]interface{}, 0, len(wantOld)+3)
	for _, v := range wantOld {
		args = append(args, v)
	}
	missing := "0"
	if allowMissing {
		missing = "1"
	}
	args = append(args, newValue, missing, ttl.Milliseconds())

	res, err := casScript.Run(ctx, s.client, []string{key}, args...).Int64()
	if err != nil {
		return false, classifyErr(err)
	}
	return res == 1, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return classifyErr(s.client.Publish(ctx, channel, payload).Err())
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, classifyErr(err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return classifyErr(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MonitorConnection runs a keep-alive ping on interval and, on failure,
// retries the ping with bounded exponential backoff (base 500ms, cap
// 30s, plus up to 20% jitter) until it succeeds or ctx is cancelled. onAuthFailure
// fires immediately for an *AuthError instead of entering the backoff
// loop, matching spec.md §4.1's "immediate breaker tripping" requirement.
// onRecovered fires once the ping succeeds after at least one failure.
func MonitorConnection(ctx context.Context, s Store, interval time.Duration, onAuthFailure func(error), onRecovered func()) {
	unhealthy := false

	KeepAlive(ctx, interval, func(ctx context.Context) error {
		err := s.Ping(ctx)
		if err == nil {
			if unhealthy {
				unhealthy = false
				onRecovered()
			}
			return nil
		}

		if IsAuthError(err) {
			onAuthFailure(err)
			return err
		}

		unhealthy = true
		backoffRetry(ctx, s)
		return err
	}, func(error) {})
}

// backoffRetry retries s.Ping with exponential backoff until it succeeds
// or ctx is cancelled, mirroring the teacher's worker.reconnect loop.
func backoffRetry(ctx context.Context, s Store) {
	wait := reconnectBaseInterval
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jitter := time.Duration(rand.Int63n(int64(wait) / 5))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait + jitter):
		}

		if err := s.Ping(ctx); err == nil {
			return
		}

		wait *= 2
		if wait > reconnectMaxInterval {
			wait = reconnectMaxInterval
		}
	}
}
