// Package kv implements the namespaced KV store of spec §4.1: opaque
// values with optional TTL, atomic increment, and compare-and-swap, on
// top of Redis — grounded on the teacher's infrastructure/cache package
// for the versioned-entry shape, with go-redis/redis/v8 replacing the
// teacher's in-process map since this core's CAS must survive restarts.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/clock"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/coreerrors"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/logging"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/metrics"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/resilience"
)

// CASResult reports the outcome of a compare-and-swap attempt.
type CASResult struct {
	Applied bool
	Current []byte // current value when not applied, so the caller can retry
}

// Store is the namespaced KV port every component above it depends on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (CASResult, error)
	Health(ctx context.Context) error
	Close() error
}

// casScript performs the compare-and-swap atomically on the Redis side:
// it GETs the current value and, when ARGV[4] is "1", compares it against
// ARGV[1] (expected), or, when ARGV[4] is "0", requires the key to be
// absent; if that holds it SETs ARGV[2] with an optional TTL (ARGV[3],
// milliseconds, 0 meaning no expiry).
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
local expected = ARGV[1]
local hasExpected = ARGV[4]
if hasExpected == "1" then
	if current == false or current ~= expected then
		if current == false then
			return {0, ""}
		end
		return {0, current}
	end
else
	if current ~= false then
		return {0, current}
	end
end
if ARGV[3] == "0" then
	redis.call("SET", KEYS[1], ARGV[2])
else
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return {1, ARGV[2]}
`)

// RedisStore is the production Store, namespacing every key and
// wrapping Redis calls with a circuit breaker + retry per spec §7's
// TransportFailure handling.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	breaker   *resilience.CircuitBreaker
	retryCfg  resilience.RetryConfig
	clk       clock.Clock
	log       *logging.Logger
}

// Option configures a RedisStore at construction.
type Option func(*RedisStore)

// WithCircuitBreaker overrides the default circuit breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *RedisStore) { s.breaker = cb }
}

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(s *RedisStore) { s.retryCfg = cfg }
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *RedisStore) { s.log = l }
}

// WithClock overrides the clock used to pace retry backoff.
func WithClock(c clock.Clock) Option {
	return func(s *RedisStore) { s.clk = c }
}

// New builds a RedisStore scoped to namespace, talking to client.
func New(client redis.UniversalClient, namespace string, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:    client,
		namespace: namespace,
		breaker:   resilience.New(resilience.DefaultConfig()),
		retryCfg:  resilience.DefaultRetryConfig(),
		clk:       clock.NewSystem(),
		log:       logging.NewDefault("kv"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) namespaced(key string) string {
	return s.namespace + ":" + key
}

// withResilience wraps fn in a circuit breaker so a sustained outage
// fails fast once open, and inside that, a bounded exponential-backoff
// retry so transient transport errors are retried without the caller
// re-paying the breaker's own bookkeeping per attempt (spec §7
// TransportFailure: "caller retries"; DESIGN.md circuit-breaker note).
func (s *RedisStore) withResilience(ctx context.Context, op string, fn func() error) error {
	return s.breaker.Execute(ctx, func() error {
		return resilience.RetryIf(ctx, s.clk, s.retryCfg, coreerrors.Retryable, func() error {
			err := fn()
			if err != nil && isTransportErr(err) {
				return coreerrors.New(coreerrors.TransportFailure, op, err)
			}
			return err
		})
	})
}

func isTransportErr(err error) bool {
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, redis.Nil)
}

// Get returns the value at key, or ok=false if absent.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := s.withResilience(ctx, "kv.Get", func() error {
		v, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil {
		metrics.RecordKVOp("get", "error")
		return nil, false, err
	}
	if found {
		metrics.RecordKVOp("get", "hit")
	} else {
		metrics.RecordKVOp("get", "miss")
	}
	return val, found, nil
}

// Set unconditionally writes value at key with an optional ttl (0 means
// no expiry).
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.withResilience(ctx, "kv.Set", func() error {
		return s.client.Set(ctx, s.namespaced(key), value, ttl).Err()
	})
	if err != nil {
		metrics.RecordKVOp("set", "error")
		return err
	}
	metrics.RecordKVOp("set", "ok")
	return nil
}

// Del idempotently removes key.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	err := s.withResilience(ctx, "kv.Del", func() error {
		return s.client.Del(ctx, s.namespaced(key)).Err()
	})
	if err != nil {
		metrics.RecordKVOp("del", "error")
		return err
	}
	metrics.RecordKVOp("del", "ok")
	return nil
}

// Incr atomically increments key, initializing to 1 if absent.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var result int64
	err := s.withResilience(ctx, "kv.Incr", func() error {
		v, err := s.client.Incr(ctx, s.namespaced(key)).Result()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		metrics.RecordKVOp("incr", "error")
		return 0, err
	}
	metrics.RecordKVOp("incr", "ok")
	return result, nil
}

// CAS atomically replaces the value at key with newValue iff the
// current value equals expected (nil expected means "key absent").
// It never errors on mismatch; mismatch is reported via CASResult.
func (s *RedisStore) CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (CASResult, error) {
	fullKey := s.namespaced(key)
	hasExpected := "1"
	expStr := string(expected)
	if expected == nil {
		hasExpected = "0"
		expStr = ""
	}
	ttlMS := int64(0)
	if ttl > 0 {
		ttlMS = ttl.Milliseconds()
		if ttlMS == 0 {
			ttlMS = 1
		}
	}

	var result CASResult
	err := s.withResilience(ctx, "kv.CAS", func() error {
		raw, err := casScript.Run(ctx, s.client, []string{fullKey}, expStr, string(newValue), ttlMS, hasExpected).Result()
		if err != nil {
			return err
		}
		arr, ok := raw.([]interface{})
		if !ok || len(arr) != 2 {
			return coreerrors.New(coreerrors.ParseFailure, "kv.CAS", nil)
		}
		applied, _ := arr[0].(int64)
		current, _ := arr[1].(string)
		result = CASResult{Applied: applied == 1}
		if !result.Applied {
			result.Current = []byte(current)
		}
		return nil
	})
	if err != nil {
		metrics.RecordKVOp("cas", "error")
		return CASResult{}, err
	}
	if result.Applied {
		metrics.RecordKVOp("cas", "applied")
	} else {
		metrics.RecordKVOp("cas", "conflict")
	}
	return result, nil
}

// Health performs a round-trip write/read/delete of a disposable key.
func (s *RedisStore) Health(ctx context.Context) error {
	key := "__health__"
	val := []byte("ok")
	if err := s.Set(ctx, key, val, time.Second); err != nil {
		return err
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || string(got) != "ok" {
		return coreerrors.New(coreerrors.ParseFailure, "kv.Health", errors.New("round-trip mismatch"))
	}
	return s.Del(ctx, key)
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
