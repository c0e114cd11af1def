package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "testns")
}

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "greeting", []byte("hello"), 0))
	got, ok, err := s.Get(ctx, "greeting")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(got))

	require.NoError(t, s.Del(ctx, "greeting"))
	_, ok, err = s.Get(ctx, "greeting")
	require.NoError(t, err)
	require.False(t, ok)

	// Del is idempotent.
	require.NoError(t, s.Del(ctx, "greeting"))
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestCAS_AppliesWhenKeyAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.CAS(ctx, "job:1", nil, []byte("v1"), 0)
	require.NoError(t, err)
	require.True(t, res.Applied)

	got, ok, err := s.Get(ctx, "job:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(got))
}

func TestCAS_ConflictReturnsCurrentValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CAS(ctx, "job:1", nil, []byte("v1"), 0)
	require.NoError(t, err)

	res, err := s.CAS(ctx, "job:1", []byte("wrong"), []byte("v2"), 0)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, "v1", string(res.Current))
}

func TestCAS_ExactlyOneWinnerUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CAS(ctx, "job:7", nil, []byte("v7"), 0)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	applied := make([]bool, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.CAS(ctx, "job:7", []byte("v7"), []byte("v8"), 0)
			require.NoError(t, err)
			applied[i] = res.Applied
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range applied {
		if ok {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one CAS should apply per generation")

	got, ok, err := s.Get(ctx, "job:7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v8", string(got))
}

func TestCAS_TTLExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := New(client, "testns")

	_, err := s.CAS(ctx, "idempotency:abc", nil, []byte("seen"), 50*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)

	_, ok, err := s.Get(ctx, "idempotency:abc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHealth(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Health(context.Background()))
}
