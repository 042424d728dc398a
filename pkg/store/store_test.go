package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/pkg/store"
)

func TestMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestMemoryStore_SetTTLExpires(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestMemoryStore_CAS(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	ok, err := s.CAS(ctx, "approval:1", []string{"pending"}, "approved", false, 0)
	require.NoError(t, err)
	assert.False(t, ok, "CAS should fail when key does not exist and allowMissing is false")

	ok, err = s.CAS(ctx, "approval:1", nil, "pending", true, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CAS(ctx, "approval:1", []string{"rejected"}, "approved", false, 0)
	require.NoError(t, err)
	assert.False(t, ok, "CAS must reject a non-matching old value")

	ok, err = s.CAS(ctx, "approval:1", []string{"pending"}, "approved", false, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := s.Get(ctx, "approval:1")
	assert.Equal(t, "approved", v)
}

func TestMemoryStore_CASIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.Set(ctx, "approval:2", "pending", 0))

	ok1, err := s.CAS(ctx, "approval:2", []string{"pending"}, "approved", false, 0)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := s.CAS(ctx, "approval:2", []string{"pending"}, "approved", false, 0)
	require.NoError(t, err)
	assert.False(t, ok2, "second CAS against the now-stale old value must fail")
}

func TestMemoryStore_Incr_SetsTTLOnlyOnCreate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	n, err := s.Incr(ctx, "ratelimit:dispatch:agent-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "ratelimit:dispatch:agent-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "ttl argument on a non-creating Incr must not reset the counter")
}

func TestMemoryStore_DecrFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, err := s.Incr(ctx, "active-children:lead", 0)
	require.NoError(t, err)

	n, err := s.Decr(ctx, "active-children:lead")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.Decr(ctx, "active-children:lead")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "decr below zero must floor at zero")
}

func TestMemoryStore_SortedSetRanges(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.ZAdd(ctx, "approvals:pending", 10, "a"))
	require.NoError(t, s.ZAdd(ctx, "approvals:pending", 20, "b"))
	require.NoError(t, s.ZAdd(ctx, "approvals:pending", 30, "c"))

	asc, err := s.ZRangeByScore(ctx, "approvals:pending", 0, 100, 0)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "a", asc[0].Member)
	assert.Equal(t, "c", asc[2].Member)

	desc, err := s.ZRevRangeByScore(ctx, "approvals:pending", 100, 0, 2)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "c", desc[0].Member)

	require.NoError(t, s.ZRem(ctx, "approvals:pending", "b"))
	remaining, err := s.ZRangeByScore(ctx, "approvals:pending", 0, 100, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.LPush(ctx, "learnings:job:1", "first"))
	require.NoError(t, s.LPush(ctx, "learnings:job:1", "second"))

	all, err := s.LRange(ctx, "learnings:job:1", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, all)
}

func TestMemoryStore_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	ch, cancel, err := s.Subscribe(ctx, "queue-events")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "queue-events", "job-completed"))

	select {
	case msg := <-ch:
		assert.Equal(t, "job-completed", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestIsAuthError(t *testing.T) {
	err := &store.AuthError{Err: assertErr("WRONGPASS invalid username-password pair")}
	assert.True(t, store.IsAuthError(err))
	assert.False(t, store.IsAuthError(assertErr("connection refused")))
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
