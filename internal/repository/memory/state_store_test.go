package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts-service/internal/bucketing"
	"accounts-service/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(clock *fakeClock) *StateStore {
	bm := bucketing.NewBucketingManager(config.BucketingConfig{LockStripes: 8})
	return NewStateStore(bm, WithClock(clock.Now))
}

func TestGetAbsentKey(t *testing.T) {
	s := newStore(&fakeClock{now: time.Unix(1700000000, 0)})

	rec, err := s.Get(context.Background(), "send:13800138000")
	require.NoError(t, err)
	assert.Zero(t, rec.Version)
	assert.Nil(t, rec.Value)
}

func TestCompareAndSwapVersions(t *testing.T) {
	ctx := context.Background()
	s := newStore(&fakeClock{now: time.Unix(1700000000, 0)})

	ok, err := s.CompareAndSwap(ctx, "k", 0, []byte("a"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", 0, []byte("b"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not win")

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, []byte("a"), rec.Value)

	require.NoError(t, s.Put(ctx, "k", []byte("c"), time.Hour))
	rec, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, []byte("c"), rec.Value)
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := newStore(clock)

	require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Minute))
	clock.Advance(time.Minute)

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, rec.Version)

	ok, err := s.CompareAndSwap(ctx, "k", 0, []byte("fresh"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReturnedValueIsACopy(t *testing.T) {
	ctx := context.Background()
	s := newStore(&fakeClock{now: time.Unix(1700000000, 0)})

	buf := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", buf, 0))
	buf[0] = 'z'

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	rec.Value[1] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Value)
}

func TestConcurrentCompareAndSwapHasOneWinnerPerVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore(&fakeClock{now: time.Unix(1700000000, 0)})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "same", 0, []byte("x"), 0)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}
