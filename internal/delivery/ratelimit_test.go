package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLimiter_DisabledIsNil(t *testing.T) {
	l := newKeyLimiter(0, 5)
	require.Nil(t, l)
	assert.NoError(t, l.Wait(context.Background(), "any"))
}

func TestKeyLimiter_BucketsArePerKey(t *testing.T) {
	l := newKeyLimiter(0.001, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a"))
	require.NoError(t, l.Wait(ctx, "b"), "a separate key has its own burst")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short, "a"), "the second request for a exceeds its bucket")
}

func TestKeyLimiter_EvictsIdleBuckets(t *testing.T) {
	l := newKeyLimiter(10, 1)
	start := time.Now()
	l.get("stale", start)
	for i := 1; i < 512; i++ {
		l.get("fresh", start.Add(time.Hour))
	}
	_, ok := l.byKey["stale"]
	assert.False(t, ok)
	_, ok = l.byKey["fresh"]
	assert.True(t, ok)
}
