package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := New(4, 16)
	defer p.Stop()

	fut, ok := Submit(p, func() (int, error) { return 42, nil })
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestPoolPropagatesErrors(t *testing.T) {
	p := New(2, 16)
	defer p.Stop()

	fut, ok := Submit(p, func() (int, error) { return 0, assertErr })
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := fut.Wait(ctx)
	assert.ErrorIs(t, err, assertErr)
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestPoolStopJoinsWorkers(t *testing.T) {
	p := New(3, 16)
	var completed int64
	for i := 0; i < 3; i++ {
		p.Go(func() { atomic.AddInt64(&completed, 1) })
	}
	p.Stop()
	assert.LessOrEqual(t, atomic.LoadInt64(&completed), int64(3))
}

func TestSubmitAfterStopFails(t *testing.T) {
	p := New(1, 4)
	p.Stop()
	_, ok := Submit(p, func() (int, error) { return 1, nil })
	assert.False(t, ok)
}
