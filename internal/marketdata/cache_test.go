package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execengine/internal/domain"
)

type memRemote struct {
	mu   sync.Mutex
	data map[string]wireSnapshot
}

func newMemRemote() *memRemote {
	return &memRemote{data: make(map[string]wireSnapshot)}
}

func (m *memRemote) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(wireSnapshot)
	return nil
}

func (m *memRemote) GetJSON(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return errors.New("not found")
	}
	*dest.(*wireSnapshot) = v
	return nil
}

func TestUpdateThenGetReturnsLatestSnapshot(t *testing.T) {
	c := New(Config{}, nil, nil)

	snap := domain.MarketData{
		Symbol:    "BTCUSDT",
		BestBid:   decimal.NewFromInt(64999),
		BestAsk:   decimal.NewFromInt(65001),
		LastPrice: decimal.NewFromInt(65000),
		Volume:    decimal.NewFromInt(1000),
	}
	c.Update(context.Background(), snap)

	got, ok := c.Get(context.Background(), "BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.BestBid.Equal(snap.BestBid))
	assert.True(t, got.LastPrice.Equal(snap.LastPrice))
}

func TestGetUnknownSymbolMisses(t *testing.T) {
	c := New(Config{}, nil, nil)
	_, ok := c.Get(context.Background(), "NOPE")
	assert.False(t, ok)
}

func TestIsStaleReportsTrueForMissingOrExpiredSnapshot(t *testing.T) {
	c := New(Config{SnapshotTTL: 10 * time.Millisecond}, nil, nil)
	assert.True(t, c.IsStale(context.Background(), "BTCUSDT"), "unknown symbol must be reported stale")

	c.Update(context.Background(), domain.MarketData{Symbol: "BTCUSDT", LastPrice: decimal.NewFromInt(1)})
	assert.False(t, c.IsStale(context.Background(), "BTCUSDT"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.IsStale(context.Background(), "BTCUSDT"), "snapshot older than TTL must be reported stale")
}

func TestRemoteMirrorServesOnLocalMiss(t *testing.T) {
	remote := newMemRemote()
	writer := New(Config{}, remote, nil)
	reader := New(Config{}, remote, nil)

	writer.Update(context.Background(), domain.MarketData{
		Symbol: "ETHUSDT", LastPrice: decimal.NewFromInt(3400),
	})

	got, ok := reader.Get(context.Background(), "ETHUSDT")
	require.True(t, ok, "second process must be able to read the first process's update via the remote mirror")
	assert.True(t, got.LastPrice.Equal(decimal.NewFromInt(3400)))
}

func TestConcurrentUpdatesAndReadsDoNotRace(t *testing.T) {
	c := New(Config{}, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			c.Update(context.Background(), domain.MarketData{Symbol: "BTCUSDT", LastPrice: decimal.NewFromInt(int64(n))})
		}(i)
		go func() {
			defer wg.Done()
			c.Get(context.Background(), "BTCUSDT")
		}()
	}
	wg.Wait()
}
