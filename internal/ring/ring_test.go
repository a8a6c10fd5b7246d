package ring

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/execengine/internal/domain"
)

func TestSignalRingRoundTrip(t *testing.T) {
	opts := Options{Dir: t.TempDir()}
	r, err := CreateSignalRing("test-signal", 4, opts)
	require.NoError(t, err)
	defer r.Close()

	in := domain.Signal{
		SequenceID:     42,
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		Type:           domain.SignalTypeBuy,
		TargetPrice:    decimal.NewFromFloat(65000.12345678),
		TargetQuantity: decimal.NewFromFloat(0.5),
		Timestamp:      time.Unix(1700000000, 0).UTC(),
	}

	assert.True(t, r.Push(in))
	out, ok := r.Pop()
	require.True(t, ok)

	assert.Equal(t, in.SequenceID, out.SequenceID)
	assert.Equal(t, in.Symbol, out.Symbol)
	assert.Equal(t, in.Type, out.Type)
	assert.True(t, in.TargetPrice.Equal(out.TargetPrice))
	assert.True(t, in.TargetQuantity.Equal(out.TargetQuantity))
	assert.Equal(t, in.Timestamp.Unix(), out.Timestamp.Unix())
}

func TestReportRingRoundTrip(t *testing.T) {
	opts := Options{Dir: t.TempDir()}
	r, err := CreateReportRing("test-report", 4, opts)
	require.NoError(t, err)
	defer r.Close()

	in := domain.OrderReport{
		OrderID:        "order-abc-123",
		Symbol:         "ETHUSDT",
		Side:           domain.SideSell,
		Type:           domain.OrderTypeLimit,
		Status:         domain.OrderStatusPartiallyFilled,
		Quantity:       decimal.NewFromFloat(10),
		FilledQuantity: decimal.NewFromFloat(4),
		Price:          decimal.NewFromFloat(3400.5),
		AvgFillPrice:   decimal.NewFromFloat(3400.55),
		Commission:     decimal.NewFromFloat(0.002),
		Timestamp:      time.Unix(1700000001, 0).UTC(),
		ErrorMessage:   "",
	}

	require.True(t, r.Push(in))
	out, ok := r.Pop()
	require.True(t, ok)

	assert.Equal(t, in.Symbol, out.Symbol)
	assert.Equal(t, in.Side, out.Side)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Status, out.Status)
	assert.True(t, in.Quantity.Equal(out.Quantity))
	assert.True(t, in.FilledQuantity.Equal(out.FilledQuantity))
	assert.True(t, in.AvgFillPrice.Equal(out.AvgFillPrice))
}

func TestRingCapacityAndOverflowDrops(t *testing.T) {
	opts := Options{Dir: t.TempDir()}
	r, err := CreateSignalRing("test-overflow", 2, opts)
	require.NoError(t, err)
	defer r.Close()

	sig := domain.Signal{SequenceID: 1, Symbol: "BTCUSDT", Type: domain.SignalTypeBuy}

	// capacity 2 holds exactly 1 usable slot (head+1 == tail is "full").
	assert.True(t, r.Push(sig))
	assert.False(t, r.Push(sig), "second push must drop: ring reports full one slot early")
	assert.Equal(t, uint64(1), r.Dropped())

	_, ok := r.Pop()
	require.True(t, ok)
	_, ok = r.Pop()
	assert.False(t, ok, "ring should be empty after draining its one record")
}

func TestRingPopWaitTimesOut(t *testing.T) {
	opts := Options{Dir: t.TempDir()}
	r, err := CreateSignalRing("test-popwait", 4, opts)
	require.NoError(t, err)
	defer r.Close()

	start := time.Now()
	_, ok := r.PopWait(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestOpenWaitsForInitialization(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Dir: dir}

	creator, err := CreateSignalRing("test-open-wait", 4, opts)
	require.NoError(t, err)
	defer creator.Close()

	reader, err := OpenSignalRing("test-open-wait", opts, 200*time.Millisecond)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, creator.Capacity(), reader.Capacity())
}
