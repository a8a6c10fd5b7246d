package ring

import (
	"encoding/binary"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/domain"
)

// signalRecordSize follows the C struct's field order and offsets: u64
// sequence_id, u64 timestamp_ns, char[32] symbol, u8 signal_type, u8
// pad[7], 8-byte target_price, i64 target_volume. Both numeric slots hold
// int64 fixed-point values scaled by 1e8; target_price is not an f64.
const signalRecordSize = 8 + 8 + 32 + 1 + 7 + 8 + 8

// SignalCodec encodes/decodes fixed-layout signal records.
type SignalCodec struct{}

// RecordSize implements Codec.
func (SignalCodec) RecordSize() int { return signalRecordSize }

// Encode implements Codec. Price and quantity are carried as fixed-point
// integers scaled by 1e8 to avoid floating point drift across the wire.
func (SignalCodec) Encode(s domain.Signal, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.SequenceID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.Timestamp.UnixNano()))
	copySymbol(buf[16:48], s.Symbol)
	buf[48] = byte(s.Type)
	// buf[49:56] padding, left zero
	priceScaled, _ := s.TargetPrice.Shift(8).Round(0).Float64()
	binary.LittleEndian.PutUint64(buf[56:64], uint64(int64(priceScaled)))
	qtyScaled, _ := s.TargetQuantity.Shift(8).Round(0).Float64()
	binary.LittleEndian.PutUint64(buf[64:72], uint64(int64(qtyScaled)))
}

// Decode implements Codec.
func (SignalCodec) Decode(buf []byte) domain.Signal {
	seq := int64(binary.LittleEndian.Uint64(buf[0:8]))
	ts := int64(binary.LittleEndian.Uint64(buf[8:16]))
	symbol := readSymbol(buf[16:48])
	sigType := domain.SignalType(buf[48])
	price := int64(binary.LittleEndian.Uint64(buf[56:64]))
	qty := int64(binary.LittleEndian.Uint64(buf[64:72]))

	side := domain.SideBuy
	if sigType == domain.SignalTypeSell {
		side = domain.SideSell
	}

	return domain.Signal{
		SequenceID:     seq,
		Symbol:         symbol,
		Side:           side,
		Type:           sigType,
		TargetPrice:    decimal.New(price, -8),
		TargetQuantity: decimal.New(qty, -8),
		Timestamp:      time.Unix(0, ts).UTC(),
	}
}

func copySymbol(dst []byte, symbol string) {
	n := copy(dst, symbol)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func readSymbol(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

// SignalRing is the ingress ring carrying Signal records from upstream
// strategy processes into the engine. The engine is always the reader;
// strategy processes are the writer.
type SignalRing = Ring[domain.Signal]

// CreateSignalRing creates a new named signal ring segment (engine side, for
// tests and single-process demos where the engine also owns creation).
func CreateSignalRing(name string, capacity int, opts Options) (*SignalRing, error) {
	return Create[domain.Signal](name, capacity, SignalCodec{}, opts)
}

// OpenSignalRing attaches to an existing signal ring segment.
func OpenSignalRing(name string, opts Options, waitFor time.Duration) (*SignalRing, error) {
	return Open[domain.Signal](name, SignalCodec{}, opts, waitFor)
}
