package ring

import (
	"encoding/binary"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/execengine/internal/domain"
)

// reportRecordSize follows the C struct's field order and offsets: u64
// order_id_hash, char[32] symbol, u8 side, u8 type, u8 status, u8 pad[5],
// five 8-byte slots for quantity, filled_quantity, price, avg_fill_price and
// commission, u64 timestamp_ns, char[128] error_message. The five numeric
// slots hold int64 fixed-point values scaled by 1e8, not f64.
const reportRecordSize = 8 + 32 + 1 + 1 + 1 + 5 + 8*5 + 8 + 128

var sideCode = map[domain.Side]byte{domain.SideBuy: 1, domain.SideSell: 2}
var sideFromCode = map[byte]domain.Side{1: domain.SideBuy, 2: domain.SideSell}

var orderTypeCode = map[domain.OrderType]byte{
	domain.OrderTypeMarket:    1,
	domain.OrderTypeLimit:     2,
	domain.OrderTypeStop:      3,
	domain.OrderTypeStopLimit: 4,
}
var orderTypeFromCode = map[byte]domain.OrderType{
	1: domain.OrderTypeMarket,
	2: domain.OrderTypeLimit,
	3: domain.OrderTypeStop,
	4: domain.OrderTypeStopLimit,
}

var statusCode = map[domain.OrderStatus]byte{
	domain.OrderStatusPending:         1,
	domain.OrderStatusSubmitted:       2,
	domain.OrderStatusPartiallyFilled: 3,
	domain.OrderStatusFilled:          4,
	domain.OrderStatusCancelled:       5,
	domain.OrderStatusRejected:        6,
	domain.OrderStatusError:           7,
}
var statusFromCode = map[byte]domain.OrderStatus{
	1: domain.OrderStatusPending,
	2: domain.OrderStatusSubmitted,
	3: domain.OrderStatusPartiallyFilled,
	4: domain.OrderStatusFilled,
	5: domain.OrderStatusCancelled,
	6: domain.OrderStatusRejected,
	7: domain.OrderStatusError,
}

// ReportCodec encodes/decodes fixed-layout order report records.
type ReportCodec struct{}

// RecordSize implements Codec.
func (ReportCodec) RecordSize() int { return reportRecordSize }

// Encode implements Codec. order_id_hash is FNV-1a of the order's string ID
// since the fixed record has no room for a variable-length order ID; the
// full string travels alongside in the in-process path and only the ring
// wire format needs the hash (cross-process consumers correlate by hash).
func (ReportCodec) Encode(r domain.OrderReport, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], fnv1a(r.OrderID))
	copySymbol(buf[8:40], r.Symbol)
	buf[40] = sideCode[r.Side]
	buf[41] = orderTypeCode[r.Type]
	buf[42] = statusCode[r.Status]
	// buf[43:48] padding

	off := 48
	for _, d := range []decimal.Decimal{r.Quantity, r.FilledQuantity, r.Price, r.AvgFillPrice, r.Commission} {
		scaled, _ := d.Shift(8).Round(0).Float64()
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(int64(scaled)))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(r.Timestamp.UnixNano()))
	off += 8
	copySymbol(buf[off:off+128], r.ErrorMessage)
}

// Decode implements Codec. The returned OrderReport's OrderID carries the
// hash, not the original string; callers that need the original ID
// correlate it out-of-band.
func (ReportCodec) Decode(buf []byte) domain.OrderReport {
	hash := binary.LittleEndian.Uint64(buf[0:8])
	symbol := readSymbol(buf[8:40])
	side := sideFromCode[buf[40]]
	typ := orderTypeFromCode[buf[41]]
	status := statusFromCode[buf[42]]

	off := 48
	vals := make([]decimal.Decimal, 5)
	for i := range vals {
		raw := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		vals[i] = decimal.New(raw, -8)
		off += 8
	}
	ts := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	errMsg := readSymbol(buf[off : off+128])

	return domain.OrderReport{
		OrderID:        fnvHex(hash),
		Symbol:         symbol,
		Side:           side,
		Type:           typ,
		Status:         status,
		Quantity:       vals[0],
		FilledQuantity: vals[1],
		Price:          vals[2],
		AvgFillPrice:   vals[3],
		Commission:     vals[4],
		Timestamp:      time.Unix(0, ts).UTC(),
		ErrorMessage:   errMsg,
	}
}

func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func fnvHex(h uint64) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[h&0xf]
		h >>= 4
	}
	return string(buf)
}

// ReportRing is the egress ring carrying OrderReport records out of the
// engine to downstream consumers. The engine is always the writer.
type ReportRing = Ring[domain.OrderReport]

// CreateReportRing creates a new named report ring segment.
func CreateReportRing(name string, capacity int, opts Options) (*ReportRing, error) {
	return Create[domain.OrderReport](name, capacity, ReportCodec{}, opts)
}

// OpenReportRing attaches to an existing report ring segment.
func OpenReportRing(name string, opts Options, waitFor time.Duration) (*ReportRing, error) {
	return Open[domain.OrderReport](name, ReportCodec{}, opts, waitFor)
}
