// Package gateway implements GatewayAdapter, the translation boundary
// between the engine's Order type and an exchange client's request/response
// shapes. The exchange wire protocol itself (HTTP/WS framing, signing) is an
// external collaborator per the engine's scope — this package depends only
// on the ExchangeSession interface, with a generic JSON-over-websocket
// implementation good enough to drive the adapter end to end in tests and
// local demos.
package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is what GatewayAdapter sends to submit an order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
}

// OrderAck is the exchange's synchronous acknowledgment of a submission.
type OrderAck struct {
	ExchangeOrderID string
	AcceptedAt      time.Time
}

// SessionEventType tags the kind of asynchronous event an ExchangeSession
// delivers on its Events channel.
type SessionEventType string

const (
	EventOrderUpdate      SessionEventType = "order_update"
	EventPositionUpdate    SessionEventType = "position_update"
	EventAccountUpdate     SessionEventType = "account_update"
	EventConnectionStatus  SessionEventType = "connection_status"
)

// OrderUpdate is an async fill/status event keyed by exchange order id.
type OrderUpdate struct {
	ExchangeOrderID string
	Status          string
	FilledQuantity  decimal.Decimal
	FillPrice       decimal.Decimal
	Commission      decimal.Decimal
	Timestamp       time.Time
}

// PositionUpdate reports an exchange-side position snapshot for one asset.
type PositionUpdate struct {
	Symbol    string
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// AccountUpdate reports an exchange-side balance snapshot for one asset.
type AccountUpdate struct {
	Asset     string
	Balance   decimal.Decimal
	Timestamp time.Time
}

// ConnectionStatus reports a transport-level state change.
type ConnectionStatus struct {
	Connected bool
	Reason    string
	Timestamp time.Time
}

// SessionEvent is a tagged union of the four event kinds above; exactly one
// of the typed fields is populated, selected by Type.
type SessionEvent struct {
	Type       SessionEventType
	Order      OrderUpdate
	Position   PositionUpdate
	Account    AccountUpdate
	Connection ConnectionStatus
}

// ExchangeSession is the minimal exchange-facing transport GatewayAdapter
// depends on. A real implementation signs and frames requests per a
// specific venue's protocol; WebSocketSession here is a protocol-agnostic
// JSON shell suitable for a local exchange simulator or integration test
// harness, not a production venue client.
type ExchangeSession interface {
	Connect() error
	SubmitOrder(req OrderRequest) (OrderAck, error)
	CancelOrder(exchangeOrderID string) error
	ModifyOrder(exchangeOrderID string, quantity, price decimal.Decimal) error
	Events() <-chan SessionEvent
	Close() error
}
