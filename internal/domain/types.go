// Package domain defines the core data model shared by every component of
// the execution engine: signals coming in from strategy processes, orders
// and trades flowing through the order lifecycle, TWAP executions and their
// slices, market data snapshots, positions, and trading-rule events.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal, order, or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SignalType mirrors the wire-level signal_type field of the signal ring
// record (see internal/ring).
type SignalType uint8

const (
	SignalTypeBuy   SignalType = 1
	SignalTypeSell  SignalType = 2
	SignalTypeHold  SignalType = 3
	SignalTypeClose SignalType = 4
)

// Signal is an upstream trading directive. Immutable once read off the
// ingress ring.
type Signal struct {
	SequenceID int64
	Symbol     string
	Side       Side
	Type       SignalType
	// TargetPrice is zero for a market order.
	TargetPrice    decimal.Decimal
	TargetQuantity decimal.Decimal
	Timestamp      time.Time
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
)

// TimeInForce enumerates supported time-in-force values.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceDay TimeInForce = "DAY"
)

// OrderStatus is the order lifecycle state. Terminal states are FILLED,
// CANCELLED, REJECTED, ERROR; see internal/orders for the transition table.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusError           OrderStatus = "ERROR"
)

// IsTerminal reports whether the status is absorbing.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusError:
		return true
	default:
		return false
	}
}

// Order is the unit of execution tracked by OrderStore.
type Order struct {
	ID              string
	ClientOrderID   string
	StrategyID      string
	Symbol          string
	Side            Side
	Type            OrderType
	TimeInForce     TimeInForce
	Quantity        decimal.Decimal
	FilledQuantity  decimal.Decimal
	Price           decimal.Decimal
	AverageFillPrice decimal.Decimal
	Status          OrderStatus
	ErrorMessage    string
	ExchangeOrderID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trade is a child fill event of an order.
type Trade struct {
	OrderID   string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Commission decimal.Decimal
	Timestamp time.Time
}

// ExecutionStatus is the TWAP execution lifecycle state.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusPaused    ExecutionStatus = "PAUSED"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusError     ExecutionStatus = "ERROR"
)

// IsTerminal reports whether the execution status is absorbing.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusCancelled, ExecutionStatusError:
		return true
	default:
		return false
	}
}

// TWAPParameters configures a TWAP run.
type TWAPParameters struct {
	TotalQuantity     decimal.Decimal
	DurationMinutes   int
	SliceCount        int
	ParticipationRate float64
	PriceTolerance    decimal.Decimal
}

// ExecutionSlice is one planned child of a TWAP execution.
type ExecutionSlice struct {
	ID              string
	ExecutionID     string
	PlannedQuantity decimal.Decimal
	ScheduledAt     time.Time
	Executed        bool
	ChildOrderID    string
}

// AlgorithmExecution is a TWAP run and its bookkeeping.
type AlgorithmExecution struct {
	ID               string
	StrategyID       string
	Symbol           string
	Side             Side
	Params           TWAPParameters
	Status           ExecutionStatus
	ExecutedQuantity decimal.Decimal
	RemainingQuantity decimal.Decimal
	AverageFillPrice decimal.Decimal
	StartedAt        time.Time
	EndedAt          time.Time
	ChildOrderIDs    []string
	Slices           []*ExecutionSlice
}

// MarketData is a per-symbol snapshot, read-only from the TWAP scheduler's
// point of view.
type MarketData struct {
	Symbol      string
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	LastPrice   decimal.Decimal
	Volume      decimal.Decimal
	ObservedAt  time.Time
}

// Position is the per-(strategy, symbol) net holding.
type Position struct {
	StrategyID    string
	Symbol        string
	LongQuantity  decimal.Decimal
	ShortQuantity decimal.Decimal
	AverageCost   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	UpdatedAt     time.Time
}

// NetQuantity returns long - short.
func (p *Position) NetQuantity() decimal.Decimal {
	return p.LongQuantity.Sub(p.ShortQuantity)
}

// RuleResult is the outcome of a TradingRuleGate check.
type RuleResult string

const (
	RulePass                      RuleResult = "PASS"
	RuleRejectSymbolNotTrading     RuleResult = "REJECT_SYMBOL_NOT_TRADING"
	RuleRejectQuantityTooSmall     RuleResult = "REJECT_QUANTITY_TOO_SMALL"
	RuleRejectQuantityTooLarge     RuleResult = "REJECT_QUANTITY_TOO_LARGE"
	RuleRejectQuantityPrecision    RuleResult = "REJECT_QUANTITY_PRECISION"
	RuleRejectPriceTooLow          RuleResult = "REJECT_PRICE_TOO_LOW"
	RuleRejectPriceTooHigh         RuleResult = "REJECT_PRICE_TOO_HIGH"
	RuleRejectPricePrecision       RuleResult = "REJECT_PRICE_PRECISION"
	RuleRejectMinNotional          RuleResult = "REJECT_MIN_NOTIONAL"
	RuleRejectInvalidParams        RuleResult = "REJECT_INVALID_PARAMS"
	RuleRejectSymbolNotFound       RuleResult = "REJECT_SYMBOL_NOT_FOUND"
	RuleRejectSystemError          RuleResult = "REJECT_SYSTEM_ERROR"
)

// TradingRuleEvent records one gate decision.
type TradingRuleEvent struct {
	ID          string
	StrategyID  string
	Symbol      string
	Result      RuleResult
	Description string
	Timestamp   time.Time
}

// SymbolInfo describes exchange granularity and trading status for a symbol.
type SymbolInfo struct {
	Symbol        string
	Tradable      bool
	Futures       bool
	StepSize      decimal.Decimal
	TickSize      decimal.Decimal
	MinQuantity   decimal.Decimal
	MaxQuantity   decimal.Decimal
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	MinNotional   decimal.Decimal
}

// OrderReport is the outbound record carried on the report ring.
type OrderReport struct {
	OrderID        string
	Symbol         string
	Side           Side
	Type           OrderType
	Status         OrderStatus
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Price          decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Commission     decimal.Decimal
	Timestamp      time.Time
	ErrorMessage   string
}
