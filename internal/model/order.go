package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusFailed          OrderStatus = "FAILED"
	StatusCancelFailed    OrderStatus = "CANCEL_FAILED"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusAccepted, StatusFailed},
	StatusAccepted:        {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusCancelFailed},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCanceled},
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions leave status.
func IsTerminal(status OrderStatus) bool {
	switch status {
	case StatusFilled, StatusFailed, StatusCanceled, StatusCancelFailed:
		return true
	default:
		return false
	}
}

// NewClientID generates a client order id.
func NewClientID() string {
	return uuid.NewString()
}

// OrderSubmit is a strategy's intent to place an order. It must not be
// modified after it has been handed to the execution system.
type OrderSubmit struct {
	ClientID   string
	Instrument InstrumentID
	Side       OrderSide
	Type       OrderType
	Price      decimal.Decimal
	Amount     decimal.Decimal
	ReduceOnly bool
	// Account is optional; the zero value lets the router pick one.
	Account AccountType
}

// Order is the cached lifecycle record of a submitted order.
type Order struct {
	ClientID     string
	ExchangeID   string
	Instrument   InstrumentID
	Account      AccountType
	Side         OrderSide
	Type         OrderType
	Price        decimal.Decimal
	Amount       decimal.Decimal
	Filled       decimal.Decimal
	AveragePrice decimal.Decimal
	ReduceOnly   bool
	Status       OrderStatus
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (o Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// NewPendingOrder builds the initial record for an accepted submit intent.
func NewPendingOrder(submit OrderSubmit, account AccountType, now time.Time) Order {
	return Order{
		ClientID:   submit.ClientID,
		Instrument: submit.Instrument,
		Account:    account,
		Side:       submit.Side,
		Type:       submit.Type,
		Price:      submit.Price,
		Amount:     submit.Amount,
		ReduceOnly: submit.ReduceOnly,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
