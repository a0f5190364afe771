package ems

import (
	"context"

	"execflow/internal/model"
)

// Connector places and cancels orders on one venue account.
type Connector interface {
	Connect(ctx context.Context) error
	SubmitOrder(ctx context.Context, order model.Order) (Ack, error)
	CancelOrder(ctx context.Context, ref CancelRef) (Ack, error)
}

// Ack is the synchronous part of a venue's answer. ExchangeID may be empty
// when the venue only confirms over the stream. Status, when set, is applied
// to the cache as if it arrived on the stream.
type Ack struct {
	ExchangeID string
	Status     model.OrderStatus
}

type CancelRef struct {
	ClientID   string
	ExchangeID string
	Instrument model.InstrumentID
	Account    model.AccountType
}
