package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookL1 is a best bid/ask snapshot.
type BookL1 struct {
	Instrument InstrumentID
	Bid        decimal.Decimal
	BidSize    decimal.Decimal
	Ask        decimal.Decimal
	AskSize    decimal.Decimal
	Sequence   int64
	Timestamp  time.Time
}

func (b BookL1) Mid() decimal.Decimal {
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

type Trade struct {
	Instrument InstrumentID
	TradeID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Side       OrderSide
	Timestamp  time.Time
}

type Kline struct {
	Instrument InstrumentID
	Interval   string
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	Start      time.Time
	Closed     bool
	Timestamp  time.Time
}

type AccountBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b AccountBalance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

type Position struct {
	Instrument    InstrumentID
	Strategy      string
	Side          PositionSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Timestamp     time.Time
}
