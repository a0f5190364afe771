package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the kind of stream a subscription or inbound event belongs to.
type Channel string

const (
	ChannelBookL1   Channel = "bookl1"
	ChannelTrade    Channel = "trade"
	ChannelKline    Channel = "kline"
	ChannelOrder    Channel = "order"
	ChannelBalance  Channel = "balance"
	ChannelPosition Channel = "position"
)

// Channels lists every inbound event channel.
var Channels = []Channel{ChannelBookL1, ChannelTrade, ChannelKline, ChannelOrder, ChannelBalance, ChannelPosition}

// Subscription is a (channel, symbol) pair requested on a stream connection.
// Interval is only meaningful for kline subscriptions.
type Subscription struct {
	Channel  Channel `yaml:"channel"`
	Symbol   string  `yaml:"symbol"`
	Interval string  `yaml:"interval,omitempty"`
}

func (s Subscription) String() string {
	if s.Interval != "" {
		return fmt.Sprintf("%s:%s:%s", s.Channel, s.Symbol, s.Interval)
	}
	return fmt.Sprintf("%s:%s", s.Channel, s.Symbol)
}

// Event is a decoded inbound payload. Each concrete type is one variant.
type Event interface {
	Channel() Channel
}

type BookL1Event struct{ BookL1 }

type TradeEvent struct{ Trade }

type KlineEvent struct{ Kline }

// OrderUpdate reports an order's new state as seen by the venue. Filled is
// the cumulative filled quantity, not the last fill.
type OrderUpdate struct {
	ClientID     string
	ExchangeID   string
	Instrument   InstrumentID
	Account      AccountType
	Status       OrderStatus
	Side         OrderSide
	Type         OrderType
	Price        decimal.Decimal
	Amount       decimal.Decimal
	Filled       decimal.Decimal
	AveragePrice decimal.Decimal
	Reason       string
	Timestamp    time.Time
}

type BalanceUpdate struct {
	Account   AccountType
	Balances  []AccountBalance
	Timestamp time.Time
}

type PositionUpdate struct{ Position }

func (BookL1Event) Channel() Channel    { return ChannelBookL1 }
func (TradeEvent) Channel() Channel     { return ChannelTrade }
func (KlineEvent) Channel() Channel     { return ChannelKline }
func (OrderUpdate) Channel() Channel    { return ChannelOrder }
func (BalanceUpdate) Channel() Channel  { return ChannelBalance }
func (PositionUpdate) Channel() Channel { return ChannelPosition }
