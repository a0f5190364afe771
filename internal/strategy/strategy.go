// Package strategy delivers cache notifications to strategy code.
package strategy

import (
	"execflow/internal/model"
)

// Callbacks is everything a strategy observes. Callbacks run on the
// goroutine that applied the update, so they must not block.
type Callbacks interface {
	OnPendingOrder(order model.Order)
	OnAcceptedOrder(order model.Order)
	OnPartiallyFilledOrder(order model.Order)
	OnFilledOrder(order model.Order)
	OnCanceledOrder(order model.Order)
	OnFailedOrder(order model.Order)
	OnCancelFailedOrder(order model.Order)
	OnBookL1(book model.BookL1)
	OnTrade(trade model.Trade)
	OnKline(kline model.Kline)
	OnBalance(update model.BalanceUpdate)
	OnPosition(position model.Position)
}

// Base implements every callback as a no-op. Embed it and override what
// the strategy needs.
type Base struct{}

func (Base) OnPendingOrder(model.Order)         {}
func (Base) OnAcceptedOrder(model.Order)        {}
func (Base) OnPartiallyFilledOrder(model.Order) {}
func (Base) OnFilledOrder(model.Order)          {}
func (Base) OnCanceledOrder(model.Order)        {}
func (Base) OnFailedOrder(model.Order)          {}
func (Base) OnCancelFailedOrder(model.Order)    {}
func (Base) OnBookL1(model.BookL1)              {}
func (Base) OnTrade(model.Trade)                {}
func (Base) OnKline(model.Kline)                {}
func (Base) OnBalance(model.BalanceUpdate)      {}
func (Base) OnPosition(model.Position)          {}
