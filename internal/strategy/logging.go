package strategy

import (
	"execflow/internal/model"
	"execflow/logger"
)

// Logging is a passive strategy that reports order outcomes. It is what the
// engine runs when no trading strategy is plugged in.
type Logging struct {
	Base
	log *logger.Entry
}

func NewLogging(log *logger.Log) *Logging {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Logging{log: log.WithComponent("strategy_log")}
}

func (l *Logging) order(o model.Order) *logger.Entry {
	return l.log.WithFields(logger.Fields{
		"client_id":   o.ClientID,
		"exchange_id": o.ExchangeID,
		"account":     o.Account.String(),
		"instrument":  o.Instrument.String(),
		"status":      o.Status,
		"filled":      o.Filled.String(),
	})
}

func (l *Logging) OnAcceptedOrder(o model.Order)        { l.order(o).Info("order accepted") }
func (l *Logging) OnPartiallyFilledOrder(o model.Order) { l.order(o).Info("order partially filled") }
func (l *Logging) OnFilledOrder(o model.Order)          { l.order(o).Info("order filled") }
func (l *Logging) OnCanceledOrder(o model.Order)        { l.order(o).Info("order canceled") }

func (l *Logging) OnFailedOrder(o model.Order) {
	l.order(o).WithField("reason", o.Reason).Warn("order failed")
}

func (l *Logging) OnCancelFailedOrder(o model.Order) {
	l.order(o).WithField("reason", o.Reason).Warn("cancel failed")
}

func (l *Logging) OnBalance(u model.BalanceUpdate) {
	for _, b := range u.Balances {
		l.log.WithFields(logger.Fields{
			"account": u.Account.String(),
			"asset":   b.Asset,
			"free":    b.Free.String(),
			"locked":  b.Locked.String(),
		}).Debug("balance")
	}
}
