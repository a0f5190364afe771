package strategy

import (
	"fmt"
	"sync"

	"execflow/internal/bus"
	"execflow/internal/model"
	"execflow/logger"
)

// Dispatcher subscribes a strategy to the cache's notification topics.
type Dispatcher struct {
	name string
	bus  *bus.Bus
	cb   Callbacks
	log  *logger.Entry

	mu  sync.Mutex
	ids []bus.SubscriptionID
}

func NewDispatcher(name string, b *bus.Bus, cb Callbacks, log *logger.Log) *Dispatcher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Dispatcher{
		name: name,
		bus:  b,
		cb:   cb,
		log:  log.WithComponent("strategy").WithField("strategy", name),
	}
}

func (d *Dispatcher) routes() map[string]bus.Handler {
	order := func(fn func(model.Order)) bus.Handler {
		return func(topic string, msg any) {
			if o, ok := msg.(model.Order); ok {
				fn(o)
				return
			}
			d.mismatch(topic, msg)
		}
	}
	return map[string]bus.Handler{
		bus.TopicOrderPending:         order(d.cb.OnPendingOrder),
		bus.TopicOrderAccepted:        order(d.cb.OnAcceptedOrder),
		bus.TopicOrderPartiallyFilled: order(d.cb.OnPartiallyFilledOrder),
		bus.TopicOrderFilled:          order(d.cb.OnFilledOrder),
		bus.TopicOrderCanceled:        order(d.cb.OnCanceledOrder),
		bus.TopicOrderFailed:          order(d.cb.OnFailedOrder),
		bus.TopicOrderCancelFailed:    order(d.cb.OnCancelFailedOrder),
		bus.TopicBookL1: func(topic string, msg any) {
			if b, ok := msg.(model.BookL1); ok {
				d.cb.OnBookL1(b)
				return
			}
			d.mismatch(topic, msg)
		},
		bus.TopicTrade: func(topic string, msg any) {
			if t, ok := msg.(model.Trade); ok {
				d.cb.OnTrade(t)
				return
			}
			d.mismatch(topic, msg)
		},
		bus.TopicKline: func(topic string, msg any) {
			if k, ok := msg.(model.Kline); ok {
				d.cb.OnKline(k)
				return
			}
			d.mismatch(topic, msg)
		},
		bus.TopicBalance: func(topic string, msg any) {
			if u, ok := msg.(model.BalanceUpdate); ok {
				d.cb.OnBalance(u)
				return
			}
			d.mismatch(topic, msg)
		},
		bus.TopicPosition: func(topic string, msg any) {
			if p, ok := msg.(model.Position); ok {
				d.cb.OnPosition(p)
				return
			}
			d.mismatch(topic, msg)
		},
	}
}

// Start subscribes every callback. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ids) > 0 {
		return
	}
	for topic, h := range d.routes() {
		d.ids = append(d.ids, d.bus.Subscribe(topic, h))
	}
	d.log.Info("strategy attached")
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.ids {
		d.bus.Unsubscribe(id)
	}
	d.ids = nil
}

func (d *Dispatcher) mismatch(topic string, msg any) {
	d.log.WithFields(logger.Fields{"topic": topic, "type": typeName(msg)}).Warn("unexpected notification payload")
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
