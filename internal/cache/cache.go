// Package cache is the single in-memory source of truth for orders,
// positions, balances and market snapshots.
package cache

import (
	"context"
	"sync"
	"time"

	"execflow/internal/bus"
	"execflow/internal/metrics"
	"execflow/internal/model"
	"execflow/logger"
)

type KlineKey struct {
	Instrument model.InstrumentID
	Interval   string
}

type BalanceKey struct {
	Account model.AccountType
	Asset   string
}

type PositionKey struct {
	Instrument model.InstrumentID
	Strategy   string
}

// IDResolver maps exchange ids back to client ids for venues whose order
// updates do not echo the client id.
type IDResolver interface {
	ResolveClientID(exchangeID string) (string, bool)
}

// Cache applies update events atomically per key and republishes a derived
// notification on the bus for each applied update.
type Cache struct {
	orders    *Store[string, model.Order]
	books     *Store[model.InstrumentID, model.BookL1]
	trades    *Store[model.InstrumentID, model.Trade]
	klines    *Store[KlineKey, model.Kline]
	balances  *Store[BalanceKey, model.AccountBalance]
	positions *Store[PositionKey, model.Position]

	// orderSeq keeps order notifications in application order when the EMS
	// and a stream apply updates for the same order from different goroutines.
	orderSeq sync.Mutex

	// waitTimeout applies to waits called with a non-positive timeout.
	waitTimeout time.Duration

	bus      *bus.Bus
	resolver IDResolver
	log      *logger.Log
	metrics  *metrics.Collector
	now      func() time.Time
}

func New(b *bus.Bus, resolver IDResolver, log *logger.Log, m *metrics.Collector) *Cache {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Cache{
		orders:    NewStore[string, model.Order](),
		books:     NewStore[model.InstrumentID, model.BookL1](),
		trades:    NewStore[model.InstrumentID, model.Trade](),
		klines:    NewStore[KlineKey, model.Kline](),
		balances:  NewStore[BalanceKey, model.AccountBalance](),
		positions: NewStore[PositionKey, model.Position](),
		bus:       b,
		resolver:  resolver,
		log:       log,
		metrics:   m,
		now:       time.Now,

		waitTimeout: DefaultWaitTimeout,
	}
}

const DefaultWaitTimeout = 5 * time.Second

// SetWaitTimeout changes the timeout used by waits that pass none.
func (c *Cache) SetWaitTimeout(d time.Duration) {
	if d > 0 {
		c.waitTimeout = d
	}
}

func (c *Cache) waitFor(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return c.waitTimeout
}

// Attach feeds every stream channel of account into the cache.
func (c *Cache) Attach(account model.AccountType) []bus.SubscriptionID {
	ids := make([]bus.SubscriptionID, 0, len(model.Channels))
	for _, ch := range model.Channels {
		ids = append(ids, c.bus.Subscribe(bus.StreamTopic(account, ch), func(_ string, msg any) {
			if ev, ok := msg.(model.Event); ok {
				c.Apply(ev)
			}
		}))
	}
	return ids
}

// Apply mutates the entity named by ev and reports whether it changed
// anything. Unknown event types are logged and ignored.
func (c *Cache) Apply(ev model.Event) bool {
	switch e := ev.(type) {
	case model.OrderUpdate:
		return c.ApplyOrder(e)
	case model.BookL1Event:
		c.books.Set(e.Instrument, e.BookL1)
		c.publish(bus.TopicBookL1, e.BookL1)
	case model.TradeEvent:
		c.trades.Set(e.Instrument, e.Trade)
		c.publish(bus.TopicTrade, e.Trade)
	case model.KlineEvent:
		c.klines.Set(KlineKey{Instrument: e.Instrument, Interval: e.Interval}, e.Kline)
		c.publish(bus.TopicKline, e.Kline)
	case model.BalanceUpdate:
		batch := make(map[BalanceKey]model.AccountBalance, len(e.Balances))
		for _, b := range e.Balances {
			batch[BalanceKey{Account: e.Account, Asset: b.Asset}] = b
		}
		c.balances.SetAll(batch)
		c.publish(bus.TopicBalance, e)
	case model.PositionUpdate:
		c.positions.Set(PositionKey{Instrument: e.Instrument, Strategy: e.Strategy}, e.Position)
		c.publish(bus.TopicPosition, e.Position)
	default:
		c.log.WithComponent("cache").WithField("type", ev).Warn("unhandled event type")
		return false
	}
	return true
}

// Track inserts a freshly submitted PENDING order. It reports false when
// the client id is already known.
func (c *Cache) Track(order model.Order) bool {
	if order.Status != model.StatusPending {
		return false
	}
	c.orderSeq.Lock()
	defer c.orderSeq.Unlock()

	_, added := c.orders.Update(order.ClientID, func(cur model.Order, known bool) (model.Order, bool) {
		if known {
			return cur, false
		}
		return order, true
	})
	if !added {
		c.log.WithComponent("cache").WithField("client_id", order.ClientID).Warn("duplicate client id")
		return false
	}
	c.publish(bus.TopicOrderPending, order)
	return true
}

// ApplyOrder moves an order through the status state machine. Illegal edges
// and redelivered updates leave the order unchanged.
func (c *Cache) ApplyOrder(u model.OrderUpdate) bool {
	c.orderSeq.Lock()
	defer c.orderSeq.Unlock()

	clientID := u.ClientID
	if clientID == "" && c.resolver != nil && u.ExchangeID != "" {
		clientID, _ = c.resolver.ResolveClientID(u.ExchangeID)
	}
	log := c.log.WithComponent("cache").WithFields(logger.Fields{
		"client_id":   clientID,
		"exchange_id": u.ExchangeID,
		"status":      u.Status,
	})
	if clientID == "" {
		log.Warn("order update without a resolvable client id")
		return false
	}

	var outcome string
	order, applied := c.orders.Update(clientID, func(cur model.Order, known bool) (model.Order, bool) {
		if !known {
			if u.Status != model.StatusPending {
				outcome = "unknown"
				return cur, false
			}
			return orderFromUpdate(clientID, u, c.timestamp(u)), true
		}
		if cur.Status == u.Status {
			if u.Status == model.StatusPartiallyFilled && u.Filled.GreaterThan(cur.Filled) {
				return mergeOrder(cur, u, c.timestamp(u)), true
			}
			outcome = "duplicate"
			return cur, false
		}
		if !model.CanTransition(cur.Status, u.Status) {
			outcome = "illegal"
			return cur, false
		}
		return mergeOrder(cur, u, c.timestamp(u)), true
	})

	switch outcome {
	case "unknown":
		log.Warn("dropping update for unknown order")
	case "duplicate":
		log.Debug("ignoring redelivered order update")
	case "illegal":
		c.metrics.Inc(metrics.IllegalTransitions, string(u.Status))
		log.WithField("current", order.Status).Warn("ignoring illegal order transition")
	}
	if !applied {
		return false
	}

	c.publish(bus.OrderTopic(order.Status), order)
	return true
}

func (c *Cache) publish(topic string, msg any) {
	if c.bus != nil {
		c.bus.Publish(topic, msg)
	}
}

func (c *Cache) timestamp(u model.OrderUpdate) time.Time {
	if !u.Timestamp.IsZero() {
		return u.Timestamp
	}
	return c.now()
}

func orderFromUpdate(clientID string, u model.OrderUpdate, ts time.Time) model.Order {
	return model.Order{
		ClientID:     clientID,
		ExchangeID:   u.ExchangeID,
		Instrument:   u.Instrument,
		Account:      u.Account,
		Side:         u.Side,
		Type:         u.Type,
		Price:        u.Price,
		Amount:       u.Amount,
		Filled:       u.Filled,
		AveragePrice: u.AveragePrice,
		Status:       u.Status,
		Reason:       u.Reason,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

func mergeOrder(cur model.Order, u model.OrderUpdate, ts time.Time) model.Order {
	next := cur
	next.Status = u.Status
	next.UpdatedAt = ts
	if u.ExchangeID != "" {
		next.ExchangeID = u.ExchangeID
	}
	if u.Filled.GreaterThan(next.Filled) {
		next.Filled = u.Filled
	}
	if u.Status == model.StatusFilled && next.Filled.LessThan(next.Amount) {
		next.Filled = next.Amount
	}
	if !u.AveragePrice.IsZero() {
		next.AveragePrice = u.AveragePrice
	}
	if u.Reason != "" {
		next.Reason = u.Reason
	}
	return next
}

func (c *Cache) Order(clientID string) (model.Order, bool) {
	return c.orders.Get(clientID)
}

func (c *Cache) WaitOrder(ctx context.Context, clientID string, timeout time.Duration) (model.Order, error) {
	return c.orders.Wait(ctx, clientID, c.waitFor(timeout))
}

// OpenOrders returns every order that has not reached a terminal status.
func (c *Cache) OpenOrders() []model.Order {
	var open []model.Order
	for _, o := range c.orders.Values() {
		if !model.IsTerminal(o.Status) {
			open = append(open, o)
		}
	}
	return open
}

func (c *Cache) BookL1(id model.InstrumentID) (model.BookL1, bool) {
	return c.books.Get(id)
}

func (c *Cache) WaitBookL1(ctx context.Context, id model.InstrumentID, timeout time.Duration) (model.BookL1, error) {
	return c.books.Wait(ctx, id, c.waitFor(timeout))
}

func (c *Cache) LastTrade(id model.InstrumentID) (model.Trade, bool) {
	return c.trades.Get(id)
}

func (c *Cache) Kline(id model.InstrumentID, interval string) (model.Kline, bool) {
	return c.klines.Get(KlineKey{Instrument: id, Interval: interval})
}

func (c *Cache) WaitKline(ctx context.Context, id model.InstrumentID, interval string, timeout time.Duration) (model.Kline, error) {
	return c.klines.Wait(ctx, KlineKey{Instrument: id, Interval: interval}, c.waitFor(timeout))
}

func (c *Cache) Balance(account model.AccountType, asset string) (model.AccountBalance, bool) {
	return c.balances.Get(BalanceKey{Account: account, Asset: asset})
}

func (c *Cache) WaitBalance(ctx context.Context, account model.AccountType, asset string, timeout time.Duration) (model.AccountBalance, error) {
	return c.balances.Wait(ctx, BalanceKey{Account: account, Asset: asset}, c.waitFor(timeout))
}

func (c *Cache) Position(id model.InstrumentID, strategy string) (model.Position, bool) {
	return c.positions.Get(PositionKey{Instrument: id, Strategy: strategy})
}

func (c *Cache) WaitPosition(ctx context.Context, id model.InstrumentID, strategy string, timeout time.Duration) (model.Position, error) {
	return c.positions.Wait(ctx, PositionKey{Instrument: id, Strategy: strategy}, c.waitFor(timeout))
}
