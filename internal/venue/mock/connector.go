// Package mock is a paper venue: orders are acknowledged and filled locally
// and reported through the account's order stream, like a real venue would.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"execflow/internal/bus"
	"execflow/internal/ems"
	"execflow/internal/model"
	"execflow/logger"
)

var ErrNotOpen = errors.New("mock: order not open")

const DefaultFillDelay = 50 * time.Millisecond

// Quotes supplies top of book for market order fill prices.
type Quotes interface {
	BookL1(id model.InstrumentID) (model.BookL1, bool)
}

type Config struct {
	// FillDelay is how long an accepted order rests before it fills. A
	// negative delay keeps orders open until canceled.
	FillDelay time.Duration
}

type Connector struct {
	account   model.AccountType
	fillDelay time.Duration
	bus       *bus.Bus
	quotes    Quotes
	log       *logger.Entry
	now       func() time.Time

	seq    atomic.Int64
	mu     sync.Mutex
	open   map[string]model.Order
	timers map[string]*time.Timer
	closed bool
}

func NewConnector(account model.AccountType, cfg Config, b *bus.Bus, quotes Quotes, log *logger.Log) *Connector {
	if cfg.FillDelay == 0 {
		cfg.FillDelay = DefaultFillDelay
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Connector{
		account:   account,
		fillDelay: cfg.FillDelay,
		bus:       b,
		quotes:    quotes,
		log:       log.WithComponent("mock_connector").WithField("account", account.String()),
		now:       time.Now,
		open:      make(map[string]model.Order),
		timers:    make(map[string]*time.Timer),
	}
}

func (c *Connector) Connect(ctx context.Context) error {
	c.log.WithField("fill_delay", c.fillDelay.String()).Info("paper trading enabled")
	return ctx.Err()
}

// SubmitOrder accepts the order over the stream and returns an empty ack,
// so the exchange id only becomes known through the stream.
func (c *Connector) SubmitOrder(ctx context.Context, o model.Order) (ems.Ack, error) {
	if err := ctx.Err(); err != nil {
		return ems.Ack{}, err
	}
	o.ExchangeID = fmt.Sprintf("mock-%d", c.seq.Add(1))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ems.Ack{}, errors.New("mock: connector closed")
	}
	c.open[o.ExchangeID] = o
	c.mu.Unlock()

	// ACCEPTED is fully delivered before the fill can fire.
	c.publish(o, model.StatusAccepted, decimal.Zero, decimal.Zero)

	if c.fillDelay >= 0 {
		id := o.ExchangeID
		c.mu.Lock()
		if _, ok := c.open[id]; ok && !c.closed {
			c.timers[id] = time.AfterFunc(c.fillDelay, func() { c.fill(id) })
		}
		c.mu.Unlock()
	}
	return ems.Ack{}, nil
}

func (c *Connector) CancelOrder(ctx context.Context, ref ems.CancelRef) (ems.Ack, error) {
	if err := ctx.Err(); err != nil {
		return ems.Ack{}, err
	}
	c.mu.Lock()
	o, ok := c.open[ref.ExchangeID]
	if ok {
		c.retireLocked(ref.ExchangeID)
	}
	c.mu.Unlock()
	if !ok {
		return ems.Ack{}, fmt.Errorf("%w: %s", ErrNotOpen, ref.ExchangeID)
	}
	c.publish(o, model.StatusCanceled, decimal.Zero, decimal.Zero)
	return ems.Ack{ExchangeID: ref.ExchangeID}, nil
}

// Open reports how many orders are resting.
func (c *Connector) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Close stops pending fills.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id := range c.timers {
		c.retireLocked(id)
	}
}

func (c *Connector) retireLocked(id string) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	delete(c.open, id)
}

func (c *Connector) fill(id string) {
	c.mu.Lock()
	o, ok := c.open[id]
	if ok {
		c.retireLocked(id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.publish(o, model.StatusFilled, o.Amount, c.fillPrice(o))
}

func (c *Connector) fillPrice(o model.Order) decimal.Decimal {
	if o.Type == model.TypeLimit || c.quotes == nil {
		return o.Price
	}
	book, ok := c.quotes.BookL1(o.Instrument)
	if !ok {
		return o.Price
	}
	if o.Side == model.SideBuy && book.Ask.IsPositive() {
		return book.Ask
	}
	if o.Side == model.SideSell && book.Bid.IsPositive() {
		return book.Bid
	}
	return o.Price
}

func (c *Connector) publish(o model.Order, status model.OrderStatus, filled, avg decimal.Decimal) {
	c.log.WithFields(logger.Fields{
		"client_id":   o.ClientID,
		"exchange_id": o.ExchangeID,
		"status":      status,
	}).Debug("paper order update")
	c.bus.Publish(bus.StreamTopic(c.account, model.ChannelOrder), model.OrderUpdate{
		ClientID:     o.ClientID,
		ExchangeID:   o.ExchangeID,
		Instrument:   o.Instrument,
		Account:      c.account,
		Status:       status,
		Side:         o.Side,
		Type:         o.Type,
		Price:        o.Price,
		Amount:       o.Amount,
		Filled:       filled,
		AveragePrice: avg,
		Timestamp:    c.now(),
	})
}
