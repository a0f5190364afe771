package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execflow/internal/bus"
	"execflow/internal/metrics"
	"execflow/internal/model"
)

var (
	linearAccount = model.AccountType{Venue: model.VenueBinance, Kind: model.AccountLinear, Env: model.EnvTestnet}
	btc           = model.NewInstrumentID(model.VenueBinance, model.KindLinear, "BTCUSDT")
)

type staticResolver map[string]string

func (r staticResolver) ResolveClientID(exchangeID string) (string, bool) {
	id, ok := r[exchangeID]
	return id, ok
}

func update(status model.OrderStatus, filled string) model.OrderUpdate {
	return model.OrderUpdate{
		ClientID:   "c1",
		ExchangeID: "e1",
		Instrument: btc,
		Account:    linearAccount,
		Status:     status,
		Side:       model.SideBuy,
		Type:       model.TypeLimit,
		Price:      decimal.RequireFromString("100"),
		Amount:     decimal.RequireFromString("2"),
		Filled:     decimal.RequireFromString(filled),
	}
}

func recordTopics(b *bus.Bus, topics ...string) *[]string {
	var seen []string
	for _, topic := range topics {
		b.Subscribe(topic, func(topic string, _ any) { seen = append(seen, topic) })
	}
	return &seen
}

func TestRedeliveredPartialFillIsAppliedOnce(t *testing.T) {
	b := bus.New(nil, nil)
	seen := recordTopics(b, bus.TopicOrderPending, bus.TopicOrderAccepted, bus.TopicOrderPartiallyFilled, bus.TopicOrderFilled)
	c := New(b, nil, nil, nil)

	assert.True(t, c.ApplyOrder(update(model.StatusPending, "0")))
	assert.True(t, c.ApplyOrder(update(model.StatusAccepted, "0")))
	assert.True(t, c.ApplyOrder(update(model.StatusPartiallyFilled, "1")))
	assert.False(t, c.ApplyOrder(update(model.StatusPartiallyFilled, "1")))
	assert.True(t, c.ApplyOrder(update(model.StatusFilled, "2")))

	order, ok := c.Order("c1")
	require.True(t, ok)
	assert.Equal(t, model.StatusFilled, order.Status)
	assert.True(t, order.Filled.Equal(decimal.RequireFromString("2")), order.Filled.String())
	assert.Equal(t, []string{
		bus.TopicOrderPending,
		bus.TopicOrderAccepted,
		bus.TopicOrderPartiallyFilled,
		bus.TopicOrderFilled,
	}, *seen)
}

func TestLargerPartialFillAdvances(t *testing.T) {
	c := New(nil, nil, nil, nil)
	c.ApplyOrder(update(model.StatusPending, "0"))
	c.ApplyOrder(update(model.StatusAccepted, "0"))
	c.ApplyOrder(update(model.StatusPartiallyFilled, "0.5"))
	assert.True(t, c.ApplyOrder(update(model.StatusPartiallyFilled, "1.5")))

	order, _ := c.Order("c1")
	assert.True(t, order.Filled.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, order.Remaining().Equal(decimal.RequireFromString("0.5")))
}

func TestIllegalTransitionIsIgnored(t *testing.T) {
	m := metrics.NewCollector(nil)
	c := New(nil, nil, nil, m)
	c.ApplyOrder(update(model.StatusPending, "0"))

	assert.False(t, c.ApplyOrder(update(model.StatusFilled, "2")))
	order, _ := c.Order("c1")
	assert.Equal(t, model.StatusPending, order.Status)
	assert.True(t, order.Filled.IsZero())
	assert.EqualValues(t, 1, m.Count(metrics.IllegalTransitions, string(model.StatusFilled)))
}

func TestTerminalStatusIsIdempotent(t *testing.T) {
	c := New(nil, nil, nil, nil)
	c.ApplyOrder(update(model.StatusPending, "0"))
	c.ApplyOrder(update(model.StatusAccepted, "0"))
	require.True(t, c.ApplyOrder(update(model.StatusCanceled, "0")))
	assert.False(t, c.ApplyOrder(update(model.StatusCanceled, "0")))
	assert.False(t, c.ApplyOrder(update(model.StatusFilled, "2")))
	assert.Empty(t, c.OpenOrders())
}

func TestUnknownOrderUpdateIsDropped(t *testing.T) {
	c := New(nil, nil, nil, nil)
	assert.False(t, c.ApplyOrder(update(model.StatusAccepted, "0")))
	_, ok := c.Order("c1")
	assert.False(t, ok)
}

func TestUpdateResolvedByExchangeID(t *testing.T) {
	c := New(nil, staticResolver{"e1": "c1"}, nil, nil)
	c.ApplyOrder(update(model.StatusPending, "0"))

	u := update(model.StatusAccepted, "0")
	u.ClientID = ""
	assert.True(t, c.ApplyOrder(u))
	order, _ := c.Order("c1")
	assert.Equal(t, model.StatusAccepted, order.Status)
	assert.Equal(t, "e1", order.ExchangeID)
}

func TestWaitOrderReleasedByApply(t *testing.T) {
	c := New(nil, nil, nil, nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.ApplyOrder(update(model.StatusPending, "0"))
	}()
	order, err := c.WaitOrder(context.Background(), "c1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, order.Status)
}

func TestWaitTimesOut(t *testing.T) {
	c := New(nil, nil, nil, nil)
	_, err := c.WaitBookL1(context.Background(), btc, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMarketAndAccountEvents(t *testing.T) {
	b := bus.New(nil, nil)
	seen := recordTopics(b, bus.TopicBookL1, bus.TopicKline, bus.TopicBalance, bus.TopicPosition, bus.TopicTrade)
	c := New(b, nil, nil, nil)

	book := model.BookL1{Instrument: btc, Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101)}
	require.True(t, c.Apply(model.BookL1Event{BookL1: book}))
	got, ok := c.BookL1(btc)
	require.True(t, ok)
	assert.True(t, got.Mid().Equal(decimal.NewFromInt(100)))

	c.Apply(model.KlineEvent{Kline: model.Kline{Instrument: btc, Interval: "1m", Close: decimal.NewFromInt(7)}})
	k, ok := c.Kline(btc, "1m")
	require.True(t, ok)
	assert.True(t, k.Close.Equal(decimal.NewFromInt(7)))
	_, ok = c.Kline(btc, "5m")
	assert.False(t, ok)

	c.Apply(model.TradeEvent{Trade: model.Trade{Instrument: btc, TradeID: "t1"}})
	trade, _ := c.LastTrade(btc)
	assert.Equal(t, "t1", trade.TradeID)

	c.Apply(model.BalanceUpdate{Account: linearAccount, Balances: []model.AccountBalance{
		{Asset: "USDT", Free: decimal.NewFromInt(10), Locked: decimal.NewFromInt(5)},
		{Asset: "BTC", Free: decimal.NewFromInt(1)},
	}})
	usdt, ok := c.Balance(linearAccount, "USDT")
	require.True(t, ok)
	assert.True(t, usdt.Total().Equal(decimal.NewFromInt(15)))

	c.Apply(model.PositionUpdate{Position: model.Position{Instrument: btc, Strategy: "mm", Side: model.PositionLong}})
	pos, ok := c.Position(btc, "mm")
	require.True(t, ok)
	assert.Equal(t, model.PositionLong, pos.Side)

	assert.Equal(t, []string{bus.TopicBookL1, bus.TopicKline, bus.TopicTrade, bus.TopicBalance, bus.TopicPosition}, *seen)
}

func TestAttachAppliesStreamEvents(t *testing.T) {
	b := bus.New(nil, nil)
	c := New(b, nil, nil, nil)
	c.Attach(linearAccount)

	b.Publish(bus.StreamTopic(linearAccount, model.ChannelBookL1), model.BookL1Event{BookL1: model.BookL1{Instrument: btc, Sequence: 3}})
	got, ok := c.BookL1(btc)
	require.True(t, ok)
	assert.EqualValues(t, 3, got.Sequence)
}

func TestStoreUpdateAndSetAll(t *testing.T) {
	s := NewStore[string, int]()
	s.SetAll(map[string]int{"a": 1, "b": 2})
	assert.Equal(t, 2, s.Len())

	v, applied := s.Update("a", func(cur int, ok bool) (int, bool) { return cur + 1, ok })
	assert.True(t, applied)
	assert.Equal(t, 2, v)

	_, applied = s.Update("z", func(cur int, ok bool) (int, bool) { return 0, ok })
	assert.False(t, applied)
	_, ok := s.Get("z")
	assert.False(t, ok)
}

func TestTrackKeepsSubmittedFields(t *testing.T) {
	b := bus.New(nil, nil)
	seen := recordTopics(b, bus.TopicOrderPending)
	c := New(b, nil, nil, nil)

	order := model.Order{ClientID: "c9", Instrument: btc, Status: model.StatusPending, ReduceOnly: true, Amount: decimal.NewFromInt(1)}
	require.True(t, c.Track(order))
	assert.False(t, c.Track(order))
	assert.False(t, c.Track(model.Order{ClientID: "c10", Status: model.StatusAccepted}))

	got, ok := c.Order("c9")
	require.True(t, ok)
	assert.True(t, got.ReduceOnly)
	assert.Equal(t, []string{bus.TopicOrderPending}, *seen)
}

func TestWaitUsesDefaultTimeout(t *testing.T) {
	c := New(nil, nil, nil, nil)
	c.SetWaitTimeout(10 * time.Millisecond)

	start := time.Now()
	_, err := c.WaitBookL1(context.Background(), model.NewInstrumentID(model.VenueBybit, model.KindSpot, "ETHUSDT"), 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
