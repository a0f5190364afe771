// Package binance adapts Binance spot and USDⓈ-M futures streams and REST
// endpoints to the engine.
package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"execflow/internal/connection"
	"execflow/internal/model"
)

var (
	errUnknownPayload = errors.New("binance: unknown payload")

	api = sonic.ConfigDefault
)

// Codec speaks the Binance market and user-data stream protocol for one account.
type Codec struct {
	account model.AccountType
	kind    model.MarketKind
}

func NewCodec(account model.AccountType) *Codec {
	return &Codec{account: account, kind: model.MarketKind(account.Kind)}
}

func (c *Codec) futures() bool { return c.kind != model.KindSpot }

// Param is the stream name for sub, or "" for channels that arrive on the
// user-data stream without a subscription.
func (c *Codec) Param(sub model.Subscription) string {
	symbol := strings.ToLower(sub.Symbol)
	switch sub.Channel {
	case model.ChannelBookL1:
		return symbol + "@bookTicker"
	case model.ChannelTrade:
		if c.futures() {
			return symbol + "@aggTrade"
		}
		return symbol + "@trade"
	case model.ChannelKline:
		interval := sub.Interval
		if interval == "" {
			interval = "1m"
		}
		return symbol + "@kline_" + interval
	default:
		return ""
	}
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (c *Codec) control(method string, subs []model.Subscription, id int64) ([]byte, error) {
	params := make([]string, 0, len(subs))
	for _, s := range subs {
		if p := c.Param(s); p != "" {
			params = append(params, p)
		}
	}
	if len(params) == 0 {
		return nil, nil
	}
	return api.Marshal(controlRequest{Method: method, Params: params, ID: id})
}

func (c *Codec) SubscribeMessage(subs []model.Subscription, id int64) ([]byte, error) {
	return c.control("SUBSCRIBE", subs, id)
}

func (c *Codec) UnsubscribeMessage(subs []model.Subscription, id int64) ([]byte, error) {
	return c.control("UNSUBSCRIBE", subs, id)
}

// PingMessage is nil: Binance keeps sockets alive with control frames.
func (c *Codec) PingMessage() []byte { return nil }

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Event  string          `json:"e"`
	// E is declared so it cannot fold onto e.
	EventTime int64  `json:"E"`
	ID        *int64 `json:"id"`
	Error     *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

func (c *Codec) Decode(data []byte) (connection.Frame, error) {
	var env envelope
	if err := api.Unmarshal(data, &env); err != nil {
		return connection.Frame{}, fmt.Errorf("binance: decode envelope: %w", err)
	}
	if env.Stream != "" && len(env.Data) > 0 {
		data = env.Data
		env = envelope{}
		if err := api.Unmarshal(data, &env); err != nil {
			return connection.Frame{}, fmt.Errorf("binance: decode stream data: %w", err)
		}
	}

	if env.ID != nil && env.Event == "" {
		ack := &connection.Ack{ID: strconv.FormatInt(*env.ID, 10), Success: env.Error == nil}
		if env.Error != nil {
			ack.Message = fmt.Sprintf("%d: %s", env.Error.Code, env.Error.Msg)
		}
		return connection.Frame{Ack: ack}, nil
	}

	var (
		ev  model.Event
		evs []model.Event
		err error
	)
	switch env.Event {
	case "":
		ev, err = c.decodeSpotBookTicker(data)
	case "bookTicker":
		ev, err = c.decodeFuturesBookTicker(data)
	case "trade":
		ev, err = c.decodeTrade(data)
	case "aggTrade":
		ev, err = c.decodeAggTrade(data)
	case "kline":
		ev, err = c.decodeKline(data)
	case "executionReport":
		ev, err = c.decodeExecutionReport(data)
	case "ORDER_TRADE_UPDATE":
		ev, err = c.decodeOrderTradeUpdate(data)
	case "outboundAccountPosition":
		ev, err = c.decodeAccountPosition(data)
	case "ACCOUNT_UPDATE":
		evs, err = c.decodeAccountUpdate(data)
	default:
		return connection.Frame{}, fmt.Errorf("%w: event %q", errUnknownPayload, env.Event)
	}
	if err != nil {
		return connection.Frame{}, err
	}
	if ev != nil {
		evs = append(evs, ev)
	}
	return connection.Frame{Events: evs}, nil
}

func (c *Codec) instrument(symbol string) model.InstrumentID {
	return model.NewInstrumentID(model.VenueBinance, c.kind, symbol)
}

func (c *Codec) decodeSpotBookTicker(data []byte) (model.Event, error) {
	var e binance.WsBookTickerEvent
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode bookTicker: %w", err)
	}
	if e.Symbol == "" {
		return nil, errUnknownPayload
	}
	var p numbers
	book := model.BookL1{
		Instrument: c.instrument(e.Symbol),
		Bid:        p.dec(e.BestBidPrice),
		BidSize:    p.dec(e.BestBidQty),
		Ask:        p.dec(e.BestAskPrice),
		AskSize:    p.dec(e.BestAskQty),
		Sequence:   e.UpdateID,
		Timestamp:  time.Now(),
	}
	return model.BookL1Event{BookL1: book}, p.wrap("bookTicker")
}

func (c *Codec) decodeFuturesBookTicker(data []byte) (model.Event, error) {
	var e futures.WsBookTickerEvent
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode bookTicker: %w", err)
	}
	var p numbers
	book := model.BookL1{
		Instrument: c.instrument(e.Symbol),
		Bid:        p.dec(e.BestBidPrice),
		BidSize:    p.dec(e.BestBidQty),
		Ask:        p.dec(e.BestAskPrice),
		AskSize:    p.dec(e.BestAskQty),
		Sequence:   e.UpdateID,
		Timestamp:  time.UnixMilli(e.TransactionTime),
	}
	return model.BookL1Event{BookL1: book}, p.wrap("bookTicker")
}

func (c *Codec) decodeTrade(data []byte) (model.Event, error) {
	var e binance.WsTradeEvent
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode trade: %w", err)
	}
	var p numbers
	trade := model.Trade{
		Instrument: c.instrument(e.Symbol),
		TradeID:    strconv.FormatInt(e.TradeID, 10),
		Price:      p.dec(e.Price),
		Size:       p.dec(e.Quantity),
		Side:       aggressor(e.IsBuyerMaker),
		Timestamp:  time.UnixMilli(e.TradeTime),
	}
	return model.TradeEvent{Trade: trade}, p.wrap("trade")
}

func (c *Codec) decodeAggTrade(data []byte) (model.Event, error) {
	var e futures.WsAggTradeEvent
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode aggTrade: %w", err)
	}
	var p numbers
	trade := model.Trade{
		Instrument: c.instrument(e.Symbol),
		TradeID:    strconv.FormatInt(e.AggregateTradeID, 10),
		Price:      p.dec(e.Price),
		Size:       p.dec(e.Quantity),
		Side:       aggressor(e.Maker),
		Timestamp:  time.UnixMilli(e.TradeTime),
	}
	return model.TradeEvent{Trade: trade}, p.wrap("aggTrade")
}

func (c *Codec) decodeKline(data []byte) (model.Event, error) {
	var e binance.WsKlineEvent
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode kline: %w", err)
	}
	var p numbers
	k := model.Kline{
		Instrument: c.instrument(e.Symbol),
		Interval:   e.Kline.Interval,
		Open:       p.dec(e.Kline.Open),
		High:       p.dec(e.Kline.High),
		Low:        p.dec(e.Kline.Low),
		Close:      p.dec(e.Kline.Close),
		Volume:     p.dec(e.Kline.Volume),
		Start:      time.UnixMilli(e.Kline.StartTime),
		Closed:     e.Kline.IsFinal,
		Timestamp:  time.UnixMilli(e.Time),
	}
	return model.KlineEvent{Kline: k}, p.wrap("kline")
}

// aggressor is the taker side: a buyer-maker trade was sold into.
func aggressor(buyerIsMaker bool) model.OrderSide {
	if buyerIsMaker {
		return model.SideSell
	}
	return model.SideBuy
}

// numbers parses decimal strings and keeps the first failure.
type numbers struct {
	err error
}

func (n *numbers) dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil && n.err == nil {
		n.err = err
	}
	return d
}

func (n *numbers) wrap(what string) error {
	if n.err != nil {
		return fmt.Errorf("binance: %s: %w", what, n.err)
	}
	return nil
}
