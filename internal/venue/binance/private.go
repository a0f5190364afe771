package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"execflow/internal/model"
)

// Case-paired keys (c/C, x/X, ...) are all declared so that decoding never
// folds one onto the other.

type executionReport struct {
	Event        string                  `json:"e"`
	EventTime    int64                   `json:"E"`
	Symbol       string                  `json:"s"`
	Side         binance.SideType        `json:"S"`
	ClientID     string                  `json:"c"`
	OrigClientID string                  `json:"C"`
	Type         binance.OrderType       `json:"o"`
	CreatedTime  int64                   `json:"O"`
	Quantity     string                  `json:"q"`
	QuoteQty     string                  `json:"Q"`
	Price        string                  `json:"p"`
	StopPrice    string                  `json:"P"`
	ExecType     string                  `json:"x"`
	Status       binance.OrderStatusType `json:"X"`
	Reason       string                  `json:"r"`
	OrderID      int64                   `json:"i"`
	Ignore       int64                   `json:"I"`
	CumQty       string                  `json:"z"`
	CumQuote     string                  `json:"Z"`
	TradeID      int64                   `json:"t"`
	TxTime       int64                   `json:"T"`
}

type orderTradeUpdate struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Order     struct {
		Symbol          string                  `json:"s"`
		Side            futures.SideType        `json:"S"`
		ClientID        string                  `json:"c"`
		Type            futures.OrderType       `json:"o"`
		Quantity        string                  `json:"q"`
		Price           string                  `json:"p"`
		AvgPrice        string                  `json:"ap"`
		ActivationPrice string                  `json:"AP"`
		ExecType        string                  `json:"x"`
		Status          futures.OrderStatusType `json:"X"`
		OrderID         int64                   `json:"i"`
		CumQty          string                  `json:"z"`
		TradeTime       int64                   `json:"T"`
		TradeID         int64                   `json:"t"`
		ReduceOnly      bool                    `json:"R"`
		RealizedProfit  string                  `json:"rp"`
		PriceProtect    bool                    `json:"pP"`
	} `json:"o"`
}

type accountPosition struct {
	Event      string `json:"e"`
	EventTime  int64  `json:"E"`
	LastUpdate int64  `json:"u"`
	Balances   []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

type accountUpdate struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Account   struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			Amount        string `json:"pa"`
			EntryPrice    string `json:"ep"`
			Realized      string `json:"cr"`
			UnrealizedPnL string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

var spotStatus = map[binance.OrderStatusType]model.OrderStatus{
	binance.OrderStatusTypeNew:             model.StatusAccepted,
	binance.OrderStatusTypePartiallyFilled: model.StatusPartiallyFilled,
	binance.OrderStatusTypeFilled:          model.StatusFilled,
	binance.OrderStatusTypeCanceled:        model.StatusCanceled,
	binance.OrderStatusTypeExpired:         model.StatusCanceled,
	binance.OrderStatusTypeRejected:        model.StatusFailed,
}

var futuresStatus = map[futures.OrderStatusType]model.OrderStatus{
	futures.OrderStatusTypeNew:             model.StatusAccepted,
	futures.OrderStatusTypePartiallyFilled: model.StatusPartiallyFilled,
	futures.OrderStatusTypeFilled:          model.StatusFilled,
	futures.OrderStatusTypeCanceled:        model.StatusCanceled,
	futures.OrderStatusTypeExpired:         model.StatusCanceled,
	futures.OrderStatusTypeRejected:        model.StatusFailed,
}

func orderType(t string) model.OrderType {
	if t == string(binance.OrderTypeMarket) {
		return model.TypeMarket
	}
	return model.TypeLimit
}

func (c *Codec) decodeExecutionReport(data []byte) (model.Event, error) {
	var e executionReport
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode executionReport: %w", err)
	}
	status, ok := spotStatus[e.Status]
	if !ok {
		return nil, fmt.Errorf("%w: order status %q", errUnknownPayload, e.Status)
	}
	clientID := e.ClientID
	if status == model.StatusCanceled && e.OrigClientID != "" {
		clientID = e.OrigClientID
	}

	var p numbers
	u := model.OrderUpdate{
		ClientID:   clientID,
		ExchangeID: strconv.FormatInt(e.OrderID, 10),
		Instrument: c.instrument(e.Symbol),
		Account:    c.account,
		Status:     status,
		Side:       model.OrderSide(e.Side),
		Type:       orderType(string(e.Type)),
		Price:      p.dec(e.Price),
		Amount:     p.dec(e.Quantity),
		Filled:     p.dec(e.CumQty),
		Reason:     reason(e.Reason),
		Timestamp:  time.UnixMilli(e.TxTime),
	}
	if cumQuote := p.dec(e.CumQuote); u.Filled.IsPositive() {
		u.AveragePrice = cumQuote.Div(u.Filled)
	}
	return u, p.wrap("executionReport")
}

func (c *Codec) decodeOrderTradeUpdate(data []byte) (model.Event, error) {
	var e orderTradeUpdate
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode ORDER_TRADE_UPDATE: %w", err)
	}
	o := e.Order
	status, ok := futuresStatus[o.Status]
	if !ok {
		return nil, fmt.Errorf("%w: order status %q", errUnknownPayload, o.Status)
	}
	var p numbers
	u := model.OrderUpdate{
		ClientID:     o.ClientID,
		ExchangeID:   strconv.FormatInt(o.OrderID, 10),
		Instrument:   c.instrument(o.Symbol),
		Account:      c.account,
		Status:       status,
		Side:         model.OrderSide(o.Side),
		Type:         orderType(string(o.Type)),
		Price:        p.dec(o.Price),
		Amount:       p.dec(o.Quantity),
		Filled:       p.dec(o.CumQty),
		AveragePrice: p.dec(o.AvgPrice),
		Timestamp:    time.UnixMilli(e.TxTime),
	}
	return u, p.wrap("ORDER_TRADE_UPDATE")
}

func (c *Codec) decodeAccountPosition(data []byte) (model.Event, error) {
	var e accountPosition
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode outboundAccountPosition: %w", err)
	}
	var p numbers
	update := model.BalanceUpdate{Account: c.account, Timestamp: time.UnixMilli(e.LastUpdate)}
	for _, b := range e.Balances {
		update.Balances = append(update.Balances, model.AccountBalance{
			Asset:  b.Asset,
			Free:   p.dec(b.Free),
			Locked: p.dec(b.Locked),
		})
	}
	return update, p.wrap("outboundAccountPosition")
}

// decodeAccountUpdate yields one balance update plus one position update
// per reported position.
func (c *Codec) decodeAccountUpdate(data []byte) ([]model.Event, error) {
	var e accountUpdate
	if err := api.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("binance: decode ACCOUNT_UPDATE: %w", err)
	}
	var p numbers
	ts := time.UnixMilli(e.TxTime)
	balances := model.BalanceUpdate{Account: c.account, Timestamp: ts}
	for _, b := range e.Account.Balances {
		balances.Balances = append(balances.Balances, model.AccountBalance{
			Asset: b.Asset,
			Free:  p.dec(b.WalletBalance),
		})
	}
	events := []model.Event{balances}
	for _, pos := range e.Account.Positions {
		qty := p.dec(pos.Amount)
		side := model.PositionFlat
		switch {
		case qty.IsPositive():
			side = model.PositionLong
		case qty.IsNegative():
			side = model.PositionShort
		}
		events = append(events, model.PositionUpdate{Position: model.Position{
			Instrument:    c.instrument(pos.Symbol),
			Side:          side,
			Quantity:      qty.Abs(),
			EntryPrice:    p.dec(pos.EntryPrice),
			RealizedPnL:   p.dec(pos.Realized),
			UnrealizedPnL: p.dec(pos.UnrealizedPnL),
			Timestamp:     ts,
		}})
	}
	return events, p.wrap("ACCOUNT_UPDATE")
}

// reason hides Binance's "NONE" placeholder.
func reason(r string) string {
	if r == "NONE" {
		return ""
	}
	return r
}
