package bybit

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execflow/internal/model"
)

type bookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
	Update int64       `json:"u"`
	Seq    int64       `json:"seq"`
}

type tradeData struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

type klineData struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
	TS       int64  `json:"timestamp"`
}

type orderData struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	OrderStatus  string `json:"orderStatus"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	RejectReason string `json:"rejectReason"`
	UpdatedTime  string `json:"updatedTime"`
}

type walletData struct {
	AccountType string `json:"accountType"`
	Coin        []struct {
		Coin          string `json:"coin"`
		WalletBalance string `json:"walletBalance"`
		Locked        string `json:"locked"`
	} `json:"coin"`
}

type positionData struct {
	Category      string `json:"category"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	CumRealised   string `json:"cumRealisedPnl"`
	UpdatedTime   string `json:"updatedTime"`
}

var orderStatus = map[string]model.OrderStatus{
	"New":                     model.StatusAccepted,
	"PartiallyFilled":         model.StatusPartiallyFilled,
	"Filled":                  model.StatusFilled,
	"Cancelled":               model.StatusCanceled,
	"PartiallyFilledCanceled": model.StatusCanceled,
	"Deactivated":             model.StatusCanceled,
	"Rejected":                model.StatusFailed,
}

func side(s string) model.OrderSide {
	if strings.EqualFold(s, "Sell") {
		return model.SideSell
	}
	return model.SideBuy
}

func kindOf(category string, fallback model.MarketKind) model.MarketKind {
	if k := model.MarketKind(category); k.Valid() {
		return k
	}
	return fallback
}

// decodeBook keeps the last level-1 per symbol: a delta only carries the
// sides that changed, and a zero size empties that side.
func (c *Codec) decodeBook(env envelope) ([]model.Event, error) {
	var d bookData
	if err := api.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("bybit: decode orderbook: %w", err)
	}
	var p numbers
	book := c.books[d.Symbol]
	if env.Type == "snapshot" {
		book = model.BookL1{}
	}
	book.Instrument = c.instrument(c.category(), d.Symbol)
	if len(d.Bids) > 0 {
		book.Bid, book.BidSize = p.dec(d.Bids[0][0]), p.dec(d.Bids[0][1])
		if book.BidSize.IsZero() {
			book.Bid = decimal.Zero
		}
	}
	if len(d.Asks) > 0 {
		book.Ask, book.AskSize = p.dec(d.Asks[0][0]), p.dec(d.Asks[0][1])
		if book.AskSize.IsZero() {
			book.Ask = decimal.Zero
		}
	}
	book.Sequence = d.Update
	book.Timestamp = time.UnixMilli(env.TS)
	if err := p.wrap("orderbook"); err != nil {
		return nil, err
	}
	c.books[d.Symbol] = book
	return []model.Event{model.BookL1Event{BookL1: book}}, nil
}

func (c *Codec) decodeTrades(env envelope) ([]model.Event, error) {
	var rows []tradeData
	if err := api.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("bybit: decode publicTrade: %w", err)
	}
	var p numbers
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.TradeEvent{Trade: model.Trade{
			Instrument: c.instrument(c.category(), r.Symbol),
			TradeID:    r.ID,
			Price:      p.dec(r.Price),
			Size:       p.dec(r.Size),
			Side:       side(r.Side),
			Timestamp:  time.UnixMilli(r.Time),
		}})
	}
	return out, p.wrap("publicTrade")
}

func (c *Codec) decodeKlines(env envelope) ([]model.Event, error) {
	var rows []klineData
	if err := api.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("bybit: decode kline: %w", err)
	}
	parts := strings.Split(env.Topic, ".")
	symbol := parts[len(parts)-1]

	var p numbers
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.KlineEvent{Kline: model.Kline{
			Instrument: c.instrument(c.category(), symbol),
			Interval:   intervalName(r.Interval),
			Open:       p.dec(r.Open),
			High:       p.dec(r.High),
			Low:        p.dec(r.Low),
			Close:      p.dec(r.Close),
			Volume:     p.dec(r.Volume),
			Start:      time.UnixMilli(r.Start),
			Closed:     r.Confirm,
			Timestamp:  time.UnixMilli(r.TS),
		}})
	}
	return out, p.wrap("kline")
}

func (c *Codec) decodeOrders(env envelope) ([]model.Event, error) {
	var rows []orderData
	if err := api.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("bybit: decode order: %w", err)
	}
	var p numbers
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		status, ok := orderStatus[r.OrderStatus]
		if !ok {
			// Untriggered conditional orders have no lifecycle here yet.
			continue
		}
		typ := model.TypeLimit
		if r.OrderType == "Market" {
			typ = model.TypeMarket
		}
		reason := r.RejectReason
		if reason == "EC_NoError" {
			reason = ""
		}
		out = append(out, model.OrderUpdate{
			ClientID:     r.OrderLinkID,
			ExchangeID:   r.OrderID,
			Instrument:   c.instrument(kindOf(r.Category, c.category()), r.Symbol),
			Account:      c.account,
			Status:       status,
			Side:         side(r.Side),
			Type:         typ,
			Price:        p.dec(r.Price),
			Amount:       p.dec(r.Qty),
			Filled:       p.dec(r.CumExecQty),
			AveragePrice: p.dec(r.AvgPrice),
			Reason:       reason,
			Timestamp:    p.millis(r.UpdatedTime),
		})
	}
	return out, p.wrap("order")
}

func (c *Codec) decodeWallet(env envelope) ([]model.Event, error) {
	var rows []walletData
	if err := api.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("bybit: decode wallet: %w", err)
	}
	var p numbers
	update := model.BalanceUpdate{Account: c.account, Timestamp: time.UnixMilli(env.TS)}
	if env.TS == 0 {
		update.Timestamp = c.now()
	}
	for _, w := range rows {
		for _, coin := range w.Coin {
			wallet := p.dec(coin.WalletBalance)
			locked := p.dec(coin.Locked)
			update.Balances = append(update.Balances, model.AccountBalance{
				Asset:  coin.Coin,
				Free:   wallet.Sub(locked),
				Locked: locked,
			})
		}
	}
	return []model.Event{update}, p.wrap("wallet")
}

func (c *Codec) decodePositions(env envelope) ([]model.Event, error) {
	var rows []positionData
	if err := api.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("bybit: decode position: %w", err)
	}
	var p numbers
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		ps := model.PositionFlat
		switch r.Side {
		case "Buy":
			ps = model.PositionLong
		case "Sell":
			ps = model.PositionShort
		}
		out = append(out, model.PositionUpdate{Position: model.Position{
			Instrument:    c.instrument(kindOf(r.Category, c.category()), r.Symbol),
			Side:          ps,
			Quantity:      p.dec(r.Size),
			EntryPrice:    p.dec(r.EntryPrice),
			RealizedPnL:   p.dec(r.CumRealised),
			UnrealizedPnL: p.dec(r.UnrealisedPnl),
			Timestamp:     p.millis(r.UpdatedTime),
		}})
	}
	return out, p.wrap("position")
}
