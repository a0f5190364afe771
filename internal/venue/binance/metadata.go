package binance

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"execflow/internal/market"
	"execflow/internal/model"
)

// MarketLoader reads tick size, lot step and minimum quantity from the
// exchangeInfo endpoint of one market kind.
type MarketLoader struct {
	kind    model.MarketKind
	baseURL string
}

func NewMarketLoader(kind model.MarketKind, baseURL string) *MarketLoader {
	return &MarketLoader{kind: kind, baseURL: baseURL}
}

func (l *MarketLoader) LoadMarkets(ctx context.Context) ([]market.Market, error) {
	switch l.kind {
	case model.KindSpot:
		return l.loadSpot(ctx)
	case model.KindLinear:
		return l.loadFutures(ctx)
	default:
		return nil, fmt.Errorf("binance: exchange info for %s markets is not supported", l.kind)
	}
}

func (l *MarketLoader) loadSpot(ctx context.Context) ([]market.Market, error) {
	client := binance.NewClient("", "")
	if l.baseURL != "" {
		client.BaseURL = l.baseURL
	}
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: spot exchange info: %w", err)
	}
	out := make([]market.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		m := market.Market{Instrument: model.NewInstrumentID(model.VenueBinance, model.KindSpot, s.Symbol)}
		if f := s.PriceFilter(); f != nil {
			m.TickSize = parse(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			m.StepSize = parse(f.StepSize)
			m.MinAmount = parse(f.MinQuantity)
		}
		out = append(out, m)
	}
	return out, nil
}

func (l *MarketLoader) loadFutures(ctx context.Context) ([]market.Market, error) {
	client := futures.NewClient("", "")
	if l.baseURL != "" {
		client.SetApiEndpoint(l.baseURL)
	}
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: futures exchange info: %w", err)
	}
	out := make([]market.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || string(s.ContractType) != "PERPETUAL" {
			continue
		}
		m := market.Market{Instrument: model.NewInstrumentID(model.VenueBinance, model.KindLinear, s.Symbol)}
		if f := s.PriceFilter(); f != nil {
			m.TickSize = parse(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			m.StepSize = parse(f.StepSize)
			m.MinAmount = parse(f.MinQuantity)
		}
		out = append(out, m)
	}
	return out, nil
}

// parse treats malformed filter values as absent.
func parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
