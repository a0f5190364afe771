package bybit

import (
	"context"
	"fmt"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"execflow/internal/market"
	"execflow/internal/model"
)

const instrumentsPageLimit = 1000

type instrumentsPage struct {
	Category string `json:"category"`
	List     []struct {
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			QtyStep       string `json:"qtyStep"`
			BasePrecision string `json:"basePrecision"`
			MinOrderQty   string `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

// MarketLoader pages through /v5/market/instruments-info for one category.
type MarketLoader struct {
	kind   model.MarketKind
	client *bybitapi.Client
}

func NewMarketLoader(kind model.MarketKind, baseURL string) *MarketLoader {
	return &MarketLoader{
		kind:   kind,
		client: bybitapi.NewBybitHttpClient("", "", bybitapi.WithBaseURL(baseURL)),
	}
}

func (l *MarketLoader) LoadMarkets(ctx context.Context) ([]market.Market, error) {
	var (
		out    []market.Market
		cursor string
	)
	for {
		params := map[string]interface{}{
			"category": string(l.kind),
			"limit":    instrumentsPageLimit,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := l.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("bybit: instruments info: %w", err)
		}
		var page instrumentsPage
		if err := result(resp, &page); err != nil {
			return nil, err
		}
		for _, inst := range page.List {
			if inst.Status != "Trading" {
				continue
			}
			step := inst.LotSizeFilter.QtyStep
			if step == "" {
				step = inst.LotSizeFilter.BasePrecision
			}
			out = append(out, market.Market{
				Instrument: model.NewInstrumentID(model.VenueBybit, l.kind, inst.Symbol),
				TickSize:   parse(inst.PriceFilter.TickSize),
				StepSize:   parse(step),
				MinAmount:  parse(inst.LotSizeFilter.MinOrderQty),
			})
		}
		if page.NextPageCursor == "" || len(page.List) == 0 {
			return out, nil
		}
		cursor = page.NextPageCursor
	}
}

// parse treats malformed filter values as absent.
func parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
