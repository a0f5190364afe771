package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execflow/config"
	"execflow/internal/model"
	"execflow/internal/strategy"
)

var (
	paperSpot = model.AccountType{Venue: model.VenueBinance, Kind: model.AccountSpot, Env: model.EnvMock}
	bnbSpot   = model.NewInstrumentID(model.VenueBinance, model.KindSpot, "BNBUSDT")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// bookTickerServer answers the first subscribe and then streams one
// bookTicker frame.
func bookTickerServer(t *testing.T) string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func paperConfig(wsURL string) *config.Config {
	return &config.Config{
		Engine:     config.EngineConfig{Name: "test", Version: "0"},
		Metrics:    config.MetricsConfig{Enabled: true, FlushInterval: time.Hour},
		Mock:       config.MockConfig{FillDelay: 5 * time.Millisecond},
		Supervisor: config.SupervisorConfig{RestartDelay: 10 * time.Millisecond, ShutdownTimeout: 2 * time.Second},
		Venues: map[model.Venue]*config.Venue{
			model.VenueBinance: {
				MarketsSource: config.MarketsStatic,
				Markets: []config.Market{
					{Symbol: "BNBUSDT", Kind: model.KindSpot, TickSize: d("0.0001"), StepSize: d("0.01"), MinAmount: d("0.01")},
				},
				Accounts: []config.Account{{
					Type:           paperSpot,
					WSURL:          wsURL,
					ReconnectDelay: 10 * time.Millisecond,
					RateLimit:      config.RateLimit{Operations: 100, Window: time.Second},
					Subscriptions:  []model.Subscription{{Channel: model.ChannelBookL1, Symbol: "BNBUSDT"}},
				}},
			},
		},
	}
}

type fills struct {
	strategy.Base
	filled chan model.Order
}

func (f *fills) OnFilledOrder(o model.Order) { f.filled <- o }

func TestPaperEngineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := New(ctx, paperConfig(bookTickerServer(t)), nil)
	require.NoError(t, err)
	f := &fills{filled: make(chan model.Order, 1)}
	e.AddStrategy("fills", f)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	book, err := e.Cache().WaitBookL1(ctx, bnbSpot, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, book.Ask.Equal(d("25.3652")))

	id, err := e.EMS().Submit(model.OrderSubmit{Instrument: bnbSpot, Side: model.SideBuy, Type: model.TypeMarket, Amount: d("1.239")})
	require.NoError(t, err)

	select {
	case o := <-f.filled:
		assert.Equal(t, id, o.ClientID)
		assert.True(t, o.Filled.Equal(d("1.23")))
		assert.True(t, o.AveragePrice.Equal(d("25.3652")))
	case <-time.After(3 * time.Second):
		t.Fatal("order never filled")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRoutingFailsWithoutAccount(t *testing.T) {
	e, err := New(context.Background(), paperConfig(""), nil)
	require.NoError(t, err)
	_, err = e.EMS().Submit(model.OrderSubmit{
		Instrument: model.NewInstrumentID(model.VenueBinance, model.KindLinear, "BNBUSDT"),
		Side:       model.SideBuy,
		Type:       model.TypeMarket,
		Amount:     d("1"),
	})
	assert.Error(t, err)
	assert.Empty(t, e.Managers())
}

func TestRunFailsWhenMarketsCannotLoad(t *testing.T) {
	cfg := paperConfig("")
	cfg.Venues[model.VenueBybit] = &config.Venue{
		MarketsSource: config.MarketsExchangeInfo,
		Accounts: []config.Account{{
			Type:    model.AccountType{Venue: model.VenueBybit, Kind: model.AccountLinear, Env: model.EnvMock},
			RestURL: "http://127.0.0.1:1",
		}},
	}
	e, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = e.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bybit.linear")
}

func TestMarketLoadersPerKind(t *testing.T) {
	loaders := marketLoaders(model.VenueBybit, []config.Account{
		{Type: model.AccountType{Venue: model.VenueBybit, Kind: model.AccountUnified, Env: model.EnvTestnet}},
		{Type: model.AccountType{Venue: model.VenueBybit, Kind: model.AccountLinear, Env: model.EnvLive}},
	})
	var names []string
	for _, l := range loaders {
		names = append(names, l.name)
	}
	assert.Equal(t, []string{"bybit.spot", "bybit.linear", "bybit.inverse"}, names)

	loaders = marketLoaders(model.VenueBinance, []config.Account{
		{Type: model.AccountType{Venue: model.VenueBinance, Kind: model.AccountInverse, Env: model.EnvLive}},
	})
	assert.Empty(t, loaders)
}
