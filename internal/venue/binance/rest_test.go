package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execflow/internal/ems"
	"execflow/internal/model"
)

type restStub struct {
	mu    sync.Mutex
	paths []string
	forms []map[string]string
}

func (s *restStub) server(t *testing.T, routes map[string]string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := make(map[string]string)
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		s.mu.Lock()
		s.paths = append(s.paths, r.Method+" "+r.URL.Path)
		s.forms = append(s.forms, form)
		s.mu.Unlock()

		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":-1,"msg":"not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const spotExchangeInfo = `{
  "timezone": "UTC",
  "serverTime": 1700000000000,
  "rateLimits": [],
  "symbols": [
    {"symbol": "BTCUSDT", "status": "TRADING", "baseAsset": "BTC", "quoteAsset": "USDT",
     "filters": [
       {"filterType": "PRICE_FILTER", "minPrice": "0.01", "maxPrice": "1000000.00", "tickSize": "0.01"},
       {"filterType": "LOT_SIZE", "minQty": "0.00001", "maxQty": "9000.00", "stepSize": "0.00001"}
     ]},
    {"symbol": "OLDUSDT", "status": "BREAK", "baseAsset": "OLD", "quoteAsset": "USDT", "filters": []}
  ]
}`

func TestSpotMarketLoader(t *testing.T) {
	stub := &restStub{}
	srv := stub.server(t, map[string]string{"/api/v3/exchangeInfo": spotExchangeInfo})

	markets, err := NewMarketLoader(model.KindSpot, srv.URL).LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 1)
	m := markets[0]
	assert.Equal(t, model.NewInstrumentID(model.VenueBinance, model.KindSpot, "BTCUSDT"), m.Instrument)
	assert.True(t, m.TickSize.Equal(d("0.01")))
	assert.True(t, m.StepSize.Equal(d("0.00001")))
	assert.True(t, m.MinAmount.Equal(d("0.00001")))
}

func TestInverseMarketsUnsupported(t *testing.T) {
	_, err := NewMarketLoader(model.KindInverse, "").LoadMarkets(context.Background())
	assert.Error(t, err)
}

func TestSpotConnectorOrderFlow(t *testing.T) {
	stub := &restStub{}
	srv := stub.server(t, map[string]string{
		"/api/v3/order":          `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"cid-1","transactTime":1700000000000,"status":"NEW"}`,
		"/api/v3/userDataStream": `{"listenKey":"pqia91ma19a5s61cv6a81va65sdf19v8a65a1a5s61cv6a81va65sdf19v8a65a1"}`,
	})
	account := model.AccountType{Venue: model.VenueBinance, Kind: model.AccountSpot, Env: model.EnvTestnet}
	conn, err := NewConnector(account, "key", "secret", srv.URL, nil)
	require.NoError(t, err)

	ack, err := conn.SubmitOrder(context.Background(), model.Order{
		ClientID:   "cid-1",
		Instrument: model.NewInstrumentID(model.VenueBinance, model.KindSpot, "BTCUSDT"),
		Side:       model.SideBuy,
		Type:       model.TypeLimit,
		Price:      d("30000.5"),
		Amount:     d("0.01"),
	})
	require.NoError(t, err)
	assert.Equal(t, "28", ack.ExchangeID)

	url, err := conn.StreamURL(context.Background(), "wss://stream.testnet.binance.vision/ws/")
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.testnet.binance.vision/ws/pqia91ma19a5s61cv6a81va65sdf19v8a65a1a5s61cv6a81va65sdf19v8a65a1", url)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.GreaterOrEqual(t, len(stub.forms), 1)
	order := stub.forms[0]
	assert.Equal(t, "POST /api/v3/order", stub.paths[0])
	assert.Equal(t, "BTCUSDT", order["symbol"])
	assert.Equal(t, "LIMIT", order["type"])
	assert.Equal(t, "GTC", order["timeInForce"])
	assert.Equal(t, "30000.5", order["price"])
	assert.Equal(t, "cid-1", order["newClientOrderId"])
}

func TestInverseConnectorRejected(t *testing.T) {
	_, err := NewConnector(model.AccountType{Venue: model.VenueBinance, Kind: model.AccountInverse, Env: model.EnvLive}, "", "", "", nil)
	assert.Error(t, err)
}

var _ ems.Connector = (*Connector)(nil)

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://testnet.binance.vision", BaseURL(model.KindSpot, model.EnvTestnet, ""))
	assert.Equal(t, "https://testnet.binancefuture.com", BaseURL(model.KindLinear, model.EnvTestnet, ""))
	assert.Empty(t, BaseURL(model.KindLinear, model.EnvLive, ""))
	assert.Equal(t, "http://x", BaseURL(model.KindSpot, model.EnvDemo, "http://x"))
}
