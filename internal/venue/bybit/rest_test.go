package bybit

import (
	"testing"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execflow/internal/model"
)

func TestBaseURL(t *testing.T) {
	assert.Equal(t, bybitapi.TESTNET, BaseURL(model.EnvTestnet, ""))
	assert.Equal(t, bybitapi.MAINNET, BaseURL(model.EnvLive, ""))
	assert.Equal(t, demoBaseURL, BaseURL(model.EnvDemo, ""))
	assert.Equal(t, "http://localhost:1", BaseURL(model.EnvLive, "http://localhost:1"))
}

func TestResultEnvelope(t *testing.T) {
	var ref orderRef
	err := result(&bybitapi.ServerResponse{
		RetCode: 0,
		Result:  map[string]interface{}{"orderId": "1321003749386327552", "orderLinkId": "abc"},
	}, &ref)
	require.NoError(t, err)
	assert.Equal(t, "1321003749386327552", ref.OrderID)

	err = result(&bybitapi.ServerResponse{RetCode: 10001, RetMsg: "params error"}, &ref)
	assert.ErrorContains(t, err, "params error")
	assert.Error(t, result(nil, nil))
}

func TestOrderParams(t *testing.T) {
	o := model.Order{
		ClientID:   "c1",
		Instrument: model.NewInstrumentID(model.VenueBybit, model.KindLinear, "BTCUSDT"),
		Side:       model.SideSell,
		Type:       model.TypeLimit,
		Price:      d("30000.5"),
		Amount:     d("0.01"),
		ReduceOnly: true,
	}
	p := orderParams(o)
	assert.Equal(t, "Sell", p["side"])
	assert.Equal(t, "Limit", p["orderType"])
	assert.Equal(t, "30000.5", p["price"])
	assert.Equal(t, "GTC", p["timeInForce"])
	assert.Equal(t, true, p["reduceOnly"])
	assert.Equal(t, "c1", p["orderLinkId"])

	o.Type = model.TypeMarket
	o.Instrument.Kind = model.KindSpot
	p = orderParams(o)
	assert.Equal(t, "Market", p["orderType"])
	assert.NotContains(t, p, "price")
	assert.NotContains(t, p, "reduceOnly")
}
