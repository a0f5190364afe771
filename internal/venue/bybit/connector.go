package bybit

import (
	"context"
	"fmt"

	bybitapi "github.com/bybit-exchange/bybit.go.api"

	"execflow/internal/ems"
	"execflow/internal/model"
	"execflow/logger"
)

// Connector places orders through the Bybit v5 REST API. The order stream
// carries the lifecycle; the REST answer only yields the exchange id.
type Connector struct {
	account model.AccountType
	client  *bybitapi.Client
	log     *logger.Entry
}

func NewConnector(account model.AccountType, apiKey, apiSecret, restURL string, log *logger.Log) *Connector {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Connector{
		account: account,
		client:  bybitapi.NewBybitHttpClient(apiKey, apiSecret, bybitapi.WithBaseURL(BaseURL(account.Env, restURL))),
		log:     log.WithComponent("bybit_connector").WithField("account", account.String()),
	}
}

func (c *Connector) Connect(ctx context.Context) error {
	resp, err := c.client.NewUtaBybitServiceWithParams(map[string]interface{}{}).GetServerTime(ctx)
	if err != nil {
		return fmt.Errorf("bybit: server time: %w", err)
	}
	if err := result(resp, nil); err != nil {
		return err
	}
	c.log.Info("rest endpoint reachable")
	return nil
}

type orderRef struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func orderParams(o model.Order) map[string]interface{} {
	params := map[string]interface{}{
		"category":    string(o.Instrument.Kind),
		"symbol":      o.Instrument.Symbol,
		"side":        sideName(o.Side),
		"orderType":   "Limit",
		"qty":         o.Amount.String(),
		"orderLinkId": o.ClientID,
	}
	if o.Type == model.TypeMarket {
		params["orderType"] = "Market"
	} else {
		params["price"] = o.Price.String()
		params["timeInForce"] = "GTC"
	}
	if o.ReduceOnly && o.Instrument.Kind != model.KindSpot {
		params["reduceOnly"] = true
	}
	return params
}

func sideName(s model.OrderSide) string {
	if s == model.SideSell {
		return "Sell"
	}
	return "Buy"
}

func (c *Connector) SubmitOrder(ctx context.Context, o model.Order) (ems.Ack, error) {
	resp, err := c.client.NewUtaBybitServiceWithParams(orderParams(o)).PlaceOrder(ctx)
	if err != nil {
		return ems.Ack{}, err
	}
	var ref orderRef
	if err := result(resp, &ref); err != nil {
		return ems.Ack{}, err
	}
	return ems.Ack{ExchangeID: ref.OrderID}, nil
}

func (c *Connector) CancelOrder(ctx context.Context, ref ems.CancelRef) (ems.Ack, error) {
	params := map[string]interface{}{
		"category": string(ref.Instrument.Kind),
		"symbol":   ref.Instrument.Symbol,
	}
	if ref.ExchangeID != "" {
		params["orderId"] = ref.ExchangeID
	} else {
		params["orderLinkId"] = ref.ClientID
	}
	resp, err := c.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return ems.Ack{}, err
	}
	if err := result(resp, nil); err != nil {
		return ems.Ack{}, err
	}
	return ems.Ack{ExchangeID: ref.ExchangeID}, nil
}
