package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"execflow/internal/ems"
	"execflow/internal/model"
	"execflow/logger"
)

// Connector places orders through the Binance REST API. Fills and status
// changes arrive on the account's user-data stream.
type Connector struct {
	account model.AccountType
	spot    *binance.Client
	futures *futures.Client
	log     *logger.Entry

	keyMu     sync.Mutex
	listenKey string
}

// BaseURL picks the REST host for a market kind and environment when none
// is configured. Empty means the client library's production default.
func BaseURL(kind model.MarketKind, env model.Environment, configured string) string {
	if configured != "" {
		return configured
	}
	switch {
	case env == model.EnvTestnet && kind == model.KindSpot:
		return "https://testnet.binance.vision"
	case env == model.EnvTestnet:
		return "https://testnet.binancefuture.com"
	case env == model.EnvDemo && kind == model.KindSpot:
		return "https://demo-api.binance.com"
	case env == model.EnvDemo:
		return "https://demo-fapi.binance.com"
	default:
		return ""
	}
}

func NewConnector(account model.AccountType, apiKey, apiSecret, restURL string, log *logger.Log) (*Connector, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	c := &Connector{
		account: account,
		log:     log.WithComponent("binance_connector").WithField("account", account.String()),
	}
	restURL = BaseURL(model.MarketKind(account.Kind), account.Env, restURL)
	switch account.Kind {
	case model.AccountSpot:
		c.spot = binance.NewClient(apiKey, apiSecret)
		if restURL != "" {
			c.spot.BaseURL = restURL
		}
	case model.AccountLinear:
		c.futures = futures.NewClient(apiKey, apiSecret)
		if restURL != "" {
			c.futures.SetApiEndpoint(restURL)
		}
	default:
		return nil, fmt.Errorf("binance: %s accounts are not supported", account.Kind)
	}
	return c, nil
}

func (c *Connector) Account() model.AccountType { return c.account }

func (c *Connector) Connect(ctx context.Context) error {
	var err error
	if c.spot != nil {
		err = c.spot.NewPingService().Do(ctx)
	} else {
		err = c.futures.NewPingService().Do(ctx)
	}
	if err != nil {
		return fmt.Errorf("binance: ping: %w", err)
	}
	c.log.Info("rest endpoint reachable")
	return nil
}

func (c *Connector) SubmitOrder(ctx context.Context, o model.Order) (ems.Ack, error) {
	if c.spot != nil {
		svc := c.spot.NewCreateOrderService().
			Symbol(o.Instrument.Symbol).
			Side(binance.SideType(o.Side)).
			Type(binance.OrderType(o.Type)).
			Quantity(o.Amount.String()).
			NewClientOrderID(o.ClientID)
		if o.Type == model.TypeLimit {
			svc = svc.TimeInForce(binance.TimeInForceTypeGTC).Price(o.Price.String())
		}
		res, err := svc.Do(ctx)
		if err != nil {
			return ems.Ack{}, err
		}
		return ems.Ack{ExchangeID: strconv.FormatInt(res.OrderID, 10)}, nil
	}

	svc := c.futures.NewCreateOrderService().
		Symbol(o.Instrument.Symbol).
		Side(futures.SideType(o.Side)).
		Type(futures.OrderType(o.Type)).
		Quantity(o.Amount.String()).
		NewClientOrderID(o.ClientID).
		ReduceOnly(o.ReduceOnly)
	if o.Type == model.TypeLimit {
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(o.Price.String())
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return ems.Ack{}, err
	}
	return ems.Ack{ExchangeID: strconv.FormatInt(res.OrderID, 10)}, nil
}

// CancelOrder cancels by exchange id when it is numeric, otherwise by the
// original client id.
func (c *Connector) CancelOrder(ctx context.Context, ref ems.CancelRef) (ems.Ack, error) {
	orderID, numErr := strconv.ParseInt(ref.ExchangeID, 10, 64)

	if c.spot != nil {
		svc := c.spot.NewCancelOrderService().Symbol(ref.Instrument.Symbol)
		if numErr == nil {
			svc = svc.OrderID(orderID)
		} else {
			svc = svc.OrigClientOrderID(ref.ClientID)
		}
		if _, err := svc.Do(ctx); err != nil {
			return ems.Ack{}, err
		}
		return ems.Ack{ExchangeID: ref.ExchangeID, Status: model.StatusCanceled}, nil
	}

	svc := c.futures.NewCancelOrderService().Symbol(ref.Instrument.Symbol)
	if numErr == nil {
		svc = svc.OrderID(orderID)
	} else {
		svc = svc.OrigClientOrderID(ref.ClientID)
	}
	if _, err := svc.Do(ctx); err != nil {
		return ems.Ack{}, err
	}
	return ems.Ack{ExchangeID: ref.ExchangeID, Status: model.StatusCanceled}, nil
}
