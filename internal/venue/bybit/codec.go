// Package bybit adapts Bybit v5 public and private streams and the v5 REST
// API to the engine.
package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"execflow/internal/connection"
	"execflow/internal/model"
)

var (
	errUnknownPayload = errors.New("bybit: unknown payload")

	api = sonic.ConfigDefault
)

const authWindow = 10 * time.Second

// Codec speaks the Bybit v5 stream protocol for one account. Public sockets
// are per category, so the account kind names the category; private topics
// carry their own category.
type Codec struct {
	account   model.AccountType
	apiKey    string
	apiSecret string
	books     map[string]model.BookL1
	now       func() time.Time
}

func NewCodec(account model.AccountType, apiKey, apiSecret string) *Codec {
	return &Codec{
		account:   account,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		books:     make(map[string]model.BookL1),
		now:       time.Now,
	}
}

// category is the public stream category for this account.
func (c *Codec) category() model.MarketKind {
	if c.account.Kind == model.AccountUnified {
		return model.KindLinear
	}
	return model.MarketKind(c.account.Kind)
}

// klineInterval maps 1m/1h/1d style intervals to Bybit's minute counts.
func klineInterval(interval string) string {
	switch interval {
	case "", "1m":
		return "1"
	case "3m", "5m", "15m", "30m":
		return strings.TrimSuffix(interval, "m")
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d":
		return "D"
	case "1w":
		return "W"
	case "1M":
		return "M"
	default:
		return interval
	}
}

func intervalName(bybit string) string {
	switch bybit {
	case "1", "3", "5", "15", "30":
		return bybit + "m"
	case "60", "120", "240", "360", "720":
		n, _ := strconv.Atoi(bybit)
		return strconv.Itoa(n/60) + "h"
	case "D":
		return "1d"
	case "W":
		return "1w"
	case "M":
		return "1M"
	default:
		return bybit
	}
}

func (c *Codec) Topic(sub model.Subscription) string {
	switch sub.Channel {
	case model.ChannelBookL1:
		return "orderbook.1." + strings.ToUpper(sub.Symbol)
	case model.ChannelTrade:
		return "publicTrade." + strings.ToUpper(sub.Symbol)
	case model.ChannelKline:
		return "kline." + klineInterval(sub.Interval) + "." + strings.ToUpper(sub.Symbol)
	case model.ChannelOrder:
		return "order"
	case model.ChannelBalance:
		return "wallet"
	case model.ChannelPosition:
		return "position"
	default:
		return ""
	}
}

type controlRequest struct {
	Op    string   `json:"op"`
	Args  []string `json:"args"`
	ReqID string   `json:"req_id,omitempty"`
}

func (c *Codec) control(op string, subs []model.Subscription, id int64) ([]byte, error) {
	args := make([]string, 0, len(subs))
	seen := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		topic := c.Topic(s)
		if topic == "" {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		args = append(args, topic)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return api.Marshal(controlRequest{Op: op, Args: args, ReqID: strconv.FormatInt(id, 10)})
}

func (c *Codec) SubscribeMessage(subs []model.Subscription, id int64) ([]byte, error) {
	return c.control("subscribe", subs, id)
}

func (c *Codec) UnsubscribeMessage(subs []model.Subscription, id int64) ([]byte, error) {
	return c.control("unsubscribe", subs, id)
}

func (c *Codec) PingMessage() []byte {
	return []byte(`{"op":"ping"}`)
}

// AuthMessage signs "GET/realtime<expires>" for private sockets. Public
// accounts without credentials send nothing.
func (c *Codec) AuthMessage() ([]byte, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, nil
	}
	expires := c.now().Add(authWindow).UnixMilli()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	return api.Marshal(struct {
		Op   string `json:"op"`
		Args []any  `json:"args"`
	}{Op: "auth", Args: []any{c.apiKey, expires, hex.EncodeToString(mac.Sum(nil))}})
}

type envelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	ReqID   string          `json:"req_id"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

func (c *Codec) Decode(data []byte) (connection.Frame, error) {
	var env envelope
	if err := api.Unmarshal(data, &env); err != nil {
		return connection.Frame{}, fmt.Errorf("bybit: decode envelope: %w", err)
	}

	if env.Topic == "" {
		return c.decodeOp(env)
	}

	var (
		evs []model.Event
		err error
	)
	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		evs, err = c.decodeBook(env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		evs, err = c.decodeTrades(env)
	case strings.HasPrefix(env.Topic, "kline."):
		evs, err = c.decodeKlines(env)
	case env.Topic == "order":
		evs, err = c.decodeOrders(env)
	case env.Topic == "wallet":
		evs, err = c.decodeWallet(env)
	case env.Topic == "position":
		evs, err = c.decodePositions(env)
	default:
		return connection.Frame{}, fmt.Errorf("%w: topic %q", errUnknownPayload, env.Topic)
	}
	if err != nil {
		return connection.Frame{}, err
	}
	return connection.Frame{Events: evs}, nil
}

// decodeOp classifies control traffic: acks, pongs and server pings.
func (c *Codec) decodeOp(env envelope) (connection.Frame, error) {
	switch {
	case env.Op == "pong" || (env.Op == "ping" && env.RetMsg == "pong"):
		return connection.Frame{Pong: true}, nil
	case env.Op == "ping" && env.Success == nil:
		return connection.Frame{Reply: []byte(`{"op":"pong"}`)}, nil
	case env.Op == "subscribe" || env.Op == "unsubscribe" || env.Op == "auth":
		ok := env.Success != nil && *env.Success
		return connection.Frame{Ack: &connection.Ack{ID: env.ReqID, Success: ok, Message: env.RetMsg}}, nil
	default:
		return connection.Frame{}, fmt.Errorf("%w: op %q", errUnknownPayload, env.Op)
	}
}

func (c *Codec) instrument(kind model.MarketKind, symbol string) model.InstrumentID {
	return model.NewInstrumentID(model.VenueBybit, kind, symbol)
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

func (n *numbers) millis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil && n.err == nil {
		n.err = err
	}
	return time.UnixMilli(ms)
}

func (n *numbers) wrap(what string) error {
	if n.err != nil {
		return fmt.Errorf("bybit: %s: %w", what, n.err)
	}
	return nil
}
