// Package ems routes order intents to per-account queues and drains each
// queue with a single consumer, so every account sees its orders in
// submission order with at most one transmission in flight.
package ems

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execflow/internal/bus"
	"execflow/internal/cache"
	"execflow/internal/market"
	"execflow/internal/metrics"
	"execflow/internal/model"
	"execflow/internal/ratelimit"
	"execflow/internal/registry"
	"execflow/logger"
)

var (
	ErrNoAccount      = errors.New("ems: no configured account for instrument")
	ErrUnknownMarket  = errors.New("ems: no market metadata for instrument")
	ErrBelowMinAmount = errors.New("ems: amount below minimum order size")
	ErrQueueFull      = errors.New("ems: account queue full")
	ErrUnknownOrder   = errors.New("ems: unknown order")
	ErrOrderClosed    = errors.New("ems: order already in a terminal state")
	ErrStopped        = errors.New("ems: account queue stopped")
	ErrDuplicateOrder = errors.New("ems: client id already in use")
)

const (
	DefaultQueueSize         = 1024
	DefaultExchangeIDTimeout = 5 * time.Second
	DefaultSubmitTimeout     = 10 * time.Second
)

type Config struct {
	QueueSize         int
	ExchangeIDTimeout time.Duration
	SubmitTimeout     time.Duration
	// Priority overrides model.DefaultPriority per venue.
	Priority map[model.Venue][]model.AccountType
}

// Account is one routable venue account.
type Account struct {
	Type      model.AccountType
	Connector Connector
	// Limiter is shared with the account's stream connection. Nil disables
	// admission control.
	Limiter *ratelimit.Limiter
}

type account struct {
	Account
	queue *queue
}

func (a *account) acquire(ctx context.Context) error {
	if a.Limiter == nil {
		return ctx.Err()
	}
	return a.Limiter.Acquire(ctx)
}

type EMS struct {
	cfg      Config
	accounts map[model.AccountType]*account
	markets  market.Provider
	cache    *cache.Cache
	registry *registry.Registry
	bus      *bus.Bus
	log      *logger.Log
	metrics  *metrics.Collector
	now      func() time.Time
}

func New(cfg Config, accounts []Account, markets market.Provider, c *cache.Cache, r *registry.Registry, b *bus.Bus, log *logger.Log, m *metrics.Collector) *EMS {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ExchangeIDTimeout <= 0 {
		cfg.ExchangeIDTimeout = DefaultExchangeIDTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if log == nil {
		log = logger.GetLogger()
	}
	e := &EMS{
		cfg:      cfg,
		accounts: make(map[model.AccountType]*account, len(accounts)),
		markets:  markets,
		cache:    c,
		registry: r,
		bus:      b,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
	for _, a := range accounts {
		e.accounts[a.Type] = &account{Account: a, queue: newQueue(cfg.QueueSize)}
	}
	return e
}

// Accounts lists the configured account types.
func (e *EMS) Accounts() []model.AccountType {
	out := make([]model.AccountType, 0, len(e.accounts))
	for t := range e.accounts {
		out = append(out, t)
	}
	return out
}

// Route picks the account for an instrument: the explicit one when given,
// otherwise the first configured account in the venue's priority list that
// serves the instrument's market kind.
func (e *EMS) Route(id model.InstrumentID, explicit model.AccountType) (model.AccountType, error) {
	if !explicit.IsZero() {
		if _, ok := e.accounts[explicit]; ok && explicit.Venue == id.Venue && model.Serves(explicit, id.Kind) {
			return explicit, nil
		}
		return model.AccountType{}, fmt.Errorf("%w: %s cannot trade %s", ErrNoAccount, explicit, id)
	}

	priority := model.DefaultPriority(id.Venue, id.Kind)
	if override, ok := e.cfg.Priority[id.Venue]; ok && len(override) > 0 {
		priority = override
	}
	for _, candidate := range priority {
		if _, ok := e.accounts[candidate]; ok && model.Serves(candidate, id.Kind) {
			return candidate, nil
		}
	}
	return model.AccountType{}, fmt.Errorf("%w: %s", ErrNoAccount, id)
}

// Submit validates and adjusts an order intent and enqueues it on its
// account's queue. It returns the client id; the outcome is reported later
// through order notifications.
func (e *EMS) Submit(submit model.OrderSubmit) (string, error) {
	if submit.Side != model.SideBuy && submit.Side != model.SideSell {
		return "", fmt.Errorf("ems: invalid side %q", submit.Side)
	}
	if submit.Type != model.TypeLimit && submit.Type != model.TypeMarket {
		return "", fmt.Errorf("ems: invalid order type %q", submit.Type)
	}

	acct, err := e.Route(submit.Instrument, submit.Account)
	if err != nil {
		return "", err
	}
	mkt, ok := e.markets.Market(submit.Instrument)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMarket, submit.Instrument)
	}

	amount := mkt.TruncateAmount(submit.Amount)
	if mkt.BelowMinimum(amount) {
		return "", fmt.Errorf("%w: %s < %s on %s", ErrBelowMinAmount, submit.Amount, mkt.MinAmount, submit.Instrument)
	}
	adjusted := submit
	adjusted.Amount = amount
	if submit.Type == model.TypeLimit {
		adjusted.Price = mkt.RoundPrice(submit.Price)
		if adjusted.Price.Sign() <= 0 {
			return "", fmt.Errorf("ems: limit price %s must be positive", submit.Price)
		}
	}
	if adjusted.ClientID == "" {
		adjusted.ClientID = model.NewClientID()
	}

	order := model.NewPendingOrder(adjusted, acct, e.now())
	// Tracked before it is queued so Cancel can find it at once.
	if !e.cache.Track(order) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ClientID)
	}
	if err := e.accounts[acct].queue.tryPush(request{kind: requestSubmit, order: order, enqueued: e.now()}); err != nil {
		e.fail(order, fmt.Sprintf("not queued: %v", err))
		return "", fmt.Errorf("%w: %s", err, acct)
	}
	e.metrics.Inc(metrics.OrdersSubmitted, acct.String())
	e.log.WithComponent("ems").WithFields(logger.Fields{
		"client_id":  order.ClientID,
		"account":    acct.String(),
		"instrument": order.Instrument.String(),
		"side":       order.Side,
		"price":      order.Price.String(),
		"amount":     order.Amount.String(),
	}).Debug("order enqueued")
	return order.ClientID, nil
}

// Cancel enqueues a cancel for clientID on the account that owns the order.
func (e *EMS) Cancel(clientID string) error {
	order, ok := e.cache.Order(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	if model.IsTerminal(order.Status) {
		return fmt.Errorf("%w: %s is %s", ErrOrderClosed, clientID, order.Status)
	}
	acct, ok := e.accounts[order.Account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAccount, order.Account)
	}
	ref := CancelRef{
		ClientID:   clientID,
		ExchangeID: order.ExchangeID,
		Instrument: order.Instrument,
		Account:    order.Account,
	}
	if err := acct.queue.tryPush(request{kind: requestCancel, cancel: ref, enqueued: e.now()}); err != nil {
		return fmt.Errorf("%w: %s", err, order.Account)
	}
	e.metrics.Inc(metrics.CancelsSubmitted, order.Account.String())
	return nil
}

// QueueDepth reports how many requests wait for account.
func (e *EMS) QueueDepth(account model.AccountType) int {
	if a, ok := e.accounts[account]; ok {
		return a.queue.depth()
	}
	return 0
}

// Attach wires stream order updates into the registry and retires registry
// entries of orders that reached a terminal status.
func (e *EMS) Attach() []bus.SubscriptionID {
	var ids []bus.SubscriptionID
	for t := range e.accounts {
		ids = append(ids, e.bus.Subscribe(bus.StreamTopic(t, model.ChannelOrder), e.onStreamOrder))
	}
	for _, topic := range []string{bus.TopicOrderFilled, bus.TopicOrderCanceled, bus.TopicOrderFailed, bus.TopicOrderCancelFailed} {
		ids = append(ids, e.bus.Subscribe(topic, e.onTerminal))
	}
	return ids
}

func (e *EMS) onStreamOrder(_ string, msg any) {
	u, ok := msg.(model.OrderUpdate)
	if !ok || u.ClientID == "" || u.ExchangeID == "" {
		return
	}
	if err := e.registry.Register(u.ClientID, u.ExchangeID); err != nil {
		e.log.WithComponent("ems").WithError(err).Warn("stream update conflicts with registry")
	}
}

func (e *EMS) onTerminal(_ string, msg any) {
	if o, ok := msg.(model.Order); ok {
		e.registry.Remove(o.ClientID)
	}
}

// RunAccount connects the account's connector and drains its queue until
// ctx ends. It is the only consumer of that queue.
func (e *EMS) RunAccount(ctx context.Context, t model.AccountType) error {
	a, ok := e.accounts[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAccount, t)
	}
	if err := a.Connector.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect %s: %w", t, err)
	}
	e.log.WithComponent("ems").WithField("account", t.String()).Info("account consumer started")

	a.queue.run(ctx, func(ctx context.Context, r request) {
		switch r.kind {
		case requestSubmit:
			e.transmit(ctx, a, r)
		case requestCancel:
			e.cancel(ctx, a, r.cancel)
		}
	})
	return nil
}

// Stop closes every queue. Pending requests still drain; new ones fail with ErrStopped.
func (e *EMS) Stop() {
	for _, a := range e.accounts {
		a.queue.close()
	}
}

func (e *EMS) transmit(ctx context.Context, a *account, r request) {
	order := r.order
	scope := a.Type.String()
	log := e.log.WithComponent("ems").WithFields(logger.Fields{
		"client_id": order.ClientID,
		"account":   scope,
	})

	if err := a.acquire(ctx); err != nil {
		e.fail(order, fmt.Sprintf("not transmitted: %v", err))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	start := time.Now()
	ack, err := a.Connector.SubmitOrder(sctx, order)
	cancel()
	e.metrics.Observe(metrics.SubmitLatency, scope, time.Since(start))
	logger.LogPerformanceEntry(log, "ems", "submit_order", time.Since(start), logger.Fields{
		"queued": start.Sub(r.enqueued).String(),
	})

	if err != nil {
		e.metrics.Inc(metrics.OrdersRejected, scope)
		log.WithError(err).Warn("order rejected")
		e.fail(order, err.Error())
		return
	}
	if ack.ExchangeID == "" {
		log.Debug("awaiting stream acknowledgement")
		return
	}
	if err := e.registry.Register(order.ClientID, ack.ExchangeID); err != nil {
		log.WithError(err).Warn("failed to register exchange id")
	}
	status := ack.Status
	if status == "" {
		status = model.StatusAccepted
	}
	if cur, ok := e.cache.Order(order.ClientID); ok && cur.Status != model.StatusPending && status == model.StatusAccepted {
		// The stream got there first.
		return
	}
	e.cache.ApplyOrder(model.OrderUpdate{
		ClientID:   order.ClientID,
		ExchangeID: ack.ExchangeID,
		Instrument: order.Instrument,
		Account:    order.Account,
		Status:     status,
		Side:       order.Side,
		Type:       order.Type,
		Price:      order.Price,
		Amount:     order.Amount,
		Timestamp:  e.now(),
	})
}

func (e *EMS) cancel(ctx context.Context, a *account, ref CancelRef) {
	log := e.log.WithComponent("ems").WithFields(logger.Fields{
		"client_id": ref.ClientID,
		"account":   a.Type.String(),
	})

	order, ok := e.cache.Order(ref.ClientID)
	if ok && model.IsTerminal(order.Status) {
		log.WithField("status", order.Status).Debug("skipping cancel of closed order")
		return
	}
	if ref.ExchangeID == "" {
		ref.ExchangeID = order.ExchangeID
	}
	if ref.ExchangeID == "" {
		id, err := e.registry.WaitForExchangeID(ctx, ref.ClientID, e.cfg.ExchangeIDTimeout)
		if err != nil {
			log.WithError(err).Warn("cancel without exchange id")
			e.cancelFailed(ref, err.Error())
			return
		}
		ref.ExchangeID = id
	}

	if err := a.acquire(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	ack, err := a.Connector.CancelOrder(cctx, ref)
	cancel()
	if err != nil {
		log.WithError(err).Warn("cancel rejected")
		e.cancelFailed(ref, err.Error())
		return
	}
	if ack.Status != "" {
		e.cache.ApplyOrder(model.OrderUpdate{
			ClientID:   ref.ClientID,
			ExchangeID: ref.ExchangeID,
			Instrument: ref.Instrument,
			Account:    ref.Account,
			Status:     ack.Status,
			Timestamp:  e.now(),
		})
	}
}

func (e *EMS) fail(order model.Order, reason string) {
	e.cache.ApplyOrder(model.OrderUpdate{
		ClientID:   order.ClientID,
		Instrument: order.Instrument,
		Account:    order.Account,
		Status:     model.StatusFailed,
		Reason:     reason,
		Timestamp:  e.now(),
	})
}

func (e *EMS) cancelFailed(ref CancelRef, reason string) {
	e.cache.ApplyOrder(model.OrderUpdate{
		ClientID:   ref.ClientID,
		ExchangeID: ref.ExchangeID,
		Instrument: ref.Instrument,
		Account:    ref.Account,
		Status:     model.StatusCancelFailed,
		Reason:     reason,
		Timestamp:  e.now(),
	})
}
