// Package engine assembles the bus, registry, cache, EMS, stream connections
// and strategies for one configuration and runs them under a supervisor.
package engine

import (
	"context"
	"fmt"
	"time"

	"execflow/config"
	"execflow/internal/bus"
	"execflow/internal/cache"
	"execflow/internal/connection"
	"execflow/internal/ems"
	"execflow/internal/market"
	"execflow/internal/metrics"
	"execflow/internal/model"
	"execflow/internal/ratelimit"
	"execflow/internal/registry"
	"execflow/internal/strategy"
	"execflow/internal/supervisor"
	"execflow/internal/venue/binance"
	"execflow/internal/venue/bybit"
	"execflow/internal/venue/mock"
	"execflow/logger"
)

// Venue rate limits used when an account configures none.
var defaultRates = map[model.Venue]config.RateLimit{
	model.VenueBinance: {Operations: 5, Window: time.Second},
	model.VenueBybit:   {Operations: 10, Window: time.Second},
}

type Engine struct {
	cfg     *config.Config
	log     *logger.Log
	metrics *metrics.Collector

	bus      *bus.Bus
	registry *registry.Registry
	cache    *cache.Cache
	markets  *market.Static
	loaders  []namedLoader
	ems      *ems.EMS

	managers    []*connection.Manager
	keepalives  []*binance.Connector
	paper       []*mock.Connector
	dispatchers []*strategy.Dispatcher
}

type namedLoader struct {
	name   string
	loader market.Loader
}

// New builds every component for cfg. Nothing touches the network until Run.
func New(ctx context.Context, cfg *config.Config, log *logger.Log) (*Engine, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	e := &Engine{cfg: cfg, log: log}

	collector, err := newCollector(ctx, cfg.Metrics, log)
	if err != nil {
		return nil, err
	}
	e.metrics = collector

	e.bus = bus.New(log, e.metrics)
	e.registry = registry.New(log)
	e.cache = cache.New(e.bus, e.registry, log, e.metrics)
	e.cache.SetWaitTimeout(cfg.Cache.WaitTimeout)
	e.markets = market.NewStatic()

	priority := make(map[model.Venue][]model.AccountType)
	var accounts []ems.Account
	for venueName, venue := range cfg.Venues {
		if len(venue.AccountPriority) > 0 {
			priority[venueName] = venue.AccountPriority
		}
		for _, m := range venue.Markets {
			e.markets.Add(market.Market{
				Instrument: model.NewInstrumentID(venueName, m.Kind, m.Symbol),
				TickSize:   m.TickSize,
				StepSize:   m.StepSize,
				MinAmount:  m.MinAmount,
			})
		}
		if venue.MarketsSource == config.MarketsExchangeInfo {
			e.loaders = append(e.loaders, marketLoaders(venueName, venue.Accounts)...)
		}
		for _, acct := range venue.Accounts {
			a, err := e.buildAccount(acct)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, a)
		}
	}

	e.ems = ems.New(ems.Config{
		QueueSize:         cfg.EMS.QueueSize,
		ExchangeIDTimeout: cfg.EMS.ExchangeIDTimeout,
		SubmitTimeout:     cfg.EMS.SubmitTimeout,
		Priority:          priority,
	}, accounts, e.markets, e.cache, e.registry, e.bus, log, e.metrics)
	e.ems.Attach()
	for _, a := range accounts {
		e.cache.Attach(a.Type)
	}

	log.WithComponent("engine").WithFields(logger.Fields{
		"accounts":    len(accounts),
		"connections": len(e.managers),
		"markets":     e.markets.Len(),
	}).Info("engine assembled")
	return e, nil
}

func newCollector(ctx context.Context, cfg config.MetricsConfig, log *logger.Log) (*metrics.Collector, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	sinks := []metrics.Sink{metrics.NewLogSink(log)}
	if cfg.CloudWatch.Enabled {
		cw, err := metrics.NewCloudWatchSink(ctx, cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, log)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		sinks = append(sinks, cw)
	}
	return metrics.NewCollector(log, sinks...), nil
}

// buildAccount creates the account's limiter, connector and, when it has a
// stream URL, its connection manager. The limiter is shared by both.
func (e *Engine) buildAccount(acct config.Account) (ems.Account, error) {
	rl := acct.RateLimit
	if rl.Operations == 0 {
		rl = defaultRates[acct.Type.Venue]
	}
	limiter := ratelimit.New(rl.Operations, rl.Window)

	var (
		connector ems.Connector
		codec     connection.Codec
		urlSource connection.URLSource
	)
	switch acct.Type.Venue {
	case model.VenueBinance:
		codec = binance.NewCodec(acct.Type)
		if !model.IsMock(acct.Type) {
			c, err := binance.NewConnector(acct.Type, acct.APIKey, acct.APISecret, acct.RestURL, e.log)
			if err != nil {
				return ems.Account{}, err
			}
			connector = c
			if acct.APIKey != "" && hasPrivate(acct.Subscriptions) {
				urlSource = c
				e.keepalives = append(e.keepalives, c)
			}
		}
	case model.VenueBybit:
		if model.IsMock(acct.Type) {
			codec = bybit.NewCodec(acct.Type, "", "")
		} else {
			codec = bybit.NewCodec(acct.Type, acct.APIKey, acct.APISecret)
			connector = bybit.NewConnector(acct.Type, acct.APIKey, acct.APISecret, acct.RestURL, e.log)
		}
	default:
		return ems.Account{}, fmt.Errorf("engine: unsupported venue %s", acct.Type.Venue)
	}

	if model.IsMock(acct.Type) {
		paper := mock.NewConnector(acct.Type, mock.Config{FillDelay: e.cfg.Mock.FillDelay}, e.bus, e.cache, e.log)
		e.paper = append(e.paper, paper)
		connector = paper
	}

	if acct.WSURL != "" {
		e.managers = append(e.managers, connection.NewManager(connection.Config{
			Account:        acct.Type,
			URL:            acct.WSURL,
			BatchSize:      acct.BatchSize,
			ReconnectDelay: acct.ReconnectDelay,
			PingInterval:   acct.PingInterval,
			PongTimeout:    acct.PongTimeout,
			LocalIP:        acct.LocalIP,
			Subscriptions:  acct.Subscriptions,
			URLSource:      urlSource,
		}, codec, limiter, e.bus, e.log, e.metrics))
	}
	return ems.Account{Type: acct.Type, Connector: connector, Limiter: limiter}, nil
}

func hasPrivate(subs []model.Subscription) bool {
	for _, s := range subs {
		switch s.Channel {
		case model.ChannelOrder, model.ChannelBalance, model.ChannelPosition:
			return true
		}
	}
	return false
}

// marketLoaders returns one exchange-info loader per market kind the
// venue's accounts trade, using the first account of each kind for the host.
func marketLoaders(venue model.Venue, accounts []config.Account) []namedLoader {
	seen := make(map[model.MarketKind]bool)
	var out []namedLoader
	for _, acct := range accounts {
		kinds := []model.MarketKind{model.MarketKind(acct.Type.Kind)}
		if acct.Type.Kind == model.AccountUnified {
			kinds = []model.MarketKind{model.KindSpot, model.KindLinear, model.KindInverse}
		}
		for _, kind := range kinds {
			if seen[kind] {
				continue
			}
			seen[kind] = true
			name := fmt.Sprintf("%s.%s", venue, kind)
			switch venue {
			case model.VenueBinance:
				if kind == model.KindInverse {
					continue
				}
				out = append(out, namedLoader{name, binance.NewMarketLoader(kind, binance.BaseURL(kind, acct.Type.Env, acct.RestURL))})
			case model.VenueBybit:
				out = append(out, namedLoader{name, bybit.NewMarketLoader(kind, bybit.BaseURL(acct.Type.Env, acct.RestURL))})
			}
		}
	}
	return out
}

func (e *Engine) Bus() *bus.Bus                   { return e.bus }
func (e *Engine) Cache() *cache.Cache             { return e.cache }
func (e *Engine) EMS() *ems.EMS                   { return e.ems }
func (e *Engine) Registry() *registry.Registry    { return e.registry }
func (e *Engine) Markets() *market.Static         { return e.markets }
func (e *Engine) Metrics() *metrics.Collector     { return e.metrics }
func (e *Engine) Managers() []*connection.Manager { return e.managers }

// AddStrategy attaches callbacks to the cache notifications. Strategies
// added before Run see every update from the first connect on.
func (e *Engine) AddStrategy(name string, cb strategy.Callbacks) {
	d := strategy.NewDispatcher(name, e.bus, cb, e.log)
	d.Start()
	e.dispatchers = append(e.dispatchers, d)
}

// LoadMarkets fills the market provider from every exchange-info loader.
func (e *Engine) LoadMarkets(ctx context.Context) error {
	for _, l := range e.loaders {
		start := time.Now()
		n, err := e.markets.Load(ctx, l.loader)
		if err != nil {
			return fmt.Errorf("load %s markets: %w", l.name, err)
		}
		logger.LogPerformanceEntry(e.log.WithComponent("engine"), "engine", "load_markets", time.Since(start), logger.Fields{
			"source":  l.name,
			"markets": n,
		})
	}
	return nil
}

// Run loads market metadata, starts every unit and blocks until ctx is
// done or a fatal unit fails. It then stops all units within the
// configured shutdown timeout.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.LoadMarkets(ctx); err != nil {
		return err
	}

	sup := supervisor.New(ctx, supervisor.Config{RestartDelay: e.cfg.Supervisor.RestartDelay}, e.log, e.metrics)
	for _, u := range e.units() {
		sup.Go(u)
	}

	<-sup.Context().Done()
	e.log.WithComponent("engine").Info("stopping engine")
	e.ems.Stop()
	for _, p := range e.paper {
		p.Close()
	}
	for _, d := range e.dispatchers {
		d.Stop()
	}
	return sup.Shutdown(e.cfg.Supervisor.ShutdownTimeout)
}

// units lists what the supervisor runs. Connections heal themselves, and
// an account consumer whose connect failed is retried, so both restart.
func (e *Engine) units() []supervisor.Unit {
	var units []supervisor.Unit
	for _, m := range e.managers {
		units = append(units, supervisor.Unit{
			Name:   "connection:" + m.Account().String(),
			Policy: supervisor.Restart,
			Run:    m.Run,
		})
	}
	for _, t := range e.ems.Accounts() {
		units = append(units, supervisor.Unit{
			Name:   "ems:" + t.String(),
			Policy: supervisor.Restart,
			Run:    func(ctx context.Context) error { return e.ems.RunAccount(ctx, t) },
		})
	}
	for _, c := range e.keepalives {
		units = append(units, supervisor.Unit{
			Name:   "listen_key:" + c.Account().String(),
			Policy: supervisor.Restart,
			Run:    c.KeepAlive,
		})
	}
	if e.metrics != nil {
		interval := e.cfg.Metrics.FlushInterval
		units = append(units, supervisor.Unit{
			Name: "metrics",
			Run:  func(ctx context.Context) error { return e.metrics.Run(ctx, interval) },
		})
	}
	return units
}
