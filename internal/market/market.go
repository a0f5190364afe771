// Package market holds venue trading rules: tick size, lot step and
// minimum order amount per instrument.
package market

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"execflow/internal/model"
)

type Market struct {
	Instrument model.InstrumentID
	TickSize   decimal.Decimal
	StepSize   decimal.Decimal
	MinAmount  decimal.Decimal
}

// RoundPrice rounds p to the nearest tick, half away from zero.
func (m Market) RoundPrice(p decimal.Decimal) decimal.Decimal {
	if m.TickSize.Sign() <= 0 {
		return p
	}
	return p.DivRound(m.TickSize, 0).Mul(m.TickSize)
}

// TruncateAmount rounds a down to a whole number of lot steps so an order
// never exceeds the requested size.
func (m Market) TruncateAmount(a decimal.Decimal) decimal.Decimal {
	if m.StepSize.Sign() <= 0 {
		return a
	}
	return a.Div(m.StepSize).Floor().Mul(m.StepSize)
}

func (m Market) BelowMinimum(a decimal.Decimal) bool {
	return a.Sign() <= 0 || a.LessThan(m.MinAmount)
}

// Provider looks up trading rules for an instrument.
type Provider interface {
	Market(id model.InstrumentID) (Market, bool)
}

// Loader fetches markets from a venue.
type Loader interface {
	LoadMarkets(ctx context.Context) ([]Market, error)
}

// Static is an in-memory Provider filled from config or loaders.
type Static struct {
	mu      sync.RWMutex
	markets map[model.InstrumentID]Market
}

func NewStatic(markets ...Market) *Static {
	s := &Static{markets: make(map[model.InstrumentID]Market, len(markets))}
	s.Add(markets...)
	return s
}

func (s *Static) Add(markets ...Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range markets {
		s.markets[m.Instrument] = m
	}
}

func (s *Static) Market(id model.InstrumentID) (Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	return m, ok
}

func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markets)
}

// Load adds everything l returns.
func (s *Static) Load(ctx context.Context, l Loader) (int, error) {
	markets, err := l.LoadMarkets(ctx)
	if err != nil {
		return 0, err
	}
	s.Add(markets...)
	return len(markets), nil
}
