package market

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execflow/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var btc = model.NewInstrumentID(model.VenueBinance, model.KindLinear, "BTCUSDT")

func TestRounding(t *testing.T) {
	m := Market{Instrument: btc, TickSize: d("0.1"), StepSize: d("0.001"), MinAmount: d("0.001")}

	tests := []struct {
		in, want string
	}{
		{"100.04", "100"},
		{"100.05", "100.1"},
		{"100.16", "100.2"},
	}
	for _, tt := range tests {
		assert.True(t, m.RoundPrice(d(tt.in)).Equal(d(tt.want)), "price %s", tt.in)
	}

	assert.True(t, m.TruncateAmount(d("0.0019")).Equal(d("0.001")))
	assert.True(t, m.TruncateAmount(d("1.2345")).Equal(d("1.234")))
	assert.True(t, m.TruncateAmount(d("0.0005")).IsZero())

	assert.True(t, m.BelowMinimum(d("0.0005")))
	assert.True(t, m.BelowMinimum(d("0")))
	assert.False(t, m.BelowMinimum(d("0.001")))
}

func TestZeroIncrementsLeaveValuesAlone(t *testing.T) {
	var m Market
	assert.True(t, m.RoundPrice(d("1.23456")).Equal(d("1.23456")))
	assert.True(t, m.TruncateAmount(d("0.77")).Equal(d("0.77")))
}

type loaderFunc func(ctx context.Context) ([]Market, error)

func (f loaderFunc) LoadMarkets(ctx context.Context) ([]Market, error) { return f(ctx) }

func TestStaticProvider(t *testing.T) {
	s := NewStatic(Market{Instrument: btc, MinAmount: d("0.001")})
	got, ok := s.Market(btc)
	require.True(t, ok)
	assert.True(t, got.MinAmount.Equal(d("0.001")))

	eth := model.NewInstrumentID(model.VenueBinance, model.KindSpot, "ETHUSDT")
	_, ok = s.Market(eth)
	assert.False(t, ok)

	n, err := s.Load(context.Background(), loaderFunc(func(context.Context) ([]Market, error) {
		return []Market{{Instrument: eth}}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, s.Len())

	_, err = s.Load(context.Background(), loaderFunc(func(context.Context) ([]Market, error) {
		return nil, errors.New("down")
	}))
	assert.Error(t, err)
}
