package model

import (
	"fmt"
	"strings"
)

// Venue names an exchange endpoint family.
type Venue string

const (
	VenueBinance Venue = "binance"
	VenueBybit   Venue = "bybit"
)

// MarketKind is the contract family of an instrument.
type MarketKind string

const (
	KindSpot    MarketKind = "spot"
	KindLinear  MarketKind = "linear"
	KindInverse MarketKind = "inverse"
)

func (k MarketKind) Valid() bool {
	switch k {
	case KindSpot, KindLinear, KindInverse:
		return true
	default:
		return false
	}
}

// InstrumentID identifies a tradable symbol on a venue. It is a plain
// comparable value and is used directly as a map key.
type InstrumentID struct {
	Symbol string
	Kind   MarketKind
	Venue  Venue
}

// NewInstrumentID normalises the symbol to upper case.
func NewInstrumentID(venue Venue, kind MarketKind, symbol string) InstrumentID {
	return InstrumentID{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Kind:   kind,
		Venue:  Venue(strings.ToLower(string(venue))),
	}
}

// String renders the id as SYMBOL-KIND.VENUE, e.g. BTCUSDT-LINEAR.BINANCE.
func (id InstrumentID) String() string {
	return fmt.Sprintf("%s-%s.%s", id.Symbol, strings.ToUpper(string(id.Kind)), strings.ToUpper(string(id.Venue)))
}

// ParseInstrumentID is the inverse of InstrumentID.String.
func ParseInstrumentID(s string) (InstrumentID, error) {
	dot := strings.LastIndex(s, ".")
	dash := strings.LastIndex(s, "-")
	if dot <= 0 || dash <= 0 || dash > dot {
		return InstrumentID{}, fmt.Errorf("malformed instrument id %q", s)
	}
	kind := MarketKind(strings.ToLower(s[dash+1 : dot]))
	if !kind.Valid() {
		return InstrumentID{}, fmt.Errorf("unknown market kind in instrument id %q", s)
	}
	return NewInstrumentID(Venue(s[dot+1:]), kind, s[:dash]), nil
}

func IsSpot(id InstrumentID) bool    { return id.Kind == KindSpot }
func IsLinear(id InstrumentID) bool  { return id.Kind == KindLinear }
func IsInverse(id InstrumentID) bool { return id.Kind == KindInverse }
