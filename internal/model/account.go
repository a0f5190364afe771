package model

import (
	"fmt"
	"strings"
)

// Environment separates production credentials from sandboxes and paper trading.
type Environment string

const (
	EnvLive    Environment = "live"
	EnvTestnet Environment = "testnet"
	EnvDemo    Environment = "demo"
	EnvMock    Environment = "mock"
)

// AccountKind extends MarketKind with unified accounts that trade every kind.
type AccountKind string

const (
	AccountSpot    AccountKind = "spot"
	AccountLinear  AccountKind = "linear"
	AccountInverse AccountKind = "inverse"
	AccountUnified AccountKind = "unified"
)

// AccountType selects which credentials and connection handle an order.
type AccountType struct {
	Venue Venue
	Kind  AccountKind
	Env   Environment
}

func (a AccountType) String() string {
	if a.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s.%s.%s", a.Venue, a.Kind, a.Env)
}

func (a AccountType) IsZero() bool {
	return a == AccountType{}
}

// ParseAccountType parses "venue.kind.env", e.g. "binance.linear.testnet".
func ParseAccountType(s string) (AccountType, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), ".")
	if len(parts) != 3 {
		return AccountType{}, fmt.Errorf("malformed account type %q", s)
	}
	a := AccountType{Venue: Venue(parts[0]), Kind: AccountKind(parts[1]), Env: Environment(parts[2])}
	switch a.Kind {
	case AccountSpot, AccountLinear, AccountInverse, AccountUnified:
	default:
		return AccountType{}, fmt.Errorf("unknown account kind in %q", s)
	}
	switch a.Env {
	case EnvLive, EnvTestnet, EnvDemo, EnvMock:
	default:
		return AccountType{}, fmt.Errorf("unknown environment in %q", s)
	}
	return a, nil
}

// MarshalText lets account types appear as YAML/JSON strings and map keys.
func (a AccountType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccountType) UnmarshalText(b []byte) error {
	parsed, err := ParseAccountType(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Serves reports whether account a can trade instruments of the given kind.
func Serves(a AccountType, kind MarketKind) bool {
	if a.Kind == AccountUnified {
		return true
	}
	return string(a.Kind) == string(kind)
}

func IsMock(a AccountType) bool { return a.Env == EnvMock }

var envPriority = []Environment{EnvLive, EnvTestnet, EnvDemo, EnvMock}

// DefaultPriority lists, most preferred first, the account types that may
// route an order for the given venue and market kind.
func DefaultPriority(venue Venue, kind MarketKind) []AccountType {
	out := make([]AccountType, 0, 2*len(envPriority))
	for _, env := range envPriority {
		out = append(out, AccountType{Venue: venue, Kind: AccountKind(kind), Env: env})
		if venue == VenueBybit {
			out = append(out, AccountType{Venue: venue, Kind: AccountUnified, Env: env})
		}
	}
	return out
}
