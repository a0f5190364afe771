package bybit

import (
	"fmt"

	bybitapi "github.com/bybit-exchange/bybit.go.api"

	"execflow/internal/model"
)

const demoBaseURL = "https://api-demo.bybit.com"

// BaseURL picks the REST host for an environment when none is configured.
func BaseURL(env model.Environment, configured string) string {
	if configured != "" {
		return configured
	}
	switch env {
	case model.EnvTestnet:
		return bybitapi.TESTNET
	case model.EnvDemo:
		return demoBaseURL
	default:
		return bybitapi.MAINNET
	}
}

// result checks the v5 envelope and decodes its result into out.
func result(resp *bybitapi.ServerResponse, out any) error {
	if resp == nil {
		return fmt.Errorf("bybit: empty response")
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("bybit: %s (code %d)", resp.RetMsg, resp.RetCode)
	}
	if out == nil {
		return nil
	}
	payload, err := api.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("bybit: marshal result: %w", err)
	}
	return api.Unmarshal(payload, out)
}
