package binance

import (
	"strings"
	"time"
)

const testnetBaseURL = "https://testnet.binancefuture.com"

type Credentials struct {
	APIKey    string
	SecretKey string
}

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	Testnet     bool

	ProxyEnabled bool
	RESTProxyURL string

	// Accounts maps user id to that tenant's API keys.
	Accounts map[int64]Credentials
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
		if out.Testnet {
			out.RESTBaseURL = testnetBaseURL
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	return out
}
