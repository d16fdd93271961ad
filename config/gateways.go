package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// gatewaysFile is the optional YAML overlay for gateway tables that are
// awkward to express as env vars.
//
//	nowpayments:
//	  currencies:
//	    usdt: usdttrc20
//	fiat:
//	  allowed_ip_prefixes: ["203.0.113."]
type gatewaysFile struct {
	NowPayments struct {
		Currencies map[string]string `yaml:"currencies"`
	} `yaml:"nowpayments"`
	Fiat struct {
		AllowedIPPrefixes []string `yaml:"allowed_ip_prefixes"`
	} `yaml:"fiat"`
}

// DefaultCurrencies maps user-facing aliases to gateway currency codes.
// Gateway codes map to themselves so either form is accepted.
func DefaultCurrencies() map[string]string {
	return map[string]string{
		"btc":       "btc",
		"eth":       "eth",
		"ltc":       "ltc",
		"sol":       "sol",
		"trx":       "trx",
		"xmr":       "xmr",
		"usdc":      "usdcerc20",
		"usdcerc20": "usdcerc20",
		"usdt":      "usdttrc20",
		"usdttrc20": "usdttrc20",
		"usdterc20": "usdterc20",
	}
}

func (c *Config) applyGatewaysFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read gateways file: %w", err)
	}

	var file gatewaysFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse gateways file: %w", err)
	}

	for alias, code := range file.NowPayments.Currencies {
		alias = strings.ToLower(strings.TrimSpace(alias))
		code = strings.ToLower(strings.TrimSpace(code))
		if alias == "" || code == "" {
			continue
		}
		c.NowPayments.Currencies[alias] = code
		c.NowPayments.Currencies[code] = code
	}

	// Env takes precedence over the file for the allow-list
	if len(c.Fiat.AllowedIPPrefixes) == 0 {
		c.Fiat.AllowedIPPrefixes = file.Fiat.AllowedIPPrefixes
	}

	return nil
}
