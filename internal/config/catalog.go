package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier is a subscription plan and its monthly allowance (0 = unlimited).
type Tier struct {
	MonthlyLimit int64 `yaml:"monthly_limit"`
}

// CreditPack is an add-on that grants Credits every billing period.
type CreditPack struct {
	Credits int64 `yaml:"credits"`
}

// Catalog maps gateway product identifiers to billable quantities.
type Catalog struct {
	FreeTier      string                `yaml:"free_tier"`
	Tiers         map[string]Tier       `yaml:"tiers"`
	CreditPacks   map[string]CreditPack `yaml:"credit_packs"`
	TokenProducts map[string]int64      `yaml:"token_products"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{
		FreeTier: "free",
		Tiers: map[string]Tier{
			"free":      {MonthlyLimit: 20},
			"starter":   {MonthlyLimit: 200},
			"pro":       {MonthlyLimit: 1000},
			"unlimited": {MonthlyLimit: 0},
		},
		CreditPacks: map[string]CreditPack{
			"pack_small": {Credits: 250},
			"pack_large": {Credits: 750},
		},
		TokenProducts: map[string]int64{
			"tokens_1k":  1000,
			"tokens_10k": 10000,
		},
	}
}

// LoadCatalog reads a YAML catalog file. An empty path returns the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.FreeTier == "" {
		c.FreeTier = "free"
	}
	if _, ok := c.Tiers[c.FreeTier]; !ok {
		return nil, fmt.Errorf("catalog: free tier %q is not defined", c.FreeTier)
	}
	for name, t := range c.Tiers {
		if t.MonthlyLimit < 0 {
			return nil, fmt.Errorf("catalog: tier %q has negative monthly_limit", name)
		}
	}
	for name, p := range c.CreditPacks {
		if p.Credits <= 0 {
			return nil, fmt.Errorf("catalog: credit pack %q must grant positive credits", name)
		}
	}
	for name, n := range c.TokenProducts {
		if n <= 0 {
			return nil, fmt.Errorf("catalog: token product %q must grant positive tokens", name)
		}
	}
	return &c, nil
}

// TierLimit resolves a tier name to its monthly allowance.
func (c *Catalog) TierLimit(tier string) (int64, bool) {
	t, ok := c.Tiers[tier]
	return t.MonthlyLimit, ok
}

// FreeTierLimit is the allowance accounts fall back to on cancellation.
func (c *Catalog) FreeTierLimit() int64 {
	return c.Tiers[c.FreeTier].MonthlyLimit
}

func (c *Catalog) PackCredits(packID string) (int64, bool) {
	p, ok := c.CreditPacks[packID]
	return p.Credits, ok
}

func (c *Catalog) ProductTokens(productID string) (int64, bool) {
	n, ok := c.TokenProducts[productID]
	return n, ok
}
