package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyConfig_Validate(t *testing.T) {
	t.Run("zero limits disable the guard", func(t *testing.T) {
		assert.NoError(t, PolicyConfig{}.Validate())
	})

	t.Run("soft above hard", func(t *testing.T) {
		err := PolicyConfig{DailyHardLimit: 100, DailySoftLimit: 200}.Validate()
		assert.Error(t, err)
	})

	t.Run("soft without hard", func(t *testing.T) {
		assert.NoError(t, PolicyConfig{DailySoftLimit: 200}.Validate())
	})

	t.Run("negative", func(t *testing.T) {
		assert.Error(t, PolicyConfig{DailyHardLimit: -1}.Validate())
	})

	t.Run("negative soft limit reports the field", func(t *testing.T) {
		err := PolicyConfig{DailyHardLimit: 10, DailySoftLimit: -1}.Validate()
		require.Error(t, err)

		var fieldErrs validator.ValidationErrors
		require.ErrorAs(t, err, &fieldErrs)
		require.Len(t, fieldErrs, 1)
		assert.Equal(t, "DailySoftLimit", fieldErrs[0].Field())
		assert.Equal(t, "gte", fieldErrs[0].Tag())
	})
}

func TestLoadPolicyConfig(t *testing.T) {
	t.Setenv("POLICY_DAILY_HARD_LIMIT", "50")
	t.Setenv("POLICY_DAILY_SOFT_LIMIT", "40")
	t.Setenv("POLICY_CREDIT_PACK_ENFORCEMENT", "true")
	t.Setenv("POLICY_BYPASS_ALL_ENFORCEMENT", "not-a-bool")

	p := LoadPolicyConfig()
	assert.Equal(t, int64(50), p.DailyHardLimit)
	assert.Equal(t, int64(40), p.DailySoftLimit)
	assert.True(t, p.CreditPackEnforcementEnabled)
	assert.False(t, p.BypassAllEnforcement)
}

func TestLoadEngineConfig(t *testing.T) {
	t.Setenv("BILLING_LOCK_TIMEOUT", "250ms")
	t.Setenv("BILLING_TIMEZONE", "UTC")

	c := LoadEngineConfig()
	assert.Equal(t, 250*time.Millisecond, c.LockTimeout)
	assert.Equal(t, time.UTC, c.Location)
	assert.Equal(t, uint(5), c.RetryMaxTries)
}

func TestLoadCatalog(t *testing.T) {
	t.Run("defaults without a path", func(t *testing.T) {
		c, err := LoadCatalog("")
		require.NoError(t, err)
		assert.Equal(t, int64(20), c.FreeTierLimit())
		credits, ok := c.PackCredits("pack_large")
		assert.True(t, ok)
		assert.Equal(t, int64(750), credits)
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		data := []byte(`
free_tier: basic
tiers:
  basic:
    monthly_limit: 5
  team:
    monthly_limit: 0
credit_packs:
  boost:
    credits: 300
token_products:
  tokens_500: 500
`)
		require.NoError(t, os.WriteFile(path, data, 0o600))

		c, err := LoadCatalog(path)
		require.NoError(t, err)
		assert.Equal(t, int64(5), c.FreeTierLimit())

		limit, ok := c.TierLimit("team")
		assert.True(t, ok)
		assert.Equal(t, int64(0), limit)

		tokens, ok := c.ProductTokens("tokens_500")
		assert.True(t, ok)
		assert.Equal(t, int64(500), tokens)
	})

	t.Run("missing free tier", func(t *testing.T) {
		_, err := ParseCatalog([]byte("free_tier: gold\ntiers:\n  silver:\n    monthly_limit: 3\n"))
		assert.Error(t, err)
	})

	t.Run("non positive pack", func(t *testing.T) {
		_, err := ParseCatalog([]byte("tiers:\n  free:\n    monthly_limit: 3\ncredit_packs:\n  bad:\n    credits: 0\n"))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
