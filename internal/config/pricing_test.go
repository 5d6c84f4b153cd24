package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultPricingFileIsValid(t *testing.T) {
	policy, err := DefaultPricingFile().ToPolicy()
	require.NoError(t, err)

	assert.Equal(t, "USD", policy.Currency)
	yandex, ok := policy.ProviderFor("Yandex")
	require.True(t, ok)
	assert.Equal(t, pricingdomain.ProviderClassDomestic, yandex.Class)

	openai, ok := policy.ProviderFor("openai")
	require.True(t, ok)
	assert.Equal(t, pricingdomain.ProviderClassForeign, openai.Class)
	assert.True(t, policy.DomesticTaxRate.Equal(decimal.RequireFromString("0.2")))
}

func TestPricingFileValidation(t *testing.T) {
	file := DefaultPricingFile()
	file.Currency = " "
	_, err := file.ToPolicy()
	assert.Error(t, err)

	file = DefaultPricingFile()
	file.ClassDefaults = map[string]RateEntry{"domestic": {Input: 1}}
	_, err = file.ToPolicy()
	assert.Error(t, err)

	file = DefaultPricingFile()
	file.ClassDefaults = map[string]RateEntry{"foreign": {Input: 1, Output: 1}}
	_, err = file.ToPolicy()
	assert.ErrorContains(t, err, "pricing.providers[yandex]")

	file.Providers = []ProviderEntry{
		{Name: "yandex", Class: "domestic", Input: 0.000001, Output: 0.000002},
		{Name: "openai", Class: "foreign"},
	}
	policy, err := file.ToPolicy()
	require.NoError(t, err)
	assert.Contains(t, policy.Providers, "yandex")

	file = DefaultPricingFile()
	file.Providers = append(file.Providers, ProviderEntry{Name: "acme", Class: "offshore"})
	_, err = file.ToPolicy()
	assert.Error(t, err)

	file = DefaultPricingFile()
	file.Discounts = []DiscountEntry{{Provider: "openai", Percent: 1.5}}
	_, err = file.ToPolicy()
	assert.Error(t, err)

	file = DefaultPricingFile()
	file.Models = []ModelEntry{{Provider: "openai", Model: "gpt-4o", Input: -1}}
	_, err = file.ToPolicy()
	assert.Error(t, err)
}

func TestPricingPolicyHolderLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yml")
	yml := `pricing:
  version: "2025-01"
  currency: usd
  domesticTaxRate: 0.2
  classDefaults:
    domestic: {input: 0.000001, output: 0.000002}
    foreign: {input: 0.000002, output: 0.000004}
  providers:
    - {name: yandex, class: domestic}
    - {name: openai, class: foreign}
  models:
    - {provider: openai, model: gpt-4o, input: 0.000005, output: 0.000015}
  discounts:
    - {provider: openai, percent: 0.1}
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	holder, err := NewPricingPolicyHolder(Config{PricingConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Policy()
	assert.Equal(t, "2025-01", policy.Version)
	assert.Equal(t, "USD", policy.Currency)
	rate, ok := policy.ModelRate("openai", "GPT-4o")
	require.True(t, ok)
	assert.True(t, rate.Output.Equal(decimal.RequireFromString("0.000015")))
	require.Len(t, policy.Discounts, 1)

	holder.Replace(pricingdomain.Policy{Version: "manual"})
	assert.Equal(t, "manual", holder.Policy().Version)
}

func TestPricingPolicyHolderFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewPricingPolicyHolder(Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "builtin-1", holder.Policy().Version)
}
