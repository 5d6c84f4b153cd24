package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PricingFile mirrors the "pricing" section of pricing.yml.
type PricingFile struct {
	Version         string               `mapstructure:"version"`
	Currency        string               `mapstructure:"currency"`
	DomesticTaxRate float64              `mapstructure:"domesticTaxRate"`
	ClassDefaults   map[string]RateEntry `mapstructure:"classDefaults"`
	Providers       []ProviderEntry      `mapstructure:"providers"`
	Models          []ModelEntry         `mapstructure:"models"`
	Discounts       []DiscountEntry      `mapstructure:"discounts"`
}

type RateEntry struct {
	Input  float64 `mapstructure:"input"`
	Output float64 `mapstructure:"output"`
}

type ProviderEntry struct {
	Name   string  `mapstructure:"name"`
	Class  string  `mapstructure:"class"`
	Input  float64 `mapstructure:"input"`
	Output float64 `mapstructure:"output"`
}

type ModelEntry struct {
	Provider string  `mapstructure:"provider"`
	Model    string  `mapstructure:"model"`
	Input    float64 `mapstructure:"input"`
	Output   float64 `mapstructure:"output"`
}

type DiscountEntry struct {
	Provider string  `mapstructure:"provider"`
	Model    string  `mapstructure:"model"`
	Percent  float64 `mapstructure:"percent"`
}

func DefaultPricingFile() PricingFile {
	return PricingFile{
		Version:         "builtin-1",
		Currency:        "USD",
		DomesticTaxRate: 0.20,
		ClassDefaults: map[string]RateEntry{
			string(pricingdomain.ProviderClassDomestic): {Input: 0.000001, Output: 0.000002},
			string(pricingdomain.ProviderClassForeign):  {Input: 0.000001, Output: 0.000002},
		},
		Providers: []ProviderEntry{
			{Name: "yandex", Class: string(pricingdomain.ProviderClassDomestic)},
			{Name: "gigachat", Class: string(pricingdomain.ProviderClassDomestic)},
			{Name: "openai", Class: string(pricingdomain.ProviderClassForeign)},
			{Name: "anthropic", Class: string(pricingdomain.ProviderClassForeign)},
			{Name: "google", Class: string(pricingdomain.ProviderClassForeign)},
		},
	}
}

// ToPolicy converts the file representation into a validated policy table.
func (f PricingFile) ToPolicy() (pricingdomain.Policy, error) {
	currency := strings.ToUpper(strings.TrimSpace(f.Currency))
	if currency == "" {
		return pricingdomain.Policy{}, errors.New("pricing.currency cannot be empty")
	}
	if f.DomesticTaxRate < 0 {
		return pricingdomain.Policy{}, errors.New("pricing.domesticTaxRate cannot be negative")
	}

	policy := pricingdomain.Policy{
		Version:         strings.TrimSpace(f.Version),
		Currency:        currency,
		DomesticTaxRate: decimal.NewFromFloat(f.DomesticTaxRate),
		ClassDefaults:   map[pricingdomain.ProviderClass]pricingdomain.Rate{},
		Providers:       map[string]pricingdomain.Provider{},
		Models:          map[string]pricingdomain.Rate{},
	}

	for class, rate := range f.ClassDefaults {
		parsed, err := parseClass(class)
		if err != nil {
			return pricingdomain.Policy{}, err
		}
		policy.ClassDefaults[parsed] = toRate(rate.Input, rate.Output)
	}
	if _, ok := policy.ClassDefaults[pricingdomain.ProviderClassForeign]; !ok {
		return pricingdomain.Policy{}, errors.New("pricing.classDefaults.foreign is required")
	}

	for _, entry := range f.Providers {
		name := pricingdomain.NormalizeKey(entry.Name)
		if name == "" {
			return pricingdomain.Policy{}, errors.New("pricing.providers[].name cannot be empty")
		}
		class, err := parseClass(entry.Class)
		if err != nil {
			return pricingdomain.Policy{}, err
		}
		provider := pricingdomain.Provider{
			Name:        name,
			Class:       class,
			DefaultRate: toRate(entry.Input, entry.Output),
		}
		// Every model of a registered provider must resolve to some rate.
		if _, ok := policy.ClassDefaults[class]; !ok && provider.DefaultRate.IsZero() {
			return pricingdomain.Policy{}, fmt.Errorf("pricing.providers[%s] needs its own rate or pricing.classDefaults.%s", name, class)
		}
		policy.Providers[name] = provider
	}

	for _, entry := range f.Models {
		if strings.TrimSpace(entry.Provider) == "" || strings.TrimSpace(entry.Model) == "" {
			return pricingdomain.Policy{}, errors.New("pricing.models[] requires provider and model")
		}
		if entry.Input < 0 || entry.Output < 0 {
			return pricingdomain.Policy{}, fmt.Errorf("pricing.models[%s/%s] has a negative rate", entry.Provider, entry.Model)
		}
		policy.Models[pricingdomain.ModelKey(entry.Provider, entry.Model)] = toRate(entry.Input, entry.Output)
	}

	for _, entry := range f.Discounts {
		if entry.Percent < 0 || entry.Percent > 1 {
			return pricingdomain.Policy{}, fmt.Errorf("pricing.discounts percent %v must be within [0,1]", entry.Percent)
		}
		policy.Discounts = append(policy.Discounts, pricingdomain.Discount{
			Provider: entry.Provider,
			Model:    entry.Model,
			Percent:  decimal.NewFromFloat(entry.Percent),
		})
	}

	return policy, nil
}

func parseClass(raw string) (pricingdomain.ProviderClass, error) {
	switch pricingdomain.ProviderClass(strings.ToLower(strings.TrimSpace(raw))) {
	case pricingdomain.ProviderClassDomestic:
		return pricingdomain.ProviderClassDomestic, nil
	case pricingdomain.ProviderClassForeign:
		return pricingdomain.ProviderClassForeign, nil
	default:
		return "", fmt.Errorf("unknown provider class %q", raw)
	}
}

func toRate(input, output float64) pricingdomain.Rate {
	return pricingdomain.Rate{
		Input:  decimal.NewFromFloat(input),
		Output: decimal.NewFromFloat(output),
	}
}

// PricingPolicyHolder serves the current pricing policy and swaps it when
// the backing file changes.
type PricingPolicyHolder struct {
	current atomic.Value // holds pricingdomain.Policy
}

// NewStaticPricingPolicyHolder returns a holder seeded with policy and no file watch.
func NewStaticPricingPolicyHolder(policy pricingdomain.Policy) *PricingPolicyHolder {
	holder := &PricingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewPricingPolicyHolder(cfg Config, log *zap.Logger) (*PricingPolicyHolder, error) {
	log = log.Named("pricing.config")
	v := viper.New()

	if cfg.PricingConfigPath != "" {
		v.SetConfigFile(cfg.PricingConfigPath)
	} else {
		v.SetConfigName("pricing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tokenledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TOKENLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	file := DefaultPricingFile()
	if fileLoaded {
		file = PricingFile{}
		if err := v.UnmarshalKey("pricing", &file); err != nil {
			return nil, err
		}
	}
	policy, err := file.ToPolicy()
	if err != nil {
		return nil, err
	}

	holder := NewStaticPricingPolicyHolder(policy)
	log.Info("pricing policy loaded",
		zap.String("version", policy.Version),
		zap.Bool("from_file", fileLoaded),
		zap.Int("providers", len(policy.Providers)),
		zap.Int("models", len(policy.Models)),
	)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated PricingFile
			if err := v.UnmarshalKey("pricing", &updated); err != nil {
				log.Error("pricing policy reload failed", zap.Error(err))
				return
			}
			next, err := updated.ToPolicy()
			if err != nil {
				log.Warn("invalid pricing policy ignored", zap.Error(err))
				return
			}
			holder.Replace(next)
			log.Info("pricing policy reloaded", zap.String("file", e.Name), zap.String("version", next.Version))
		})
	}

	return holder, nil
}

// Policy implements pricingdomain.PolicySource.
func (h *PricingPolicyHolder) Policy() pricingdomain.Policy {
	return h.current.Load().(pricingdomain.Policy)
}

// Replace swaps the active policy, e.g. after a rule change in the admin tooling.
func (h *PricingPolicyHolder) Replace(policy pricingdomain.Policy) {
	h.current.Store(policy)
}
