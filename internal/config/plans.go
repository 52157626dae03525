package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Plan describes a subscription plan and the token allotment granted each
// billing period.
type Plan struct {
	ID             string `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	TokenAllotment int64  `mapstructure:"tokenAllotment"`
}

// TokenPackage describes a one-off purchasable token bundle.
type TokenPackage struct {
	ID     string `mapstructure:"id"`
	Tokens int64  `mapstructure:"tokens"`
}

// PlanConfig is the full plan catalog loaded from plans.yml.
type PlanConfig struct {
	Plans    []Plan         `mapstructure:"plans"`
	Packages []TokenPackage `mapstructure:"packages"`
}

func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		Plans: []Plan{
			{ID: "starter", Name: "Starter", TokenAllotment: 10_000},
			{ID: "pro", Name: "Pro", TokenAllotment: 50_000},
			{ID: "scale", Name: "Scale", TokenAllotment: 250_000},
		},
		Packages: []TokenPackage{
			{ID: "pack_500", Tokens: 500},
			{ID: "pack_2500", Tokens: 2_500},
			{ID: "pack_10000", Tokens: 10_000},
		},
	}
}

// PlanCatalog holds the current plan configuration and supports hot reload.
type PlanCatalog struct {
	current atomic.Value // holds PlanConfig
}

func NewPlanCatalog() (*PlanCatalog, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditledger/config")
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPlanConfig()
		v.SetDefault("billing.plans", defaults.Plans)
		v.SetDefault("billing.packages", defaults.Packages)
	}

	var cfg PlanConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePlanConfig(cfg); err != nil {
		return nil, err
	}

	catalog := &PlanCatalog{}
	catalog.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[plan-config] reload failed: %v", err)
			return
		}
		if err := validatePlanConfig(updated); err != nil {
			log.Printf("[plan-config] invalid config ignored: %v", err)
			return
		}
		catalog.current.Store(updated)
		log.Printf("[plan-config] reloaded from %s", e.Name)
	})

	return catalog, nil
}

// NewStaticPlanCatalog wraps a fixed configuration without file watching.
func NewStaticPlanCatalog(cfg PlanConfig) *PlanCatalog {
	catalog := &PlanCatalog{}
	catalog.current.Store(cfg)
	return catalog
}

func (c *PlanCatalog) Get() PlanConfig {
	return c.current.Load().(PlanConfig)
}

// PlanAllotment resolves the per-period token allotment for a plan id.
func (c *PlanCatalog) PlanAllotment(planID string) (int64, bool) {
	planID = strings.TrimSpace(planID)
	for _, plan := range c.Get().Plans {
		if plan.ID == planID {
			return plan.TokenAllotment, true
		}
	}
	return 0, false
}

// PackageTokens resolves the token amount for a purchasable package id.
func (c *PlanCatalog) PackageTokens(packageID string) (int64, bool) {
	packageID = strings.TrimSpace(packageID)
	for _, pkg := range c.Get().Packages {
		if pkg.ID == packageID {
			return pkg.Tokens, true
		}
	}
	return 0, false
}

func validatePlanConfig(cfg PlanConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	for _, plan := range cfg.Plans {
		if strings.TrimSpace(plan.ID) == "" {
			return errors.New("billing.plans entries require an id")
		}
		if plan.TokenAllotment < 0 {
			return errors.New("billing.plans tokenAllotment cannot be negative")
		}
	}
	for _, pkg := range cfg.Packages {
		if strings.TrimSpace(pkg.ID) == "" {
			return errors.New("billing.packages entries require an id")
		}
		if pkg.Tokens <= 0 {
			return errors.New("billing.packages tokens must be positive")
		}
	}
	return nil
}
