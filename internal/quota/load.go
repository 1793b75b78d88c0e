package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"genengine/internal/domain"
)

// Load reads a YAML policy file and overlays it on the built-in defaults.
// Tiers present in the file replace the default tier entirely; prices are
// merged per model. Environment variables in ${VAR} form are expanded.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("quota: read policy: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Policy, error) {
	var file Policy
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("quota: parse policy: %w", err)
	}

	p := Default()
	for tier, limits := range file.Tiers {
		p.Tiers[tier] = limits
	}
	for model, buckets := range file.Prices {
		if p.Prices[model] == nil {
			p.Prices[model] = make(map[int]int64, len(buckets))
		}
		for bucket, price := range buckets {
			p.Prices[model][bucket] = price
		}
	}
	if file.DefaultPrice != 0 {
		p.DefaultPrice = file.DefaultPrice
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that every tier is present and no price is free.
func (p *Policy) Validate() error {
	for _, tier := range []domain.Tier{domain.TierFree, domain.TierPlus, domain.TierPro, domain.TierFlagship} {
		l, ok := p.Tiers[tier]
		if !ok {
			return fmt.Errorf("quota: policy: tier %q is missing", tier)
		}
		if len(l.AllowedModels) == 0 {
			return fmt.Errorf("quota: policy: tier %q: allowed_models is required", tier)
		}
		if l.MaxDuration <= 0 || l.MaxBatch <= 0 || l.MaxConcurrent <= 0 {
			return fmt.Errorf("quota: policy: tier %q: max_duration, max_batch and max_concurrent must be positive", tier)
		}
		if l.HourlyLimit <= 0 || l.DailyLimit <= 0 {
			return fmt.Errorf("quota: policy: tier %q: hourly_limit and daily_limit must be positive", tier)
		}
		if l.MonthlyCap < Unlimited || l.MonthlyCap == 0 {
			return fmt.Errorf("quota: policy: tier %q: invalid monthly_cap %d", tier, l.MonthlyCap)
		}
		if l.MinInterval < 0 {
			return fmt.Errorf("quota: policy: tier %q: min_interval must not be negative", tier)
		}
	}
	for tier := range p.Tiers {
		if !tier.Valid() {
			return fmt.Errorf("quota: policy: unknown tier %q", tier)
		}
	}
	for model, buckets := range p.Prices {
		for bucket, price := range buckets {
			if bucket != 5 && bucket != 10 {
				return fmt.Errorf("quota: policy: %s: unknown duration bucket %d", model, bucket)
			}
			if price <= 0 {
				return fmt.Errorf("quota: policy: %s/%d: price must be positive", model, bucket)
			}
		}
	}
	if p.DefaultPrice <= 0 {
		return fmt.Errorf("quota: policy: default_price must be positive")
	}
	return nil
}
