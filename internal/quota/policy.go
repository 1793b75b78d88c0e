// Package quota resolves what a subscription tier is entitled to and what a
// job costs. Everything here is a pure lookup; counts that require storage
// are passed in by the caller.
package quota

import (
	"fmt"
	"slices"
	"time"

	"genengine/internal/domain"
)

// Unlimited marks a monthly cap with no ceiling.
const Unlimited = -1

// DefaultPrice is charged for model/duration pairs missing from the price table.
const DefaultPrice int64 = 10

// TierLimits is the full set of limits attached to one tier.
type TierLimits struct {
	MonthlyCap    int           `yaml:"monthly_cap"`
	MaxDuration   int           `yaml:"max_duration"`
	AllowedModels []string      `yaml:"allowed_models"`
	MaxBatch      int           `yaml:"max_batch"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	MinInterval   time.Duration `yaml:"min_interval"`
	HourlyLimit   int           `yaml:"hourly_limit"`
	DailyLimit    int           `yaml:"daily_limit"`
}

// Policy holds tier limits and the price table.
type Policy struct {
	Tiers        map[domain.Tier]TierLimits `yaml:"tiers"`
	Prices       map[string]map[int]int64   `yaml:"prices"`
	DefaultPrice int64                      `yaml:"default_price"`
}

// Entitlement is the resolved allowance for one submission.
type Entitlement struct {
	Tier          domain.Tier
	MaxDuration   int
	AllowedModels []string
	MaxBatch      int
	MonthlyCap    int
	PricePerJob   int64
}

// Total returns the points charged for a batch.
func (e Entitlement) Total(batch int) int64 {
	return e.PricePerJob * int64(batch)
}

// Request describes a submission being evaluated.
type Request struct {
	Tier            domain.Tier
	Model           string
	DurationSeconds int
	BatchSize       int
	// MonthlyCount is the number of jobs the user created since MonthStart.
	MonthlyCount int
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		Tiers: map[domain.Tier]TierLimits{
			domain.TierFree: {
				MonthlyCap: 3, MaxDuration: 5, AllowedModels: []string{"wan-i2v"}, MaxBatch: 1,
				MaxConcurrent: 1, MinInterval: 180 * time.Second, HourlyLimit: 5, DailyLimit: 20,
			},
			domain.TierPlus: {
				MonthlyCap: Unlimited, MaxDuration: 5, AllowedModels: []string{"wan-i2v", "wan-t2v"}, MaxBatch: 1,
				MaxConcurrent: 3, MinInterval: 60 * time.Second, HourlyLimit: 20, DailyLimit: 100,
			},
			domain.TierPro: {
				MonthlyCap: Unlimited, MaxDuration: 10, AllowedModels: []string{"wan-i2v", "wan-t2v"}, MaxBatch: 4,
				MaxConcurrent: 5, MinInterval: 30 * time.Second, HourlyLimit: 50, DailyLimit: 300,
			},
			domain.TierFlagship: {
				MonthlyCap: Unlimited, MaxDuration: 10, AllowedModels: []string{"wan-i2v", "wan-t2v", "veo-3"}, MaxBatch: 4,
				MaxConcurrent: 10, MinInterval: 0, HourlyLimit: 200, DailyLimit: 1000,
			},
		},
		Prices: map[string]map[int]int64{
			"wan-i2v": {5: 22, 10: 32},
			"wan-t2v": {5: 45, 10: 65},
			"veo-3":   {5: 70, 10: 140},
		},
		DefaultPrice: DefaultPrice,
	}
}

// Limits returns the limits for tier. Unknown tiers get the free limits.
func (p *Policy) Limits(tier domain.Tier) TierLimits {
	if l, ok := p.Tiers[tier]; ok {
		return l
	}
	return p.Tiers[domain.TierFree]
}

// DurationBucket maps a requested duration onto a price table column.
func DurationBucket(seconds int) int {
	if seconds <= 5 {
		return 5
	}
	return 10
}

// Price returns the per-job price for model at the given duration.
func (p *Policy) Price(model string, seconds int) int64 {
	if byBucket, ok := p.Prices[model]; ok {
		if price, ok := byBucket[DurationBucket(seconds)]; ok && price > 0 {
			return price
		}
	}
	if p.DefaultPrice > 0 {
		return p.DefaultPrice
	}
	return DefaultPrice
}

// Evaluate checks req against the tier's entitlement. Rejections are returned
// as *domain.RejectionError.
func (p *Policy) Evaluate(req Request) (Entitlement, error) {
	if req.Model == "" || req.DurationSeconds <= 0 || req.BatchSize <= 0 {
		return Entitlement{}, domain.Reject(domain.ReasonInvalidRequest, "model, duration and batch size are required")
	}
	limits := p.Limits(req.Tier)
	ent := Entitlement{
		Tier:          req.Tier,
		MaxDuration:   limits.MaxDuration,
		AllowedModels: limits.AllowedModels,
		MaxBatch:      limits.MaxBatch,
		MonthlyCap:    limits.MonthlyCap,
		PricePerJob:   p.Price(req.Model, req.DurationSeconds),
	}

	if !slices.Contains(limits.AllowedModels, req.Model) {
		return Entitlement{}, domain.Reject(domain.ReasonModelNotAllowed, fmt.Sprintf("%s is not available on %s", req.Model, req.Tier))
	}
	if req.DurationSeconds > limits.MaxDuration {
		return Entitlement{}, domain.Reject(domain.ReasonDurationExceeded, fmt.Sprintf("max %ds", limits.MaxDuration))
	}
	if req.BatchSize > limits.MaxBatch {
		return Entitlement{}, domain.Reject(domain.ReasonBatchExceeded, fmt.Sprintf("max %d per request", limits.MaxBatch))
	}
	if limits.MonthlyCap != Unlimited && req.MonthlyCount+req.BatchSize > limits.MonthlyCap {
		return Entitlement{}, domain.Reject(domain.ReasonMonthlyCapExceeded, fmt.Sprintf("%d of %d used", req.MonthlyCount, limits.MonthlyCap))
	}
	return ent, nil
}

// MonthStart returns the first instant of now's calendar month in now's location.
func MonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}
