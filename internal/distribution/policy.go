package distribution

import (
	"fmt"
)

// Strategy selects how non-crisis operations are placed.
type Strategy string

const (
	// StrategyRoundRobin rotates through online devices by ID.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyCapabilityBased ranks devices by compute, network and battery.
	StrategyCapabilityBased Strategy = "capability_based"

	// StrategySubscriptionOptimized ranks devices by subscription tier.
	StrategySubscriptionOptimized Strategy = "subscription_optimized"

	// StrategyTherapeuticPriority prefers the primary device.
	StrategyTherapeuticPriority Strategy = "therapeutic_priority"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{
	StrategyRoundRobin,
	StrategyCapabilityBased,
	StrategySubscriptionOptimized,
	StrategyTherapeuticPriority,
}

// Policy is the hot-swappable distribution configuration.
type Policy struct {
	Strategy Strategy `json:"strategy" mapstructure:"strategy"`

	// Capability scoring weights.
	ComputeWeight int `json:"compute_weight" mapstructure:"compute_weight"`
	NetworkWeight int `json:"network_weight" mapstructure:"network_weight"`
	BatteryWeight int `json:"battery_weight" mapstructure:"battery_weight"`

	// MaxOpsPerDevice caps in-flight assignments per device. Zero disables.
	MaxOpsPerDevice int `json:"max_ops_per_device" mapstructure:"max_ops_per_device"`

	// RedistributionThreshold is the load percentage of MaxOpsPerDevice
	// above which a ranked device is skipped in favor of a less loaded one.
	RedistributionThreshold int `json:"redistribution_threshold" mapstructure:"redistribution_threshold"`
}

// DefaultPolicy returns capability-based placement with default weights.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:                StrategyCapabilityBased,
		ComputeWeight:           30,
		NetworkWeight:           10,
		BatteryWeight:           1,
		MaxOpsPerDevice:         5,
		RedistributionThreshold: 80,
	}
}

// Validate checks the policy for unknown strategies and negative tunables.
func (p Policy) Validate() error {
	known := false
	for _, s := range Strategies {
		if p.Strategy == s {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown distribution strategy %q", p.Strategy)
	}
	if p.ComputeWeight < 0 || p.NetworkWeight < 0 || p.BatteryWeight < 0 {
		return fmt.Errorf("weights must be non-negative")
	}
	if p.MaxOpsPerDevice < 0 {
		return fmt.Errorf("max_ops_per_device must be non-negative")
	}
	if p.RedistributionThreshold < 0 || p.RedistributionThreshold > 100 {
		return fmt.Errorf("redistribution_threshold must be within 0..100")
	}
	return nil
}
