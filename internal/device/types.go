package device

import (
	"fmt"
	"time"

	"github.com/roach88/crossdevice/internal/ir"
)

// Platform identifies the device form factor.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformDesktop Platform = "desktop"
	PlatformWidget  Platform = "widget"
)

// ComputeTier is a coarse processing-power class.
type ComputeTier int

const (
	ComputeLow ComputeTier = iota + 1
	ComputeMedium
	ComputeHigh
)

func (t ComputeTier) String() string {
	switch t {
	case ComputeLow:
		return "low"
	case ComputeMedium:
		return "medium"
	case ComputeHigh:
		return "high"
	}
	return fmt.Sprintf("compute(%d)", int(t))
}

// NetworkQuality is the last reported connection quality.
type NetworkQuality string

const (
	NetworkOffline   NetworkQuality = "offline"
	NetworkPoor      NetworkQuality = "poor"
	NetworkFair      NetworkQuality = "fair"
	NetworkGood      NetworkQuality = "good"
	NetworkExcellent NetworkQuality = "excellent"
)

// Score maps quality to 0 (offline) .. 4 (excellent).
func (q NetworkQuality) Score() int {
	switch q {
	case NetworkPoor:
		return 1
	case NetworkFair:
		return 2
	case NetworkGood:
		return 3
	case NetworkExcellent:
		return 4
	}
	return 0
}

// SubscriptionTier is the billing tier the device's quota derives from.
type SubscriptionTier string

const (
	TierTrial   SubscriptionTier = "trial"
	TierBasic   SubscriptionTier = "basic"
	TierPremium SubscriptionTier = "premium"
)

// Rank orders tiers; higher is better. Unknown tiers rank lowest.
func (t SubscriptionTier) Rank() int {
	switch t {
	case TierTrial:
		return 1
	case TierBasic:
		return 2
	case TierPremium:
		return 3
	}
	return 0
}

// Capabilities is the device capability profile.
type Capabilities struct {
	Compute         ComputeTier    `json:"compute"`
	BatteryLevel    int            `json:"battery_level"` // 0-100
	Charging        bool           `json:"charging"`
	OfflineCapacity int            `json:"offline_capacity"` // operations storable while offline
	Network         NetworkQuality `json:"network"`
	CrisisCapable   bool           `json:"crisis_capable"`
	BackgroundSync  bool           `json:"background_sync"`
}

// Quota is derived from the subscription tier.
type Quota struct {
	MaxOpsPerHour     int  `json:"max_ops_per_hour"`
	MaxActiveSessions int  `json:"max_active_sessions"`
	CostLimited       bool `json:"cost_limited"`
}

// QuotaFor returns the quota granted to a subscription tier.
// Crisis paths ignore quotas entirely.
func QuotaFor(tier SubscriptionTier) Quota {
	switch tier {
	case TierPremium:
		return Quota{MaxOpsPerHour: 5000, MaxActiveSessions: 5}
	case TierBasic:
		return Quota{MaxOpsPerHour: 1000, MaxActiveSessions: 2, CostLimited: true}
	default:
		return Quota{MaxOpsPerHour: 200, MaxActiveSessions: 1, CostLimited: true}
	}
}

// Device is a registered device. The Registry owns the canonical copy;
// everything it hands out is a value snapshot.
type Device struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Platform     Platform         `json:"platform"`
	Capabilities Capabilities     `json:"capabilities"`
	Subscription SubscriptionTier `json:"subscription"`
	Quota        Quota            `json:"quota"`

	Online  bool `json:"online"`
	Active  bool `json:"active"`
	Local   bool `json:"local"`
	Primary bool `json:"primary"`

	// Seq is the registration order, used for age tie-breaks.
	Seq          int64     `json:"seq"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`

	StateVersion int64  `json:"state_version"`
	Checksum     string `json:"checksum"`
}

// ComputeChecksum returns the content checksum of the device.
// Primary and Checksum are excluded: the first is derived by election,
// the second is the output.
func (d Device) ComputeChecksum() (string, error) {
	return ir.Checksum(ir.DomainDevice, d.content())
}

func (d Device) content() ir.Object {
	c := d.Capabilities
	return ir.Object{
		"id":           ir.String(d.ID),
		"name":         ir.String(d.Name),
		"platform":     ir.String(d.Platform),
		"subscription": ir.String(d.Subscription),
		"capabilities": ir.Object{
			"compute":          ir.Int(c.Compute),
			"battery_level":    ir.Int(c.BatteryLevel),
			"charging":         ir.Bool(c.Charging),
			"offline_capacity": ir.Int(c.OfflineCapacity),
			"network":          ir.String(c.Network),
			"crisis_capable":   ir.Bool(c.CrisisCapable),
			"background_sync":  ir.Bool(c.BackgroundSync),
		},
		"online":        ir.Bool(d.Online),
		"active":        ir.Bool(d.Active),
		"local":         ir.Bool(d.Local),
		"seq":           ir.Int(d.Seq),
		"registered_at": ir.Int(d.RegisteredAt.UnixMilli()),
		"last_seen":     ir.Int(d.LastSeen.UnixMilli()),
		"state_version": ir.Int(d.StateVersion),
	}
}

// Info describes a device at registration. An empty ID is generated.
type Info struct {
	ID           string
	Name         string
	Platform     Platform
	Capabilities Capabilities
	Subscription SubscriptionTier
	Local        bool
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name         *string
	Capabilities *Capabilities
	Subscription *SubscriptionTier
	Online       *bool
	Active       *bool
	BatteryLevel *int
	Network      *NetworkQuality
}

// Bool returns a pointer to b, for building Patches.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n, for building Patches.
func Int(n int) *int { return &n }
