package distribution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/syncerr"
	"github.com/roach88/crossdevice/internal/testutil"
)

func newRegistry(t *testing.T, infos ...device.Info) *device.Registry {
	t.Helper()
	r := device.NewRegistry(
		device.WithClock(testutil.NewManualClock(testutil.Epoch)),
		device.WithLogger(zaptest.NewLogger(t)),
	)
	for _, info := range infos {
		_, err := r.Register(context.Background(), info)
		require.NoError(t, err)
	}
	return r
}

func caps(compute device.ComputeTier, network device.NetworkQuality, battery int) device.Capabilities {
	return device.Capabilities{Compute: compute, Network: network, BatteryLevel: battery}
}

func threeDevices(t *testing.T) *device.Registry {
	return newRegistry(t,
		device.Info{ID: "local", Local: true, Subscription: device.TierTrial, Capabilities: caps(device.ComputeLow, device.NetworkPoor, 20)},
		device.Info{ID: "a", Subscription: device.TierPremium, Capabilities: caps(device.ComputeHigh, device.NetworkExcellent, 90)},
		device.Info{ID: "b", Subscription: device.TierTrial, Capabilities: caps(device.ComputeMedium, device.NetworkGood, 50)},
	)
}

func TestSelect_CrisisAlwaysLocal(t *testing.T) {
	reg := threeDevices(t)
	for _, s := range Strategies {
		t.Run(string(s), func(t *testing.T) {
			p := DefaultPolicy()
			p.Strategy = s
			e := New(reg, WithPolicy(p), WithLogger(zaptest.NewLogger(t)))

			sel, err := e.Select(Request{OperationID: "op", Crisis: true})
			require.NoError(t, err)
			assert.Equal(t, "local", sel.DeviceID)
			assert.Equal(t, ReasonCrisisLocal, sel.Reason)

			sel, err = e.Select(Request{OperationID: "op", EmergencyBypass: true, Exclude: []string{"local"}})
			require.NoError(t, err)
			assert.Equal(t, "local", sel.DeviceID)
		})
	}
}

func TestSelect_CapabilityFavorsStrongDevice(t *testing.T) {
	e := New(threeDevices(t))
	sel, err := e.Select(Request{OperationID: "op"})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.DeviceID)
	assert.Equal(t, StrategyCapabilityBased, sel.Strategy)
}

func TestSelect_CapabilityFiltersLowCompute(t *testing.T) {
	reg := newRegistry(t,
		device.Info{ID: "local", Local: true, Capabilities: caps(device.ComputeLow, device.NetworkExcellent, 100)},
		device.Info{ID: "weak", Capabilities: caps(device.ComputeLow, device.NetworkExcellent, 100)},
	)
	sel, err := New(reg).Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "local", sel.DeviceID)
	assert.Equal(t, ReasonFallbackLocal, sel.Reason)
}

func TestSelect_RoundRobinRotatesByID(t *testing.T) {
	p := DefaultPolicy()
	p.Strategy = StrategyRoundRobin
	e := New(threeDevices(t), WithPolicy(p))

	var got []string
	for i := 0; i < 4; i++ {
		sel, err := e.Select(Request{})
		require.NoError(t, err)
		got = append(got, sel.DeviceID)
	}
	assert.Equal(t, []string{"a", "b", "local", "a"}, got)
}

func TestSelect_SubscriptionOptimized(t *testing.T) {
	p := DefaultPolicy()
	p.Strategy = StrategySubscriptionOptimized
	reg := newRegistry(t,
		device.Info{ID: "local", Local: true, Subscription: device.TierBasic},
		device.Info{ID: "p1", Subscription: device.TierPremium},
		device.Info{ID: "p2", Subscription: device.TierPremium},
	)
	sel, err := New(reg, WithPolicy(p)).Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "p1", sel.DeviceID)
}

func TestSelect_TherapeuticPrefersPrimary(t *testing.T) {
	p := DefaultPolicy()
	p.Strategy = StrategyTherapeuticPriority
	reg := threeDevices(t)
	e := New(reg, WithPolicy(p))

	sel, err := e.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.DeviceID)

	require.NoError(t, reg.Update(context.Background(), "a", device.Patch{Online: device.Bool(false)}))
	sel, err = e.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "local", sel.DeviceID, "first available in registration order")
}

func TestSelect_NoOnlineDevicesFallsBackLocal(t *testing.T) {
	reg := newRegistry(t, device.Info{ID: "local", Local: true}, device.Info{ID: "x"})
	ctx := context.Background()
	require.NoError(t, reg.Update(ctx, "x", device.Patch{Online: device.Bool(false)}))
	require.NoError(t, reg.Update(ctx, "local", device.Patch{Online: device.Bool(false)}))

	sel, err := New(reg).Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "local", sel.DeviceID)
	assert.Equal(t, ReasonFallbackLocal, sel.Reason)
}

func TestSelect_NoLocalDevice(t *testing.T) {
	reg := newRegistry(t)
	_, err := New(reg).Select(Request{OperationID: "op", Crisis: true})
	require.Error(t, err)
	assert.True(t, syncerr.IsNotFound(err))
}

func TestSelect_LoadLimitsAndRedistribution(t *testing.T) {
	p := DefaultPolicy()
	p.MaxOpsPerDevice = 5
	p.RedistributionThreshold = 60
	e := New(threeDevices(t), WithPolicy(p))

	for i := 0; i < 3; i++ {
		e.Assign("a")
	}
	sel, err := e.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.DeviceID)
	assert.Equal(t, ReasonRedistributed, sel.Reason)

	e.Assign("a")
	e.Assign("a")
	for i := 0; i < 5; i++ {
		e.Assign("b")
	}
	sel, err = e.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "local", sel.DeviceID, "saturated devices are skipped entirely")
	assert.Equal(t, ReasonFallbackLocal, sel.Reason)

	e.Release("a")
	assert.Equal(t, 4, e.Load("a"))
	e.Forget("a")
	assert.Zero(t, e.Load("a"))
}

func TestSetPolicy_HotSwap(t *testing.T) {
	e := New(threeDevices(t))
	sel, err := e.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.DeviceID)

	p := DefaultPolicy()
	p.Strategy = StrategyRoundRobin
	require.NoError(t, e.SetPolicy(p))
	assert.Equal(t, StrategyRoundRobin, e.Policy().Strategy)

	bad := p
	bad.Strategy = "fastest"
	err = e.SetPolicy(bad)
	assert.True(t, syncerr.Is(err, syncerr.CodeInvalidArgument))
	assert.Equal(t, StrategyRoundRobin, e.Policy().Strategy)
}

func TestScore(t *testing.T) {
	p := DefaultPolicy()
	d := device.Device{Capabilities: caps(device.ComputeHigh, device.NetworkGood, 40)}
	assert.Equal(t, 3*30+3*10+40, Score(d, p))
}
