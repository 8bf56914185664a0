package master_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
	"github.com/ethercat-go/ecmaster/pkg/busdriver/virtual"
	"github.com/ethercat-go/ecmaster/pkg/master"
	"github.com/ethercat-go/ecmaster/pkg/status"
	"github.com/ethercat-go/ecmaster/pkg/subdevice"
)

// Scenario 1 (spec.md §8): two matched subdevices, no DC.
func TestScenarioTwoMatchedSubdevicesNoDC(t *testing.T) {
	drv := virtual.New([]busdriver.SubdeviceRecord{
		{VendorID: 0x1, ProductCode: 0x10, Alias: 0, SyncManagers: []busdriver.SyncManagerRegion{
			{Type: 3, StartAddress: 0x1000, BitLength: 16},
		}},
		{VendorID: 0x1, ProductCode: 0x11, Alias: 0, SyncManagers: []busdriver.SyncManagerRegion{
			{Type: 4, StartAddress: 0x1100, BitLength: 16},
		}},
	})

	m := master.New("eth0", master.WithDriver(drv), master.WithStatusHandler(status.NullHandler{}))
	a := subdevice.New(0x1, 0x10, 0, 0, nil)
	b := subdevice.New(0x1, 0x11, 0, 1, nil)
	require.NoError(t, m.RegisterSubdevice(a))
	require.NoError(t, m.RegisterSubdevice(b))

	require.NoError(t, m.Init())
	t.Cleanup(func() { _ = m.Shutdown() })

	require.True(t, a.Bound())
	require.True(t, b.Bound())
	require.Equal(t, subdevice.StateSafeOp, m.GetState())
	require.EqualValues(t, 2*2+2, m.GetExpectedWorkingCounter())

	// The mapped sync-manager regions sum to 4 bytes, far under IOMAP_MIN
	// (spec.md §8); Send/Receive succeeding proves the image was usable
	// end to end, and pkg/processimage's own tests cover the minimum-size
	// invariant directly.
	require.NoError(t, m.Send())
	_, err := m.Receive()
	require.NoError(t, err)
}

// Scenario 2 (spec.md §8): alias restart. Wire alias sequence [5, 5, 7, 0]
// must compute addresses (5,0), (5,1), (7,0), (7,1).
func TestScenarioAliasRestart(t *testing.T) {
	drv := virtual.New([]busdriver.SubdeviceRecord{
		{VendorID: 0x1, ProductCode: 0x10, Alias: 5},
		{VendorID: 0x1, ProductCode: 0x11, Alias: 5},
		{VendorID: 0x1, ProductCode: 0x12, Alias: 7},
		{VendorID: 0x1, ProductCode: 0x13, Alias: 0},
	})

	m := master.New("eth0", master.WithDriver(drv), master.WithStatusHandler(status.NullHandler{}))
	want := []subdevice.Address{
		{Alias: 5, Position: 0},
		{Alias: 5, Position: 1},
		{Alias: 7, Position: 0},
		{Alias: 7, Position: 1},
	}
	products := []uint32{0x10, 0x11, 0x12, 0x13}
	sds := make([]*subdevice.Subdevice, len(want))
	for i, addr := range want {
		sd := subdevice.New(0x1, products[i], addr.Alias, addr.Position, nil)
		sds[i] = sd
		require.NoError(t, m.RegisterSubdevice(sd))
	}

	require.NoError(t, m.Init())
	t.Cleanup(func() { _ = m.Shutdown() })

	for i, sd := range sds {
		require.Truef(t, sd.Bound(), "subdevice %d (%s) should be bound", i, want[i])
		require.Equal(t, want[i], sd.Address())
	}
}

// Scenario 3 (spec.md §8): missing required subdevice.
func TestScenarioMissingRequiredSubdevice(t *testing.T) {
	drv := virtual.New([]busdriver.SubdeviceRecord{
		{VendorID: 0x1, ProductCode: 0x10, Alias: 0},
		{VendorID: 0x1, ProductCode: 0x11, Alias: 0},
	})

	newMaster := func() (*master.Master, *subdevice.Subdevice) {
		m := master.New("eth0", master.WithDriver(drv), master.WithStatusHandler(status.NullHandler{}))
		missing := subdevice.New(0x1, 0x12, 0, 2, nil)
		require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))
		require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x11, 0, 1, nil)))
		require.NoError(t, m.RegisterSubdevice(missing))
		return m, missing
	}

	t.Run("RequireAllSlaves", func(t *testing.T) {
		m, missing := newMaster()
		require.NoError(t, m.SetRequireAllSlaves(true))

		err := m.Init()
		require.Error(t, err)
		var initErr *master.InitError
		require.ErrorAs(t, err, &initErr)
		require.Equal(t, master.KindSubdevicesOffline, initErr.Kind)
		require.Contains(t, initErr.List, missing.Address())
	})

	t.Run("NotRequired", func(t *testing.T) {
		drv2 := virtual.New([]busdriver.SubdeviceRecord{
			{VendorID: 0x1, ProductCode: 0x10, Alias: 0},
			{VendorID: 0x1, ProductCode: 0x11, Alias: 0},
		})
		m := master.New("eth0", master.WithDriver(drv2), master.WithStatusHandler(status.NullHandler{}))
		require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))
		require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x11, 0, 1, nil)))
		require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x12, 0, 2, nil)))

		require.NoError(t, m.Init())
		t.Cleanup(func() { _ = m.Shutdown() })
		require.Len(t, m.GetSlaves(), 3)
	})

	t.Run("UnconfiguredWireSlotRequireAllSlaves", func(t *testing.T) {
		drv3 := virtual.New([]busdriver.SubdeviceRecord{
			{VendorID: 0x1, ProductCode: 0x10, Alias: 0},
			{VendorID: 0x1, ProductCode: 0x99, Alias: 0}, // no matching registration
		})
		m := master.New("eth0", master.WithDriver(drv3), master.WithStatusHandler(status.NullHandler{}))
		require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))
		require.NoError(t, m.SetRequireAllSlaves(true))

		err := m.Init()
		require.Error(t, err)
		var initErr *master.InitError
		require.ErrorAs(t, err, &initErr)
		require.Equal(t, master.KindSubdevicesUnconfigured, initErr.Kind)
	})
}

// Scenario 4 (spec.md §8): identity mismatch.
func TestScenarioIdentityMismatch(t *testing.T) {
	drv := virtual.New([]busdriver.SubdeviceRecord{
		{VendorID: 0x2, ProductCode: 0x10, Alias: 0},
	})
	m := master.New("eth0", master.WithDriver(drv), master.WithStatusHandler(status.NullHandler{}))
	require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))

	err := m.Init()
	require.Error(t, err)
	var initErr *master.InitError
	require.ErrorAs(t, err, &initErr)
	require.Equal(t, master.KindIdentityMismatch, initErr.Kind)
}

// Scenario 5 (spec.md §8): DC jitter gate. Feeding cycles 200,000ns late
// keeps housekeeping from promoting to OP even though WKC matches.
func TestScenarioDCJitterGateBlocksPromotion(t *testing.T) {
	drv := virtual.New([]busdriver.SubdeviceRecord{
		{VendorID: 0x1, ProductCode: 0x10, Alias: 0, SyncManagers: []busdriver.SyncManagerRegion{
			{Type: 3, StartAddress: 0x1000, BitLength: 16},
		}},
	})
	drv.SetDCCapable(true)

	m := master.New("eth0", master.WithDriver(drv), master.WithStatusHandler(status.NullHandler{}))
	require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))
	require.NoError(t, m.EnableDC(1_000_000))
	require.NoError(t, m.SetMaximumExecutionJitter(25_000))

	require.NoError(t, m.Init())
	t.Cleanup(func() { _ = m.Shutdown() })

	const cycle = int64(1_000_000)
	dcTime := m.GetStartDcTime()

	// Seed, then feed three cycles skewed 200,000ns off nominal: the RFC
	// 1889 estimate climbs 12,500 -> 24,218 -> 35,204ns, so it is past the
	// 25,000ns gate by the time three samples accumulate and OP promotion
	// stays blocked despite the working counter matching every cycle.
	skewed := []int64{cycle, cycle + 200_000, cycle + 200_000, cycle + 200_000}
	for _, d := range skewed {
		dcTime += d
		drv.SetDCTime(dcTime)
		require.NoError(t, m.Send())
		_, err := m.Receive()
		require.NoError(t, err)
		require.NoError(t, m.DoHousekeeping())
	}

	require.GreaterOrEqual(t, m.GetJitterEstimate(), int64(0))
	require.Greater(t, m.GetJitterEstimate(), int64(25_000))
	require.GreaterOrEqual(t, m.GetJitterSamples(), uint64(3))
	require.NotEqual(t, subdevice.StateOp, m.GetSlaves()[0].LogicalState())

	// Feeding enough on-time cycles decays the estimate back under the
	// gate and promotion to OP follows.
	for i := 0; i < 64; i++ {
		dcTime += cycle
		drv.SetDCTime(dcTime)
		require.NoError(t, m.Send())
		_, err := m.Receive()
		require.NoError(t, err)
		require.NoError(t, m.DoHousekeeping())
		if m.GetSlaves()[0].LogicalState() == subdevice.StateOp {
			break
		}
	}
	require.Equal(t, subdevice.StateOp, m.GetSlaves()[0].LogicalState())
}

// Scenario 6 (spec.md §8): DC downgrade when the bus is not DC-capable.
func TestScenarioDCDowngrade(t *testing.T) {
	drv := virtual.New([]busdriver.SubdeviceRecord{
		{VendorID: 0x1, ProductCode: 0x10, Alias: 0},
	})
	drv.SetDCCapable(false)

	var notified int
	handler := statusCountingHandler{onNotifyDCNotCapable: func() { notified++ }}

	m := master.New("eth0", master.WithDriver(drv), master.WithStatusHandler(&handler))
	require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))
	require.NoError(t, m.EnableDC(1_000_000))

	require.NoError(t, m.Init())
	t.Cleanup(func() { _ = m.Shutdown() })

	require.Equal(t, 1, notified)
	require.EqualValues(t, 0, m.GetJitterEstimate())
	require.EqualValues(t, 0, m.GetJitterSamples())
}

type statusCountingHandler struct {
	onNotifyDCNotCapable func()
}

func (h *statusCountingHandler) Handle(e status.Event) {
	if e.Kind == status.NotifyDCNotCapable && h.onNotifyDCNotCapable != nil {
		h.onNotifyDCNotCapable()
	}
}
