package master

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
	"github.com/ethercat-go/ecmaster/pkg/busdriver/virtual"
	"github.com/ethercat-go/ecmaster/pkg/status"
	"github.com/ethercat-go/ecmaster/pkg/subdevice"
)

// bringUpToOp constructs a Master around drv with one bound subdevice,
// runs preInit against it before Init (e.g. DisableRecovery), and drives
// one send/receive/housekeeping cycle so the subdevice reaches OP.
func bringUpToOp(t *testing.T, drv *virtual.Driver, preInit func(m *Master)) *Master {
	t.Helper()
	m := New("eth0", WithDriver(drv), WithStatusHandler(status.NullHandler{}))
	require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))
	if preInit != nil {
		preInit(m)
	}
	require.NoError(t, m.Init())

	require.NoError(t, m.Send())
	_, err := m.Receive()
	require.NoError(t, err)
	require.NoError(t, m.DoHousekeeping())
	require.Equal(t, subdevice.StateOp, m.GetSlaves()[0].LogicalState())

	return m
}

func TestDoHousekeepingMarksRecoveringBeforeStepwisePromotion(t *testing.T) {
	drv := oneSubdeviceDriver()
	m := bringUpToOp(t, drv, nil)
	t.Cleanup(func() { _ = m.Shutdown() })
	sd := m.GetSlaves()[0]

	// Wire-reported state drops to PRE_OP; the subdevice must first be
	// observed to regress.
	drv.SetSubdeviceState(0, busdriver.BusStatePreOp)
	require.NoError(t, m.Send())
	_, err := m.Receive()
	require.NoError(t, err)

	require.NoError(t, m.DoHousekeeping())
	require.Equal(t, subdevice.StateRecovering, sd.LogicalState(),
		"a regressed subdevice must be visibly RECOVERING for at least one housekeeping call")
	require.Equal(t, subdevice.StateRecovering, m.GetState())

	// The next call no longer sees a regression (RECOVERING has no
	// Ordinal() entry), so it steps the subdevice toward the observed
	// state instead.
	require.NoError(t, m.DoHousekeeping())
	require.Equal(t, subdevice.StatePreOp, sd.LogicalState())

	// Once the wire reports SAFE_OP again and the OP gate is satisfied,
	// promotion resumes.
	drv.SetSubdeviceState(0, busdriver.BusStateSafeOp)
	require.NoError(t, m.Send())
	_, err = m.Receive()
	require.NoError(t, err)
	require.NoError(t, m.DoHousekeeping())
	require.Equal(t, subdevice.StateOp, sd.LogicalState())
}

func TestDoHousekeepingLatchesFaultWhenRecoveryDisabled(t *testing.T) {
	drv := oneSubdeviceDriver()
	m := bringUpToOp(t, drv, func(m *Master) {
		require.NoError(t, m.DisableRecovery())
	})
	t.Cleanup(func() { _ = m.Shutdown() })
	sd := m.GetSlaves()[0]

	drv.SetSubdeviceState(0, busdriver.BusStateInit)
	require.NoError(t, m.Send())
	_, err := m.Receive()
	require.NoError(t, err)

	require.NoError(t, m.DoHousekeeping())
	require.Equal(t, subdevice.StateFault, sd.LogicalState())
	require.Equal(t, subdevice.StateFault, m.GetState())

	// The subdevice recovers on the wire, but the latch must not clear:
	// the whole master refuses further promotions once faulted.
	drv.SetSubdeviceState(0, busdriver.BusStateSafeOp)
	require.NoError(t, m.Send())
	_, err = m.Receive()
	require.NoError(t, err)
	require.NoError(t, m.DoHousekeeping())

	require.Equal(t, subdevice.StateFault, sd.LogicalState(),
		"a faulted master must not silently climb back toward OP")
	require.Equal(t, subdevice.StateFault, m.GetState())
}

func TestDoHousekeepingPollsRxErrorStatisticsWhenEnabled(t *testing.T) {
	drv := oneSubdeviceDriver()
	m := New("eth0", WithDriver(drv), WithStatusHandler(status.NullHandler{}))
	require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))
	require.NoError(t, m.SetReadRxErrorStatistics(true))
	require.NoError(t, m.Init())
	t.Cleanup(func() { _ = m.Shutdown() })

	drv.SetRxErrorCounters(0, 42)
	require.NoError(t, m.DoHousekeeping())
	require.EqualValues(t, 42, m.GetSlaves()[0].RxErrorCount())
}

func TestDoHousekeepingSkipsRxErrorStatisticsWhenDisabled(t *testing.T) {
	drv := oneSubdeviceDriver()
	m := New("eth0", WithDriver(drv), WithStatusHandler(status.NullHandler{}))
	require.NoError(t, m.RegisterSubdevice(subdevice.New(0x1, 0x10, 0, 0, nil)))
	require.NoError(t, m.Init())
	t.Cleanup(func() { _ = m.Shutdown() })

	drv.SetRxErrorCounters(0, 42)
	require.NoError(t, m.DoHousekeeping())
	require.EqualValues(t, 0, m.GetSlaves()[0].RxErrorCount())
}
