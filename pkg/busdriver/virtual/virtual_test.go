package virtual_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
	"github.com/ethercat-go/ecmaster/pkg/busdriver/virtual"
)

func twoSubdevices() []busdriver.SubdeviceRecord {
	return []busdriver.SubdeviceRecord{
		{
			VendorID: 0x1, ProductCode: 0x10,
			SyncManagers: []busdriver.SyncManagerRegion{
				{Type: 3, StartAddress: 0x1000, BitLength: 16},
				{Type: 4, StartAddress: 0x1100, BitLength: 8},
			},
		},
		{
			VendorID: 0x1, ProductCode: 0x11,
			SyncManagers: []busdriver.SyncManagerRegion{
				{Type: 3, StartAddress: 0x1200, BitLength: 32},
			},
		},
	}
}

func TestScanReturnsCount(t *testing.T) {
	d := virtual.New(twoSubdevices())
	count, err := d.Scan()
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, busdriver.BusStatePreOp, d.SubdeviceState(0))
}

func TestMapProcessImageComputesWorkingCounter(t *testing.T) {
	d := virtual.New(twoSubdevices())
	_, _ = d.Scan()
	image := make([]byte, busdriver.IOMapMin)
	required, err := d.MapProcessImage(image)
	require.NoError(t, err)
	require.Equal(t, 2+1+4, required) // 16 bits + 8 bits + 32 bits => 2+1+4 bytes
	groups := d.Groups()
	require.Len(t, groups, 1)
	require.Equal(t, 6, groups[0].OutputBytes) // 2 + 4
	require.Equal(t, 1, groups[0].InputBytes)
	require.Equal(t, busdriver.BusStateSafeOp, d.SubdeviceState(0))
}

func TestReceiveLoopsBackTransmittedBytes(t *testing.T) {
	d := virtual.New(twoSubdevices())
	_, _ = d.Scan()
	image := make([]byte, 16)
	_, _ = d.MapProcessImage(image)

	out := []byte{1, 2, 3, 4}
	require.NoError(t, d.SendProcessData(out))

	in := make([]byte, 4)
	wkc, err := d.ReceiveProcessData(in, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, out, in)
	require.Equal(t, int32(2*6+1), wkc)
}

func TestBlockSafeOpTransitionTimesOut(t *testing.T) {
	d := virtual.New(twoSubdevices())
	_, _ = d.Scan()
	d.SetBlockSafeOpTransition(true)
	image := make([]byte, 16)
	_, _ = d.MapProcessImage(image)

	_, err := d.AwaitState(-1, busdriver.BusStateSafeOp, 5*time.Millisecond)
	require.ErrorIs(t, err, busdriver.ErrTimeout)
}
