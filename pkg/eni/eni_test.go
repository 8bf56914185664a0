package eni_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethercat-go/ecmaster/pkg/eni"
)

const sample = `
[Master]
Interface = eth0
RequireAllSlaves = true
CycleTimeNanos = 1000000
MaxExecutionJitterNanos = 25000
EnableDC = true

[Subdevice "drive-1"]
VendorID = 0x1
ProductCode = 0x10
Alias = 0
Position = 0

[Subdevice "drive-2"]
VendorID = 0x1
ProductCode = 0x11
Alias = 0
Position = 1
`

func TestParseMasterOptions(t *testing.T) {
	doc, err := eni.Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, "eth0", doc.Master.Interface)
	require.True(t, doc.Master.RequireAllSlaves)
	require.True(t, doc.Master.EnableDC)
	require.EqualValues(t, 1_000_000, doc.Master.CycleTimeNanos)
}

func TestParseSubdevices(t *testing.T) {
	doc, err := eni.Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, doc.Subdevices, 2)
	require.EqualValues(t, 0x1, doc.Subdevices[0].VendorID)
	require.EqualValues(t, 0x11, doc.Subdevices[1].ProductCode)
	require.EqualValues(t, 1, doc.Subdevices[1].Position)
}
