package processimage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethercat-go/ecmaster/pkg/processimage"
)

func TestNewEnforcesMinimumSize(t *testing.T) {
	img := processimage.New(10)
	require.Equal(t, processimage.Min, img.Size())

	img2 := processimage.New(processimage.Min + 100)
	require.Equal(t, processimage.Min+100, img2.Size())
}

func TestAllocateRejectsOverlapSameDirection(t *testing.T) {
	img := processimage.New(100)
	_, err := img.Allocate(processimage.Output, 0, 4, "a")
	require.NoError(t, err)

	_, err = img.Allocate(processimage.Output, 2, 4, "b")
	require.ErrorIs(t, err, processimage.ErrOverlap)

	// Same offsets but opposite direction is fine: directions are independent.
	_, err = img.Allocate(processimage.Input, 0, 4, "a-in")
	require.NoError(t, err)
}

func TestAllocateRejectsOutOfBounds(t *testing.T) {
	img := processimage.New(10) // allocates processimage.Min bytes
	_, err := img.Allocate(processimage.Output, processimage.Min-5, 10, "x")
	require.ErrorIs(t, err, processimage.ErrOutOfBounds)
}

func TestFreezeBlocksFurtherAllocation(t *testing.T) {
	img := processimage.New(10)
	img.Freeze()
	_, err := img.Allocate(processimage.Output, 0, 1, "x")
	require.ErrorIs(t, err, processimage.ErrFrozen)
}

func TestWindowsAreZeroCopy(t *testing.T) {
	img := processimage.New(10)
	w, err := img.Allocate(processimage.Output, 0, 4, "a")
	require.NoError(t, err)

	out := img.Output(w)
	out[0] = 0xAB
	require.Equal(t, byte(0xAB), img.Bytes()[0])
}
