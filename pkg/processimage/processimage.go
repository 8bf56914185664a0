// Package processimage owns the contiguous little-endian I/O map shared by
// every subdevice's input/output windows. Layout is grounded on the
// teacher stack's sync-manager-backed PDO buffers (pdo_common.go's window
// bookkeeping), generalized here to a single flat byte buffer with
// disjointness checking instead of per-PDO entries, since EtherCAT's
// process image is one contiguous DMA-able region rather than a set of
// independently-addressed CANopen objects.
package processimage

import (
	"errors"
	"fmt"
)

// Min is the minimum allocation size regardless of mapped PDO sizes
// (spec.md's IOMAP_MIN).
const Min = 655360

// Direction distinguishes output (master-to-subdevice) from input
// (subdevice-to-master) windows.
type Direction uint8

const (
	Output Direction = iota
	Input
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Window is a (offset, length) view into a ProcessImage.
type Window struct {
	Offset int
	Length int
}

// End returns the exclusive end offset of the window.
func (w Window) End() int {
	return w.Offset + w.Length
}

func (w Window) overlaps(other Window) bool {
	return w.Offset < other.End() && other.Offset < w.End()
}

var (
	// ErrFrozen is returned by Allocate once the image has been frozen
	// (after SAFE-OP is reached).
	ErrFrozen = errors.New("processimage: layout is frozen after SAFE-OP")
	// ErrOverlap is returned when a requested window overlaps an
	// already-allocated window of the same direction.
	ErrOverlap = errors.New("processimage: window overlaps an existing allocation")
	// ErrOutOfBounds is returned when a window does not lie entirely
	// inside the buffer.
	ErrOutOfBounds = errors.New("processimage: window out of bounds")
)

// ProcessImage is the single contiguous byte buffer shared by all bound
// subdevices. It is little-endian and zero-copy: Output/Input return
// direct slices into the backing array.
type ProcessImage struct {
	buf      []byte
	frozen   bool
	windows  map[Direction][]Window
	owners   map[Direction][]string // debug labels, parallel to windows
}

// New allocates a ProcessImage of size max(requiredBytes, Min).
func New(requiredBytes int) *ProcessImage {
	size := requiredBytes
	if size < Min {
		size = Min
	}
	return &ProcessImage{
		buf:     make([]byte, size),
		windows: map[Direction][]Window{Output: nil, Input: nil},
		owners:  map[Direction][]string{Output: nil, Input: nil},
	}
}

// Size returns the total buffer length.
func (p *ProcessImage) Size() int {
	return len(p.buf)
}

// Freeze locks the layout; subsequent Allocate calls fail with ErrFrozen.
// Called once SAFE-OP is reached (spec.md §4.C).
func (p *ProcessImage) Freeze() {
	p.frozen = true
}

// Frozen reports whether the layout has been frozen.
func (p *ProcessImage) Frozen() bool {
	return p.frozen
}

// Allocate reserves a window of the given direction and length at offset,
// failing if the image is frozen, the window runs out of bounds, or it
// overlaps another window of the same direction. owner is a debug label
// (e.g. the subdevice's alias/position) used in error messages.
func (p *ProcessImage) Allocate(dir Direction, offset, length int, owner string) (Window, error) {
	if p.frozen {
		return Window{}, ErrFrozen
	}
	w := Window{Offset: offset, Length: length}
	if offset < 0 || length < 0 || w.End() > len(p.buf) {
		return Window{}, fmt.Errorf("%w: %s window %s [%d,%d) vs buffer size %d", ErrOutOfBounds, dir, owner, offset, w.End(), len(p.buf))
	}
	for i, existing := range p.windows[dir] {
		if w.overlaps(existing) {
			return Window{}, fmt.Errorf("%w: %s window %s [%d,%d) overlaps %s [%d,%d)", ErrOverlap, dir, owner, offset, w.End(), p.owners[dir][i], existing.Offset, existing.End())
		}
	}
	p.windows[dir] = append(p.windows[dir], w)
	p.owners[dir] = append(p.owners[dir], owner)
	return w, nil
}

// Output returns a zero-copy, write-only (by convention) slice for w.
func (p *ProcessImage) Output(w Window) []byte {
	return p.buf[w.Offset:w.End()]
}

// Input returns a zero-copy, read-only (by convention) slice for w.
func (p *ProcessImage) Input(w Window) []byte {
	return p.buf[w.Offset:w.End()]
}

// Bytes returns the whole backing buffer, for handing to a BusDriver's
// SendProcessData/ReceiveProcessData.
func (p *ProcessImage) Bytes() []byte {
	return p.buf
}
