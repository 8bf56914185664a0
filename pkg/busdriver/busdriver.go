// Package busdriver defines the contract the EtherCAT master core expects
// from the underlying datagram engine: raw socket I/O, bus scanning, state
// transitions and distributed-clock queries. The master never talks to a
// NIC directly; it only ever talks to a Driver.
package busdriver

import (
	"errors"
	"time"
)

// NoFrame is the sentinel working-counter value returned by ReceiveProcessData
// when no frame arrived within the timeout.
const NoFrame int32 = -1

// IOMapMin is the minimum process-image allocation, regardless of the sum
// of mapped PDO sizes.
const IOMapMin = 655360

// MaxExecutionJitterDefault is the default jitter gate used when the host
// does not configure one explicitly.
const MaxExecutionJitterDefault = 25_000 // nanoseconds

// FastIRQCode is the result of asking the driver to tune NIC interrupt
// coalescing down for low-latency cyclic I/O.
type FastIRQCode int

const (
	// FastIRQOK means coalescing was adjusted successfully.
	FastIRQOK FastIRQCode = 1
	// FastIRQNotLinux means the host OS has no equivalent knob; advisory only.
	FastIRQNotLinux FastIRQCode = 10
	// FastIRQNoDriverInfo means ethtool driver info could not be read; advisory only.
	FastIRQNoDriverInfo FastIRQCode = 70
	// FastIRQCannotReadCoalesce means the coalescing parameters could not be read; advisory only.
	FastIRQCannotReadCoalesce FastIRQCode = 73
	// FastIRQCannotWriteCoalesce means the coalescing parameters could not be written; advisory only.
	FastIRQCannotWriteCoalesce FastIRQCode = 76
	// FastIRQNoPermission means the process lacks permission to touch the NIC; fatal.
	FastIRQNoPermission FastIRQCode = 81
)

// BusState is the EtherCAT state-machine state as reported directly by the
// wire/driver, distinct from a Subdevice's logical state tracked by the
// housekeeping state machine.
type BusState uint8

const (
	BusStateUnknown BusState = iota
	BusStateInit
	BusStatePreOp
	BusStateBoot
	BusStateSafeOp
	BusStateOp
)

func (s BusState) String() string {
	switch s {
	case BusStateInit:
		return "INIT"
	case BusStatePreOp:
		return "PRE_OP"
	case BusStateBoot:
		return "BOOT"
	case BusStateSafeOp:
		return "SAFE_OP"
	case BusStateOp:
		return "OP"
	default:
		return "UNKNOWN"
	}
}

// SyncManagerRegion describes one sync-manager slot discovered on a
// subdevice during bus scan; type 3 = outputs (master-to-subdevice), type
// 4 = inputs (subdevice-to-master).
type SyncManagerRegion struct {
	Type         byte
	StartAddress uint16
	BitLength    int
}

// ByteLength rounds the region's bit length up to whole bytes, per
// spec.md's process-image size accumulation rule. A region with a zero
// start address is not mapped and contributes nothing (callers filter
// those out before summing).
func (r SyncManagerRegion) ByteLength() int {
	return (r.BitLength + 7) / 8
}

// SubdeviceRecord is what the driver reports about one discovered
// subdevice slot, in wire order.
type SubdeviceRecord struct {
	VendorID                uint32
	ProductCode             uint32
	Alias                   uint16 // 0 means "no alias configured"
	SyncManagers            []SyncManagerRegion
	CompleteAccessSupported bool
}

// GroupInfo reflects one PDO mapping group after ConfigMapGroup, used to
// derive the expected working counter.
type GroupInfo struct {
	OutputBytes int
	InputBytes  int
}

// Driver is the opaque EtherCAT datagram engine. Implementations are not
// required to be safe for concurrent use; the master serializes all calls
// into a Driver behind a single mutex (see pkg/master's lock discipline).
type Driver interface {
	// SetupFastIRQ requests the driver reduce NIC interrupt-coalescing
	// latency. iface is the network interface name.
	SetupFastIRQ(iface string) (FastIRQCode, error)

	// Open binds the driver to iface, opening the raw socket.
	Open(iface string) error

	// Scan enumerates subdevices on the bus and drives it to PRE_OP,
	// returning the discovered subdevice count.
	Scan() (int, error)

	// Subdevice returns the wire-order discovered record at index i
	// (0-based), valid only after Scan.
	Subdevice(i int) SubdeviceRecord

	// ConfigureDC asks the driver to activate distributed clocks if the
	// bus is DC-capable, returning whether it did.
	ConfigureDC() bool

	// ClearCompleteAccess clears the CoE-details CA bit for subdevice i
	// before mailbox startup.
	ClearCompleteAccess(i int) error

	// AwaitState blocks until subdevice idx (or the whole bus, when idx
	// is -1) reaches target or timeout elapses, returning the last
	// observed state.
	AwaitState(idx int, target BusState, timeout time.Duration) (BusState, error)

	// MapProcessImage lays out all discovered PDOs into image, returning
	// the number of bytes actually required. When that exceeds
	// len(image), the caller must fail with ProcessImageTooSmall.
	MapProcessImage(image []byte) (requiredBytes int, err error)

	// Groups returns the PDO mapping groups produced by MapProcessImage,
	// used to derive the expected working counter.
	Groups() []GroupInfo

	// SendProcessData transmits the given output image. May block briefly
	// on the socket.
	SendProcessData(outputImage []byte) error

	// ReceiveProcessData blocks up to timeout waiting for the cyclic
	// frame, filling inputImage with the received input data and
	// returning the working counter, or NoFrame if none arrived.
	ReceiveProcessData(inputImage []byte, timeout time.Duration) (wkc int32, err error)

	// SubdeviceState returns the cached, most recently observed bus state
	// for subdevice idx (refreshed internally by the driver on each
	// ReceiveProcessData, or explicitly polled by housekeeping).
	SubdeviceState(idx int) BusState

	// RequestState asks the driver to move subdevice idx (or the whole
	// bus when idx is -1) to target state.
	RequestState(idx int, target BusState) error

	// DCTime returns the DC-master time, in nanoseconds, of the last
	// received datagram.
	DCTime() int64

	// RxErrorCounters returns the driver's cumulative receive-error count
	// for subdevice idx. Only polled by housekeeping when the master's
	// ReadRxErrorStatistics option is enabled (spec.md §3).
	RxErrorCounters(idx int) (uint32, error)

	// Close releases the raw socket and any other driver resources.
	Close() error
}

// ErrNotDCCapable is returned by drivers (informationally, via status
// events rather than this error) when DC was requested but unsupported.
var ErrNotDCCapable = errors.New("busdriver: bus is not DC capable")

// ErrTimeout is returned by AwaitState when the target state is not
// reached within the requested timeout.
var ErrTimeout = errors.New("busdriver: timed out waiting for state")
