// Package subdevice models one EtherCAT node: identity, process-image
// windows, registered SDO descriptors, and the per-node logical state
// tracked by the housekeeping state machine. It is grounded on the teacher
// stack's pkg/node (BaseNode's id/state/mutex bookkeeping,
// Configurator-before-init discipline) generalized from a CANopen node
// object to an EtherCAT subdevice.
package subdevice

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
	"github.com/ethercat-go/ecmaster/pkg/processimage"
)

// LogicalState is the housekeeping-tracked state of a subdevice, per
// spec.md §4.G. OFFLINE, FAULT, RECOVERING and SHUTDOWN sit outside the
// ordinal EtherCAT state progression; use Ordinal to test ordering.
type LogicalState uint8

const (
	StateOffline LogicalState = iota
	StateInit
	StatePreOp
	StateBoot
	StateSafeOp
	StateOp
	StateFault
	StateRecovering
	StateShutdown
)

var stateNames = map[LogicalState]string{
	StateOffline:    "OFFLINE",
	StateInit:       "INIT",
	StatePreOp:      "PRE_OP",
	StateBoot:       "BOOT",
	StateSafeOp:     "SAFE_OP",
	StateOp:         "OP",
	StateFault:      "FAULT",
	StateRecovering: "RECOVERING",
	StateShutdown:   "SHUTDOWN",
}

func (s LogicalState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// progressionOrdinal gives the EtherCAT state progression order named in
// spec.md §4.G: INIT < PRE_OP < BOOT < SAFE_OP < OP. States outside this
// progression report ok=false and have no rank to compare.
var progressionOrdinal = map[LogicalState]int{
	StateInit:   0,
	StatePreOp:  1,
	StateBoot:   2,
	StateSafeOp: 3,
	StateOp:     4,
}

// Ordinal returns this state's rank in the INIT<PRE_OP<BOOT<SAFE_OP<OP
// progression, and whether it participates in that progression at all.
func (s LogicalState) Ordinal() (int, bool) {
	o, ok := progressionOrdinal[s]
	return o, ok
}

// Address uniquely identifies a subdevice on the segment.
type Address struct {
	Alias    uint16
	Position uint16
}

func (a Address) String() string {
	return fmt.Sprintf("alias=%d/position=%d", a.Alias, a.Position)
}

// DriverHandle is a non-owning view passed into a subdevice's configure
// hook: the hook may issue driver calls for this subdevice but must not
// retain a pointer back to the owning Master (design note in
// SPEC_FULL.md §9 "Cyclic reference between master and subdevice").
type DriverHandle struct {
	Driver busdriver.Driver
	Index  int // wire-order index assigned during scan
}

// ConfigureFunc performs PDO assignment / startup CoE writes for one
// subdevice. It is the "per-subdevice configuration hook" named as an
// external collaborator in spec.md §1.
type ConfigureFunc func(handle DriverHandle) error

// SDODescriptor is registration metadata for an acyclic mailbox object;
// spec.md keeps SDO/mailbox transfer itself out of scope, so this is a
// descriptor only, not a transfer implementation.
type SDODescriptor struct {
	Index    uint16
	SubIndex uint8
	Name     string
}

// Subdevice models one EtherCAT node.
type Subdevice struct {
	VendorID    uint32
	ProductCode uint32

	mu               sync.Mutex
	address          Address
	configureHook    ConfigureFunc
	wireIndex        int
	bound            bool
	dcEnabled        bool
	cycleNanos       int64
	sdos             []SDODescriptor
	registrationOpen bool
	outputWindow     processimage.Window
	inputWindow      processimage.Window
	windowsLinked    bool
	shutdownWanted   bool
	shutdownDone     bool

	logicalState atomic.Uint32
	observedRaw  atomic.Uint32 // busdriver.BusState
	rxErrors     atomic.Uint32
}

// New creates an unbound, registered Subdevice awaiting a wire match
// during init. configure is invoked once the subdevice is matched and
// bound to a wire slot; it may be nil for purely passive subdevices.
func New(vendorID, productCode uint32, alias, position uint16, configure ConfigureFunc) *Subdevice {
	sd := &Subdevice{
		VendorID:         vendorID,
		ProductCode:      productCode,
		address:          Address{Alias: alias, Position: position},
		configureHook:    configure,
		registrationOpen: true,
	}
	sd.logicalState.Store(uint32(StateOffline))
	sd.observedRaw.Store(uint32(busdriver.BusStateUnknown))
	return sd
}

// Address returns the subdevice's (alias, position).
func (sd *Subdevice) Address() Address {
	return sd.address
}

// MatchesIdentity reports whether the wire-reported vendor/product match
// the configured values (spec.md §3 "identity" invariant).
func (sd *Subdevice) MatchesIdentity(vendorID, productCode uint32) bool {
	return sd.VendorID == vendorID && sd.ProductCode == productCode
}

// Configure binds the subdevice to a wire slot and invokes its configure
// hook. Legal only once, during init, after identity has been verified.
func (sd *Subdevice) Configure(handle DriverHandle, dcEnabled bool, cycleNanos int64) error {
	sd.mu.Lock()
	if sd.bound {
		sd.mu.Unlock()
		return fmt.Errorf("subdevice %s: already configured", sd.address)
	}
	sd.bound = true
	sd.wireIndex = handle.Index
	sd.dcEnabled = dcEnabled
	sd.cycleNanos = cycleNanos
	hook := sd.configureHook
	sd.mu.Unlock()

	sd.setLogicalState(StateInit)
	if hook == nil {
		return nil
	}
	return hook(handle)
}

// Bound reports whether Configure has run for this subdevice.
func (sd *Subdevice) Bound() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.bound
}

// WireIndex returns the driver's wire-order index for this subdevice.
// Only meaningful once Bound.
func (sd *Subdevice) WireIndex() int {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.wireIndex
}

// DCEnabled reports whether DC was enabled for this subdevice at Configure
// time.
func (sd *Subdevice) DCEnabled() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.dcEnabled
}

// LinkBuffers binds this subdevice's output/input windows into image.
// Legal only between PRE-OP and SAFE-OP (spec.md §3 "window"/"lifecycle"
// invariants): exactly once, and only before the image is frozen.
func (sd *Subdevice) LinkBuffers(image *processimage.ProcessImage, outOffset, outLen, inOffset, inLen int) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	if sd.windowsLinked {
		return fmt.Errorf("subdevice %s: windows already linked", sd.address)
	}
	if image.Frozen() {
		return fmt.Errorf("subdevice %s: cannot link windows after SAFE-OP", sd.address)
	}

	var err error
	if outLen > 0 {
		sd.outputWindow, err = image.Allocate(processimage.Output, outOffset, outLen, sd.address.String())
		if err != nil {
			return err
		}
	}
	if inLen > 0 {
		sd.inputWindow, err = image.Allocate(processimage.Input, inOffset, inLen, sd.address.String())
		if err != nil {
			return err
		}
	}
	sd.windowsLinked = true
	return nil
}

// OutputWindow returns this subdevice's output window, valid once linked.
func (sd *Subdevice) OutputWindow() processimage.Window {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.outputWindow
}

// InputWindow returns this subdevice's input window, valid once linked.
func (sd *Subdevice) InputWindow() processimage.Window {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.inputWindow
}

// UpdateStateVariables refreshes the observed bus state from the driver's
// cached state record. Called by the cyclic engine thread (R) inside
// receive(); published lock-free for the housekeeping thread (H) to read.
func (sd *Subdevice) UpdateStateVariables(observed busdriver.BusState) {
	sd.observedRaw.Store(uint32(observed))
}

// ObservedState returns the last bus state recorded by UpdateStateVariables.
func (sd *Subdevice) ObservedState() busdriver.BusState {
	return busdriver.BusState(sd.observedRaw.Load())
}

// UpdateRxErrorCount records the driver's cumulative receive-error count,
// polled by housekeeping when Master's ReadRxErrorStatistics is enabled.
func (sd *Subdevice) UpdateRxErrorCount(count uint32) {
	sd.rxErrors.Store(count)
}

// RxErrorCount returns the last polled receive-error count, or 0 if
// ReadRxErrorStatistics was never enabled.
func (sd *Subdevice) RxErrorCount() uint32 {
	return sd.rxErrors.Load()
}

// setLogicalState records this subdevice's current place in the state
// machine.
func (sd *Subdevice) setLogicalState(s LogicalState) {
	sd.logicalState.Store(uint32(s))
}

// SetLogicalState is the exported form used by the housekeeping state
// machine that owns transition decisions.
func (sd *Subdevice) SetLogicalState(s LogicalState) {
	sd.setLogicalState(s)
}

// LogicalState returns the subdevice's current logical state. Safe to
// call from any thread.
func (sd *Subdevice) LogicalState() LogicalState {
	return LogicalState(sd.logicalState.Load())
}

// RegisterSDO attaches an SDO descriptor. Legal only before init returns
// (spec.md §4.B); CloseRegistration is called by the master once init
// completes.
func (sd *Subdevice) RegisterSDO(desc SDODescriptor) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.registrationOpen {
		return fmt.Errorf("subdevice %s: cannot register SDO after init", sd.address)
	}
	sd.sdos = append(sd.sdos, desc)
	return nil
}

// SDOs returns the registered SDO descriptors.
func (sd *Subdevice) SDOs() []SDODescriptor {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return append([]SDODescriptor(nil), sd.sdos...)
}

// CloseRegistration forbids further RegisterSDO calls. Called by the
// master once init succeeds.
func (sd *Subdevice) CloseRegistration() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.registrationOpen = false
}

// Shutdown requests the subdevice move to INIT state; idempotent.
func (sd *Subdevice) Shutdown() {
	sd.mu.Lock()
	sd.shutdownWanted = true
	sd.mu.Unlock()
	sd.setLogicalState(StateShutdown)
}

// ShutdownRequested reports whether Shutdown has been called.
func (sd *Subdevice) ShutdownRequested() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.shutdownWanted
}

// ConfirmShutdown is called by housekeeping once the driver reports this
// subdevice has reached INIT following a Shutdown request.
func (sd *Subdevice) ConfirmShutdown() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.shutdownDone = true
}

// HasShutdown reports true once the driver has confirmed INIT state
// following a Shutdown request.
func (sd *Subdevice) HasShutdown() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.shutdownWanted && sd.shutdownDone
}
