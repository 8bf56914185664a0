// Package virtual provides an in-process fake busdriver.Driver, used to
// drive master lifecycle and cyclic-engine tests without a real NIC. It is
// grounded on the teacher stack's pkg/can/virtual in-memory bus: no real
// socket, deterministic, single process.
package virtual

import (
	"sync"
	"time"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
)

// ReceiveFunc lets a test script the result of one ReceiveProcessData call.
// When nil, the driver loopbacks the last transmitted output bytes into the
// input image and reports the expected working counter.
type ReceiveFunc func(image []byte) (wkc int32, err error)

// Driver is a fully in-memory busdriver.Driver for tests.
type Driver struct {
	mu sync.Mutex

	records     []busdriver.SubdeviceRecord
	states      []busdriver.BusState
	clearedCA   map[int]bool
	dcCapable   bool
	dcEnabled   bool
	dcTimeNanos int64
	groups      []busdriver.GroupInfo
	expectedWKC int32
	fastIRQCode busdriver.FastIRQCode
	fastIRQErr  error
	lastOutput  []byte
	receiveFunc ReceiveFunc
	openErr     error
	scanErr     error
	blockSafeOp bool
	rxErrors    map[int]uint32
}

// New creates a virtual driver preconfigured with the given discovered
// subdevice records, in wire order.
func New(records []busdriver.SubdeviceRecord) *Driver {
	d := &Driver{
		records:     records,
		states:      make([]busdriver.BusState, len(records)),
		clearedCA:   map[int]bool{},
		fastIRQCode: busdriver.FastIRQOK,
		rxErrors:    map[int]uint32{},
	}
	for i := range d.states {
		d.states[i] = busdriver.BusStateInit
	}
	return d
}

// SetDCCapable controls what ConfigureDC reports.
func (d *Driver) SetDCCapable(capable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dcCapable = capable
}

// SetFastIRQResult scripts the outcome of SetupFastIRQ.
func (d *Driver) SetFastIRQResult(code busdriver.FastIRQCode, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fastIRQCode = code
	d.fastIRQErr = err
}

// SetOpenError makes Open fail, simulating InterfaceUnavailable.
func (d *Driver) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// SetScanError makes Scan fail, simulating ScanFailed.
func (d *Driver) SetScanError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanErr = err
}

// SetBlockSafeOpTransition prevents the automatic PRE_OP->SAFE_OP advance
// that MapProcessImage otherwise performs, so tests can exercise the
// StateTransitionFailed(SAFE_OP) path.
func (d *Driver) SetBlockSafeOpTransition(block bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockSafeOp = block
}

// SetDCTime sets the DC-master time returned by DCTime.
func (d *Driver) SetDCTime(nanos int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dcTimeNanos = nanos
}

// AdvanceDCTime moves the simulated DC-master clock forward.
func (d *Driver) AdvanceDCTime(delta time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dcTimeNanos += delta.Nanoseconds()
}

// SetReceiveFunc overrides the default loopback receive behavior, e.g. to
// inject NO_FRAME or a wrong working counter.
func (d *Driver) SetReceiveFunc(fn ReceiveFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiveFunc = fn
}

// SetSubdeviceState forces subdevice idx's cached observed state, used by
// housekeeping tests to simulate a subdevice dropping to a lower state.
func (d *Driver) SetSubdeviceState(idx int, state busdriver.BusState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx >= 0 && idx < len(d.states) {
		d.states[idx] = state
	}
}

func (d *Driver) SetupFastIRQ(iface string) (busdriver.FastIRQCode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fastIRQCode, d.fastIRQErr
}

func (d *Driver) Open(iface string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openErr
}

func (d *Driver) Scan() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanErr != nil {
		return 0, d.scanErr
	}
	for i := range d.states {
		d.states[i] = busdriver.BusStatePreOp
	}
	return len(d.records), nil
}

func (d *Driver) Subdevice(i int) busdriver.SubdeviceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.records[i]
}

func (d *Driver) ConfigureDC() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dcEnabled = d.dcCapable
	return d.dcCapable
}

func (d *Driver) ClearCompleteAccess(i int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearedCA[i] = true
	return nil
}

// CompleteAccessCleared reports whether ClearCompleteAccess was called for i.
func (d *Driver) CompleteAccessCleared(i int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearedCA[i]
}

func (d *Driver) observedState(idx int) busdriver.BusState {
	if idx < 0 {
		worst := busdriver.BusStateOp
		for _, s := range d.states {
			if s < worst {
				worst = s
			}
		}
		return worst
	}
	if idx >= len(d.states) {
		return busdriver.BusStateUnknown
	}
	return d.states[idx]
}

func (d *Driver) AwaitState(idx int, target busdriver.BusState, timeout time.Duration) (busdriver.BusState, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		current := d.observedState(idx)
		d.mu.Unlock()

		if current >= target {
			return current, nil
		}
		if time.Now().After(deadline) {
			return current, busdriver.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *Driver) RequestState(idx int, target busdriver.BusState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 {
		for i := range d.states {
			d.states[i] = target
		}
		return nil
	}
	if idx < len(d.states) {
		d.states[idx] = target
	}
	return nil
}

func (d *Driver) SubdeviceState(idx int) busdriver.BusState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observedState(idx)
}

func (d *Driver) MapProcessImage(image []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	outputs, inputs := 0, 0
	for _, rec := range d.records {
		for _, sm := range rec.SyncManagers {
			if sm.StartAddress == 0 {
				continue
			}
			n := sm.ByteLength()
			total += n
			switch sm.Type {
			case 3:
				outputs += n
			case 4:
				inputs += n
			}
		}
	}
	d.groups = []busdriver.GroupInfo{{OutputBytes: outputs, InputBytes: inputs}}
	d.expectedWKC = int32(2*outputs + inputs)
	if !d.blockSafeOp {
		for i := range d.states {
			d.states[i] = busdriver.BusStateSafeOp
		}
	}
	return total, nil
}

func (d *Driver) Groups() []busdriver.GroupInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.groups
}

func (d *Driver) SendProcessData(outputImage []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOutput = append(d.lastOutput[:0], outputImage...)
	return nil
}

func (d *Driver) ReceiveProcessData(inputImage []byte, timeout time.Duration) (int32, error) {
	d.mu.Lock()
	fn := d.receiveFunc
	expected := d.expectedWKC
	last := d.lastOutput
	d.mu.Unlock()

	if fn != nil {
		return fn(inputImage)
	}
	if last != nil {
		copy(inputImage, last)
	}
	return expected, nil
}

func (d *Driver) DCTime() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dcTimeNanos
}

// SetRxErrorCounters scripts the value RxErrorCounters reports for
// subdevice idx.
func (d *Driver) SetRxErrorCounters(idx int, count uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxErrors[idx] = count
}

func (d *Driver) RxErrorCounters(idx int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxErrors[idx], nil
}

func (d *Driver) Close() error {
	return nil
}

var _ busdriver.Driver = (*Driver)(nil)
