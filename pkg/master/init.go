package master

import (
	"fmt"
	"time"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
	"github.com/ethercat-go/ecmaster/pkg/processimage"
	"github.com/ethercat-go/ecmaster/pkg/status"
	"github.com/ethercat-go/ecmaster/pkg/subdevice"
)

// initStateTimeout bounds how long Init waits for a bus-wide state
// transition (PRE_OP in step 3, SAFE_OP in step 8) before failing with
// StateTransitionFailed.
const initStateTimeout = 5 * time.Second

// Init runs the master lifecycle sequence described in spec.md §4.E: bus
// scan, identity matching, process-image allocation, and the climb to
// SAFE-OP. It either succeeds fully or leaves the driver released so a
// fresh Master can retry, grounded on the teacher's Network.Connect/Scan
// two-phase bring-up.
func (m *Master) Init() (err error) {
	if m.initialized.Load() {
		return &InitError{Kind: KindAlreadyInitialized}
	}
	if !masterActive.CompareAndSwap(false, true) {
		return &InitError{Kind: KindAlreadyInitialized}
	}
	defer func() {
		if err != nil {
			if m.driver != nil {
				_ = m.driver.Close()
			}
			masterActive.Store(false)
		}
	}()

	driver := m.driver
	if driver == nil {
		return &InitError{Kind: KindInternalError, Code: "no-driver", Wrapped: fmt.Errorf("no BusDriver configured")}
	}

	m.driverMu.Lock()
	defer m.driverMu.Unlock()

	m.emit(status.Event{Kind: status.CreateContext})

	// Step 1: Fast-IRQ setup.
	code, irqErr := driver.SetupFastIRQ(m.cfg.Interface)
	m.emit(status.Event{Kind: status.FastIRQ, Value: int64(code)})
	switch code {
	case busdriver.FastIRQOK:
	case busdriver.FastIRQNotLinux, busdriver.FastIRQNoDriverInfo,
		busdriver.FastIRQCannotReadCoalesce, busdriver.FastIRQCannotWriteCoalesce:
		m.logger.Warn("fast-irq tuning unavailable, proceeding", "code", code)
	case busdriver.FastIRQNoPermission:
		return &InitError{Kind: KindPermissionDenied, Wrapped: irqErr}
	default:
		return &InitError{Kind: KindInternalError, Code: fmt.Sprintf("fast-irq-%d", code), Wrapped: irqErr}
	}

	// Step 2: Open interface.
	m.emit(status.Event{Kind: status.OpenInterface})
	if err := driver.Open(m.cfg.Interface); err != nil {
		return &InitError{Kind: KindInterfaceUnavailable, Wrapped: err}
	}

	// Step 3: Scan and await PRE-OP.
	m.emit(status.Event{Kind: status.InitializingSlaves})
	count, err := driver.Scan()
	if err != nil {
		return &InitError{Kind: KindScanFailed, Wrapped: err}
	}
	m.emit(status.Event{Kind: status.WaitForPreOp})
	if _, err := driver.AwaitState(-1, busdriver.BusStatePreOp, initStateTimeout); err != nil {
		return &InitError{Kind: KindStateTransitionFailed, Target: busdriver.BusStatePreOp, Wrapped: err}
	}

	// Step 4: DC configuration.
	if m.cfg.DCRequested {
		if driver.ConfigureDC() {
			m.dcEnabled.Store(true)
			m.emit(status.Event{Kind: status.DCEnabled})
		} else {
			m.dcEnabled.Store(false)
			m.emit(status.Event{Kind: status.DCDisabled})
			m.emit(status.Event{Kind: status.NotifyDCNotCapable})
		}
	}

	// Step 5: Identity matching.
	m.emit(status.Event{Kind: status.ConfiguringSlaves})
	m.bound = make([]*subdevice.Subdevice, count)
	prevAlias := uint16(0)
	prevPosition := -1
	computedImageSize := 0
	for i := 0; i < count; i++ {
		rec := driver.Subdevice(i)

		for _, sm := range rec.SyncManagers {
			if sm.StartAddress == 0 {
				continue
			}
			if sm.Type == 3 || sm.Type == 4 {
				computedImageSize += sm.ByteLength()
			}
		}

		// CA-bit clearing runs for every discovered subdevice, matched or
		// not: an unconfigured wire slot still undergoes mailbox startup
		// (spec.md §4.E step 5).
		if m.cfg.DisableCompleteAccess || !rec.CompleteAccessSupported {
			if err := driver.ClearCompleteAccess(i); err != nil {
				return &InitError{Kind: KindInternalError, Code: "clear-ca", Wrapped: err}
			}
		}

		var addr subdevice.Address
		if rec.Alias == 0 || rec.Alias == prevAlias {
			prevPosition++
			addr = subdevice.Address{Alias: prevAlias, Position: uint16(prevPosition)}
		} else {
			prevAlias = rec.Alias
			prevPosition = 0
			addr = subdevice.Address{Alias: prevAlias, Position: 0}
		}

		m.regMu.Lock()
		sd, found := m.registered[addr]
		m.regMu.Unlock()

		if !found {
			m.unconfigured = append(m.unconfigured, i)
			m.unconfiguredAddrs = append(m.unconfiguredAddrs, addr)
			m.emit(status.Event{Kind: status.NotifyUnconfiguredSubdevice, Alias: addr.Alias, Position: addr.Position})
			continue
		}

		if !sd.MatchesIdentity(rec.VendorID, rec.ProductCode) {
			return &InitError{
				Kind:            KindIdentityMismatch,
				Slot:            addr,
				ExpectedVendor:  sd.VendorID,
				ExpectedProduct: sd.ProductCode,
				ActualVendor:    rec.VendorID,
				ActualProduct:   rec.ProductCode,
			}
		}

		handle := subdevice.DriverHandle{Driver: driver, Index: i}
		if err := sd.Configure(handle, m.dcEnabled.Load(), m.cfg.CycleTimeNanos); err != nil {
			return &InitError{Kind: KindInternalError, Code: "configure", Wrapped: err}
		}
		m.bound[i] = sd
	}

	// Step 6: missing-subdevice policy. Three distinct shapes of mismatch
	// are possible between the registration set and the wire, each
	// surfaced as its own error kind per spec.md §4.E step 6: a
	// registered subdevice that never appeared (offline), a wire slot
	// that matched no registration (unconfigured), or neither of those
	// individually explaining a registered/discovered count mismatch.
	var offline []subdevice.Address
	m.regMu.Lock()
	registeredCount := len(m.registered)
	for addr, sd := range m.registered {
		if !sd.Bound() {
			offline = append(offline, addr)
		}
	}
	m.regMu.Unlock()
	for _, addr := range offline {
		m.emit(status.Event{Kind: status.NotifySubdeviceNotFound, Alias: addr.Alias, Position: addr.Position})
	}

	if m.cfg.RequireAllSlaves {
		switch {
		case len(offline) > 0:
			return &InitError{Kind: KindSubdevicesOffline, List: offline}
		case len(m.unconfiguredAddrs) > 0:
			return &InitError{Kind: KindSubdevicesUnconfigured, List: m.unconfiguredAddrs}
		case registeredCount != count:
			return &InitError{Kind: KindSubdeviceCountMismatch, Expected: registeredCount, Actual: count}
		}
	}

	// Step 7: allocate process image.
	m.emit(status.Event{Kind: status.AllocateIOMap})
	image := processimage.New(computedImageSize)
	required, err := driver.MapProcessImage(image.Bytes())
	if err != nil {
		return &InitError{Kind: KindInternalError, Code: "map-image", Wrapped: err}
	}
	if required > image.Size() {
		return &InitError{Kind: KindProcessImageTooSmall, Required: required, Allocated: image.Size()}
	}
	m.image = image

	// Step 8: await SAFE-OP.
	if _, err := driver.AwaitState(-1, busdriver.BusStateSafeOp, initStateTimeout); err != nil {
		return &InitError{Kind: KindStateTransitionFailed, Target: busdriver.BusStateSafeOp, Wrapped: err}
	}

	// Step 9: link buffers, then freeze the layout.
	m.emit(status.Event{Kind: status.LinkBuffers})
	outOffset, inOffset := 0, 0
	for i, sd := range m.bound {
		if sd == nil {
			continue
		}
		rec := driver.Subdevice(i)
		outLen, inLen := 0, 0
		for _, sm := range rec.SyncManagers {
			if sm.StartAddress == 0 {
				continue
			}
			switch sm.Type {
			case 3:
				outLen += sm.ByteLength()
			case 4:
				inLen += sm.ByteLength()
			}
		}
		if err := sd.LinkBuffers(image, outOffset, outLen, inOffset, inLen); err != nil {
			return &InitError{Kind: KindInternalError, Code: "link-buffers", Wrapped: err}
		}
		outOffset += outLen
		inOffset += inLen
	}
	image.Freeze()

	// Step 10: prime TX/RX.
	m.emit(status.Event{Kind: status.ConfigureTxRx})
	if err := driver.SendProcessData(image.Bytes()); err != nil {
		return &InitError{Kind: KindInternalError, Code: "prime-send", Wrapped: err}
	}
	if _, err := driver.ReceiveProcessData(image.Bytes(), m.receiveTimeout()); err != nil {
		return &InitError{Kind: KindInternalError, Code: "prime-receive", Wrapped: err}
	}

	var outputs, inputs int
	for _, g := range driver.Groups() {
		outputs += g.OutputBytes
		inputs += g.InputBytes
	}
	expectedWKC := int32(2*outputs + inputs)
	m.expectedWKC.Store(expectedWKC)
	m.emit(status.Event{Kind: status.NotifyExpectedWorkingCounter, Value: int64(expectedWKC)})

	if m.dcEnabled.Load() {
		start := driver.DCTime()
		m.startDcTime.Store(start)
		m.dcTime.Store(start)
	}

	// Step 11: arm housekeeping. Seed each bound subdevice's observed state
	// from the driver's cache so the first DoHousekeeping call (before any
	// Receive) sees the state reached during priming, not the zero value.
	for i, sd := range m.bound {
		if sd == nil {
			continue
		}
		observed := driver.SubdeviceState(i)
		sd.UpdateStateVariables(observed)
		sd.SetLogicalState(observedToLogical(observed))
		sd.CloseRegistration()
	}
	m.recomputeAggregateState()
	m.emit(status.Event{Kind: status.ConfigureComplete})

	m.initialized.Store(true)
	return nil
}
