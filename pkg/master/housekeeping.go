// Housekeeping state machine (spec.md §4.G), grounded on the teacher's
// pkg/nmt state machine (state transitions driven by a non-realtime
// controller loop) and pkg/heartbeat's consumer fault detection
// (observing a node drop below its expected state and reacting).
package master

import (
	"github.com/ethercat-go/ecmaster/pkg/busdriver"
	"github.com/ethercat-go/ecmaster/pkg/status"
	"github.com/ethercat-go/ecmaster/pkg/subdevice"
)

// minJitterSamples is the implementer-chosen threshold for "enough
// samples to stabilize" named as an open choice in spec.md §4.G.
const minJitterSamples = 3

func observedToLogical(s busdriver.BusState) subdevice.LogicalState {
	switch s {
	case busdriver.BusStateOp:
		return subdevice.StateOp
	case busdriver.BusStateSafeOp:
		return subdevice.StateSafeOp
	case busdriver.BusStateBoot:
		return subdevice.StateBoot
	case busdriver.BusStatePreOp:
		return subdevice.StatePreOp
	case busdriver.BusStateInit:
		return subdevice.StateInit
	default:
		return subdevice.StateOffline
	}
}

// opGateSatisfied reports whether promotion to OP is currently permitted:
// the last received working counter must match expected, and (when DC is
// enabled) the jitter estimate must be within bound on enough samples to
// have stabilized (spec.md §4.G).
func (m *Master) opGateSatisfied() bool {
	if m.actualWKC.Load() != m.expectedWKC.Load() {
		return false
	}
	if m.dcEnabled.Load() {
		if m.jitterEst.Estimate() > m.cfg.MaxExecutionJitterNanos {
			return false
		}
		if m.jitterEst.Samples() < minJitterSamples {
			return false
		}
	}
	return true
}

// promote drives one bound subdevice's logical state toward observed,
// requesting the OP transition from the driver only when the gate is
// satisfied.
func (m *Master) promote(wireIndex int, sd *subdevice.Subdevice, observed subdevice.LogicalState, gateOK bool) {
	if observed == subdevice.StateSafeOp && gateOK {
		_ = m.driver.RequestState(wireIndex, busdriver.BusStateOp)
		sd.SetLogicalState(subdevice.StateOp)
		return
	}
	sd.SetLogicalState(observed)
}

// subdeviceDecision is one bound subdevice's regression verdict for the
// current DoHousekeeping pass, computed before any state is mutated so a
// fault discovered partway through the bound list can still veto
// promotions already decided for earlier subdevices this cycle.
type subdeviceDecision struct {
	wireIndex int
	sd        *subdevice.Subdevice
	observed  subdevice.LogicalState
	regressed bool
}

// DoHousekeeping performs exactly one bounded amount of work (spec.md
// §4.G): it reads each bound subdevice's observed state (refreshed by the
// last Receive), promotes or demotes its logical state, and drives
// recovery for subdevices observed below their last logical state. It
// must not run concurrently with Send/Receive (spec.md §5); both share
// Master.driverMu.
//
// Once DisableRecoveryFlag drives any subdevice to FAULT, the whole
// master latches into FAULT and every subsequent call refuses further
// promotions (spec.md §4.G), regardless of whether the offending
// subdevice's observed state later recovers on its own.
func (m *Master) DoHousekeeping() error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	if m.shutdown.Load() {
		return ErrAlreadyShutdown
	}

	m.driverMu.Lock()
	defer m.driverMu.Unlock()

	if m.masterFault.Load() {
		m.aggregateState.Store(uint32(subdevice.StateFault))
		return nil
	}

	if m.cfg.ReadRxErrorStatistics {
		for i, sd := range m.bound {
			if sd == nil {
				continue
			}
			if count, err := m.driver.RxErrorCounters(i); err == nil {
				sd.UpdateRxErrorCount(count)
			}
		}
	}

	gateOK := m.opGateSatisfied()

	decisions := make([]subdeviceDecision, 0, len(m.bound))
	faulted := false
	for i, sd := range m.bound {
		if sd == nil {
			continue
		}
		observedLogical := observedToLogical(sd.ObservedState())
		current := sd.LogicalState()

		currentRank, currentOK := current.Ordinal()
		observedRank, observedOK := observedLogical.Ordinal()
		regressed := currentOK && observedOK && observedRank < currentRank

		if regressed && m.cfg.DisableRecoveryFlag {
			faulted = true
		}
		decisions = append(decisions, subdeviceDecision{wireIndex: i, sd: sd, observed: observedLogical, regressed: regressed})
	}

	if faulted {
		for _, d := range decisions {
			d.sd.SetLogicalState(subdevice.StateFault)
		}
		m.masterFault.Store(true)
		m.aggregateState.Store(uint32(subdevice.StateFault))
		return nil
	}

	// RECOVERING is left in place for this cycle: a subdevice only
	// re-attempts promotion once a later DoHousekeeping call observes it
	// outside the ordinal progression (Ordinal()'s ok=false), so the
	// state stays visible to GetState()/LogicalState() rather than being
	// clobbered by promote() within the same call.
	for _, d := range decisions {
		if d.regressed {
			d.sd.SetLogicalState(subdevice.StateRecovering)
			continue
		}
		m.promote(d.wireIndex, d.sd, d.observed, gateOK)
	}

	m.recomputeAggregateState()
	return nil
}

// ShutdownSubdevices requests every bound subdevice move to INIT and
// reports whether all of them have confirmed. Safe to call repeatedly;
// returns true exactly when every bound subdevice reports HasShutdown().
func (m *Master) ShutdownSubdevices() bool {
	m.driverMu.Lock()
	defer m.driverMu.Unlock()

	all := true
	for i, sd := range m.bound {
		if sd == nil {
			continue
		}
		if !sd.ShutdownRequested() {
			sd.Shutdown()
			if m.driver != nil {
				_ = m.driver.RequestState(i, busdriver.BusStateInit)
			}
		}
		if !sd.HasShutdown() {
			if m.driver != nil && m.driver.SubdeviceState(i) == busdriver.BusStateInit {
				sd.ConfirmShutdown()
			}
		}
		if !sd.HasShutdown() {
			all = false
		}
	}
	return all
}

// Shutdown commands all subdevices to INIT, closes the driver, and
// releases the interface. Idempotent: a second call returns
// ErrAlreadyShutdown without touching driver resources again (spec.md §8
// "Idempotence").
func (m *Master) Shutdown() error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return ErrAlreadyShutdown
	}

	m.driverMu.Lock()
	defer m.driverMu.Unlock()

	for i, sd := range m.bound {
		if sd == nil {
			continue
		}
		sd.Shutdown()
		if m.driver != nil {
			_ = m.driver.RequestState(i, busdriver.BusStateInit)
		}
		sd.ConfirmShutdown()
	}

	m.aggregateState.Store(uint32(subdevice.StateShutdown))
	m.emit(status.Event{Kind: status.StopHousekeeping})

	var err error
	if m.driver != nil {
		err = m.driver.Close()
	}
	masterActive.Store(false)
	return err
}
