// Cyclic engine (spec.md §4.F): Send/Receive/ReceiveSimple, grounded on
// pkg/node/controller.go's background ticker loop generalized from a
// CANopen heartbeat/RPDO cycle to an EtherCAT send/receive datagram pair.
package master

import (
	"github.com/ethercat-go/ecmaster/pkg/busdriver"
)

// Send hands the current output image to the driver for transmission. The
// call is non-blocking from the application's perspective; the driver may
// block briefly on the socket. Must be called by the realtime thread R,
// and must not run concurrently with DoHousekeeping (spec.md §5).
func (m *Master) Send() error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	if m.shutdown.Load() {
		return ErrAlreadyShutdown
	}
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	return m.driver.SendProcessData(m.image.Bytes())
}

// Receive blocks up to the configured EtherCAT receive timeout for the
// cyclic frame. On timeout it returns NO_FRAME and performs no other
// side effects (spec.md "Boundary" property). On a frame it updates the
// jitter estimator (if DC is enabled), stores the working counter, and
// refreshes every bound subdevice's observed state.
func (m *Master) Receive() (int32, error) {
	if !m.initialized.Load() {
		return busdriver.NoFrame, ErrNotInitialized
	}
	if m.shutdown.Load() {
		return busdriver.NoFrame, ErrAlreadyShutdown
	}
	m.driverMu.Lock()
	defer m.driverMu.Unlock()

	wkc, err := m.driver.ReceiveProcessData(m.image.Bytes(), m.receiveTimeout())
	if err != nil {
		return busdriver.NoFrame, err
	}
	if wkc == busdriver.NoFrame {
		return busdriver.NoFrame, nil
	}

	if m.dcEnabled.Load() {
		t := m.driver.DCTime()
		m.dcTime.Store(t)
		m.jitterEst.Update(t, m.cfg.CycleTimeNanos)
	}

	m.actualWKC.Store(wkc)

	for i, sd := range m.bound {
		if sd == nil {
			continue
		}
		sd.UpdateStateVariables(m.driver.SubdeviceState(i))
	}

	return wkc, nil
}

// ReceiveSimple is a variant of Receive that skips the jitter update,
// subdevice state refresh, and working-counter storage; used when the
// host issues multiple receives within one cycle (spec.md §4.F).
func (m *Master) ReceiveSimple() (int32, error) {
	if !m.initialized.Load() {
		return busdriver.NoFrame, ErrNotInitialized
	}
	if m.shutdown.Load() {
		return busdriver.NoFrame, ErrAlreadyShutdown
	}
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	return m.driver.ReceiveProcessData(m.image.Bytes(), m.receiveTimeout())
}
