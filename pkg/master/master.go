// Package master implements the EtherCAT master lifecycle, cyclic I/O
// engine, and housekeeping state machine: the core that drives a BusDriver
// through bus scan, PRE-OP/SAFE-OP/OP progression, and steady-state process
// data exchange. It is grounded on the teacher stack's pkg/network
// (NewNetwork/Connect/Scan lifecycle) and pkg/node/controller.go's cyclic
// background loop, generalized from CANopen NMT/PDO semantics to EtherCAT's
// bus-scan-then-cyclic-data model.
package master

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
	"github.com/ethercat-go/ecmaster/pkg/jitter"
	"github.com/ethercat-go/ecmaster/pkg/processimage"
	"github.com/ethercat-go/ecmaster/pkg/status"
	"github.com/ethercat-go/ecmaster/pkg/subdevice"
)

// masterActive is the process-wide single-instance guard named in spec.md
// §9 "Global single-instance flag". It is set on successful Init and
// cleared on Shutdown; New never fails because of it — per the open
// question resolution, double-instantiation is rejected at Init time, not
// at construction, so tests can exercise init -> shutdown -> init.
var masterActive atomic.Bool

// Master owns the process image and the subdevice registry exclusively;
// subdevices hold only non-owning views into the image (spec.md §3
// "Ownership").
type Master struct {
	cfg    Config
	driver busdriver.Driver
	status status.Handler
	logger *slog.Logger

	// driverMu serializes every call into driver: R's send/receive and H's
	// runOnce are mutually exclusive (spec.md §5, SPEC_FULL.md §5), grounded
	// on the teacher's BusManager.mu.
	driverMu sync.Mutex

	regMu      sync.Mutex
	registered map[subdevice.Address]*subdevice.Subdevice

	bound             []*subdevice.Subdevice // wire-order index -> subdevice, nil where unconfigured
	unconfigured      []int                  // wire indices with no matching registration
	unconfiguredAddrs []subdevice.Address    // addresses computed for those wire indices, parallel to unconfigured

	image     *processimage.ProcessImage
	jitterEst *jitter.Estimator

	expectedWKC atomic.Int32
	actualWKC   atomic.Int32

	dcEnabled   atomic.Bool
	dcTime      atomic.Int64
	startDcTime atomic.Int64

	aggregateState atomic.Uint32

	// masterFault latches once DisableRecoveryFlag drives any subdevice to
	// FAULT: per spec.md §4.G the whole master then refuses further
	// promotions, not just the regressed subdevice, and does not clear on
	// its own (housekeeping.go).
	masterFault atomic.Bool

	initialized atomic.Bool // true once this Master's Init has succeeded
	shutdown    atomic.Bool
}

// New constructs a Master bound to the given network interface name. It
// never fails; interface availability is checked during Init.
func New(iface string, opts ...Option) *Master {
	m := &Master{
		cfg:        defaultConfig(iface),
		registered: make(map[subdevice.Address]*subdevice.Subdevice),
		jitterEst:  jitter.New(),
		status:     status.NewLogHandler(nil),
		logger:     slog.Default().With("service", "[MASTER]"),
	}
	m.actualWKC.Store(busdriver.NoFrame)
	m.aggregateState.Store(uint32(subdevice.StateOffline))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures optional Master collaborators at construction time.
type Option func(*Master)

// WithDriver sets the BusDriver used by Init. There is no default driver:
// when omitted, Init fails with an InternalError (code "no-driver").
// Callers wanting a real NIC pass pkg/busdriver/rawsock's driver.
func WithDriver(d busdriver.Driver) Option {
	return func(m *Master) { m.driver = d }
}

// WithStatusHandler overrides the default logrus-backed status.Handler.
func WithStatusHandler(h status.Handler) Option {
	return func(m *Master) {
		if h != nil {
			m.status = h
		}
	}
}

// WithLogger overrides the default slog.Default()-derived logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Master) {
		if l != nil {
			m.logger = l.With("service", "[MASTER]")
		}
	}
}

// RegisterSubdevice adds sd to the set the next Init will try to match
// against the wire. Legal only before Init succeeds. Duplicate (alias,
// position) registration is rejected immediately, matching the
// DuplicateRegistration error Init itself would otherwise raise later.
func (m *Master) RegisterSubdevice(sd *subdevice.Subdevice) error {
	if m.configFrozen() {
		return ErrConfigFrozen
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	addr := sd.Address()
	if _, exists := m.registered[addr]; exists {
		return &InitError{Kind: KindDuplicateRegistration, Alias: addr.Alias, Position: addr.Position}
	}
	m.registered[addr] = sd
	return nil
}

func (m *Master) emit(e status.Event) {
	if m.status != nil {
		m.status.Handle(e)
	}
}

// GetState returns the aggregate logical state: the least-advanced state
// among bound subdevices, by the ordinal INIT < PRE_OP < BOOT < SAFE_OP <
// OP (spec.md §4.G, §8). A bound subdevice in a state outside that
// progression (FAULT, RECOVERING, SHUTDOWN, OFFLINE) is reported instead.
func (m *Master) GetState() subdevice.LogicalState {
	return subdevice.LogicalState(m.aggregateState.Load())
}

// GetExpectedWorkingCounter returns 2*outputs + inputs as derived from the
// driver's group list during Init.
func (m *Master) GetExpectedWorkingCounter() int32 {
	return m.expectedWKC.Load()
}

// GetActualWorkingCounter returns the most recently received working
// counter, or NO_FRAME if the last receive() timed out.
func (m *Master) GetActualWorkingCounter() int32 {
	return m.actualWKC.Load()
}

// GetDcTime returns the DC-master time of the last received datagram, or 0
// if DC was never enabled.
func (m *Master) GetDcTime() int64 {
	return m.dcTime.Load()
}

// GetStartDcTime returns the DC-master time recorded at the end of Init
// (step 10), or 0 if DC was never enabled.
func (m *Master) GetStartDcTime() int64 {
	return m.startDcTime.Load()
}

// GetJitterEstimate returns the current RFC 1889 jitter estimate in
// nanoseconds. Always 0 when DC is disabled (spec.md §8).
func (m *Master) GetJitterEstimate() int64 {
	if !m.dcEnabled.Load() {
		return 0
	}
	return m.jitterEst.Estimate()
}

// GetJitterSamples returns the number of arrivals folded into the jitter
// estimate. Always 0 when DC is disabled.
func (m *Master) GetJitterSamples() uint64 {
	if !m.dcEnabled.Load() {
		return 0
	}
	return m.jitterEst.Samples()
}

// GetSlaves returns every registered subdevice, bound or not, in
// registration order is not guaranteed (map-backed registry).
func (m *Master) GetSlaves() []*subdevice.Subdevice {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	out := make([]*subdevice.Subdevice, 0, len(m.registered))
	for _, sd := range m.registered {
		out = append(out, sd)
	}
	return out
}

func (m *Master) boundSubdevices() []*subdevice.Subdevice {
	out := make([]*subdevice.Subdevice, 0, len(m.bound))
	for _, sd := range m.bound {
		if sd != nil {
			out = append(out, sd)
		}
	}
	return out
}

func (m *Master) recomputeAggregateState() {
	bound := m.boundSubdevices()
	if len(bound) == 0 {
		m.aggregateState.Store(uint32(subdevice.StateOffline))
		return
	}
	least := bound[0].LogicalState()
	leastRank, leastOK := least.Ordinal()
	for _, sd := range bound[1:] {
		s := sd.LogicalState()
		rank, ok := s.Ordinal()
		if !ok {
			// FAULT/RECOVERING/SHUTDOWN/OFFLINE sit outside the
			// progression; a subdevice in one of those states is
			// reported as such at the aggregate level too.
			least, leastOK = s, false
			continue
		}
		if leastOK && rank < leastRank {
			least, leastRank, leastOK = s, rank, true
		}
	}
	m.aggregateState.Store(uint32(least))
}

func (m *Master) cycleTimeDuration() time.Duration {
	return time.Duration(m.cfg.CycleTimeNanos)
}

func (m *Master) receiveTimeout() time.Duration {
	return m.cfg.EtherCATReceiveTimeout
}
