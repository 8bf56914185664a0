// Package status implements the replaceable status-callback abstraction
// named in spec.md §7: a tagged-variant event type dispatched through a
// Handler interface, grounded on the teacher stack's
// heartbeat.HBEventCallback (event/index/nodeId/state) and emergency.go's
// tagged error events, generalized from CANopen-specific payloads to the
// trace events and notifications spec.md §7 names.
package status

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kind tags one Event. The trace-event kinds mark progress through
// Master.Init; the Notify* kinds are point-in-time warnings.
type Kind int

const (
	FastIRQ Kind = iota
	CreateContext
	OpenInterface
	InitializingSlaves
	DCEnabled
	DCDisabled
	ConfiguringSlaves
	WaitForPreOp
	AllocateIOMap
	LinkBuffers
	ConfigureTxRx
	ConfigureComplete
	StopHousekeeping

	NotifyUnconfiguredSubdevice
	NotifySubdeviceNotFound
	NotifyExpectedWorkingCounter
	NotifyDCNotCapable
)

var kindNames = map[Kind]string{
	FastIRQ:                      "FAST_IRQ",
	CreateContext:                "CREATE_CONTEXT",
	OpenInterface:                "OPEN_INTERFACE",
	InitializingSlaves:           "INITIALIZING_SLAVES",
	DCEnabled:                    "DC_ENABLED",
	DCDisabled:                   "DC_DISABLED",
	ConfiguringSlaves:            "CONFIGURING_SLAVES",
	WaitForPreOp:                 "WAIT_FOR_PREOP",
	AllocateIOMap:                "ALLOCATE_IOMAP",
	LinkBuffers:                  "LINK_BUFFERS",
	ConfigureTxRx:                "CONFIGURE_TXRX",
	ConfigureComplete:            "CONFIGURE_COMPLETE",
	StopHousekeeping:             "STOP_HOUSEKEEPING",
	NotifyUnconfiguredSubdevice:  "notifyUnconfiguredSubdevice",
	NotifySubdeviceNotFound:      "notifySubdeviceNotFound",
	NotifyExpectedWorkingCounter: "notifyExpectedWorkingCounter",
	NotifyDCNotCapable:           "notifyDCNotCapable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Event is one status-callback notification. Text carries a
// human-readable detail; Alias/Position/Value are populated only for
// kinds that need them (e.g. NotifySubdeviceNotFound carries
// Alias/Position, NotifyExpectedWorkingCounter carries Value).
type Event struct {
	Kind     Kind
	Text     string
	Alias    uint16
	Position uint16
	Value    int64
}

func (e Event) String() string {
	if e.Text != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Text)
	}
	return e.Kind.String()
}

// Handler receives status events. Hosts may substitute their own
// implementation (e.g. to forward into a metrics system); the default is
// LogHandler.
type Handler interface {
	Handle(Event)
}

// LogHandler forwards events to a logrus logger, grounded on the teacher
// stack's examples/master (log.Infof) and cmd/canopen CLI logging style.
type LogHandler struct {
	Logger *logrus.Logger
}

// NewLogHandler returns a LogHandler using logrus's standard logger when
// logger is nil.
func NewLogHandler(logger *logrus.Logger) *LogHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogHandler{Logger: logger}
}

func (h *LogHandler) Handle(e Event) {
	switch e.Kind {
	case NotifyDCNotCapable, NotifyUnconfiguredSubdevice, NotifySubdeviceNotFound:
		h.Logger.WithFields(logrus.Fields{
			"alias":    e.Alias,
			"position": e.Position,
		}).Warn(e.String())
	default:
		h.Logger.Info(e.String())
	}
}

// NullHandler discards all events; useful in tests that don't care about
// status output.
type NullHandler struct{}

func (NullHandler) Handle(Event) {}
