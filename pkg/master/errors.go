// Error kinds surfaced by Master.Init, grounded on the teacher stack's
// root errors.go sentinel style, enriched with the structured payloads
// spec.md §7 requires (each kind must be distinguishable and, where
// named, carry its list/expected/actual/code).
package master

import (
	"errors"
	"fmt"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
	"github.com/ethercat-go/ecmaster/pkg/subdevice"
)

// Kind distinguishes the error returned by Init, per spec.md §7.
type Kind int

const (
	KindAlreadyInitialized Kind = iota
	KindPermissionDenied
	KindInterfaceUnavailable
	KindScanFailed
	KindStateTransitionFailed
	KindIdentityMismatch
	KindDuplicateRegistration
	KindSubdevicesOffline
	KindSubdevicesUnconfigured
	KindSubdeviceCountMismatch
	KindProcessImageTooSmall
	KindInternalError
)

var kindNames = map[Kind]string{
	KindAlreadyInitialized:     "AlreadyInitialized",
	KindPermissionDenied:       "PermissionDenied",
	KindInterfaceUnavailable:   "InterfaceUnavailable",
	KindScanFailed:             "ScanFailed",
	KindStateTransitionFailed:  "StateTransitionFailed",
	KindIdentityMismatch:       "IdentityMismatch",
	KindDuplicateRegistration:  "DuplicateRegistration",
	KindSubdevicesOffline:      "SubdevicesOffline",
	KindSubdevicesUnconfigured: "SubdevicesUnconfigured",
	KindSubdeviceCountMismatch: "SubdeviceCountMismatch",
	KindProcessImageTooSmall:   "ProcessImageTooSmall",
	KindInternalError:          "InternalError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// InitError is the structured error type returned by Init. Only the
// fields relevant to Kind are populated.
type InitError struct {
	Kind Kind

	// StateTransitionFailed
	Target busdriver.BusState

	// IdentityMismatch
	Slot            subdevice.Address
	ExpectedVendor  uint32
	ExpectedProduct uint32
	ActualVendor    uint32
	ActualProduct   uint32

	// DuplicateRegistration
	Alias    uint16
	Position uint16

	// SubdevicesOffline / SubdevicesUnconfigured
	List []subdevice.Address

	// SubdeviceCountMismatch
	Expected int
	Actual   int

	// ProcessImageTooSmall
	Required  int
	Allocated int

	// InternalError
	Code string

	// Wrapped is the underlying driver error, if any.
	Wrapped error
}

func (e *InitError) Error() string {
	switch e.Kind {
	case KindStateTransitionFailed:
		return fmt.Sprintf("ethercat: state transition to %s failed: %v", e.Target, e.Wrapped)
	case KindIdentityMismatch:
		return fmt.Sprintf("ethercat: identity mismatch at %s: expected vendor=0x%x product=0x%x, got vendor=0x%x product=0x%x",
			e.Slot, e.ExpectedVendor, e.ExpectedProduct, e.ActualVendor, e.ActualProduct)
	case KindDuplicateRegistration:
		return fmt.Sprintf("ethercat: duplicate registration for alias=%d position=%d", e.Alias, e.Position)
	case KindSubdevicesOffline:
		return fmt.Sprintf("ethercat: subdevices offline: %v", e.List)
	case KindSubdevicesUnconfigured:
		return fmt.Sprintf("ethercat: subdevices unconfigured: %v", e.List)
	case KindSubdeviceCountMismatch:
		return fmt.Sprintf("ethercat: subdevice count mismatch: expected %d, got %d", e.Expected, e.Actual)
	case KindProcessImageTooSmall:
		return fmt.Sprintf("ethercat: process image too small: required %d, allocated %d", e.Required, e.Allocated)
	case KindInternalError:
		return fmt.Sprintf("ethercat: internal error (code %s): %v", e.Code, e.Wrapped)
	default:
		if e.Wrapped != nil {
			return fmt.Sprintf("ethercat: %s: %v", e.Kind, e.Wrapped)
		}
		return fmt.Sprintf("ethercat: %s", e.Kind)
	}
}

func (e *InitError) Unwrap() error {
	return e.Wrapped
}

// Is lets errors.Is match on Kind alone, so callers can do
// errors.Is(err, &InitError{Kind: KindScanFailed}).
func (e *InitError) Is(target error) bool {
	other, ok := target.(*InitError)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

var (
	// ErrAlreadyShutdown is returned by Shutdown when called more than once.
	ErrAlreadyShutdown = errors.New("ethercat: master already shut down")
	// ErrNotInitialized is returned by Send/Receive/DoHousekeeping before Init.
	ErrNotInitialized = errors.New("ethercat: master not initialized")
	// ErrConfigFrozen is returned by config setters once Init has succeeded.
	ErrConfigFrozen = errors.New("ethercat: configuration is frozen after init")
)
