package master

import (
	"time"

	"github.com/ethercat-go/ecmaster/pkg/busdriver"
)

// defaultEtherCATReceiveTimeout is the constant default for
// ethercatReceiveTimeoutMicros. spec.md §9 notes the source's commented-out
// derivation from cycleTimeNanos; that derivation is not reproduced, only
// the setter is exposed.
const defaultEtherCATReceiveTimeout = 2000 * time.Microsecond

const defaultCycleTimeNanos = 1_000_000

// Config holds the Master options named in spec.md §3 "Master config".
// It is frozen once Init returns successfully; setters after that point
// return ErrConfigFrozen.
type Config struct {
	Interface               string
	RequireAllSlaves        bool
	DisableRecoveryFlag     bool
	ReadRxErrorStatistics   bool
	DisableCompleteAccess   bool
	EtherCATReceiveTimeout  time.Duration
	CycleTimeNanos          int64
	MaxExecutionJitterNanos int64
	DCRequested             bool
}

func defaultConfig(iface string) Config {
	return Config{
		Interface:               iface,
		EtherCATReceiveTimeout:  defaultEtherCATReceiveTimeout,
		CycleTimeNanos:          defaultCycleTimeNanos,
		MaxExecutionJitterNanos: busdriver.MaxExecutionJitterDefault,
	}
}

// SetRequireAllSlaves toggles the missing-subdevice policy for Init
// (spec.md §4.E step 6).
func (m *Master) SetRequireAllSlaves(require bool) error {
	if m.configFrozen() {
		return ErrConfigFrozen
	}
	m.cfg.RequireAllSlaves = require
	return nil
}

// SetEtherCATReceiveTimeout sets the timeout receive() blocks for, in
// microseconds.
func (m *Master) SetEtherCATReceiveTimeout(micros uint32) error {
	if m.configFrozen() {
		return ErrConfigFrozen
	}
	m.cfg.EtherCATReceiveTimeout = time.Duration(micros) * time.Microsecond
	return nil
}

// SetMaximumExecutionJitter sets the jitter gate (nanoseconds) for OP
// promotion when DC is enabled.
func (m *Master) SetMaximumExecutionJitter(ns int64) error {
	if m.configFrozen() {
		return ErrConfigFrozen
	}
	m.cfg.MaxExecutionJitterNanos = ns
	return nil
}

// DisableRecovery disables the housekeeping recovery path: a subdevice
// observed below its logical state trips the whole master to FAULT
// instead of attempting stepwise re-promotion (spec.md §4.G).
func (m *Master) DisableRecovery() error {
	if m.configFrozen() {
		return ErrConfigFrozen
	}
	m.cfg.DisableRecoveryFlag = true
	return nil
}

// SetReadRxErrorStatistics toggles whether housekeeping additionally polls
// receive-error counters from the driver during runOnce.
func (m *Master) SetReadRxErrorStatistics(enabled bool) error {
	if m.configFrozen() {
		return ErrConfigFrozen
	}
	m.cfg.ReadRxErrorStatistics = enabled
	return nil
}

// SetDisableCompleteAccess forces the Complete-Access CA bit cleared for
// every subdevice during Init step 5, regardless of per-subdevice support.
func (m *Master) SetDisableCompleteAccess(disable bool) error {
	if m.configFrozen() {
		return ErrConfigFrozen
	}
	m.cfg.DisableCompleteAccess = disable
	return nil
}

// EnableDC requests Distributed Clocks with the given nominal cycle time.
// The request may be silently downgraded during Init step 4 if the bus is
// not DC-capable.
func (m *Master) EnableDC(cycleNanos int64) error {
	if m.configFrozen() {
		return ErrConfigFrozen
	}
	m.cfg.DCRequested = true
	m.cfg.CycleTimeNanos = cycleNanos
	return nil
}

func (m *Master) configFrozen() bool {
	return m.initialized.Load()
}
