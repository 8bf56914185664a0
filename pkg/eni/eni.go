// Package eni loads an EtherCAT Network Information file declaring the
// master's options and expected subdevices, so a host can populate a
// Master from a config file instead of Go code. It is grounded on the
// teacher stack's od_parser.go, which uses gopkg.in/ini.v1 to parse a
// CANopen EDS file section-by-section; the shape here is the same
// (one section per declared object) applied to ENI's master/subdevice
// declarations instead of CANopen object dictionary entries.
package eni

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// MasterOptions mirrors the subset of Master config that an ENI file may
// declare (spec.md §3 "Master config").
type MasterOptions struct {
	Interface                    string
	RequireAllSlaves             bool
	DisableRecovery              bool
	ReadRxErrorStatistics        bool
	DisableCompleteAccess        bool
	EtherCATReceiveTimeoutMicros uint32
	CycleTimeNanos               int64
	MaxExecutionJitterNanos      int64
	EnableDC                     bool
}

// DeclaredSubdevice is one statically-declared expected subdevice.
type DeclaredSubdevice struct {
	Name        string
	VendorID    uint32
	ProductCode uint32
	Alias       uint16
	Position    uint16
}

// Document is the parsed result of an ENI file.
type Document struct {
	Master      MasterOptions
	Subdevices  []DeclaredSubdevice
}

// Load parses an ENI file at path. Section [Master] holds MasterOptions
// keys; every other section that has a VendorID key declares one
// subdevice, keyed by its section name (used only as a human label).
// Sections without a VendorID key are ignored.
func Load(path string) (*Document, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("eni: failed to load %s: %w", path, err)
	}
	return parse(cfg)
}

// Parse parses ENI content already loaded into memory (e.g. embedded in a
// binary, or received over a management API).
func Parse(data []byte) (*Document, error) {
	cfg, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("eni: failed to parse document: %w", err)
	}
	return parse(cfg)
}

func parse(cfg *ini.File) (*Document, error) {
	doc := &Document{}

	if master := cfg.Section("Master"); master != nil {
		doc.Master = MasterOptions{
			Interface:                    master.Key("Interface").String(),
			RequireAllSlaves:             master.Key("RequireAllSlaves").MustBool(false),
			DisableRecovery:              master.Key("DisableRecovery").MustBool(false),
			ReadRxErrorStatistics:        master.Key("ReadRxErrorStatistics").MustBool(false),
			DisableCompleteAccess:        master.Key("DisableCompleteAccess").MustBool(false),
			EtherCATReceiveTimeoutMicros: uint32(master.Key("EtherCATReceiveTimeoutMicros").MustUint(2000)),
			CycleTimeNanos:               master.Key("CycleTimeNanos").MustInt64(1_000_000),
			MaxExecutionJitterNanos:      master.Key("MaxExecutionJitterNanos").MustInt64(25_000),
			EnableDC:                     master.Key("EnableDC").MustBool(false),
		}
	}

	for _, section := range cfg.Sections() {
		name := section.Name()
		if name == "DEFAULT" || name == "Master" {
			continue
		}
		if !section.HasKey("VendorID") {
			continue
		}
		sd := DeclaredSubdevice{
			Name:        name,
			VendorID:    uint32(section.Key("VendorID").MustUint64(0)),
			ProductCode: uint32(section.Key("ProductCode").MustUint64(0)),
			Alias:       uint16(section.Key("Alias").MustUint(0)),
			Position:    uint16(section.Key("Position").MustUint(0)),
		}
		doc.Subdevices = append(doc.Subdevices, sd)
	}

	return doc, nil
}
