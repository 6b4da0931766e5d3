package ethercat

import (
	"time"

	"gopkg.in/ini.v1"
)

// BusConfig is a bus's static configuration: which NICs to bind, the
// cyclic period, watchdog timing, and any slaves the user wants mapped
// statically instead of through CoE/SII auto-detection.
type BusConfig struct {
	NominalInterface    string
	RedundancyInterface string
	CyclePeriod         time.Duration
	PDIWatchdog         time.Duration
	PDOWatchdog         time.Duration
	StaticSlaves        []StaticSlaveConfig
}

// StaticSlaveConfig overrides mapping auto-detection for one slave,
// identified by its physical position on the wire.
type StaticSlaveConfig struct {
	Position    uint16
	InputBytes  int
	OutputBytes int
}

// LoadBusConfig reads an INI file describing bus-level settings: a
// [bus] section for interfaces/timing, and one `[slaveNN]` section per
// statically-mapped slave, mirroring the teacher's "read typed fields out
// of an INI section" pattern used for node/object-dictionary configuration.
func LoadBusConfig(path string) (BusConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return BusConfig{}, err
	}

	bus := file.Section("bus")
	cfg := BusConfig{
		NominalInterface:    bus.Key("nominal_interface").String(),
		RedundancyInterface: bus.Key("redundancy_interface").String(),
	}

	cyclePeriodUs := bus.Key("cycle_period_us").MustInt64(1000)
	cfg.CyclePeriod = time.Duration(cyclePeriodUs) * time.Microsecond

	pdiWatchdogUs := bus.Key("pdi_watchdog_us").MustInt64(100000)
	cfg.PDIWatchdog = time.Duration(pdiWatchdogUs) * time.Microsecond

	pdoWatchdogUs := bus.Key("pdo_watchdog_us").MustInt64(100000)
	cfg.PDOWatchdog = time.Duration(pdoWatchdogUs) * time.Microsecond

	for _, section := range file.Sections() {
		position, ok := parseSlaveSectionName(section.Name())
		if !ok {
			continue
		}
		cfg.StaticSlaves = append(cfg.StaticSlaves, StaticSlaveConfig{
			Position:    position,
			InputBytes:  section.Key("input_bytes").MustInt(0),
			OutputBytes: section.Key("output_bytes").MustInt(0),
		})
	}

	return cfg, nil
}

// parseSlaveSectionName matches section names of the form "slaveNN",
// returning the physical position NN.
func parseSlaveSectionName(name string) (uint16, bool) {
	const prefix = "slave"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	var position uint16
	for _, r := range name[len(prefix):] {
		if r < '0' || r > '9' {
			return 0, false
		}
		position = position*10 + uint16(r-'0')
	}
	return position, true
}

// ApplyStaticSlaves marks the listed slaves is_static_mapping and sizes
// their Input/Output blocks from the config, ahead of BuildMapping.
func (b *Bus) ApplyStaticSlaves(cfg BusConfig) {
	for _, sc := range cfg.StaticSlaves {
		if int(sc.Position) >= len(b.slaves) {
			continue
		}
		slave := b.slaves[sc.Position]
		slave.IsStaticMapping = true
		slave.Input.SizeBits = sc.InputBytes * 8
		slave.Output.SizeBits = sc.OutputBytes * 8
	}
}
