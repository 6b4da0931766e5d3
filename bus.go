// Package ethercat implements an EtherCAT master runtime core: frame
// codec, link layer with cable redundancy, CoE mailbox/SDO engine, slave
// and SII modeling, and the bus state machine and PDO mapping engine that
// ties them together.
package ethercat

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Bus drives the EtherCAT state machine over a Link: discovery, reset,
// address assignment, mailbox/mapping configuration, and the cyclic
// datagrams that keep process data and diagnostics fresh (C6). It owns
// the slave slice and the PIFrame layout built by the mapping engine.
type Bus struct {
	link   *Link
	clock  Clock
	slaves []*Slave
	frames []*PIFrame

	watchdogPrecisionNs int64
}

// BusOption configures optional Bus behavior at construction.
type BusOption func(*Bus)

// WithWatchdogPrecision overrides the default 100us PDI/PDO watchdog tick.
func WithWatchdogPrecision(precisionNs int64) BusOption {
	return func(b *Bus) { b.watchdogPrecisionNs = precisionNs }
}

// WithBusClock overrides the production system clock, letting tests
// substitute a fakeClock to exercise deadline behavior deterministically.
func WithBusClock(clock Clock) BusOption {
	return func(b *Bus) { b.clock = clock }
}

// NewBus wraps an already constructed Link.
func NewBus(link *Link, opts ...BusOption) *Bus {
	b := &Bus{
		link:                link,
		clock:               NewSystemClock(),
		watchdogPrecisionNs: 100_000, // 100us
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Slaves returns the discovered slaves in physical-position order.
func (b *Bus) Slaves() []*Slave { return b.slaves }

// Discover broadcast-reads TYPE; the WKC is the number of slaves on the
// wire. Zero slaves is a hard failure (spec.md §4.6).
func (b *Bus) Discover() error {
	count := 0
	var brdErr error
	err := b.link.AddDatagram(CmdBRD, createAddress(0, RegType), make([]byte, 1),
		func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
			count = int(wkc)
			return DatagramStateOK
		},
		func(state DatagramState) error {
			brdErr = &DatagramError{State: state}
			return brdErr
		},
	)
	if err != nil {
		return err
	}
	if err := b.link.ProcessDatagrams(); err != nil {
		return err
	}
	if count == 0 {
		return ErrNoSlaveDetected
	}

	b.slaves = make([]*Slave, count)
	for i := range b.slaves {
		b.slaves[i] = NewSlave(uint16(i))
	}
	log.Infof("[BUS] discovered %d slave(s)", count)
	return nil
}

// broadcastWrite queues one BWR datagram and processes it inline,
// returning a DatagramError if the WKC does not match the slave count.
func (b *Bus) broadcastWrite(address uint16, data []byte) error {
	expected := uint16(len(b.slaves))
	var opErr error
	err := b.link.AddDatagram(CmdBWR, createAddress(0, address), data,
		func(header DatagramHeader, payload []byte, wkc uint16) DatagramState {
			if expected != 0 && wkc != expected {
				return DatagramStateInvalidWKC
			}
			return DatagramStateOK
		},
		func(state DatagramState) error {
			opErr = &DatagramError{State: state}
			return opErr
		},
	)
	if err != nil {
		return err
	}
	return b.link.ProcessDatagrams()
}

// Reset clears every slave's FMMUs, sync managers, DC configuration and
// error counters, then sets the ECAT event mask, in the order spec.md
// §4.6 describes.
func (b *Bus) Reset() error {
	steps := []struct {
		addr uint16
		size int
	}{
		{RegFMMU, FMMUSize * 16},
		{RegSyncManager, SyncManagerSize * 16},
		{RegDCSyncActivation, 1},
		{RegDCCyclicControl, 1},
		{RegErrorCounters, ErrorCountersSize},
	}
	for _, step := range steps {
		if err := b.broadcastWrite(step.addr, make([]byte, step.size)); err != nil {
			return err
		}
	}
	mask := make([]byte, 2)
	mask[0] = byte(EventDCLatch | EventDLStatus | EventALStatus | EventSM0 | EventSM1)
	if err := b.broadcastWrite(RegECatEventMask, mask); err != nil {
		return err
	}
	log.Debugf("[BUS] reset sequence complete")
	return nil
}

// ConfigureWatchdogs programs the shared watchdog divider plus the PDI and
// PDO watchdog times from their respective requested cycle times. Passing
// pdoCycleNs <= 0 reuses pdiCycleNs for both registers, matching a bus with
// no separate process-data watchdog requirement. Both cycle times must fit
// in (0, UINT16_MAX*precision].
func (b *Bus) ConfigureWatchdogs(pdiCycleNs int64, pdoCycleNs int64) error {
	if pdoCycleNs <= 0 {
		pdoCycleNs = pdiCycleNs
	}
	maxCycleNs := int64(^uint16(0)) * b.watchdogPrecisionNs
	if pdiCycleNs <= 0 || pdiCycleNs > maxCycleNs || pdoCycleNs > maxCycleNs {
		return ErrInvalidWatchdog
	}

	divider := ComputeWatchdogDivider(b.watchdogPrecisionNs)
	dividerBuf := make([]byte, 2)
	dividerBuf[0] = byte(divider)
	dividerBuf[1] = byte(divider >> 8)
	if err := b.broadcastWrite(RegWdgDivider, dividerBuf); err != nil {
		return err
	}

	pdiTime := ComputeWatchdogTime(pdiCycleNs, b.watchdogPrecisionNs)
	pdiBuf := []byte{byte(pdiTime), byte(pdiTime >> 8)}
	if err := b.broadcastWrite(RegWdgTimePDI, pdiBuf); err != nil {
		return err
	}

	pdoTime := ComputeWatchdogTime(pdoCycleNs, b.watchdogPrecisionNs)
	pdoBuf := []byte{byte(pdoTime), byte(pdoTime >> 8)}
	return b.broadcastWrite(RegWdgTimePDO, pdoBuf)
}

// AssignAddresses auto-increment-writes STATION_ADDR = 1000+position to
// every detected slave, one per physical position on the wire.
func (b *Bus) AssignAddresses() error {
	for i, slave := range b.slaves {
		address := uint16(1000 + i)
		addrBuf := make([]byte, 2)
		addrBuf[0] = byte(address)
		addrBuf[1] = byte(address >> 8)

		var opErr error
		position := uint16(i)
		err := b.link.AddDatagram(CmdAPWR, createAddress(^position+1, RegStationAddr), addrBuf,
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if wkc != 1 {
					return DatagramStateInvalidWKC
				}
				slave.StationAddress = address
				return DatagramStateOK
			},
			func(state DatagramState) error {
				opErr = &DatagramError{State: state}
				return opErr
			},
		)
		if err != nil {
			return err
		}
		if err := b.link.ProcessDatagrams(); err != nil {
			return err
		}
	}
	return nil
}

// RequestState broadcast-writes AL_CONTROL with the target state.
func (b *Bus) RequestState(target State) error {
	buf := []byte{byte(target), 0}
	return b.broadcastWrite(RegALControl, buf)
}

// WaitForState polls every slave's AL_STATUS until all report the target
// state, calling cyclicCB (if non-nil) on every iteration so process data
// stays fresh while ramping toward OPERATIONAL. Any ACK+nonzero status
// code aborts immediately with a StateError.
func (b *Bus) WaitForState(target State, timeout time.Duration, cyclicCB func()) error {
	deadline := b.clock.SinceStart() + timeout.Nanoseconds()
	for {
		allReached := true
		for _, slave := range b.slaves {
			if err := b.fetchALStatus(slave); err != nil {
				return err
			}
			if slave.ALStatus&StateAck != 0 && slave.ALStatusCode != 0 {
				return &StateError{Slave: slave.StationAddress, Code: slave.ALStatusCode, Context: "wait_for_state"}
			}
			if slave.ALStatus&^StateAck != target {
				allReached = false
			}
		}
		if allReached {
			return nil
		}
		if cyclicCB != nil {
			cyclicCB()
		}
		if b.clock.SinceStart() >= deadline {
			return ErrWaitForStateTimeo
		}
	}
}

func (b *Bus) fetchALStatus(slave *Slave) error {
	var opErr error
	err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, RegALStatus), make([]byte, 6),
		func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return DatagramStateInvalidWKC
			}
			slave.ALStatus = State(data[0])
			slave.ALStatusCode = uint16(data[4]) | uint16(data[5])<<8
			return DatagramStateOK
		},
		func(state DatagramState) error {
			opErr = &DatagramError{State: state}
			return opErr
		},
	)
	if err != nil {
		return err
	}
	return b.link.ProcessDatagrams()
}

// FetchEEPROM reads each slave's SII buffer, starting from the master
// taking PDI control of the EEPROM, one 4-byte EEPROM_DATA read (two
// 16-bit words) at a time until eepromWords words have been read. The
// fetch does not stop early at the End category; the SII parser stops
// there instead.
func (b *Bus) FetchEEPROM(eepromWords int) error {
	for _, slave := range b.slaves {
		if err := b.claimEEPROMControl(slave); err != nil {
			return err
		}
		for word := uint16(0); int(word) < eepromWords; word += 2 {
			data, err := b.readEEPROMWord(slave, word)
			if err != nil {
				return err
			}
			slave.SII.Append(data)
		}
		slave.ParseSII()
		slave.configureMailboxFromEeprom()
	}
	return nil
}

func (b *Bus) claimEEPROMControl(slave *Slave) error {
	var opErr error
	err := b.link.AddDatagram(CmdFPWR, createAddress(slave.StationAddress, RegEEPROMConfig), []byte{0x00, 0x00},
		func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return DatagramStateInvalidWKC
			}
			return DatagramStateOK
		},
		func(state DatagramState) error {
			opErr = &DatagramError{State: state}
			return opErr
		},
	)
	if err != nil {
		return err
	}
	return b.link.ProcessDatagrams()
}

// readEEPROMWord issues one READ command at the given word address and
// polls EEPROM_CONTROL until the ESC reports done, then reads back the
// 4-byte data window.
func (b *Bus) readEEPROMWord(slave *Slave, word uint16) ([]byte, error) {
	cmdBuf := make([]byte, 6)
	cmdBuf[0] = byte(EepromCmdRead)
	cmdBuf[1] = byte(EepromCmdRead >> 8)
	cmdBuf[2] = byte(word)
	cmdBuf[3] = byte(word >> 8)

	if err := b.writeEEPROMControl(slave, cmdBuf); err != nil {
		return nil, err
	}

	for {
		status, err := b.readEEPROMControl(slave)
		if err != nil {
			return nil, err
		}
		busy := status&(1<<15) != 0
		if !busy {
			break
		}
	}

	return b.readEEPROMData(slave)
}

func (b *Bus) writeEEPROMControl(slave *Slave, data []byte) error {
	var opErr error
	err := b.link.AddDatagram(CmdFPWR, createAddress(slave.StationAddress, RegEEPROMControl), data,
		func(header DatagramHeader, reply []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return DatagramStateInvalidWKC
			}
			return DatagramStateOK
		},
		func(state DatagramState) error {
			opErr = &DatagramError{State: state}
			return opErr
		},
	)
	if err != nil {
		return err
	}
	return b.link.ProcessDatagrams()
}

func (b *Bus) readEEPROMControl(slave *Slave) (uint16, error) {
	var status uint16
	var opErr error
	err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, RegEEPROMControl), make([]byte, 2),
		func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return DatagramStateInvalidWKC
			}
			status = uint16(data[0]) | uint16(data[1])<<8
			return DatagramStateOK
		},
		func(state DatagramState) error {
			opErr = &DatagramError{State: state}
			return opErr
		},
	)
	if err != nil {
		return 0, err
	}
	if err := b.link.ProcessDatagrams(); err != nil {
		return 0, err
	}
	return status, nil
}

func (b *Bus) readEEPROMData(slave *Slave) ([]byte, error) {
	result := make([]byte, 4)
	var opErr error
	err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, RegEEPROMData), make([]byte, 4),
		func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return DatagramStateInvalidWKC
			}
			copy(result, data)
			return DatagramStateOK
		},
		func(state DatagramState) error {
			opErr = &DatagramError{State: state}
			return opErr
		},
	)
	if err != nil {
		return nil, err
	}
	if err := b.link.ProcessDatagrams(); err != nil {
		return nil, err
	}
	return result, nil
}

// ConfigureMailboxes writes each slave's SM0/SM1 from the sizes parsed out
// of the Standard Mailbox EEPROM category, then requests PRE-OP and waits
// for every slave to reach it. It does not read or clear any pending
// mailbox content.
func (b *Bus) ConfigureMailboxes() error {
	for _, slave := range b.slaves {
		sms := slave.Mailbox.GenerateSMConfig()
		for i, sm := range sms {
			if err := b.writeSyncManager(slave, i, sm); err != nil {
				return err
			}
		}
	}
	if err := b.RequestState(StatePreOp); err != nil {
		return err
	}
	return b.WaitForState(StatePreOp, 3*time.Second, nil)
}

func (b *Bus) writeSyncManager(slave *Slave, index int, sm SyncManager) error {
	buf := make([]byte, SyncManagerSize)
	buf[0] = byte(sm.StartAddress)
	buf[1] = byte(sm.StartAddress >> 8)
	buf[2] = byte(sm.Length)
	buf[3] = byte(sm.Length >> 8)
	buf[4] = sm.Control
	buf[5] = sm.Status
	buf[6] = sm.Activate
	buf[7] = sm.PDIControl

	var opErr error
	err := b.link.AddDatagram(CmdFPWR, createAddress(slave.StationAddress, RegSyncManagerN(index)), buf,
		func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return DatagramStateInvalidWKC
			}
			return DatagramStateOK
		},
		func(state DatagramState) error {
			opErr = &DatagramError{State: state}
			return opErr
		},
	)
	if err != nil {
		return err
	}
	return b.link.ProcessDatagrams()
}
