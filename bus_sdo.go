package ethercat

import (
	"fmt"
	"time"
)

// sdoPollInterval bounds how often the blocking SDO helpers poll a
// slave's mailbox-in/mailbox-out sync manager status while waiting for
// room to write or data to read.
const sdoPollInterval = 100 * time.Microsecond

const defaultSDOTimeout = 2 * time.Second

// statusAbortThreshold separates the small library of MessageStatus
// sentinels (StatusSuccess..StatusCoESegmentBadToggleBit, all below
// 0x200) from a real 32 bit CoE abort code assigned straight into
// Status() by sdoMessage.Process's abort branch.
const statusAbortThreshold MessageStatus = 0x200

func isAbortStatus(status MessageStatus) bool { return status >= statusAbortThreshold }

// unsupportedAccessAbort is the abort code a slave returns when it does
// not implement complete access for a given object (ETG.1000.6 abort
// code table, "Unsupported access to an object").
const unsupportedAccessAbort = 0x06010000

// ReadSDO performs a blocking CoE SDO upload against one slave's object
// dictionary, draining Link until the message finalizes or times out. If
// completeAccess is requested and the slave aborts with
// unsupportedAccessAbort, falls back to the emulated complete-access
// read: an upload of subindex 0 for the count, then one upload per
// subindex packed back to back (§4.4).
func (b *Bus) ReadSDO(slave *Slave, index uint16, subindex uint8, completeAccess bool, bufferCap int) ([]byte, error) {
	mbx := slave.mailboxFor()
	deadline := b.clock.SinceStart() + defaultSDOTimeout.Nanoseconds()
	msg, err := mbx.CreateSDOUpload(index, subindex, completeAccess, bufferCap, deadline)
	if err != nil {
		return nil, err
	}
	if err := b.runMailboxMessage(slave, mbx, msg, defaultSDOTimeout); err != nil {
		return nil, err
	}
	if completeAccess && msg.Status() == MessageStatus(unsupportedAccessAbort) {
		return b.readSDOCompleteAccessEmulated(slave, index)
	}
	if isAbortStatus(msg.Status()) {
		return nil, fmt.Errorf("sdo upload %04x:%d aborted: code x%08x", index, subindex, uint32(msg.Status()))
	}
	return msg.Result(), nil
}

// readSDOCompleteAccessEmulated emulates a native complete-access upload
// for slaves that reject it: reads subindex 0 for the subindex count,
// then issues one upload per subindex 1..count and concatenates the
// results behind the subindex-0 value, mirroring the packing
// pkg/gateway/localod.go's CompleteAccessUpload already uses for the
// master's own object dictionary.
func (b *Bus) readSDOCompleteAccessEmulated(slave *Slave, index uint16) ([]byte, error) {
	mbx := slave.mailboxFor()

	countDeadline := b.clock.SinceStart() + defaultSDOTimeout.Nanoseconds()
	countMsg, err := mbx.CreateSDOUpload(index, 0, false, 1, countDeadline)
	if err != nil {
		return nil, err
	}
	if err := b.runMailboxMessage(slave, mbx, countMsg, defaultSDOTimeout); err != nil {
		return nil, err
	}
	if isAbortStatus(countMsg.Status()) {
		return nil, fmt.Errorf("sdo complete access %04x: reading subindex 0 aborted: code x%08x", index, uint32(countMsg.Status()))
	}
	countData := countMsg.Result()
	if len(countData) == 0 {
		return nil, fmt.Errorf("sdo complete access %04x: empty subindex 0 reply", index)
	}
	count := countData[0]

	result := append([]byte(nil), countData...)
	for sub := uint8(1); sub <= count; sub++ {
		subDeadline := b.clock.SinceStart() + defaultSDOTimeout.Nanoseconds()
		subMsg, err := mbx.CreateSDOUpload(index, sub, false, 0, subDeadline)
		if err != nil {
			return nil, err
		}
		if err := b.runMailboxMessage(slave, mbx, subMsg, defaultSDOTimeout); err != nil {
			return nil, err
		}
		if isAbortStatus(subMsg.Status()) {
			return nil, fmt.Errorf("sdo complete access %04x:%d aborted: code x%08x", index, sub, uint32(subMsg.Status()))
		}
		result = append(result, subMsg.Result()...)
	}
	return result, nil
}

// WriteSDO performs a blocking CoE SDO download. Segmented downloads are
// not implemented and surface as ErrSegmentedDownload (§4.4).
func (b *Bus) WriteSDO(slave *Slave, index uint16, subindex uint8, completeAccess bool, data []byte) error {
	mbx := slave.mailboxFor()
	deadline := b.clock.SinceStart() + defaultSDOTimeout.Nanoseconds()
	msg, err := mbx.CreateSDODownload(index, subindex, completeAccess, data, deadline)
	if err != nil {
		return err
	}
	if err := b.runMailboxMessage(slave, mbx, msg, defaultSDOTimeout); err != nil {
		return err
	}
	if isAbortStatus(msg.Status()) {
		return fmt.Errorf("sdo download %04x:%d aborted: code x%08x", index, subindex, uint32(msg.Status()))
	}
	return nil
}

// runMailboxMessage drives a single mailbox transaction to completion:
// write the pending request once room is available, poll for and read a
// reply, and feed it back through mbx.Receive until the message leaves
// Running state. Multi-part transfers (segmented upload) are driven
// transparently since Mailbox.Receive requeues CONTINUE messages itself.
// msg carries its own deadline (set at creation) which Receive expires to
// StatusTimedOut independently of the wall-clock deadline guarding this
// loop's own polling.
func (b *Bus) runMailboxMessage(slave *Slave, mbx *Mailbox, msg Message, timeout time.Duration) error {
	deadline := b.clock.SinceStart() + timeout.Nanoseconds()

	for msg.Status() == StatusRunning {
		pending, ok := mbx.Send()
		if ok {
			if err := b.waitMailboxWritable(slave, deadline); err != nil {
				return err
			}
			if err := b.writeMailboxOut(slave, pending.Data()); err != nil {
				return err
			}
		}

		if err := b.waitMailboxReadable(slave, deadline); err != nil {
			return err
		}
		raw, err := b.readMailboxIn(slave)
		if err != nil {
			return err
		}
		mbx.Receive(raw, b.clock.SinceStart())

		if msg.Status() == StatusTimedOut {
			return ErrMessageTimedOut
		}
		if b.clock.SinceStart() >= deadline {
			return ErrWaitForStateTimeo
		}
	}
	return nil
}

func (b *Bus) waitMailboxWritable(slave *Slave, deadline int64) error {
	for {
		can, err := b.checkSyncManagerStatus(slave, 0)
		if err != nil {
			return err
		}
		if can {
			return nil
		}
		if b.clock.SinceStart() >= deadline {
			return ErrWaitForStateTimeo
		}
		b.clock.Sleep(sdoPollInterval.Nanoseconds())
	}
}

func (b *Bus) waitMailboxReadable(slave *Slave, deadline int64) error {
	for {
		can, err := b.checkSyncManagerStatus(slave, 1)
		if err != nil {
			return err
		}
		if can {
			return nil
		}
		if b.clock.SinceStart() >= deadline {
			return ErrWaitForStateTimeo
		}
		b.clock.Sleep(sdoPollInterval.Nanoseconds())
	}
}

// checkSyncManagerStatus reads one mailbox sync manager's status byte:
// SM0 (recv) mailbox-full bit means the slave hasn't consumed our last
// write yet; SM1 (send) mailbox-full bit means a reply is ready.
func (b *Bus) checkSyncManagerStatus(slave *Slave, smIndex int) (bool, error) {
	statusAddr := RegSyncManagerN(smIndex) + 5
	var full bool
	var opErr error
	err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, statusAddr), make([]byte, 1),
		func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return DatagramStateInvalidWKC
			}
			full = data[0]&MailboxStatusBit != 0
			return DatagramStateOK
		},
		func(state DatagramState) error {
			opErr = &DatagramError{State: state}
			return opErr
		},
	)
	if err != nil {
		return false, err
	}
	if err := b.link.ProcessDatagrams(); err != nil {
		return false, err
	}
	if smIndex == 0 {
		// SM0 (recv): writable once the slave has drained our last message.
		return !full, nil
	}
	// SM1 (send): readable once the slave has queued a reply.
	return full, nil
}

func (b *Bus) writeMailboxOut(slave *Slave, data []byte) error {
	mbx := slave.mailboxFor()
	var opErr error
	err := b.link.AddDatagram(CmdFPWR, createAddress(slave.StationAddress, mbx.RecvOffset), data,
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

func (b *Bus) readMailboxIn(slave *Slave) ([]byte, error) {
	mbx := slave.mailboxFor()
	buf := make([]byte, mbx.SendSize)
	var opErr error
	err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, mbx.SendOffset), buf,
		func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return DatagramStateInvalidWKC
			}
			copy(buf, data)
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
	return buf, nil
}
