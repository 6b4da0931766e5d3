package ethercat

// Cyclic send operations: each of these queues exactly one datagram per
// PIFrame/slave through Link without blocking on the reply; the Bus
// caller is expected to follow up with ProcessAwaitingFrames once all of
// a cycle's datagrams have been queued (spec.md §4.6).

// SendLogicalRead queues one LRD per PIFrame; on reply the frame bytes are
// scattered into every input BlockIO.
func (b *Bus) SendLogicalRead() error {
	for _, frame := range b.frames {
		frame := frame
		expected := uint16(len(frame.Inputs))
		err := b.link.AddDatagram(CmdLRD, frame.LogicalAddress, make([]byte, len(frame.Buffer)),
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if expected != 0 && wkc < expected {
					return DatagramStateInvalidWKC
				}
				frame.copyInputs(data)
				return DatagramStateOK
			},
			nil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SendLogicalWrite queues one LWR per PIFrame, gathering frame bytes from
// every output BlockIO before sending.
func (b *Bus) SendLogicalWrite() error {
	for _, frame := range b.frames {
		data := frame.gatherOutputs()
		expected := uint16(len(frame.Outputs))
		err := b.link.AddDatagram(CmdLWR, frame.LogicalAddress, data,
			func(header DatagramHeader, reply []byte, wkc uint16) DatagramState {
				if expected != 0 && wkc < expected {
					return DatagramStateInvalidWKC
				}
				return DatagramStateOK
			},
			nil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SendLogicalReadWrite queues one LRW per PIFrame: a single datagram that
// both scatters inputs from the reply and carries outputs out.
func (b *Bus) SendLogicalReadWrite() error {
	for _, frame := range b.frames {
		frame := frame
		data := frame.gatherOutputs()
		expected := uint16(len(frame.Inputs) + 2*len(frame.Outputs))
		err := b.link.AddDatagram(CmdLRW, frame.LogicalAddress, data,
			func(header DatagramHeader, reply []byte, wkc uint16) DatagramState {
				if expected != 0 && wkc < expected {
					return DatagramStateInvalidWKC
				}
				frame.copyInputs(reply)
				return DatagramStateOK
			},
			nil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SendRefreshErrorCounters queues one FPRD of ERROR_COUNTERS per slave.
func (b *Bus) SendRefreshErrorCounters() error {
	for _, slave := range b.slaves {
		slave := slave
		err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, RegErrorCounters), make([]byte, ErrorCountersSize),
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if wkc != 1 {
					return DatagramStateInvalidWKC
				}
				decodeErrorCounters(data, &slave.ErrorCounters)
				return DatagramStateOK
			},
			nil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeErrorCounters(data []byte, out *ErrorCounters) {
	for port := 0; port < 4; port++ {
		out.RX[port].InvalidFrame = data[port*2]
		out.RX[port].PhysicalLayer = data[port*2+1]
	}
	copy(out.Forwarded[:], data[8:12])
	out.MalformedFrame = data[12]
	out.PDI = data[13]
	copy(out.LostLink[:], data[22:26])
}

// SendMailboxReadChecks queues one FPRD of the mailbox-in (SM1) status
// byte per slave, updating CanRead.
func (b *Bus) SendMailboxReadChecks() error {
	for _, slave := range b.slaves {
		slave := slave
		statusAddr := RegSyncManagerN(1) + 5
		err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, statusAddr), make([]byte, 1),
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if wkc != 1 {
					return DatagramStateInvalidWKC
				}
				slave.mailboxFor().CanRead = data[0]&MailboxStatusBit != 0
				return DatagramStateOK
			},
			nil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SendMailboxWriteChecks queues one FPRD of the mailbox-out (SM0) status
// byte per slave, updating CanWrite.
func (b *Bus) SendMailboxWriteChecks() error {
	for _, slave := range b.slaves {
		slave := slave
		statusAddr := RegSyncManagerN(0) + 5
		err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, statusAddr), make([]byte, 1),
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if wkc != 1 {
					return DatagramStateInvalidWKC
				}
				slave.mailboxFor().CanWrite = data[0]&MailboxStatusBit == 0
				return DatagramStateOK
			},
			nil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SendReadMessages drains one pending mailbox reply per slave that
// reports CanRead and has a message awaiting one.
func (b *Bus) SendReadMessages() error {
	for _, slave := range b.slaves {
		slave := slave
		mbx := slave.mailboxFor()
		if !mbx.CanRead || len(mbx.toProcess) == 0 {
			continue
		}
		buf := make([]byte, mbx.SendSize)
		err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, mbx.SendOffset), buf,
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if wkc != 1 {
					return DatagramStateInvalidWKC
				}
				mbx.Receive(data, b.clock.SinceStart())
				return DatagramStateOK
			},
			nil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SendWriteMessages writes one pending outgoing mailbox message per slave
// that reports CanWrite and has one queued.
func (b *Bus) SendWriteMessages() error {
	for _, slave := range b.slaves {
		mbx := slave.mailboxFor()
		if !mbx.CanWrite {
			continue
		}
		pending, ok := mbx.Send()
		if !ok {
			continue
		}
		if err := b.link.AddDatagram(CmdFPWR, createAddress(slave.StationAddress, mbx.RecvOffset), pending.Data(),
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if wkc != 1 {
					return DatagramStateInvalidWKC
				}
				return DatagramStateOK
			},
			nil,
		); err != nil {
			return err
		}
	}
	return nil
}

// SendGetDLStatus queues one FPRD of DL_STATUS per slave.
func (b *Bus) SendGetDLStatus() error {
	for _, slave := range b.slaves {
		slave := slave
		err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, RegDLStatus), make([]byte, 2),
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if wkc != 1 {
					return DatagramStateInvalidWKC
				}
				slave.DLStatus = DLStatus(uint16(data[0]) | uint16(data[1])<<8)
				return DatagramStateOK
			},
			nil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SendGetALStatus queues one FPRD of AL_STATUS+AL_STATUS_CODE per slave,
// surfacing a StateError if the ACK bit is set with a non-zero code.
func (b *Bus) SendGetALStatus() error {
	for _, slave := range b.slaves {
		slave := slave
		err := b.link.AddDatagram(CmdFPRD, createAddress(slave.StationAddress, RegALStatus), make([]byte, 6),
			func(header DatagramHeader, data []byte, wkc uint16) DatagramState {
				if wkc != 1 {
					return DatagramStateInvalidWKC
				}
				slave.ALStatus = State(data[0])
				slave.ALStatusCode = uint16(data[4]) | uint16(data[5])<<8
				if slave.ALStatus&StateAck != 0 && slave.ALStatusCode != 0 {
					return DatagramStateInvalidWKC
				}
				return DatagramStateOK
			},
			func(state DatagramState) error {
				if slave.ALStatus&StateAck != 0 && slave.ALStatusCode != 0 {
					return &StateError{Slave: slave.StationAddress, Code: slave.ALStatusCode, Context: "send_get_al_status"}
				}
				return &DatagramError{State: state}
			},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ProcessAwaitingFrames flushes and processes every datagram queued by the
// cyclic send helpers above, dispatching their reply callbacks.
func (b *Bus) ProcessAwaitingFrames() error {
	return b.link.ProcessDatagrams()
}
