package ethercat

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// detectMapping determines a slave's input/output bit sizes. Slaves
// advertising CoE are queried live via SM com type (0x1C00) and PDO
// assignment (0x1C1x); slaves without CoE fall back to their SII
// TxPDO/RxPDO categories (spec.md §4.6).
func (b *Bus) detectMapping(slave *Slave) (inputBits, outputBits int, err error) {
	if slave.SII.HasGeneral && slave.SII.General.SupportsCoE() {
		return b.detectMappingCoE(slave)
	}
	return detectMappingFromSII(slave), 0, nil
}

// detectMappingFromSII sums the bit lengths of every TxPDO entry for the
// slave's input side; RxPDO entries are handled by the caller for output.
// Kept as two passes since input/output sizing is requested separately by
// the mapping engine.
func detectMappingFromSII(slave *Slave) int {
	total := 0
	for _, entry := range slave.SII.TxPDO {
		total += int(entry.BitLength)
	}
	return total
}

func detectOutputMappingFromSII(slave *Slave) int {
	total := 0
	for _, entry := range slave.SII.RxPDO {
		total += int(entry.BitLength)
	}
	return total
}

// detectMappingCoE reads which sync managers carry PDO data (0x1C00), then
// for each one reads its assigned PDO index list (0x1C1x) and sums the
// mapped subindex bit lengths from each assigned PDO object (0x1C1x
// entries point at e.g. 0x1A00/0x1600 mapping objects).
func (b *Bus) detectMappingCoE(slave *Slave) (inputBits, outputBits int, err error) {
	smCount, err := b.readSDOUploadByte(slave, CoESMComType, 0)
	if err != nil {
		return 0, 0, err
	}

	for sm := uint8(1); sm <= smCount; sm++ {
		smType, err := b.readSDOUploadByte(slave, CoESMComType, sm)
		if err != nil {
			return 0, 0, err
		}
		// smType: 1 = mailbox out, 2 = mailbox in, 3 = output (RxPDO), 4 = input (TxPDO),
		// per ETG.1000.6 SM communication type assignment. Subindex sm
		// describes sync manager sm-1, whose assignment object is 0x1C10+sm-1.
		if smType != uint8(SMOutput) && smType != uint8(SMInput) {
			continue
		}

		assigned, err := b.readPDOAssignment(slave, CoESMChannel+uint16(sm-1))
		if err != nil {
			return 0, 0, err
		}

		bits := 0
		for _, pdoIndex := range assigned {
			n, err := b.readPDOMappingBits(slave, pdoIndex)
			if err != nil {
				return 0, 0, err
			}
			bits += n
		}

		if smType == uint8(SMInput) {
			inputBits += bits
		} else {
			outputBits += bits
		}
	}
	return inputBits, outputBits, nil
}

// readSDOUploadByte issues a blocking expedited SDO upload for a single
// byte object/subindex, draining Link until the mailbox round completes.
func (b *Bus) readSDOUploadByte(slave *Slave, index uint16, subindex uint8) (uint8, error) {
	data, err := b.ReadSDO(slave, index, subindex, false, 1)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return data[0], nil
}

// readPDOAssignment uploads the sub-index-count then each assigned PDO
// index from the given SM assignment object (0x1C1x).
func (b *Bus) readPDOAssignment(slave *Slave, index uint16) ([]uint16, error) {
	count, err := b.readSDOUploadByte(slave, index, 0)
	if err != nil {
		return nil, err
	}
	assigned := make([]uint16, 0, count)
	for sub := uint8(1); sub <= count; sub++ {
		data, err := b.ReadSDO(slave, index, sub, false, 2)
		if err != nil {
			return nil, err
		}
		if len(data) < 2 {
			continue
		}
		assigned = append(assigned, uint16(data[0])|uint16(data[1])<<8)
	}
	return assigned, nil
}

// readPDOMappingBits sums the bit lengths encoded in the low byte of each
// mapping entry (index:subindex:bitlen packed as a 32-bit value) of a PDO
// mapping object such as 0x1A00/0x1600.
func (b *Bus) readPDOMappingBits(slave *Slave, pdoIndex uint16) (int, error) {
	count, err := b.readSDOUploadByte(slave, pdoIndex, 0)
	if err != nil {
		return 0, err
	}
	total := 0
	for sub := uint8(1); sub <= count; sub++ {
		data, err := b.ReadSDO(slave, pdoIndex, sub, false, 4)
		if err != nil {
			return 0, err
		}
		if len(data) < 4 {
			continue
		}
		total += int(data[0]) // mapping entry's low byte is the bit length
	}
	return total, nil
}

// BuildMapping runs the detect phase over every slave, packs their
// input/output blocks into PIFrames (each a logical-address window of at
// most MaxPayloadSize bytes, keeping a slave's block contiguous within
// one frame), and programs one FMMU per direction per slave.
func (b *Bus) BuildMapping(startLogicalAddress uint32) error {
	builder := newMappingBuilder(startLogicalAddress)

	for _, slave := range b.slaves {
		var inputBits, outputBits int
		if slave.IsStaticMapping {
			inputBits = slave.Input.SizeBits
			outputBits = slave.Output.SizeBits
		} else {
			var err error
			inputBits, outputBits, err = b.detectMapping(slave)
			if err != nil {
				return err
			}
			if !slave.SII.HasGeneral || !slave.SII.General.SupportsCoE() {
				outputBits = detectOutputMappingFromSII(slave)
			}
		}

		inputBytes := (inputBits + 7) / 8
		outputBytes := (outputBits + 7) / 8

		if inputBytes > MaxPayloadSize || outputBytes > MaxPayloadSize {
			return ErrMappingTooLarge
		}

		if inputBytes > 0 {
			logicalAddr, _ := builder.addInput(slave, inputBytes)
			slave.Input.SizeBits = inputBits
			slave.Input.SizeBytes = inputBytes
			slave.Input.LogicalAddr = logicalAddr
			slave.Input.Data = make([]byte, inputBytes)
			if err := b.programFMMU(slave, 0, logicalAddr, uint16(inputBytes), FMMUTypeInput); err != nil {
				return err
			}
		}
		if outputBytes > 0 {
			logicalAddr, _ := builder.addOutput(slave, outputBytes)
			slave.Output.SizeBits = outputBits
			slave.Output.SizeBytes = outputBytes
			slave.Output.LogicalAddr = logicalAddr
			slave.Output.Data = make([]byte, outputBytes)
			if err := b.programFMMU(slave, 1, logicalAddr, uint16(outputBytes), FMMUTypeOutput); err != nil {
				return err
			}
		}
	}

	b.frames = builder.Frames()
	log.Infof("[BUS] mapping built: %d PIFrame(s)", len(b.frames))
	return b.programProcessDataSyncManagers()
}

// programFMMU writes one FMMU entry mapping a logical-address window onto
// the slave's physical PDO sync manager. fmmuIndex 0 is conventionally
// used for inputs, 1 for outputs.
func (b *Bus) programFMMU(slave *Slave, fmmuIndex int, logicalAddr uint32, length uint16, fmmuType uint8) error {
	physicalAddr := uint16(0x1400) // SM3 input buffer
	if fmmuType == FMMUTypeOutput {
		physicalAddr = 0x1100 // SM2 output buffer
	}

	buf := make([]byte, FMMUSize)
	buf[0] = byte(logicalAddr)
	buf[1] = byte(logicalAddr >> 8)
	buf[2] = byte(logicalAddr >> 16)
	buf[3] = byte(logicalAddr >> 24)
	buf[4] = byte(length)
	buf[5] = byte(length >> 8)
	buf[6] = 0 // logical start bit
	buf[7] = 7 // logical stop bit
	buf[8] = byte(physicalAddr)
	buf[9] = byte(physicalAddr >> 8)
	buf[10] = 0 // physical start bit
	buf[11] = fmmuType
	buf[12] = 1 // activate

	var opErr error
	err := b.link.AddDatagram(CmdFPWR, createAddress(slave.StationAddress, RegFMMUn(fmmuIndex)), buf,
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

// programProcessDataSyncManagers writes SM2 (outputs) / SM3 (inputs) for
// every slave from its mapped sizes, then drives the bus to SAFE-OP.
func (b *Bus) programProcessDataSyncManagers() error {
	for _, slave := range b.slaves {
		if slave.Output.SizeBytes > 0 {
			sm := SyncManager{StartAddress: 0x1100, Length: uint16(slave.Output.SizeBytes), Control: 0x64, Activate: 0x01}
			if err := b.writeSyncManager(slave, 2, sm); err != nil {
				return err
			}
		}
		if slave.Input.SizeBytes > 0 {
			sm := SyncManager{StartAddress: 0x1400, Length: uint16(slave.Input.SizeBytes), Control: 0x20, Activate: 0x01}
			if err := b.writeSyncManager(slave, 3, sm); err != nil {
				return err
			}
		}
	}
	if err := b.RequestState(StateSafeOp); err != nil {
		return err
	}
	return b.WaitForState(StateSafeOp, 3*time.Second, nil)
}
