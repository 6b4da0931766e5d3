package ethercat

import "encoding/binary"

// SII holds a slave's EEPROM contents, both as the raw double-word buffer
// fetched off the wire and as the categories parsed out of it (C5). Word
// addresses throughout this file are in units of 16-bit words, matching
// the EEPROM addressing scheme used by EEPROM_CONTROL/EEPROM_ADDRESS.
type SII struct {
	Raw []byte

	Strings []string

	General        *GeneralEntry
	HasGeneral     bool
	FMMUs          []uint8
	SyncManagers   []SyncManagerEntry
	RxPDO          []PDOEntry
	TxPDO          []PDOEntry
}

// word reads the 16-bit little-endian word at the given EEPROM word
// address. Returns 0 if the address falls past what has been fetched.
func (s *SII) word(addr uint16) uint16 {
	byteOffset := int(addr) * 2
	if byteOffset+2 > len(s.Raw) {
		return 0
	}
	return binary.LittleEndian.Uint16(s.Raw[byteOffset : byteOffset+2])
}

// Append grows the raw buffer by one EEPROM_DATA chunk (4 or 8 bytes, per
// the slave's addressing scheme), as fetched word-address by word-address
// during the bus's EEPROM read loop.
func (s *SII) Append(data []byte) {
	s.Raw = append(s.Raw, data...)
}

// parse walks the category chain starting at START_CATEGORY (word 0x40),
// one {type:u16, size_in_words:u16} header at a time, 4-byte aligned.
// Unknown categories are skipped by their declared size; END (0xFFFF)
// terminates the walk early even if more bytes remain in Raw.
func (s *SII) parse() {
	offset := int(EepromStartCategory) * 2
	for offset+4 <= len(s.Raw) {
		category := Category(binary.LittleEndian.Uint16(s.Raw[offset : offset+2]))
		sizeWords := binary.LittleEndian.Uint16(s.Raw[offset+2 : offset+4])
		sizeBytes := int(sizeWords) * 2
		dataStart := offset + 4
		dataEnd := dataStart + sizeBytes
		if category == CategoryEnd {
			return
		}
		if dataEnd > len(s.Raw) {
			return
		}
		section := s.Raw[dataStart:dataEnd]

		switch category {
		case CategoryStrings:
			s.parseStrings(section)
		case CategoryGeneral:
			s.parseGeneral(section)
		case CategoryFMMU:
			s.parseFMMU(section)
		case CategorySyncM:
			s.parseSyncM(section)
		case CategoryTxPDO:
			s.TxPDO = append(s.TxPDO, parsePDO(section)...)
		case CategoryRxPDO:
			s.RxPDO = append(s.RxPDO, parsePDO(section)...)
		default:
			// DataTypes, DC and anything vendor-specific: not needed by the
			// mapping engine, skipped by size.
		}

		offset = dataEnd
	}
}

// parseStrings decodes the Strings category: a one-byte count followed by
// that many length-prefixed ASCII strings. Index 0 is reserved empty so
// that a PDOEntry's zero name index always resolves to "".
func (s *SII) parseStrings(section []byte) {
	s.Strings = append(s.Strings, "")
	if len(section) == 0 {
		return
	}
	count := int(section[0])
	pos := 1
	for i := 0; i < count && pos < len(section); i++ {
		length := int(section[pos])
		pos++
		if pos+length > len(section) {
			break
		}
		s.Strings = append(s.Strings, string(section[pos:pos+length]))
		pos += length
	}
}

func (s *SII) parseGeneral(section []byte) {
	if len(section) < generalEntrySize {
		return
	}
	s.General = &GeneralEntry{
		GroupInfoID:     section[0],
		ImageNameID:     section[1],
		DeviceOrderID:   section[2],
		DeviceNameID:    section[3],
		CoEDetails:      section[4],
		FoEDetails:      section[5],
		EoEDetails:      section[6],
		SoEChannels:     section[7],
		DS402Channels:   section[8],
		SysmanClass:     section[9],
		Flags:           section[10],
		CurrentOnEBus:   int16(binary.LittleEndian.Uint16(section[12:14])),
		Ports:           binary.LittleEndian.Uint16(section[14:16]),
		PhysicalMemAddr: binary.LittleEndian.Uint16(section[16:18]),
	}
	s.HasGeneral = true
}

func (s *SII) parseFMMU(section []byte) {
	s.FMMUs = append(s.FMMUs, section...)
}

func (s *SII) parseSyncM(section []byte) {
	for pos := 0; pos+syncManagerEntrySize <= len(section); pos += syncManagerEntrySize {
		entry := section[pos : pos+syncManagerEntrySize]
		s.SyncManagers = append(s.SyncManagers, SyncManagerEntry{
			StartAddress: binary.LittleEndian.Uint16(entry[0:2]),
			Length:       binary.LittleEndian.Uint16(entry[2:4]),
			Control:      entry[4],
			Status:       entry[5],
			Enable:       entry[6],
			Type:         entry[7],
		})
	}
}

// parsePDO decodes one TxPDO/RxPDO category entry: a PDO header naming the
// object index, sync manager, and entry count, followed by that many 8
// byte PDOEntry records.
func parsePDO(section []byte) []PDOEntry {
	const headerSize = 8
	if len(section) < headerSize {
		return nil
	}
	numEntries := int(section[2])

	entries := make([]PDOEntry, 0, numEntries)
	pos := headerSize
	for i := 0; i < numEntries && pos+pdoEntrySize <= len(section); i++ {
		e := section[pos : pos+pdoEntrySize]
		entries = append(entries, PDOEntry{
			Index:     binary.LittleEndian.Uint16(e[0:2]),
			SubIndex:  e[2],
			NameIdx:   e[3],
			DataType:  e[4],
			BitLength: e[5],
			Flags:     binary.LittleEndian.Uint16(e[6:8]),
		})
		pos += pdoEntrySize
	}
	return entries
}

// ParseSII parses the slave's fetched EEPROM buffer into its SII category
// fields. Call once the bus's EEPROM read loop has filled SII.Raw.
func (s *Slave) ParseSII() {
	s.SII.parse()
}
