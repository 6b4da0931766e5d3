package ethercat

import "encoding/binary"

// SDO-Information header layout reuses the SDO command byte's offset: a 1
// byte opcode (top bit = incomplete/more-follows) followed by a reserved
// byte and a 2 byte fragments_left counter, all ahead of sdoPayloadOffset.
const (
	infoOpcodeOffset        = sdoCmdOffset         // 8
	infoFragmentsLeftOffset = infoOpcodeOffset + 2 // 10
)

func encodeSDOInfoHeader(buf []byte, opcode uint8, incomplete bool, fragmentsLeft uint16) {
	b := opcode & 0x7F
	if incomplete {
		b |= 0x80
	}
	buf[infoOpcodeOffset] = b
	buf[infoOpcodeOffset+1] = 0
	binary.LittleEndian.PutUint16(buf[infoFragmentsLeftOffset:infoFragmentsLeftOffset+2], fragmentsLeft)
}

func decodeSDOInfoHeader(buf []byte) (opcode uint8, incomplete bool, fragmentsLeft uint16) {
	b := buf[infoOpcodeOffset]
	opcode = b & 0x7F
	incomplete = b&0x80 != 0
	fragmentsLeft = binary.LittleEndian.Uint16(buf[infoFragmentsLeftOffset : infoFragmentsLeftOffset+2])
	return
}

// sdoInfoMessage drives one CoE SDO-Information query (object list,
// object description or entry description), reassembling fragmented
// replies until fragments_left reaches 0. Grounded on Mailbox.cc's
// SDO-Information handling and the opcode/fragment layout in
// lib/src/CoE/protocol.cc.
type sdoInfoMessage struct {
	buf            []byte
	status         MessageStatus
	responseOpcode uint8
	deadline       int64

	result []byte
}

func newSDOInfoMessage(mailboxSize int, requestOpcode, responseOpcode uint8, payload []byte, deadline int64) *sdoInfoMessage {
	m := &sdoInfoMessage{
		buf:            make([]byte, mailboxSize),
		status:         StatusRunning,
		responseOpcode: responseOpcode,
		deadline:       deadline,
	}
	binary.LittleEndian.PutUint16(m.buf[0:2], uint16(sdoPayloadOffset-MailboxHeaderSize+len(payload)))
	binary.LittleEndian.PutUint16(m.buf[2:4], 0)
	m.buf[4] = 0
	m.buf[5] = uint8(MailboxTypeCoE)
	encodeCoEHeader(m.buf, 0, CoESDOInformation)
	encodeSDOInfoHeader(m.buf, requestOpcode, false, 0)
	copy(m.buf[sdoPayloadOffset:], payload)
	return m
}

// newGetODListMessage queries the object indices present in listType
// (0x01 selects "all objects", per ETG.1000.6's ListType field).
func newGetODListMessage(mailboxSize int, listType uint16, deadline int64) *sdoInfoMessage {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, listType)
	return newSDOInfoMessage(mailboxSize, SDOInfoGetODListReq, SDOInfoGetODListResp, payload, deadline)
}

// newGetODMessage queries one object's description (data type, max
// subindex, object code, name).
func newGetODMessage(mailboxSize int, index uint16, deadline int64) *sdoInfoMessage {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, index)
	return newSDOInfoMessage(mailboxSize, SDOInfoGetODReq, SDOInfoGetODResp, payload, deadline)
}

// newGetEDMessage queries one entry's description (data type, bit
// length, object access, name/default value). valueInfo selects which
// optional fields the slave includes in its reply (ETG.1000.6 5.6.3.5).
func newGetEDMessage(mailboxSize int, index uint16, subindex uint8, valueInfo uint8, deadline int64) *sdoInfoMessage {
	payload := []byte{byte(index), byte(index >> 8), subindex, valueInfo}
	return newSDOInfoMessage(mailboxSize, SDOInfoGetEDReq, SDOInfoGetEDResp, payload, deadline)
}

func (m *sdoInfoMessage) NeedAcknowledge() bool { return true }
func (m *sdoInfoMessage) Status() MessageStatus { return m.status }
func (m *sdoInfoMessage) Data() []byte          { return m.buf }

func (m *sdoInfoMessage) SetCounter(counter uint8) {
	_, address, mtype, _ := decodeMboHeader(m.buf)
	length := binary.LittleEndian.Uint16(m.buf[0:2])
	encodeMboHeader(m.buf, length, address, 0, 0, mtype, counter)
}

func (m *sdoInfoMessage) Expire(now int64) bool {
	if m.status != StatusRunning || m.deadline == 0 || now < m.deadline {
		return false
	}
	m.status = StatusTimedOut
	return true
}

// Result returns the concatenated payload bytes collected across every
// fragment once Status() is StatusSuccess.
func (m *sdoInfoMessage) Result() []byte { return m.result }

func (m *sdoInfoMessage) Process(received []byte) ProcessingResult {
	if len(received) < sdoPayloadOffset {
		return ProcessingNoop
	}
	_, address, mtype, _ := decodeMboHeader(received)
	if address&GatewayMessageMask != 0 {
		return ProcessingNoop
	}
	if mtype != MailboxTypeCoE {
		return ProcessingNoop
	}
	if decodeCoEService(received) != CoESDOInformation {
		return ProcessingNoop
	}

	opcode, incomplete, fragmentsLeft := decodeSDOInfoHeader(received)

	if opcode == SDOInfoErrorReq {
		code := binary.LittleEndian.Uint32(received[sdoPayloadOffset : sdoPayloadOffset+4])
		m.status = MessageStatus(code)
		return ProcessingFinalize
	}

	if opcode != m.responseOpcode {
		m.status = StatusCoEWrongService
		return ProcessingFinalize
	}

	mboLen, _, _, _ := decodeMboHeader(received)
	payloadLen := int(mboLen) - (sdoPayloadOffset - MailboxHeaderSize)
	if payloadLen < 0 {
		payloadLen = 0
	}
	end := sdoPayloadOffset + payloadLen
	if end > len(received) {
		end = len(received)
	}
	m.result = append(m.result, received[sdoPayloadOffset:end]...)

	if incomplete || fragmentsLeft > 0 {
		m.status = StatusRunning
		return ProcessingContinue
	}

	m.status = StatusSuccess
	return ProcessingFinalize
}

// CreateODListQuery queues an SDO-Information GetODList request.
func (mb *Mailbox) CreateODListQuery(listType uint16, deadline int64) (*sdoInfoMessage, error) {
	if !mb.Active() {
		return nil, ErrMailboxInactive
	}
	msg := newGetODListMessage(int(mb.RecvSize), listType, deadline)
	msg.SetCounter(mb.NextCounter())
	mb.toSend = append(mb.toSend, msg)
	return msg, nil
}

// CreateObjectDescriptionQuery queues an SDO-Information GetOD request.
func (mb *Mailbox) CreateObjectDescriptionQuery(index uint16, deadline int64) (*sdoInfoMessage, error) {
	if !mb.Active() {
		return nil, ErrMailboxInactive
	}
	msg := newGetODMessage(int(mb.RecvSize), index, deadline)
	msg.SetCounter(mb.NextCounter())
	mb.toSend = append(mb.toSend, msg)
	return msg, nil
}

// CreateEntryDescriptionQuery queues an SDO-Information GetED request.
func (mb *Mailbox) CreateEntryDescriptionQuery(index uint16, subindex uint8, valueInfo uint8, deadline int64) (*sdoInfoMessage, error) {
	if !mb.Active() {
		return nil, ErrMailboxInactive
	}
	msg := newGetEDMessage(int(mb.RecvSize), index, subindex, valueInfo, deadline)
	msg.SetCounter(mb.NextCounter())
	mb.toSend = append(mb.toSend, msg)
	return msg, nil
}
