package ethercat

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// ProcessingResult is what a queued Message reports after inspecting one
// received mailbox frame (C4, grounded on Mailbox.cc's ProcessingResult).
type ProcessingResult uint8

const (
	// ProcessingNoop means the frame is unrelated to this message.
	ProcessingNoop ProcessingResult = iota
	// ProcessingFinalize means the exchange is complete; drop the message.
	ProcessingFinalize
	// ProcessingContinue means another round trip is needed; re-queue.
	ProcessingContinue
	// ProcessingFinalizeAndKeep finalizes this round but keeps listening
	// (the emergency listener never leaves the process queue).
	ProcessingFinalizeAndKeep
)

// MessageStatus reports where a Message stands, either still in flight or
// resolved to a concrete outcome.
type MessageStatus uint32

const (
	StatusSuccess  MessageStatus = 0x000
	StatusRunning  MessageStatus = 0x001
	StatusTimedOut MessageStatus = 0x002

	StatusCoEWrongService         MessageStatus = 0x101
	StatusCoEUnknownService       MessageStatus = 0x102
	StatusCoEClientBufferTooSmall MessageStatus = 0x103
	StatusCoESegmentBadToggleBit  MessageStatus = 0x104
)

// Message is one in-flight mailbox exchange: an SDO transfer, an
// information query, a gateway-relayed frame. The Mailbox owns its
// lifecycle; callers only read Status()/Data() once Finalize fires.
type Message interface {
	NeedAcknowledge() bool
	Process(received []byte) ProcessingResult
	Status() MessageStatus
	Data() []byte
	SetCounter(counter uint8)
	// Expire transitions the message to StatusTimedOut if now has passed
	// its deadline (0 deadline means no expiry) and reports whether it
	// did so. Checked on every Receive pass (P6: RUNNING at now<T,
	// TIMEDOUT at now>=T).
	Expire(now int64) bool
}

// encodeMboHeader writes the 6 byte generic mailbox header.
func encodeMboHeader(buf []byte, length uint16, address uint16, channel uint8, priority uint8, mtype MailboxType, count uint8) {
	binary.LittleEndian.PutUint16(buf[0:2], length)
	binary.LittleEndian.PutUint16(buf[2:4], address)
	buf[4] = (channel & 0x3F) | (priority&0x03)<<6
	buf[5] = (uint8(mtype) & 0x0F) | (count&0x07)<<4
}

func decodeMboHeader(buf []byte) (length uint16, address uint16, mtype MailboxType, count uint8) {
	length = binary.LittleEndian.Uint16(buf[0:2])
	address = binary.LittleEndian.Uint16(buf[2:4])
	mtype = MailboxType(buf[5] & 0x0F)
	count = (buf[5] >> 4) & 0x07
	return
}

// CoE SDO command byte layout (offset 8, after the 2 byte CoE service
// header): size_indicator:1, transfer_type:1, block_size:2,
// complete_access:1, command:3.
const (
	coeHeaderOffset = MailboxHeaderSize     // 6
	sdoCmdOffset    = coeHeaderOffset + 2   // 8
	sdoIndexOffset  = sdoCmdOffset + 1      // 9
	sdoSubOffset    = sdoIndexOffset + 2    // 11
	sdoPayloadOffset = sdoSubOffset + 1     // 12
)

func encodeCoEHeader(buf []byte, number uint16, service CoEService) {
	v := (number & 0x1FF) | (uint16(service)&0x0F)<<12
	binary.LittleEndian.PutUint16(buf[coeHeaderOffset:coeHeaderOffset+2], v)
}

func decodeCoEService(buf []byte) CoEService {
	v := binary.LittleEndian.Uint16(buf[coeHeaderOffset : coeHeaderOffset+2])
	return CoEService(v >> 12)
}

func encodeSDOCmd(buf []byte, sizeIndicator, transferType bool, blockSize uint8, completeAccess bool, command uint8) {
	var b uint8
	if sizeIndicator {
		b |= 1 << 0
	}
	if transferType {
		b |= 1 << 1
	}
	b |= (blockSize & 0x03) << 2
	if completeAccess {
		b |= 1 << 4
	}
	b |= (command & 0x07) << 5
	buf[sdoCmdOffset] = b
}

func decodeSDOCmd(buf []byte) (sizeIndicator, transferType bool, blockSize uint8, completeAccess bool, command uint8) {
	b := buf[sdoCmdOffset]
	sizeIndicator = b&(1<<0) != 0
	transferType = b&(1<<1) != 0
	blockSize = (b >> 2) & 0x03
	completeAccess = b&(1<<4) != 0
	command = (b >> 5) & 0x07
	return
}

// sdoMessage drives one CoE SDO upload or download, expedited, normal or
// segmented, grounded on SDOMessage in Mailbox.cc/.h.
type sdoMessage struct {
	buf     []byte // full mailbox-sized frame, ready to send
	status  MessageStatus
	request uint8 // SDOReqUpload / SDOReqDownload

	index    uint16
	subindex uint8
	toggle   bool // tracks complete_access reuse as the segment toggle bit

	result    []byte // accumulates uploaded bytes
	resultCap int    // caller's buffer capacity, 0 = unbounded

	download []byte // remaining bytes still to push (segmented download)

	deadline int64 // SinceStart() nanoseconds; 0 = no deadline
}

// newSDOUpload builds a request to read index:subindex, accumulating up
// to bufferCap bytes (0 = unbounded) of result. deadline is a Clock
// SinceStart() value past which Expire marks this RUNNING message
// TIMEDOUT; 0 disables expiry.
func newSDOUpload(mailboxSize int, index uint16, subindex uint8, completeAccess bool, bufferCap int, deadline int64) *sdoMessage {
	m := &sdoMessage{
		buf:       make([]byte, mailboxSize),
		status:    StatusRunning,
		request:   SDOReqUpload,
		index:     index,
		subindex:  subindex,
		resultCap: bufferCap,
		deadline:  deadline,
	}
	m.encodeRequest(completeAccess, SDOReqUpload, nil)
	return m
}

// newSDODownload builds a request to write data to index:subindex.
// Segmented downloads (data too large for one expedited/normal frame)
// are not supported; ErrSegmentedDownload is returned instead.
func newSDODownload(mailboxSize int, index uint16, subindex uint8, completeAccess bool, data []byte, deadline int64) (*sdoMessage, error) {
	maxPayload := mailboxSize - sdoPayloadOffset - 4
	if len(data) > maxPayload {
		return nil, ErrSegmentedDownload
	}
	m := &sdoMessage{
		buf:      make([]byte, mailboxSize),
		status:   StatusRunning,
		request:  SDOReqDownload,
		index:    index,
		subindex: subindex,
		deadline: deadline,
	}
	m.encodeRequest(completeAccess, SDOReqDownload, data)
	return m, nil
}

func (m *sdoMessage) encodeRequest(completeAccess bool, request uint8, data []byte) {
	if request == SDOReqDownload && len(data) > 4 {
		binary.LittleEndian.PutUint16(m.buf[0:2], uint16(10+len(data)))
	} else {
		binary.LittleEndian.PutUint16(m.buf[0:2], 10)
	}
	binary.LittleEndian.PutUint16(m.buf[2:4], 0)
	m.buf[4] = 0
	m.buf[5] = uint8(MailboxTypeCoE)

	encodeCoEHeader(m.buf, 0, CoESDORequest)

	switch request {
	case SDOReqUpload:
		encodeSDOCmd(m.buf, false, false, 0, completeAccess, SDOReqUpload)
		binary.LittleEndian.PutUint16(m.buf[sdoIndexOffset:sdoIndexOffset+2], m.index)
		m.buf[sdoSubOffset] = m.subindex

	case SDOReqDownload:
		binary.LittleEndian.PutUint16(m.buf[sdoIndexOffset:sdoIndexOffset+2], m.index)
		m.buf[sdoSubOffset] = m.subindex
		if len(data) <= 4 {
			encodeSDOCmd(m.buf, true, true, uint8(4-len(data)), completeAccess, SDOReqDownload)
			copy(m.buf[sdoPayloadOffset:sdoPayloadOffset+len(data)], data)
		} else {
			encodeSDOCmd(m.buf, true, false, 0, completeAccess, SDOReqDownload)
			binary.LittleEndian.PutUint32(m.buf[sdoPayloadOffset:sdoPayloadOffset+4], uint32(len(data)))
			copy(m.buf[sdoPayloadOffset+4:], data)
		}
	}
}

func (m *sdoMessage) NeedAcknowledge() bool { return true }
func (m *sdoMessage) Status() MessageStatus { return m.status }
func (m *sdoMessage) Data() []byte          { return m.buf }

func (m *sdoMessage) SetCounter(counter uint8) {
	_, address, mtype, _ := decodeMboHeader(m.buf)
	length := binary.LittleEndian.Uint16(m.buf[0:2])
	encodeMboHeader(m.buf, length, address, 0, 0, mtype, counter)
}

func (m *sdoMessage) Expire(now int64) bool {
	if m.status != StatusRunning || m.deadline == 0 || now < m.deadline {
		return false
	}
	m.status = StatusTimedOut
	return true
}

func (m *sdoMessage) Process(received []byte) ProcessingResult {
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
	service := decodeCoEService(received)
	if service != CoESDORequest && service != CoESDOResponse {
		return ProcessingNoop
	}

	_, _, _, _, command := decodeSDOCmd(received)
	respIndex := binary.LittleEndian.Uint16(received[sdoIndexOffset : sdoIndexOffset+2])
	respSub := received[sdoSubOffset]

	if m.request == SDOReqUpload || m.request == SDOReqDownload {
		if respIndex != m.index || respSub != m.subindex {
			return ProcessingNoop
		}
	}

	if command == SDOReqAbort {
		code := binary.LittleEndian.Uint32(received[sdoPayloadOffset : sdoPayloadOffset+4])
		log.Debugf("[MAILBOX] SDO abort x%x:%d code x%08x: %s", m.index, m.subindex, code, ALStatusCodeString(uint16(code)))
		m.status = MessageStatus(code)
		return ProcessingFinalize
	}

	switch m.request {
	case SDOReqUpload:
		return m.processUpload(received)
	case SDOReqUploadSegmented:
		return m.processUploadSegmented(received)
	case SDOReqDownload:
		return m.processDownload(received)
	default:
		m.status = StatusCoEUnknownService
		return ProcessingFinalize
	}
}

func (m *sdoMessage) processUpload(received []byte) ProcessingResult {
	_, transferType, blockSize, _, command := decodeSDOCmd(received)
	if command != SDORespUpload {
		m.status = StatusCoEWrongService
		return ProcessingFinalize
	}

	if transferType {
		size := int(4 - blockSize)
		if m.resultCap > 0 && size > m.resultCap {
			m.status = StatusCoEClientBufferTooSmall
			return ProcessingFinalize
		}
		m.result = append(m.result, received[sdoPayloadOffset:sdoPayloadOffset+size]...)
		m.status = StatusSuccess
		return ProcessingFinalize
	}

	completeSize := binary.LittleEndian.Uint32(received[sdoPayloadOffset : sdoPayloadOffset+4])
	if m.resultCap > 0 && int(completeSize) > m.resultCap {
		m.status = StatusCoEClientBufferTooSmall
		return ProcessingFinalize
	}

	mboLen, _, _, _ := decodeMboHeader(received)
	dataLen := int(mboLen) - 10
	payload := received[sdoPayloadOffset+4:]

	if dataLen >= int(completeSize) {
		m.result = append(m.result, payload[:completeSize]...)
		m.status = StatusSuccess
		return ProcessingFinalize
	}

	m.result = append(m.result, payload[:dataLen]...)
	m.request = SDOReqUploadSegmented
	m.toggle = false
	m.encodeUploadSegmentedRequest()
	m.status = StatusRunning
	return ProcessingContinue
}

func (m *sdoMessage) processUploadSegmented(received []byte) ProcessingResult {
	sizeIndicator, _, blockSize, completeAccess, command := decodeSDOCmd(received)
	if command != SDORespUploadSegmented {
		m.status = StatusCoEWrongService
		return ProcessingFinalize
	}
	if completeAccess != m.toggle {
		m.status = StatusCoESegmentBadToggleBit
		return ProcessingFinalize
	}

	mboLen, _, _, _ := decodeMboHeader(received)
	var size int
	var payload []byte
	if mboLen == 10 {
		sizeBits := blockSize
		if sizeIndicator {
			sizeBits |= 1 << 2
		}
		size = int(7 - sizeBits)
		payload = received[sdoPayloadOffset:]
	} else {
		size = int(binary.LittleEndian.Uint32(received[sdoPayloadOffset : sdoPayloadOffset+4]))
		payload = received[sdoPayloadOffset+4:]
	}
	if size > len(payload) {
		size = len(payload)
	}
	m.result = append(m.result, payload[:size]...)

	if !sizeIndicator {
		m.status = StatusSuccess
		return ProcessingFinalize
	}

	m.toggle = !m.toggle
	m.encodeUploadSegmentedRequest()
	return ProcessingContinue
}

func (m *sdoMessage) encodeUploadSegmentedRequest() {
	binary.LittleEndian.PutUint16(m.buf[0:2], 10)
	encodeCoEHeader(m.buf, 0, CoESDORequest)
	encodeSDOCmd(m.buf, false, false, 0, m.toggle, SDOReqUploadSegmented)
	binary.LittleEndian.PutUint16(m.buf[sdoIndexOffset:sdoIndexOffset+2], m.index)
	m.buf[sdoSubOffset] = m.subindex
}

func (m *sdoMessage) processDownload(received []byte) ProcessingResult {
	_, _, _, _, command := decodeSDOCmd(received)
	if command != SDORespDownload {
		m.status = StatusCoEWrongService
		return ProcessingFinalize
	}
	m.status = StatusSuccess
	return ProcessingFinalize
}

// Result returns the accumulated upload bytes once Status() is
// StatusSuccess.
func (m *sdoMessage) Result() []byte { return m.result }

// emergencyMessage sits permanently in the process queue, collecting CoE
// Emergency frames for the lifetime of the mailbox (grounded on
// EmergencyMessage in Mailbox.cc: FINALIZE_AND_KEEP).
type emergencyMessage struct {
	mailbox *Mailbox
}

func (e *emergencyMessage) NeedAcknowledge() bool { return false }
func (e *emergencyMessage) Status() MessageStatus { return StatusRunning }
func (e *emergencyMessage) Data() []byte          { return nil }
func (e *emergencyMessage) SetCounter(uint8)      {}
func (e *emergencyMessage) Expire(int64) bool     { return false }

// Emergency is one decoded CoE Emergency frame (ETG1000.6 5.6.4).
type Emergency struct {
	ErrorCode     uint16
	ErrorRegister uint8
	Data          [5]byte
}

func (e *emergencyMessage) Process(received []byte) ProcessingResult {
	if len(received) < sdoPayloadOffset+8 {
		return ProcessingNoop
	}
	_, _, mtype, _ := decodeMboHeader(received)
	if mtype != MailboxTypeCoE {
		return ProcessingNoop
	}
	if decodeCoEService(received) != CoEEmergency {
		return ProcessingNoop
	}

	emg := Emergency{
		ErrorCode:     binary.LittleEndian.Uint16(received[coeHeaderOffset+2 : coeHeaderOffset+4]),
		ErrorRegister: received[coeHeaderOffset+4],
	}
	copy(emg.Data[:], received[coeHeaderOffset+5:coeHeaderOffset+10])
	e.mailbox.Emergencies = append(e.mailbox.Emergencies, emg)
	log.Warnf("[MAILBOX] emergency received: code x%04x register x%02x", emg.ErrorCode, emg.ErrorRegister)
	return ProcessingFinalizeAndKeep
}

// Mailbox tracks one slave's CoE mailbox channel: the SM0/SM1 geometry,
// the send/process queues, and the session-handle counter (C4, grounded
// on struct Mailbox in Mailbox.h).
type Mailbox struct {
	RecvOffset uint16
	RecvSize   uint16
	SendOffset uint16
	SendSize   uint16

	CanRead  bool
	CanWrite bool

	counter uint8

	toSend     []Message
	toProcess  []Message
	Emergencies []Emergency
}

// NewMailbox builds a Mailbox from the SII standard/bootstrap mailbox
// geometry and wires in the permanent emergency listener.
func NewMailbox(recvOffset, recvSize, sendOffset, sendSize uint16) *Mailbox {
	mb := &Mailbox{
		RecvOffset: recvOffset,
		RecvSize:   recvSize,
		SendOffset: sendOffset,
		SendSize:   sendSize,
	}
	mb.toProcess = append(mb.toProcess, &emergencyMessage{mailbox: mb})
	return mb
}

// NextCounter advances the 1..7 session handle (P4/P6 — counter cycles
// and never emits 0, which is reserved for "no session").
func (mb *Mailbox) NextCounter() uint8 {
	mb.counter++
	if mb.counter > 7 {
		mb.counter = 1
	}
	return mb.counter
}

// Active reports whether this slave actually supports a mailbox.
func (mb *Mailbox) Active() bool { return mb.RecvSize != 0 }

// CreateSDOUpload queues a read request and returns the message handle;
// call its Status()/Result() after pumping Send/Receive to completion.
// deadline is a Clock SinceStart() value after which the message expires
// to StatusTimedOut on a Receive pass; 0 disables expiry.
func (mb *Mailbox) CreateSDOUpload(index uint16, subindex uint8, completeAccess bool, bufferCap int, deadline int64) (*sdoMessage, error) {
	if !mb.Active() {
		return nil, ErrMailboxInactive
	}
	msg := newSDOUpload(int(mb.RecvSize), index, subindex, completeAccess, bufferCap, deadline)
	msg.SetCounter(mb.NextCounter())
	mb.toSend = append(mb.toSend, msg)
	return msg, nil
}

// CreateSDODownload queues a write request.
func (mb *Mailbox) CreateSDODownload(index uint16, subindex uint8, completeAccess bool, data []byte, deadline int64) (*sdoMessage, error) {
	if !mb.Active() {
		return nil, ErrMailboxInactive
	}
	msg, err := newSDODownload(int(mb.RecvSize), index, subindex, completeAccess, data, deadline)
	if err != nil {
		return nil, err
	}
	msg.SetCounter(mb.NextCounter())
	mb.toSend = append(mb.toSend, msg)
	return msg, nil
}

// Send pops the next queued message and moves it to the process queue if
// it expects a reply. The caller writes Data() to the slave's SM0.
func (mb *Mailbox) Send() (Message, bool) {
	if len(mb.toSend) == 0 {
		return nil, false
	}
	msg := mb.toSend[0]
	mb.toSend = mb.toSend[1:]
	if msg.Status() == StatusRunning {
		mb.toProcess = append(mb.toProcess, msg)
	}
	return msg, true
}

// Receive dispatches one raw mailbox frame read from the slave's SM1 to
// every message still awaiting an answer, stopping at the first match
// (§4.2 "each reply correlates to exactly one queued request"). Before
// matching, any message whose deadline has passed now is expired to
// TIMEDOUT and dropped from the process queue (P6).
func (mb *Mailbox) Receive(raw []byte, now int64) bool {
	live := mb.toProcess[:0]
	for _, msg := range mb.toProcess {
		if msg.Expire(now) {
			continue
		}
		live = append(live, msg)
	}
	mb.toProcess = live

	remaining := mb.toProcess[:0]
	handled := false
	for _, msg := range mb.toProcess {
		if handled {
			remaining = append(remaining, msg)
			continue
		}
		switch msg.Process(raw) {
		case ProcessingNoop:
			remaining = append(remaining, msg)
		case ProcessingContinue:
			msg.SetCounter(mb.NextCounter())
			mb.toSend = append(mb.toSend, msg)
			handled = true
		case ProcessingFinalize:
			handled = true
		case ProcessingFinalizeAndKeep:
			remaining = append(remaining, msg)
			handled = true
		}
	}
	mb.toProcess = remaining
	return handled
}

// GenerateSMConfig fills SM0 (mailbox out, master->slave) and SM1
// (mailbox in, slave->master) from this mailbox's geometry.
func (mb *Mailbox) GenerateSMConfig() [2]SyncManager {
	var sm [2]SyncManager
	sm[0] = SyncManager{StartAddress: mb.RecvOffset, Length: mb.RecvSize, Control: 0x26, Activate: 0x01}
	sm[1] = SyncManager{StartAddress: mb.SendOffset, Length: mb.SendSize, Control: 0x22, Activate: 0x01}
	return sm
}
