package ethercat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// slaveSDOServer is a tiny test double standing in for a slave's CoE
// server: it answers expedited and segmented upload/download requests
// against a single backing byte slice. segPos tracks how much of value
// has already been sent across a normal-transfer + segmented-upload
// sequence.
type slaveSDOServer struct {
	value  []byte
	segPos int
}

func (s *slaveSDOServer) respond(mboxSize int, req []byte) []byte {
	_, transferType, blockSize, completeAccess, command := decodeSDOCmd(req)
	index := binary.LittleEndian.Uint16(req[sdoIndexOffset : sdoIndexOffset+2])
	subindex := req[sdoSubOffset]

	resp := make([]byte, mboxSize)
	resp[5] = uint8(MailboxTypeCoE)
	switch command {
	case SDOReqUpload:
		s.segPos = 0
		if len(s.value) <= 4 {
			binary.LittleEndian.PutUint16(resp[0:2], 10)
			encodeCoEHeader(resp, 0, CoESDOResponse)
			encodeSDOCmd(resp, true, true, uint8(4-len(s.value)), false, SDORespUpload)
			binary.LittleEndian.PutUint16(resp[sdoIndexOffset:sdoIndexOffset+2], index)
			resp[sdoSubOffset] = subindex
			copy(resp[sdoPayloadOffset:], s.value)
			return resp
		}

		capacity := mboxSize - sdoPayloadOffset - 4
		chunk := s.value
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		s.segPos = len(chunk)

		binary.LittleEndian.PutUint16(resp[0:2], uint16(10+len(chunk)))
		encodeCoEHeader(resp, 0, CoESDOResponse)
		encodeSDOCmd(resp, false, false, 0, false, SDORespUpload)
		binary.LittleEndian.PutUint16(resp[sdoIndexOffset:sdoIndexOffset+2], index)
		resp[sdoSubOffset] = subindex
		binary.LittleEndian.PutUint32(resp[sdoPayloadOffset:sdoPayloadOffset+4], uint32(len(s.value)))
		copy(resp[sdoPayloadOffset+4:], chunk)
		return resp[:sdoPayloadOffset+4+len(chunk)]

	case SDOReqUploadSegmented:
		remaining := s.value[s.segPos:]
		if len(remaining) <= 7 {
			sizeBits := uint8(7 - len(remaining))
			binary.LittleEndian.PutUint16(resp[0:2], 10)
			encodeCoEHeader(resp, 0, CoESDOResponse)
			encodeSDOCmd(resp, sizeBits&0x04 != 0, false, sizeBits&0x03, completeAccess, SDORespUploadSegmented)
			copy(resp[sdoPayloadOffset:], remaining)
			s.segPos += len(remaining)
			return resp
		}

		capacity := mboxSize - sdoPayloadOffset - 4
		chunk := remaining
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		s.segPos += len(chunk)

		binary.LittleEndian.PutUint16(resp[0:2], uint16(10+4+len(chunk)))
		encodeCoEHeader(resp, 0, CoESDOResponse)
		encodeSDOCmd(resp, true, false, 0, completeAccess, SDORespUploadSegmented)
		binary.LittleEndian.PutUint32(resp[sdoPayloadOffset:sdoPayloadOffset+4], uint32(len(chunk)))
		copy(resp[sdoPayloadOffset+4:], chunk)
		return resp[:sdoPayloadOffset+4+len(chunk)]

	case SDOReqDownload:
		binary.LittleEndian.PutUint16(resp[0:2], 10)
		encodeCoEHeader(resp, 0, CoESDOResponse)
		encodeSDOCmd(resp, false, false, 0, false, SDORespDownload)
		binary.LittleEndian.PutUint16(resp[sdoIndexOffset:sdoIndexOffset+2], index)
		resp[sdoSubOffset] = subindex
		if transferType {
			size := int(4 - blockSize)
			s.value = append([]byte(nil), req[sdoPayloadOffset:sdoPayloadOffset+size]...)
		}
		return resp
	}
	return resp
}

func TestMailboxSDOExpeditedUploadRoundtrip(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)
	server := &slaveSDOServer{value: []byte{0xAA, 0xBB}}

	msg, err := mb.CreateSDOUpload(0x6000, 1, false, 0, 0)
	require.NoError(t, err)

	sent, ok := mb.Send()
	require.True(t, ok)
	require.Same(t, Message(msg), sent)

	reply := server.respond(64, sent.Data())
	handled := mb.Receive(reply, 0)
	require.True(t, handled)

	require.Equal(t, StatusSuccess, msg.Status())
	require.Equal(t, []byte{0xAA, 0xBB}, msg.Result())
}

func TestMailboxSDONormalUploadFitsInOneFrame(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)
	value := make([]byte, 20)
	for i := range value {
		value[i] = byte(i)
	}
	server := &slaveSDOServer{value: value}

	_, err := mb.CreateSDOUpload(0x6010, 0, false, 0, 0)
	require.NoError(t, err)

	sent, ok := mb.Send()
	require.True(t, ok)
	reply := server.respond(64, sent.Data())
	// Server's normal-transfer reply carries the whole value since it fits
	// within one mailbox frame; receipt should finalize directly.
	handled := mb.Receive(reply, 0)
	require.True(t, handled)
}

func TestMailboxSDOExpeditedDownload(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)
	server := &slaveSDOServer{}

	msg, err := mb.CreateSDODownload(0x6020, 2, false, []byte{0x01, 0x02}, 0)
	require.NoError(t, err)

	sent, ok := mb.Send()
	require.True(t, ok)
	reply := server.respond(64, sent.Data())
	require.True(t, mb.Receive(reply, 0))
	require.Equal(t, StatusSuccess, msg.Status())
	require.Equal(t, []byte{0x01, 0x02}, server.value)
}

func TestMailboxSegmentedDownloadRejected(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)
	big := make([]byte, 128)
	_, err := mb.CreateSDODownload(0x6030, 0, false, big, 0)
	require.ErrorIs(t, err, ErrSegmentedDownload)
}

func TestMailboxInactiveRejectsRequests(t *testing.T) {
	mb := NewMailbox(0, 0, 0, 0)
	_, err := mb.CreateSDOUpload(0x6000, 0, false, 0, 0)
	require.ErrorIs(t, err, ErrMailboxInactive)
}

func TestMailboxEmergencyPersistsAcrossReceives(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)

	emgFrame := make([]byte, 64)
	binary.LittleEndian.PutUint16(emgFrame[0:2], 8)
	emgFrame[5] = uint8(MailboxTypeCoE)
	encodeCoEHeader(emgFrame, 0, CoEEmergency)
	binary.LittleEndian.PutUint16(emgFrame[coeHeaderOffset+2:coeHeaderOffset+4], 0x2310)
	emgFrame[coeHeaderOffset+4] = 0x01

	require.True(t, mb.Receive(emgFrame, 0))
	require.Len(t, mb.Emergencies, 1)
	require.Equal(t, uint16(0x2310), mb.Emergencies[0].ErrorCode)

	require.True(t, mb.Receive(emgFrame, 0))
	require.Len(t, mb.Emergencies, 2)
}

func TestMailboxSDOUploadReassemblesMultipleSegments(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)
	// 48 (normal transfer capacity) + 48 (one long-form segment) + 7 (the
	// compact final segment) forces two full segmented round trips with
	// alternating toggle bits, exercising both the 4 byte explicit size
	// prefix and the "7 - sizeBits" compact encoding.
	value := make([]byte, 103)
	for i := range value {
		value[i] = byte(i + 1)
	}
	server := &slaveSDOServer{value: value}

	msg, err := mb.CreateSDOUpload(0x6040, 0, false, 0, 0)
	require.NoError(t, err)

	for i := 0; msg.Status() == StatusRunning; i++ {
		if i > 10 {
			t.Fatalf("too many round trips reassembling segmented upload")
		}
		sent, ok := mb.Send()
		require.True(t, ok)
		reply := server.respond(64, sent.Data())
		mb.Receive(reply, 0)
	}

	require.Equal(t, StatusSuccess, msg.Status())
	require.Equal(t, value, msg.Result())
}

func TestMailboxSDOUploadExpiresAtDeadline(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)
	msg, err := mb.CreateSDOUpload(0x6050, 0, false, 0, 100)
	require.NoError(t, err)

	_, ok := mb.Send()
	require.True(t, ok)

	junk := make([]byte, 64)
	handled := mb.Receive(junk, 50)
	require.False(t, handled)
	require.Equal(t, StatusRunning, msg.Status())

	handled = mb.Receive(junk, 150)
	require.False(t, handled)
	require.Equal(t, StatusTimedOut, msg.Status())
}

func TestMailboxCounterCyclesOneToSeven(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)
	seen := make([]uint8, 0, 10)
	for i := 0; i < 10; i++ {
		seen = append(seen, mb.NextCounter())
	}
	require.Equal(t, []uint8{1, 2, 3, 4, 5, 6, 7, 1, 2, 3}, seen)
}
