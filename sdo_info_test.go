package ethercat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// infoServer is a tiny test double for a slave's SDO-Information server:
// it replies to one query with a caller-supplied payload, optionally
// split across multiple fragments.
type infoServer struct {
	responseOpcode uint8
	fragments      [][]byte
	sent           int
}

func (s *infoServer) respond(mboxSize int) []byte {
	fragment := s.fragments[s.sent]
	s.sent++
	fragmentsLeft := uint16(len(s.fragments) - s.sent)

	resp := make([]byte, mboxSize)
	resp[5] = uint8(MailboxTypeCoE)
	binary.LittleEndian.PutUint16(resp[0:2], uint16(sdoPayloadOffset-MailboxHeaderSize+len(fragment)))
	encodeCoEHeader(resp, 0, CoESDOInformation)
	encodeSDOInfoHeader(resp, s.responseOpcode, fragmentsLeft > 0, fragmentsLeft)
	copy(resp[sdoPayloadOffset:], fragment)
	return resp[:sdoPayloadOffset+len(fragment)]
}

func TestMailboxSDOInfoGetODListSingleFragment(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)

	payload := make([]byte, 6)
	binary.LittleEndian.PutUint16(payload[0:2], 0x01)
	binary.LittleEndian.PutUint16(payload[2:4], 0x1018)
	binary.LittleEndian.PutUint16(payload[4:6], 0x1C00)
	server := &infoServer{responseOpcode: SDOInfoGetODListResp, fragments: [][]byte{payload}}

	msg, err := mb.CreateODListQuery(0x01, 0)
	require.NoError(t, err)

	_, ok := mb.Send()
	require.True(t, ok)
	require.True(t, mb.Receive(server.respond(64), 0))

	require.Equal(t, StatusSuccess, msg.Status())
	require.Equal(t, payload, msg.Result())
}

func TestMailboxSDOInfoReassemblesFragments(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)

	fragments := [][]byte{
		{0x01, 0x02, 0x03, 0x04},
		{0x05, 0x06},
		{0x07},
	}
	server := &infoServer{responseOpcode: SDOInfoGetODResp, fragments: fragments}

	msg, err := mb.CreateObjectDescriptionQuery(0x1018, 0)
	require.NoError(t, err)

	for i := 0; msg.Status() == StatusRunning; i++ {
		if i > 10 {
			t.Fatalf("too many fragments reassembling SDO-Information reply")
		}
		_, ok := mb.Send()
		require.True(t, ok)
		mb.Receive(server.respond(64), 0)
	}

	require.Equal(t, StatusSuccess, msg.Status())
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, msg.Result())
}

func TestMailboxSDOInfoWrongOpcodeFails(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)
	server := &infoServer{responseOpcode: SDOInfoGetEDResp, fragments: [][]byte{{0x00}}}

	msg, err := mb.CreateODListQuery(0x01, 0)
	require.NoError(t, err)

	_, ok := mb.Send()
	require.True(t, ok)
	require.True(t, mb.Receive(server.respond(64), 0))

	require.Equal(t, StatusCoEWrongService, msg.Status())
}

func TestMailboxSDOInfoAbort(t *testing.T) {
	mb := NewMailbox(0x1000, 64, 0x1100, 64)

	msg, err := mb.CreateObjectDescriptionQuery(0x9999, 0)
	require.NoError(t, err)

	_, ok := mb.Send()
	require.True(t, ok)

	resp := make([]byte, 64)
	resp[5] = uint8(MailboxTypeCoE)
	binary.LittleEndian.PutUint16(resp[0:2], 8)
	encodeCoEHeader(resp, 0, CoESDOInformation)
	encodeSDOInfoHeader(resp, SDOInfoErrorReq, false, 0)
	binary.LittleEndian.PutUint32(resp[sdoPayloadOffset:sdoPayloadOffset+4], 0x06020000)

	require.True(t, mb.Receive(resp, 0))
	require.Equal(t, MessageStatus(0x06020000), msg.Status())
}
