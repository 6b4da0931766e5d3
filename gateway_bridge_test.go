package ethercat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/gateway"
)

func buildGatewaySDORequest(address uint16, index uint16, subindex uint8, completeAccess bool) []byte {
	buf := make([]byte, sdoPayloadOffset)
	encodeMboHeader(buf, 10, address, 0, 0, MailboxTypeCoE, 0)
	encodeCoEHeader(buf, 0, CoESDORequest)
	encodeSDOCmd(buf, false, false, 0, completeAccess, SDOReqUpload)
	binary.LittleEndian.PutUint16(buf[sdoIndexOffset:sdoIndexOffset+2], index)
	buf[sdoSubOffset] = subindex
	return buf
}

func TestEncodeSDOUploadReplyExpedited(t *testing.T) {
	reply := encodeSDOUploadReply(0x8001, 0x1018, 1, []byte{0x2A, 0x00, 0x00, 0x00})

	_, address, mtype, _ := decodeMboHeader(reply)
	require.Equal(t, uint16(0x8001), address)
	require.Equal(t, MailboxTypeCoE, mtype)
	require.Equal(t, CoESDOResponse, decodeCoEService(reply))

	sizeIndicator, transferType, _, _, command := decodeSDOCmd(reply)
	require.True(t, sizeIndicator)
	require.True(t, transferType)
	require.Equal(t, SDORespUpload, command)
	require.Equal(t, uint16(0x1018), binary.LittleEndian.Uint16(reply[sdoIndexOffset:sdoIndexOffset+2]))
	require.Equal(t, uint8(1), reply[sdoSubOffset])
	require.Equal(t, []byte{0x2A, 0x00, 0x00, 0x00}, reply[sdoPayloadOffset:sdoPayloadOffset+4])
}

func TestEncodeSDOUploadReplyNormal(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	reply := encodeSDOUploadReply(0x8002, 0x2000, 0, data)

	_, _, _, _, command := decodeSDOCmd(reply)
	require.Equal(t, SDORespUpload, command)
	size := binary.LittleEndian.Uint32(reply[sdoPayloadOffset : sdoPayloadOffset+4])
	require.Equal(t, uint32(len(data)), size)
	require.Equal(t, data, reply[sdoPayloadOffset+4:sdoPayloadOffset+4+len(data)])
}

func TestEncodeSDOAbortReply(t *testing.T) {
	reply := encodeSDOAbortReply(0x8003, 0x1000, 2, 0x06020000)

	_, _, _, _, command := decodeSDOCmd(reply)
	require.Equal(t, SDOReqAbort, command)
	code := binary.LittleEndian.Uint32(reply[sdoPayloadOffset : sdoPayloadOffset+4])
	require.Equal(t, uint32(0x06020000), code)
}

func TestServeLocalODUploadAndAbort(t *testing.T) {
	od := gateway.NewLocalObjectDictionary()
	od.Set(0x1018, 1, []byte{0x2A, 0x00, 0x00, 0x00})

	reply := serveLocalOD(od, SDOReqUpload, 0x8000, 0x1018, 1, nil)
	_, _, _, _, command := decodeSDOCmd(reply)
	require.Equal(t, SDORespUpload, command)

	abort := serveLocalOD(od, SDOReqUpload, 0x8000, 0x9999, 0, nil)
	_, _, _, _, abortCmd := decodeSDOCmd(abort)
	require.Equal(t, SDOReqAbort, abortCmd)
}

func TestServeLocalODRejectsDownload(t *testing.T) {
	od := gateway.NewLocalObjectDictionary()
	reply := serveLocalOD(od, SDOReqDownload, 0x8000, 0x1018, 1, nil)
	_, _, _, _, command := decodeSDOCmd(reply)
	require.Equal(t, SDOReqAbort, command)
}

func TestFindByStationAddress(t *testing.T) {
	bus := &Bus{slaves: []*Slave{NewSlave(0), NewSlave(1)}}
	bus.slaves[0].StationAddress = 1000
	bus.slaves[1].StationAddress = 1001

	require.Same(t, bus.slaves[1], bus.findByStationAddress(1001))
	require.Nil(t, bus.findByStationAddress(9999))
}

func TestNewGatewayForwarderLocalObjectDictionary(t *testing.T) {
	od := gateway.NewLocalObjectDictionary()
	od.Set(0x1018, 1, []byte{0x01, 0x00, 0x00, 0x00})
	bus := &Bus{}

	forward := NewGatewayForwarder(bus, od)
	raw := buildGatewaySDORequest(0, 0x1018, 1, false)

	msg, err := forward(raw, 0x8000)
	require.NoError(t, err)
	require.Equal(t, gateway.StatusDone, msg.Status)

	_, _, _, _, command := decodeSDOCmd(msg.Reply)
	require.Equal(t, SDORespUpload, command)
}

func TestNewGatewayForwarderUnknownSlave(t *testing.T) {
	od := gateway.NewLocalObjectDictionary()
	bus := &Bus{}

	forward := NewGatewayForwarder(bus, od)
	raw := buildGatewaySDORequest(1234, 0x1018, 1, false)

	_, err := forward(raw, 0x8000)
	require.ErrorIs(t, err, errGatewaySlaveNotFound)
}
