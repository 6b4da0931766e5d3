package ethercat

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/goethercat/pkg/gateway"
)

// errGatewaySlaveNotFound is returned when a diagnostic request targets a
// station address no longer present on the bus.
var errGatewaySlaveNotFound = fmt.Errorf("gateway: target slave not found")

// NewGatewayForwarder builds the gateway.Forwarder a pkg/gateway.Gateway
// calls for every inbound UDP request: requests addressed to station 0 are
// answered from localOD directly, everything else is driven through the
// addressed slave's mailbox via the bus's blocking SDO helpers. Both paths
// complete synchronously, so every returned Message is already StatusDone;
// a request addressed to a slave blocks the caller until its SDO transfer
// finishes.
func NewGatewayForwarder(bus *Bus, localOD *gateway.LocalObjectDictionary) gateway.Forwarder {
	return func(raw []byte, gatewayIndex uint16) (*gateway.Message, error) {
		if len(raw) < sdoPayloadOffset {
			return nil, fmt.Errorf("gateway: request too short (%d bytes)", len(raw))
		}

		_, address, mtype, _ := decodeMboHeader(raw)
		if mtype != MailboxTypeCoE {
			return nil, fmt.Errorf("gateway: unsupported mailbox type %#x", mtype)
		}
		if decodeCoEService(raw) != CoESDORequest {
			return nil, fmt.Errorf("gateway: unsupported CoE service")
		}

		_, _, _, completeAccess, command := decodeSDOCmd(raw)
		index := binary.LittleEndian.Uint16(raw[sdoIndexOffset : sdoIndexOffset+2])
		subindex := raw[sdoSubOffset]

		var reply []byte
		if address == 0 {
			reply = serveLocalOD(localOD, command, gatewayIndex, index, subindex, raw)
		} else {
			slave := bus.findByStationAddress(address)
			if slave == nil {
				return nil, errGatewaySlaveNotFound
			}
			reply = bus.serveSlaveSDO(slave, command, gatewayIndex, index, subindex, completeAccess, raw)
		}

		log.Debugf("[GATEWAY] served request index=%#x addr=%#x %04x:%d", gatewayIndex, address, index, subindex)
		return &gateway.Message{Status: gateway.StatusDone, Reply: reply}, nil
	}
}

func (b *Bus) findByStationAddress(address uint16) *Slave {
	for _, s := range b.slaves {
		if s.StationAddress == address {
			return s
		}
	}
	return nil
}

func serveLocalOD(od *gateway.LocalObjectDictionary, command uint8, gatewayIndex uint16, index uint16, subindex uint8, request []byte) []byte {
	switch command {
	case SDOReqUpload:
		if subindex == 0 {
			if data, _, ok := od.CompleteAccessUpload(index); ok {
				return encodeSDOUploadReply(gatewayIndex, index, subindex, data)
			}
		}
		data, abortCode, ok := od.Upload(index, subindex)
		if !ok {
			return encodeSDOAbortReply(gatewayIndex, index, subindex, abortCode)
		}
		return encodeSDOUploadReply(gatewayIndex, index, subindex, data)
	default:
		return encodeSDOAbortReply(gatewayIndex, index, subindex, 0x06010000)
	}
}

func (b *Bus) serveSlaveSDO(slave *Slave, command uint8, gatewayIndex uint16, index uint16, subindex uint8, completeAccess bool, request []byte) []byte {
	switch command {
	case SDOReqUpload, SDOReqUploadSegmented:
		data, err := b.ReadSDO(slave, index, subindex, completeAccess, 4096)
		if err != nil {
			return encodeSDOAbortReply(gatewayIndex, index, subindex, 0x08000000)
		}
		return encodeSDOUploadReply(gatewayIndex, index, subindex, data)

	case SDOReqDownload:
		data := request[sdoPayloadOffset:]
		if err := b.WriteSDO(slave, index, subindex, completeAccess, data); err != nil {
			return encodeSDOAbortReply(gatewayIndex, index, subindex, 0x08000000)
		}
		return encodeSDODownloadReply(gatewayIndex, index, subindex)

	default:
		return encodeSDOAbortReply(gatewayIndex, index, subindex, 0x06010000)
	}
}

// encodeSDOUploadReply builds an expedited or normal upload response frame,
// stamping the gateway index (with its reserved high bit) back into the
// mailbox header's address field so the client can match it to its request.
func encodeSDOUploadReply(gatewayIndex uint16, index uint16, subindex uint8, data []byte) []byte {
	expedited := len(data) <= 4
	length := uint16(10)
	if !expedited {
		length = uint16(10 + len(data))
	}
	buf := make([]byte, sdoPayloadOffset+maxInt(4, len(data))+4)
	encodeMboHeader(buf, length, gatewayIndex, 0, 0, MailboxTypeCoE, 0)
	encodeCoEHeader(buf, 0, CoESDOResponse)

	if expedited {
		encodeSDOCmd(buf, true, true, uint8(4-len(data)), false, SDORespUpload)
		binary.LittleEndian.PutUint16(buf[sdoIndexOffset:sdoIndexOffset+2], index)
		buf[sdoSubOffset] = subindex
		copy(buf[sdoPayloadOffset:sdoPayloadOffset+len(data)], data)
		return buf[:sdoPayloadOffset+4]
	}

	encodeSDOCmd(buf, true, false, 0, false, SDORespUpload)
	binary.LittleEndian.PutUint16(buf[sdoIndexOffset:sdoIndexOffset+2], index)
	buf[sdoSubOffset] = subindex
	binary.LittleEndian.PutUint32(buf[sdoPayloadOffset:sdoPayloadOffset+4], uint32(len(data)))
	copy(buf[sdoPayloadOffset+4:], data)
	return buf[:sdoPayloadOffset+4+len(data)]
}

func encodeSDODownloadReply(gatewayIndex uint16, index uint16, subindex uint8) []byte {
	buf := make([]byte, sdoPayloadOffset)
	encodeMboHeader(buf, 10, gatewayIndex, 0, 0, MailboxTypeCoE, 0)
	encodeCoEHeader(buf, 0, CoESDOResponse)
	encodeSDOCmd(buf, false, false, 0, false, SDORespDownload)
	binary.LittleEndian.PutUint16(buf[sdoIndexOffset:sdoIndexOffset+2], index)
	buf[sdoSubOffset] = subindex
	return buf
}

func encodeSDOAbortReply(gatewayIndex uint16, index uint16, subindex uint8, code uint32) []byte {
	buf := make([]byte, sdoPayloadOffset+4)
	encodeMboHeader(buf, 10, gatewayIndex, 0, 0, MailboxTypeCoE, 0)
	encodeCoEHeader(buf, 0, CoESDOResponse)
	encodeSDOCmd(buf, false, false, 0, false, SDOReqAbort)
	binary.LittleEndian.PutUint16(buf[sdoIndexOffset:sdoIndexOffset+2], index)
	buf[sdoSubOffset] = subindex
	binary.LittleEndian.PutUint32(buf[sdoPayloadOffset:sdoPayloadOffset+4], code)
	return buf
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
