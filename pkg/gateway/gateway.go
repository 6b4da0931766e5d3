// Package gateway implements the ETG.8200 EtherCAT-over-UDP diagnostic
// socket (C7): it receives mailbox requests from external tools, forwards
// them into the bus's mailbox engine, and routes completed replies back
// to their UDP origin.
package gateway

import (
	"encoding/binary"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Port is ETG.8200's well-known diagnostic UDP port, coincidentally the
// same numeric value as the EtherCAT ethertype.
const Port = 0x88A4

const ethercatHeaderSize = 2
const mailboxHeaderSize = 6

// ethercatTypeMailbox is the 4-bit sub-protocol tag identifying a gateway
// request/reply as opposed to a real-time ECAT datagram frame.
const ethercatTypeMailbox = 0x5

// messageMask is the high bit reserved to distinguish gateway-issued
// indices from ordinary mailbox counters.
const messageMask uint16 = 1 << 15
const maxInFlight = 1024

// Status mirrors the subset of mailbox message status values a gateway
// caller cares about: still running, or done (success/error alike — the
// reply payload itself carries the detail).
type Status uint8

const (
	StatusRunning Status = iota
	StatusDone
)

// Message is one in-flight gateway request: an inbound mailbox payload
// forwarded onto the bus, tracked until the bus produces a reply.
type Message struct {
	Index  uint16
	From   *net.UDPAddr
	Status Status
	Reply  []byte
}

// Forwarder hands a raw mailbox message to the bus (local master object
// dictionary or the addressed slave's mailbox engine) and returns the
// Message handle the gateway will poll until it carries a reply.
type Forwarder func(raw []byte, gatewayIndex uint16) (*Message, error)

// Gateway owns the diagnostic UDP socket and the set of requests
// currently being served by the bus.
type Gateway struct {
	conn      *net.UDPConn
	forward   Forwarder
	pending   []*Message
	nextIndex uint16
}

// New binds the ETG.8200 diagnostic socket on the given address (use
// ":34980" / fmt.Sprintf(":%d", Port) for the standard port) and wires
// inbound requests through forward.
func New(laddr string, forward Forwarder) (*Gateway, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Gateway{conn: conn, forward: forward}, nil
}

// Close releases the UDP socket.
func (g *Gateway) Close() error { return g.conn.Close() }

// Addr returns the socket's bound local address.
func (g *Gateway) Addr() *net.UDPAddr { return g.conn.LocalAddr().(*net.UDPAddr) }

// nextGatewayIndex rolls a 10-bit counter with the reserved high bit set,
// per ETG.8200's GATEWAY_MESSAGE_MASK convention (protocol.go's
// GatewayMessageMask mirrors the same bit on the bus side).
func (g *Gateway) nextGatewayIndex() uint16 {
	g.nextIndex = (g.nextIndex + 1) % uint16(maxInFlight)
	return g.nextIndex | messageMask
}

// fetchTimeout bounds how long FetchRequest blocks waiting for a datagram,
// so a caller can interleave it with a cyclic real-time loop.
const fetchTimeout = time.Millisecond

// FetchRequest performs one bounded-wait read of the diagnostic socket
// and, if a well-formed request arrived, forwards it onto the bus.
func (g *Gateway) FetchRequest() error {
	_ = g.conn.SetReadDeadline(time.Now().Add(fetchTimeout))
	buf := make([]byte, 1500)
	n, from, err := g.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return err
	}
	frame := buf[:n]

	if len(frame) < ethercatHeaderSize+mailboxHeaderSize {
		log.Debugf("[GATEWAY] frame too small (%d bytes)", len(frame))
		return nil
	}

	ecatHeader := binary.LittleEndian.Uint16(frame[0:2])
	frameLen := ecatHeader & 0x7FF
	frameType := (ecatHeader >> 12) & 0xF
	if frameType != ethercatTypeMailbox {
		log.Debugf("[GATEWAY] frame type %d is not mailbox", frameType)
		return nil
	}

	mbxPayload := frame[ethercatHeaderSize:]
	mbxLen := binary.LittleEndian.Uint16(mbxPayload[0:2])
	declared := int(mailboxHeaderSize) + int(mbxLen)
	if declared > len(mbxPayload) || int(frameLen) > len(mbxPayload) {
		log.Debugf("[GATEWAY] declared mailbox length exceeds frame size")
		return nil
	}

	index := g.nextGatewayIndex()
	msg, err := g.forward(mbxPayload[:declared], index)
	if err != nil {
		log.Warnf("[GATEWAY] forwarding request failed: %v", err)
		return nil
	}
	if msg == nil {
		return nil
	}
	msg.From = from
	msg.Index = index
	g.pending = append(g.pending, msg)
	log.Debugf("[GATEWAY] queued request index=%#x from=%s", index, from)
	return nil
}

// ProcessPendingRequests sends back every completed request's reply to
// its origin UDP address and drops it from the pending set.
func (g *Gateway) ProcessPendingRequests() error {
	remaining := g.pending[:0]
	for _, msg := range g.pending {
		if msg.Status != StatusDone {
			remaining = append(remaining, msg)
			continue
		}

		frame := make([]byte, ethercatHeaderSize+len(msg.Reply))
		header := uint16(len(msg.Reply)&0x7FF) | (uint16(ethercatTypeMailbox) << 12)
		binary.LittleEndian.PutUint16(frame[0:2], header)
		copy(frame[ethercatHeaderSize:], msg.Reply)

		if _, err := g.conn.WriteToUDP(frame, msg.From); err != nil {
			log.Warnf("[GATEWAY] reply send to %s failed: %v", msg.From, err)
		}
	}
	g.pending = remaining
	return nil
}
