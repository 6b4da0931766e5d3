package gateway

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func buildMailboxFrame(mbxLen uint16, frameType uint16, data []byte) []byte {
	frame := make([]byte, ethercatHeaderSize+mailboxHeaderSize+len(data))
	ecatHeader := (mbxLen & 0x7FF) | (frameType << 12)
	binary.LittleEndian.PutUint16(frame[0:2], ecatHeader)
	binary.LittleEndian.PutUint16(frame[2:4], mbxLen)
	copy(frame[ethercatHeaderSize+mailboxHeaderSize:], data)
	return frame
}

func TestGatewayFetchRequestForwardsWellFormedFrame(t *testing.T) {
	var gotIndex uint16
	var forwarded bool

	gw, err := New("127.0.0.1:0", func(raw []byte, index uint16) (*Message, error) {
		forwarded = true
		gotIndex = index
		return &Message{Status: StatusDone, Reply: []byte{0xAA}}, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close()

	client, err := net.DialUDP("udp", nil, gw.Addr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	frame := buildMailboxFrame(0, ethercatTypeMailbox, nil)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := gw.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if err := gw.FetchRequest(); err != nil {
		t.Fatalf("FetchRequest: %v", err)
	}
	if !forwarded {
		t.Fatalf("expected request to be forwarded")
	}
	if gotIndex&messageMask == 0 {
		t.Fatalf("expected gateway index to carry the reserved high bit, got %#x", gotIndex)
	}
	if len(gw.pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(gw.pending))
	}
}

func TestGatewayFetchRequestDropsUndersizedFrame(t *testing.T) {
	forwarded := false
	gw, err := New("127.0.0.1:0", func(raw []byte, index uint16) (*Message, error) {
		forwarded = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close()

	client, err := net.DialUDP("udp", nil, gw.Addr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := gw.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if err := gw.FetchRequest(); err != nil {
		t.Fatalf("FetchRequest: %v", err)
	}
	if forwarded {
		t.Fatalf("expected undersized frame to be dropped before forwarding")
	}
}

func TestGatewayProcessPendingRequestsSendsCompletedReply(t *testing.T) {
	gw, err := New("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close()

	client, err := net.DialUDP("udp", nil, gw.Addr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	gw.pending = []*Message{
		{Index: 1 | messageMask, From: client.LocalAddr().(*net.UDPAddr), Status: StatusRunning},
		{Index: 2 | messageMask, From: client.LocalAddr().(*net.UDPAddr), Status: StatusDone, Reply: []byte{0x01, 0x02}},
	}

	if err := gw.ProcessPendingRequests(); err != nil {
		t.Fatalf("ProcessPendingRequests: %v", err)
	}
	if len(gw.pending) != 1 {
		t.Fatalf("expected the still-running request to remain pending, got %d", len(gw.pending))
	}

	if err := client.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != ethercatHeaderSize+2 {
		t.Fatalf("unexpected reply length %d", n)
	}
}

func TestNextGatewayIndexWrapsWithinMaxInFlight(t *testing.T) {
	gw := &Gateway{}
	var last uint16
	for i := 0; i < maxInFlight+1; i++ {
		last = gw.nextGatewayIndex()
	}
	if last&messageMask == 0 {
		t.Fatalf("expected reserved high bit set")
	}
	if last&^messageMask >= uint16(maxInFlight) {
		t.Fatalf("expected counter to wrap under maxInFlight, got %d", last&^messageMask)
	}
}
