package ethercat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/socket"
)

// wkcPort is a test double that stamps every datagram's WKC with a fixed
// value and, when the test pre-seeds replyData, copies those bytes over
// the first datagram's payload whatever its command.
type wkcPort struct {
	wkc       uint16
	replyData []byte
	readEmpty bool
	queue     [][]byte
}

func (p *wkcPort) Open(string) error        { return nil }
func (p *wkcPort) SetTimeout(time.Duration) {}
func (p *wkcPort) Close()                   {}

func (p *wkcPort) Write(frame []byte) (int, error) {
	reply := append([]byte(nil), frame...)
	stampWKC(reply, p.wkc)
	if p.replyData != nil {
		offset := offsetFirstDatagram + DatagramHeaderSize
		copy(reply[offset:], p.replyData)
	}
	p.queue = append(p.queue, reply)
	return len(frame), nil
}

func (p *wkcPort) Read(buf []byte) (int, error) {
	if p.readEmpty || len(p.queue) == 0 {
		return 0, nil
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return copy(buf, next), nil
}

func newTestBus(wkc uint16) (*Bus, *wkcPort) {
	port := &wkcPort{wkc: wkc}
	link := NewLink(port, socket.NewNullPort(), nil)
	return NewBus(link, WithWatchdogPrecision(40)), port
}

func TestBusDiscoverFailsWithNoSlaves(t *testing.T) {
	bus, _ := newTestBus(0)
	err := bus.Discover()
	require.ErrorIs(t, err, ErrNoSlaveDetected)
}

func TestBusDiscoverCreatesSlaves(t *testing.T) {
	bus, _ := newTestBus(3)
	require.NoError(t, bus.Discover())
	require.Len(t, bus.Slaves(), 3)
	require.Equal(t, uint16(0), bus.Slaves()[0].Position)
	require.Equal(t, uint16(2), bus.Slaves()[2].Position)
}

func TestBusResetSucceedsWithMatchingWKC(t *testing.T) {
	bus, _ := newTestBus(2)
	require.NoError(t, bus.Discover())
	require.NoError(t, bus.Reset())
}

func TestBusConfigureWatchdogsRejectsOutOfRange(t *testing.T) {
	bus, _ := newTestBus(1)
	require.NoError(t, bus.Discover())
	err := bus.ConfigureWatchdogs(-1, 0)
	require.ErrorIs(t, err, ErrInvalidWatchdog)
}

func TestBusAssignAddresses(t *testing.T) {
	bus, _ := newTestBus(1)
	require.NoError(t, bus.Discover())
	require.NoError(t, bus.AssignAddresses())
	require.Equal(t, uint16(1000), bus.Slaves()[0].StationAddress)
}

func TestBusWaitForStateTimesOutWithoutReply(t *testing.T) {
	bus, port := newTestBus(1)
	require.NoError(t, bus.Discover())
	port.readEmpty = true

	err := bus.WaitForState(StateOperational, 5*time.Millisecond, nil)
	require.Error(t, err)
}
