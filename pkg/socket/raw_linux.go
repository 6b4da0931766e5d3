//go:build linux

package socket

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RawPort is a Port backed by an AF_PACKET socket bound to one network
// interface, reading and writing whole Ethernet frames without going
// through the kernel's IP stack. This is the real-hardware equivalent of
// the NullPort placeholder.
type RawPort struct {
	fd        int
	ifaceName string
}

// NewRawPort returns an unopened raw Ethernet port.
func NewRawPort() *RawPort {
	return &RawPort{fd: -1}
}

// Open binds an AF_PACKET/SOCK_RAW socket to interfaceName, listening for
// the EtherCAT ethertype only.
func (p *RawPort) Open(interfaceName string) error {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return fmt.Errorf("resolve interface %s: %w", interfaceName, err)
	}

	// htons(ETH_P_ECAT): AF_PACKET protocol is expected in network byte order.
	proto := uint16(EthTypeEtherCATBE)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return fmt.Errorf("open raw socket on %s: %w", interfaceName, err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind raw socket to %s: %w", interfaceName, err)
	}

	p.fd = fd
	p.ifaceName = interfaceName
	log.Debugf("[SOCKET] opened raw port on %s (fd=%d)", interfaceName, fd)
	return nil
}

// EthTypeEtherCATBE is 0x88A4 already expressed as the network-byte-order
// uint16 value AF_PACKET expects for its protocol argument.
const EthTypeEtherCATBE uint16 = 0xA488

// SetTimeout configures SO_RCVTIMEO. A negative duration blocks forever.
func (p *RawPort) SetTimeout(d time.Duration) {
	if p.fd < 0 {
		return
	}
	var tv unix.Timeval
	if d >= 0 {
		tv = unix.NsecToTimeval(d.Nanoseconds())
	}
	if err := unix.SetsockoptTimeval(p.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		log.Warnf("[SOCKET] failed to set read timeout on %s: %v", p.ifaceName, err)
	}
}

// Write sends exactly one Ethernet frame. A partial write is an error:
// the caller cannot recover a half-sent frame on a raw socket.
func (p *RawPort) Write(frame []byte) (int, error) {
	n, err := unix.Write(p.fd, frame)
	if err != nil {
		return n, fmt.Errorf("write on %s: %w", p.ifaceName, err)
	}
	if n != len(frame) {
		return n, fmt.Errorf("partial write on %s: wrote %d of %d bytes", p.ifaceName, n, len(frame))
	}
	return n, nil
}

// Read fills buffer with one Ethernet frame, bounded by the configured
// SetTimeout. A timed-out read surfaces as a *net.OpError wrapping
// EAGAIN/EWOULDBLOCK, which satisfies net.Error with Timeout() == true.
func (p *RawPort) Read(buffer []byte) (int, error) {
	n, err := unix.Read(p.fd, buffer)
	if err != nil {
		return 0, &net.OpError{Op: "read", Net: "packet", Addr: nil, Err: err}
	}
	return n, nil
}

// Close releases the socket file descriptor. Idempotent.
func (p *RawPort) Close() {
	if p.fd < 0 {
		return
	}
	unix.Close(p.fd)
	p.fd = -1
}
