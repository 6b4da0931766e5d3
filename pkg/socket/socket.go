// Package socket defines the raw Ethernet I/O port contract used by the
// Link (C2 in the core design): a blocking write and a bounded-timeout
// read of exactly one Ethernet frame on a NIC. Concrete backends (raw
// AF_PACKET socket, null placeholder) live alongside this interface.
package socket

import "time"

// Port is the contract the Link relies on for one network interface. Two
// instances are used when cable redundancy is enabled: nominal and
// redundancy.
type Port interface {
	// Open binds the port to the named network interface.
	Open(interfaceName string) error

	// SetTimeout configures the bound on Read. A negative duration means
	// block indefinitely.
	SetTimeout(d time.Duration)

	// Write sends exactly one Ethernet frame. A partial write is reported
	// as an error: the caller cannot recover a half-sent frame.
	Write(frame []byte) (int, error)

	// Read fills buffer with one Ethernet frame and returns the number of
	// bytes read. 0, nil is a benign "no data" reply from the null port.
	// A timeout is reported as an error satisfying net.Error with
	// Timeout() == true; the caller never blocks past the configured
	// SetTimeout duration.
	Read(buffer []byte) (int, error)

	// Close releases the underlying OS resource. Idempotent, infallible.
	Close()
}
