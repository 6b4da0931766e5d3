package ethercat

import (
	"errors"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/goethercat/pkg/socket"
)

// ReplyHandler processes one datagram reply and returns how the Link
// should record that datagram's outcome.
type ReplyHandler func(header DatagramHeader, data []byte, wkc uint16) DatagramState

// ErrorHandler is invoked once for every datagram whose final status is
// not OK at the end of a processDatagrams tick. It may return an error;
// Link captures only the last one and rethrows it after draining every
// other pending callback (spec.md §4.3/§7).
type ErrorHandler func(state DatagramState) error

type linkCallback struct {
	status DatagramState
	reply  ReplyHandler
	onErr  ErrorHandler
}

// Link hides the one-wire-frame reality from the Bus: clients append
// datagrams, Link batches them into frames, writes them, and correlates
// replies back to per-datagram callbacks (C3). It owns the send/receive
// frame buffers and the 256 entry callback table exclusively.
type Link struct {
	nominal    socket.Port
	redundancy socket.Port

	srcMACNominal    MAC
	srcMACRedundancy MAC

	frame *Frame

	indexHead  uint8
	indexQueue uint8
	sentFrames int

	callbacks [256]linkCallback

	redundancyActive bool
	reportRedundancy func()

	clock Clock
}

// LinkOption configures optional Link behavior at construction.
type LinkOption func(*Link)

// WithSourceMACs overrides the default nominal/redundancy source MACs.
func WithSourceMACs(nominal, redundancy MAC) LinkOption {
	return func(l *Link) {
		l.srcMACNominal = nominal
		l.srcMACRedundancy = redundancy
	}
}

// WithClock overrides the Clock used for the redundancy probe's timing;
// tests inject a fake clock here.
func WithClock(c Clock) LinkOption {
	return func(l *Link) { l.clock = c }
}

// NewLink builds a Link over the given nominal port and an optional
// redundancy port (pass socket.NewNullPort() to run without a redundancy
// ring). reportRedundancy is invoked once whenever a broken ring is
// detected, per the probe in checkRedundancyNeeded (P9).
func NewLink(nominal, redundancy socket.Port, reportRedundancy func(), opts ...LinkOption) *Link {
	l := &Link{
		nominal:          nominal,
		redundancy:       redundancy,
		srcMACNominal:    PrimaryIfMAC,
		srcMACRedundancy: SecondaryIfMAC,
		frame:            NewFrame(),
		reportRedundancy: reportRedundancy,
		clock:            NewSystemClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.checkRedundancyNeeded()
	return l
}

// checkRedundancyNeeded probes the line with a single BRD(0x0000,1): write
// on the redundancy port, expect the frame back on the nominal port with
// WKC != 0. If that read fails, retry on the redundancy port itself. Any
// non-zero WKC observed through either path means the ring is broken, and
// reportRedundancy fires exactly once (spec.md §4.3, P9).
func (l *Link) checkRedundancyNeeded() {
	probe := NewFrame()
	probe.AddDatagram(0, CmdBRD, createAddress(0, 0x0000), make([]byte, 1))
	n := probe.Finalize()
	probe.SetSourceMAC(l.srcMACRedundancy)

	if _, err := l.redundancy.Write(probe.Bytes()[:n]); err != nil {
		log.Debugf("[LINK] redundancy probe write failed: %v", err)
		return
	}

	readBuf := make([]byte, frameCapacity)
	nRead, err := l.nominal.Read(readBuf)
	var reply *Frame
	if err != nil || nRead == 0 {
		nRead, err = l.redundancy.Read(readBuf)
		if err != nil || nRead == 0 {
			return
		}
	}
	reply, err = parseIncoming(readBuf[:nRead])
	if err != nil {
		return
	}
	_, _, wkc, ok := reply.NextDatagram()
	if !ok || wkc == 0 {
		return
	}

	l.redundancyActive = true
	if l.reportRedundancy != nil {
		l.reportRedundancy()
	}
}

// WriteThenRead is the trivial init-path primitive: write the frame on
// the nominal port and read one frame back. In redundancy mode the
// answer is read from the redundancy port instead.
func (l *Link) WriteThenRead(frame *Frame) error {
	n := frame.Finalize()
	frame.SetSourceMAC(l.srcMACNominal)
	if _, err := l.nominal.Write(frame.Bytes()[:n]); err != nil {
		return &SystemError{Op: "write nominal", Err: err}
	}

	readPort := l.nominal
	if l.redundancyActive {
		readPort = l.redundancy
	}
	buf := make([]byte, frameCapacity)
	nRead, err := readPort.Read(buf)
	if err != nil {
		return &SystemError{Op: "read", Err: err}
	}
	parsed, err := parseIncoming(buf[:nRead])
	if err != nil {
		return err
	}
	*frame = *parsed
	return nil
}

// AddDatagram allocates the next datagram index, appends it to the
// current outgoing frame (sending it first if there isn't room), and
// binds reply/error callbacks to that index.
func (l *Link) AddDatagram(command Command, address uint32, data []byte, reply ReplyHandler, onErr ErrorHandler) error {
	if l.indexQueue == l.indexHead+1 {
		return ErrTooManyInFlight
	}

	needed := int(datagramSize(uint16(len(data))))
	if l.frame.FreeSpace() < needed {
		l.sendFrame()
	}

	l.frame.AddDatagram(l.indexHead, command, address, data)
	l.callbacks[l.indexHead] = linkCallback{
		status: DatagramStateLost,
		reply:  reply,
		onErr:  onErr,
	}
	l.indexHead++

	if l.frame.IsFull() {
		l.sendFrame()
	}
	return nil
}

// FinalizeDatagrams sends the current frame if it holds any datagram.
func (l *Link) FinalizeDatagrams() {
	if l.frame.DatagramCount() != 0 {
		l.sendFrame()
	}
}

func (l *Link) sendFrame() {
	datagramsInFrame := l.frame.DatagramCount()
	n := l.frame.Finalize()
	l.frame.SetSourceMAC(l.srcMACNominal)

	_, err := l.nominal.Write(l.frame.Bytes()[:n])
	l.frame.Clear()
	if err != nil {
		log.Warnf("[LINK] write on nominal port failed: %v", err)
		for i := 0; i < datagramsInFrame; i++ {
			idx := l.indexHead - uint8(i) - 1
			l.callbacks[idx].status = DatagramStateSendError
		}
		return
	}
	l.sentFrames++
}

// ProcessDatagrams finalizes any pending frame, reads back every
// outstanding answer, dispatches replies to their callbacks, then fires
// on_error for every datagram still not OK. Exactly one combined
// callback runs per queued datagram (P5); if multiple error callbacks
// return an error, only the last is rethrown, after all have run.
func (l *Link) ProcessDatagrams() error {
	l.FinalizeDatagrams()

	waitingFrames := l.sentFrames
	l.sentFrames = 0

	readPort := l.nominal
	if l.redundancyActive {
		readPort = l.redundancy
	}

	readBuf := make([]byte, frameCapacity)
	for i := 0; i < waitingFrames; i++ {
		n, err := readPort.Read(readBuf)
		if err != nil || n == 0 {
			continue
		}
		parsed, err := parseIncoming(readBuf[:n])
		if err != nil {
			log.Debugf("[LINK] dropping malformed frame: %v", err)
			continue
		}
		for {
			header, data, wkc, ok := parsed.NextDatagram()
			if !ok {
				break
			}
			cb := &l.callbacks[header.Index]
			if cb.reply == nil {
				cb.status = DatagramStateNoHandler
				continue
			}
			cb.status = cb.reply(header, data, wkc)
		}
	}

	var lastErr error
	for i := l.indexQueue; i != l.indexHead; i++ {
		cb := &l.callbacks[i]
		if cb.status != DatagramStateOK {
			if cb.onErr != nil {
				if err := cb.onErr(cb.status); err != nil {
					lastErr = err
				}
			}
		}
		// Absorb a late-arriving reply for this index in a future tick
		// instead of misinterpreting it as fresh data.
		cb.reply = l.drainLateReply
	}

	l.indexQueue = l.indexHead

	return lastErr
}

// drainLateReply is bound to a datagram slot once its tick has closed, so
// that a reply arriving after the fact is discarded rather than matched
// against whatever new datagram later reuses that index.
func (l *Link) drainLateReply(DatagramHeader, []byte, uint16) DatagramState {
	return DatagramStateOK
}

// IsRedundancyActive reports whether the last probe found the ring
// broken and cyclic traffic is using the alternate read port.
func (l *Link) IsRedundancyActive() bool {
	return l.redundancyActive
}

// isTimeout reports whether err represents a bounded-read timeout rather
// than a hard failure.
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
