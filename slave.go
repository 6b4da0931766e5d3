package ethercat

// Slave mirrors one ESC's discovered identity, mailbox configuration, and
// process-image mapping (C5). The Bus owns a flat, append-only slice of
// these, indexed by physical position; Slave itself never talks to a
// Link directly.
type Slave struct {
	Position      uint16
	StationAddress uint16

	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32

	Mailbox          *Mailbox
	MailboxBootstrap *Mailbox
	SupportedMailbox MailboxProtocol

	ALStatus     State
	ALStatusCode uint16
	DLStatus     DLStatus

	EepromSize    uint32
	EepromVersion uint16
	SII           SII

	ErrorCounters    ErrorCounters
	previousErrorSum int

	// IsStaticMapping, when set, tells the mapping engine to use Input/Output
	// as supplied by the caller instead of auto-detecting them from CoE/SII.
	IsStaticMapping bool
	Input           PIMapping
	Output          PIMapping
}

// PIMapping describes one direction (input or output) of a slave's process
// image placement inside a PIFrame.
type PIMapping struct {
	Data         []byte
	SizeBits     int
	SizeBytes    int
	SyncManager  int
	LogicalAddr  uint32
}

// NewSlave constructs a Slave at the given physical bus position, with
// empty (inactive) mailboxes ready to be sized once the Standard Mailbox
// EEPROM category has been read.
func NewSlave(position uint16) *Slave {
	return &Slave{
		Position:         position,
		Mailbox:          NewMailbox(0, 0, 0, 0),
		MailboxBootstrap: NewMailbox(0, 0, 0, 0),
	}
}

// ComputeErrorCounters sums every counter in the slave's ERROR_COUNTERS
// block and returns the number of new errors observed since the previous
// call, matching the teacher's relative-counter bookkeeping pattern.
func (s *Slave) ComputeErrorCounters() int {
	total := 0
	for _, rx := range s.ErrorCounters.RX {
		total += int(rx.InvalidFrame) + int(rx.PhysicalLayer)
	}
	for _, f := range s.ErrorCounters.Forwarded {
		total += int(f)
	}
	for _, l := range s.ErrorCounters.LostLink {
		total += int(l)
	}
	total += int(s.ErrorCounters.MalformedFrame) + int(s.ErrorCounters.PDI)

	delta := total - s.previousErrorSum
	s.previousErrorSum = total
	return delta
}

// CheckAbsoluteErrorCounters reports whether the slave has accumulated
// more than maxAbsoluteErrors total errors since it started.
func (s *Slave) CheckAbsoluteErrorCounters(maxAbsoluteErrors int) bool {
	return s.previousErrorSum > maxAbsoluteErrors
}

// CountOpenPorts returns the number of physical ports (0-3) currently
// reporting a link, as read from DL_STATUS. Used by topology discovery
// to tell a passthrough slave (2 open ports) from a branch or a line end.
func (s *Slave) CountOpenPorts() int {
	count := 0
	for port := 0; port < 4; port++ {
		if s.DLStatus.PortLinked(port) {
			count++
		}
	}
	return count
}

// mailboxFor returns the bootstrap mailbox while the slave is in BOOT
// state, the standard mailbox otherwise.
func (s *Slave) mailboxFor() *Mailbox {
	if s.ALStatus&^StateAck == StateBoot {
		return s.MailboxBootstrap
	}
	return s.Mailbox
}

// configureMailboxFromEeprom sizes the standard and bootstrap mailboxes
// from the Standard/Bootstrap Mailbox EEPROM words already loaded into
// sii.Raw, and records the protocols the slave advertises.
func (s *Slave) configureMailboxFromEeprom() {
	s.SupportedMailbox = MailboxProtocol(s.SII.word(EepromMailboxProtocol))

	recvOffset := s.SII.word(EepromStandardMailbox + MboRecvOffset)
	recvSize := s.SII.word(EepromStandardMailbox + MboRecvSize)
	sendOffset := s.SII.word(EepromStandardMailbox + MboSendOffset)
	sendSize := s.SII.word(EepromStandardMailbox + MboSendSize)
	s.Mailbox = NewMailbox(recvOffset, recvSize, sendOffset, sendSize)

	bootRecvOffset := s.SII.word(EepromBootstrapMailbox + MboRecvOffset)
	bootRecvSize := s.SII.word(EepromBootstrapMailbox + MboRecvSize)
	bootSendOffset := s.SII.word(EepromBootstrapMailbox + MboSendOffset)
	bootSendSize := s.SII.word(EepromBootstrapMailbox + MboSendSize)
	s.MailboxBootstrap = NewMailbox(bootRecvOffset, bootRecvSize, bootSendOffset, bootSendSize)
}
