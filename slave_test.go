package ethercat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlaveComputeErrorCountersReturnsDelta(t *testing.T) {
	s := NewSlave(0)
	s.ErrorCounters.RX[0].InvalidFrame = 3
	require.Equal(t, 3, s.ComputeErrorCounters())
	require.Equal(t, 0, s.ComputeErrorCounters())

	s.ErrorCounters.RX[0].InvalidFrame = 5
	require.Equal(t, 2, s.ComputeErrorCounters())
}

func TestSlaveCheckAbsoluteErrorCounters(t *testing.T) {
	s := NewSlave(0)
	s.ErrorCounters.Forwarded[0] = 10
	s.ComputeErrorCounters()
	require.True(t, s.CheckAbsoluteErrorCounters(5))
	require.False(t, s.CheckAbsoluteErrorCounters(20))
}

func TestSlaveCountOpenPorts(t *testing.T) {
	s := NewSlave(0)
	s.DLStatus = DLStatus(1<<4 | 1<<5) // ports 0 and 1 linked
	require.Equal(t, 2, s.CountOpenPorts())
}

func TestSlaveMailboxForSwitchesOnBootState(t *testing.T) {
	s := NewSlave(0)
	s.Mailbox = NewMailbox(0x1000, 64, 0x1100, 64)
	s.MailboxBootstrap = NewMailbox(0x2000, 64, 0x2100, 64)

	require.Same(t, s.Mailbox, s.mailboxFor())

	s.ALStatus = StateBoot
	require.Same(t, s.MailboxBootstrap, s.mailboxFor())
}
