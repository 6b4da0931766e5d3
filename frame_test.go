package ethercat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundtrip(t *testing.T) {
	f := NewFrame()
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	f.AddDatagram(5, CmdFPWR, createAddress(1000, 0x120), payload)

	n := f.Finalize()
	require.Equal(t, EthMinSize, n)

	parsed, err := parseIncoming(f.Bytes()[:n])
	require.NoError(t, err)

	header, data, wkc, ok := parsed.NextDatagram()
	require.True(t, ok)
	require.Equal(t, CmdFPWR, header.Command)
	require.Equal(t, uint8(5), header.Index)
	require.Equal(t, createAddress(1000, 0x120), header.Address)
	require.False(t, header.Multiple)
	require.Equal(t, uint16(0), wkc)
	require.Equal(t, payload, data)

	_, _, _, ok = parsed.NextDatagram()
	require.False(t, ok)
}

func TestFrameReadOnlyCommandZeroesPayload(t *testing.T) {
	f := NewFrame()
	garbage := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	f.AddDatagram(0, CmdFPRD, createAddress(1000, 0x130), garbage)
	f.Finalize()

	parsed, err := parseIncoming(f.Bytes()[:EthMinSize])
	require.NoError(t, err)
	_, data, _, _ := parsed.NextDatagram()
	require.Equal(t, []byte{0, 0, 0, 0}, data)
}

func TestFrameMaxDatagrams(t *testing.T) {
	f := NewFrame()
	for i := 0; i < MaxDatagrams; i++ {
		require.False(t, f.IsFull())
		f.AddDatagram(uint8(i), CmdNOP, 0, make([]byte, 1))
	}
	require.True(t, f.IsFull())
	require.Equal(t, MaxDatagrams, f.DatagramCount())
}

func TestFrameFinalizeEmptyIsMinSize(t *testing.T) {
	f := NewFrame()
	require.Equal(t, EthMinSize, f.Finalize())
}

func TestFrameMultipleDatagramsChain(t *testing.T) {
	f := NewFrame()
	f.AddDatagram(0, CmdFPRD, 0, make([]byte, 2))
	f.AddDatagram(1, CmdFPWR, 0, []byte{0xAB, 0xCD})
	f.AddDatagram(2, CmdBRD, 0, make([]byte, 1))
	n := f.Finalize()

	parsed, err := parseIncoming(f.Bytes()[:n])
	require.NoError(t, err)

	count := 0
	for {
		header, _, _, ok := parsed.NextDatagram()
		if !ok {
			break
		}
		count++
		if count < 3 {
			require.True(t, header.Multiple)
		} else {
			require.False(t, header.Multiple)
		}
	}
	require.Equal(t, 3, count)
}

func TestParseIncomingRejectsWrongEthertype(t *testing.T) {
	f := NewFrame()
	f.AddDatagram(0, CmdNOP, 0, nil)
	n := f.Finalize()
	buf := append([]byte(nil), f.Bytes()[:n]...)
	buf[12], buf[13] = 0x08, 0x00 // IPv4 ethertype
	_, err := parseIncoming(buf)
	require.ErrorIs(t, err, ErrInvalidFrame)
}
