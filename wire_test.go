package raknet

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint24RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0xff, 0xffff, 0xabcdef, 1<<24 - 1} {
		b := bytes.NewBuffer(nil)
		require.NoError(t, writeUint24(b, v))
		got, err := readUint24(b)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestMagicRoundTrip(t *testing.T) {
	b := bytes.NewBuffer(nil)
	require.NoError(t, writeMagic(b))
	require.NoError(t, readMagic(b))
}

func TestMagicRejectsGarbage(t *testing.T) {
	b := bytes.NewBuffer(make([]byte, 16))
	require.ErrorIs(t, readMagic(b), ErrBadMagic)
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "hello", "MCPE;Dedicated Server;486;1.18.11;0;10;12322747879247233720;Bedrock level;Survival;1;19132;"} {
		b := bytes.NewBuffer(nil)
		require.NoError(t, writeString(b, s))
		got, err := readString(b)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestAddrRoundTripIPv4(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 42), Port: 19132}
	b := bytes.NewBuffer(nil)
	require.NoError(t, writeAddr(b, addr))
	got, err := readAddr(b)
	require.NoError(t, err)
	require.True(t, got.IP.Equal(addr.IP))
	require.Equal(t, addr.Port, got.Port)
}

func TestAddrRoundTripIPv6(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 19133}
	b := bytes.NewBuffer(nil)
	require.NoError(t, writeAddr(b, addr))
	got, err := readAddr(b)
	require.NoError(t, err)
	require.True(t, got.IP.Equal(addr.IP))
	require.Equal(t, addr.Port, got.Port)
}

func TestSeqDistanceWraparound(t *testing.T) {
	require.Equal(t, int32(1), seqDistance(0, seqMod-1))
	require.Equal(t, int32(-1), seqDistance(seqMod-1, 0))
	require.Equal(t, int32(0), seqDistance(42, 42))
	require.True(t, seqLess(seqMod-1, 0))
	require.False(t, seqLess(0, seqMod-1))
}

func TestSeqIncWraps(t *testing.T) {
	require.Equal(t, uint32(0), seqInc(seqMod-1))
}
