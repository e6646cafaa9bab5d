package raknet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripEachReliability(t *testing.T) {
	cases := []*frame{
		{reliability: Unreliable, payload: []byte("a")},
		{reliability: UnreliableSequenced, payload: []byte("bb"), orderChannel: 3, seqIndex: 7},
		{reliability: Reliable, payload: []byte("ccc"), reliableIndex: 99},
		{reliability: ReliableOrdered, payload: []byte("dddd"), orderChannel: 1, orderIndex: 5, reliableIndex: 100},
		{reliability: ReliableSequenced, payload: []byte("eeeee"), orderChannel: 2, seqIndex: 9, reliableIndex: 101},
		{reliability: Reliable, payload: []byte{}, reliableIndex: 5},
	}
	for _, f := range cases {
		b := bytes.NewBuffer(nil)
		require.NoError(t, f.write(b))
		require.Equal(t, f.size(), b.Len())

		got := &frame{}
		require.NoError(t, got.read(b))
		require.Equal(t, f.reliability, got.reliability)
		require.Equal(t, f.payload, got.payload)
		if f.reliability.reliable() {
			require.Equal(t, f.reliableIndex, got.reliableIndex)
		}
		if f.reliability.sequenced() {
			require.Equal(t, f.seqIndex, got.seqIndex)
			require.Equal(t, f.orderChannel, got.orderChannel)
		}
		if f.reliability.ordered() {
			require.Equal(t, f.orderIndex, got.orderIndex)
			require.Equal(t, f.orderChannel, got.orderChannel)
		}
	}
}

func TestFrameSplitRoundTrip(t *testing.T) {
	f := &frame{
		reliability: Reliable,
		payload:     []byte("fragment payload"),
		reliableIndex: 42,
		split:         true,
		splitCount:    3,
		splitID:       7,
		splitIndex:    1,
	}
	b := bytes.NewBuffer(nil)
	require.NoError(t, f.write(b))
	got := &frame{}
	require.NoError(t, got.read(b))
	require.True(t, got.split)
	require.Equal(t, f.splitCount, got.splitCount)
	require.Equal(t, f.splitID, got.splitID)
	require.Equal(t, f.splitIndex, got.splitIndex)
}

func TestFrameRejectsSplitIndexOutOfRange(t *testing.T) {
	f := &frame{reliability: Unreliable, payload: []byte("x"), split: true, splitCount: 2, splitIndex: 2, splitID: 1}
	b := bytes.NewBuffer(nil)
	require.NoError(t, f.write(b))
	got := &frame{}
	require.ErrorIs(t, got.read(b), ErrPacketParse)
}

func TestAcknowledgementRangeCollapsing(t *testing.T) {
	ack := &acknowledgement{packets: []uint32{1, 2, 3, 5, 7, 8, 9}}
	b := bytes.NewBuffer(nil)
	require.NoError(t, ack.write(b))

	got := &acknowledgement{}
	require.NoError(t, got.read(b))
	require.ElementsMatch(t, ack.packets, got.packets)
}

func TestAcknowledgementEmpty(t *testing.T) {
	ack := &acknowledgement{}
	b := bytes.NewBuffer(nil)
	require.NoError(t, ack.write(b))
	got := &acknowledgement{}
	require.NoError(t, got.read(b))
	require.Empty(t, got.packets)
}

func TestAcknowledgementWraparoundRange(t *testing.T) {
	ack := &acknowledgement{packets: []uint32{seqMod - 2, seqMod - 1, 0, 1}}
	b := bytes.NewBuffer(nil)
	require.NoError(t, ack.write(b))
	got := &acknowledgement{}
	require.NoError(t, got.read(b))
	require.ElementsMatch(t, ack.packets, got.packets)
}
