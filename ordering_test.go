package raknet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedDeliversInSequence(t *testing.T) {
	var ch orderingChannel
	out := ch.deliverOrdered(0, []byte("a"))
	require.Equal(t, [][]byte{[]byte("a")}, out)
	out = ch.deliverOrdered(1, []byte("b"))
	require.Equal(t, [][]byte{[]byte("b")}, out)
}

func TestOrderedBuffersOutOfOrderThenFlushes(t *testing.T) {
	var ch orderingChannel
	require.Nil(t, ch.deliverOrdered(2, []byte("c")))
	require.Nil(t, ch.deliverOrdered(1, []byte("b")))
	// The gap-filling arrival of index 0 must flush 0, 1, 2 in order.
	out := ch.deliverOrdered(0, []byte("a"))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, out)
}

func TestOrderedDropsDuplicateBeforeNextExpected(t *testing.T) {
	var ch orderingChannel
	ch.deliverOrdered(0, []byte("a"))
	// index 0 already delivered; a retransmit race replays it.
	out := ch.deliverOrdered(0, []byte("a-dup"))
	require.Nil(t, out)
}

func TestOrderedWrapsAcrossModularBoundary(t *testing.T) {
	ch := orderingChannel{nextOrdered: seqMod - 1}
	out := ch.deliverOrdered(seqMod-1, []byte("last"))
	require.Equal(t, [][]byte{[]byte("last")}, out)
	require.Equal(t, uint32(0), ch.nextOrdered)
	out = ch.deliverOrdered(0, []byte("wrapped"))
	require.Equal(t, [][]byte{[]byte("wrapped")}, out)
}

func TestSequencedDeliversAndAllowsGaps(t *testing.T) {
	var ch orderingChannel
	require.True(t, ch.deliverSequenced(0))
	require.True(t, ch.deliverSequenced(5)) // gap is permitted, not buffered
	require.True(t, ch.deliverSequenced(6))
}

func TestSequencedDropsStaleArrival(t *testing.T) {
	var ch orderingChannel
	require.True(t, ch.deliverSequenced(10))
	require.False(t, ch.deliverSequenced(3), "an index behind the highest seen must be dropped")
	require.False(t, ch.deliverSequenced(10), "a repeat of the highest seen must be dropped")
}

func TestSequencedIndicesNeverRepeatAfterDelivery(t *testing.T) {
	var ch orderingChannel
	seen := map[uint32]bool{}
	for _, idx := range []uint32{0, 1, 1, 3, 2, 4} {
		if ch.deliverSequenced(idx) {
			require.False(t, seen[idx], "index %d delivered twice", idx)
			seen[idx] = true
		}
	}
	require.True(t, seen[0])
	require.True(t, seen[1])
	require.True(t, seen[3])
	require.True(t, seen[4])
	require.False(t, seen[2], "2 arrived after 3 was already delivered and must be dropped")
}
