package raknet

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSplitFitsInOneFragment(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 100)
	parts := split(payload, 100)
	require.Len(t, parts, 1)
	require.Equal(t, payload, parts[0])
}

func TestSplitCPlusOneProducesTwoFragments(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 101)
	parts := split(payload, 100)
	require.Len(t, parts, 2)
	require.Equal(t, 100, len(parts[0]))
	require.Equal(t, 1, len(parts[1]))
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	payload := append(bytes.Repeat([]byte{0x01}, 1000), append(bytes.Repeat([]byte{0x02}, 1000), bytes.Repeat([]byte{0x03}, 1000)...)...)
	capacity := fragmentCapacity(1492)
	parts := split(payload, capacity)
	require.Greater(t, len(parts), 1)

	q := newFragmentQ()
	splitID := uint16(5)
	var result []byte
	for i, part := range parts {
		f := &frame{
			reliability: ReliableOrdered,
			payload:     part,
			split:       true,
			splitCount:  uint32(len(parts)),
			splitID:     splitID,
			splitIndex:  uint32(i),
		}
		got, rel, ok := q.add(f, time.Now())
		if ok {
			result = got
			require.Equal(t, ReliableOrdered, rel)
		}
	}
	require.Equal(t, payload, result)
}

func TestFragmentQDropsDuplicateIndex(t *testing.T) {
	q := newFragmentQ()
	f := &frame{reliability: Reliable, payload: []byte("a"), split: true, splitCount: 2, splitID: 1, splitIndex: 0}
	_, _, ok := q.add(f, time.Now())
	require.False(t, ok)
	_, _, ok = q.add(f, time.Now())
	require.False(t, ok, "duplicate fragment index must not be counted twice")
}

func TestFragmentQGC(t *testing.T) {
	q := newFragmentQ()
	f := &frame{reliability: Reliable, payload: []byte("a"), split: true, splitCount: 2, splitID: 1, splitIndex: 0}
	old := time.Now().Add(-time.Hour)
	_, _, _ = q.add(f, old)
	dropped := q.gc(time.Now(), time.Minute)
	require.Equal(t, 1, dropped)
}

func TestFragmentCapacityNeverNegative(t *testing.T) {
	require.GreaterOrEqual(t, fragmentCapacity(1), 1)
}
