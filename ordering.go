package raknet

import "container/heap"

// maxOrderingChannels is the number of independent FIFO lanes available for
// ReliableOrdered and sequenced traffic, per direction.
const maxOrderingChannels = 32

// orderedItem is one buffered out-of-order ReliableOrdered frame, keyed by
// its ordering-index for the channel's min-heap.
type orderedItem struct {
	index   uint32
	payload []byte
}

// orderedHeap is a min-heap of orderedItem ordered by index, used to buffer
// ReliableOrdered frames that arrive ahead of the next expected index.
type orderedHeap []orderedItem

func (h orderedHeap) Len() int            { return len(h) }
func (h orderedHeap) Less(i, j int) bool  { return seqLess(h[i].index, h[j].index) }
func (h orderedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *orderedHeap) Push(x interface{}) { *h = append(*h, x.(orderedItem)) }
func (h *orderedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// orderingChannel is one of the 32 per-direction lanes backing
// ReliableOrdered delivery (via nextOrdered + pending heap) and sequenced
// delivery (via highestSeq).
type orderingChannel struct {
	nextOrdered uint32
	pending     orderedHeap

	haveSeq    bool
	highestSeq uint32
}

// deliverOrdered runs the ordering gate for one ReliableOrdered frame,
// returning the payloads now ready for delivery to the application in
// order (possibly more than one, if this frame filled a gap).
func (c *orderingChannel) deliverOrdered(index uint32, payload []byte) [][]byte {
	if c.pending == nil {
		heap.Init(&c.pending)
	}
	switch d := seqDistance(index, c.nextOrdered); {
	case d < 0:
		// Index precedes what we expect: a duplicate from a retransmit race.
		return nil
	case d > 0:
		heap.Push(&c.pending, orderedItem{index: index, payload: payload})
		return nil
	default:
		out := [][]byte{payload}
		c.nextOrdered = seqInc(c.nextOrdered)
		for len(c.pending) > 0 && c.pending[0].index == c.nextOrdered {
			next := heap.Pop(&c.pending).(orderedItem)
			out = append(out, next.payload)
			c.nextOrdered = seqInc(c.nextOrdered)
		}
		return out
	}
}

// deliverSequenced runs the sequence gate for one sequenced frame (
// UnreliableSequenced or ReliableSequenced), returning true if it should be
// delivered, or false if it's stale and must be dropped.
// Sequenced frames never buffer: a gap permanently skips the missing index,
// per the invariant that sequenced streams tolerate gaps but never go
// backwards.
func (c *orderingChannel) deliverSequenced(index uint32) bool {
	if c.haveSeq && seqDistance(index, c.highestSeq) < 0 {
		return false
	}
	c.highestSeq = seqInc(index)
	c.haveSeq = true
	return true
}
