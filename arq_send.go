package raknet

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxResends is the resend-count threshold past which a send record gives
// up: the connection is considered lost. maxRecordAge is the absolute cap
// on how long a single datagram may remain unacked regardless of resend
// count.
const (
	maxResends   = 10
	maxRecordAge = 10 * time.Second
)

// sendRecord tracks one transmitted datagram until it is acknowledged,
// re-packed onto a fresh sequence number by a NACK or RTO, or the
// connection is declared lost.
type sendRecord struct {
	seq       uint32
	frames    []*frame
	firstSend time.Time
	lastSend  time.Time
	resends   int
}

// arqSend is the send-side ARQ engine: number assignment, datagram packing,
// the unacked store, and retransmission. One instance per connection
// direction.
type arqSend struct {
	mu sync.Mutex

	nextDgSeq          uint32
	nextReliableIndex  uint32
	nextOrderedIndex   [maxOrderingChannels]uint32
	nextSequencedIndex [maxOrderingChannels]uint32
	nextSplitID        uint16

	outbound []*frame
	unacked  map[uint32]*sendRecord

	rtt     rttEstimator
	limiter *rate.Limiter

	mtu int
}

func newArqSend(mtu int, pacingRate rate.Limit, pacingBurst int) *arqSend {
	return &arqSend{
		unacked: make(map[uint32]*sendRecord),
		limiter: rate.NewLimiter(pacingRate, pacingBurst),
		mtu:     mtu,
	}
}

// setMTU updates the MTU used for outgoing packing, applied once the
// handshake negotiates its final value.
func (a *arqSend) setMTU(mtu int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mtu = mtu
}

// enqueue splits payload if necessary and assigns every numbering space the
// resulting frame(s) occupy, appending them to the outbound queue. Per the
// split policy, every fragment of a split message is numbered as reliable
// for retransmission purposes even if rel is not itself a reliable class;
// the original reliability is preserved on each frame for ordering/
// reassembly semantics.
func (a *arqSend) enqueue(payload []byte, rel Reliability, channel uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	capacity := fragmentCapacity(a.mtu)
	parts := split(payload, capacity)
	isSplit := len(parts) > 1

	var splitID uint16
	if isSplit {
		splitID = a.nextSplitID
		a.nextSplitID++
	}

	// A message occupies exactly one slot in each numbering space it uses,
	// regardless of how many fragments it's split into: every fragment
	// carries the same sequenced/ordered index so the gate on the
	// reassembling side sees one logical arrival, not len(parts) of them.
	var seqIndex, orderIndex uint32
	if rel.sequenced() {
		seqIndex = a.nextSequencedIndex[channel]
		a.nextSequencedIndex[channel] = seqInc(a.nextSequencedIndex[channel])
	}
	if rel.ordered() {
		orderIndex = a.nextOrderedIndex[channel]
		a.nextOrderedIndex[channel] = seqInc(a.nextOrderedIndex[channel])
	}

	for i, part := range parts {
		f := &frame{
			reliability:  rel,
			payload:      part,
			orderChannel: channel,
			seqIndex:     seqIndex,
			orderIndex:   orderIndex,
		}
		if isSplit {
			f.split = true
			f.splitID = splitID
			f.splitCount = uint32(len(parts))
			f.splitIndex = uint32(i)
		}
		// A split fragment is tracked as reliable for retransmission
		// regardless of rel, per the split policy. Each fragment still gets
		// its own reliable-index: that numbering space tracks individual
		// wire frames, not logical messages.
		if rel.reliable() || isSplit {
			f.reliableIndex = a.nextReliableIndex
			a.nextReliableIndex = seqInc(a.nextReliableIndex)
		}
		a.outbound = append(a.outbound, f)
	}
}

// arqReliable reports whether f is tracked in the unacked store: either its
// own reliability class demands it, or it is a fragment of a split message
// that's promoted to reliable for retransmission purposes.
func arqReliable(f *frame) bool {
	return f.reliability.reliable() || f.split
}

// pack greedily packs outbound frames into MTU-sized datagrams, assigning
// each a fresh sequence number, and returns their encoded bytes ready for
// the socket. Frames whose reliability demands retransmission are recorded
// in the unacked store. Pacing throttles how many datagrams a single call
// will emit; frames that don't fit this tick's budget stay queued.
func (a *arqSend) pack(now time.Time) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out [][]byte
	for len(a.outbound) > 0 {
		if !a.limiter.AllowN(now, 1) {
			break
		}
		d := &datagram{}
		size := datagramHeaderOverhead
		var consumed int
		for consumed < len(a.outbound) {
			f := a.outbound[consumed]
			fs := f.size()
			if len(d.frames) > 0 && size+fs > a.mtu {
				break
			}
			d.frames = append(d.frames, f)
			size += fs
			consumed++
		}
		if len(d.frames) == 0 {
			// A single frame exceeds the MTU on its own (shouldn't happen
			// given fragmentCapacity, but never spin forever).
			d.frames = append(d.frames, a.outbound[0])
			consumed = 1
		}
		a.outbound = a.outbound[consumed:]

		d.seq = a.nextDgSeq
		a.nextDgSeq = seqInc(a.nextDgSeq)

		raw, err := d.encode()
		if err != nil {
			// A frame we built ourselves failed to encode: a programming
			// error, not a network condition. Drop it rather than wedge the
			// send queue.
			continue
		}
		out = append(out, raw)

		if needsRecord(d.frames) {
			a.unacked[d.seq] = &sendRecord{
				seq:       d.seq,
				frames:    d.frames,
				firstSend: now,
				lastSend:  now,
			}
		}
	}
	return out
}

func needsRecord(frames []*frame) bool {
	for _, f := range frames {
		if arqReliable(f) {
			return true
		}
	}
	return false
}

// applyAck drops acknowledged records from the unacked store and samples
// RTT from the first newly-acked record's send timestamp.
func (a *arqSend) applyAck(seqs []uint32, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sampled := false
	for _, seq := range seqs {
		rec, ok := a.unacked[seq]
		if !ok {
			continue
		}
		if !sampled {
			a.rtt.sample(now.Sub(rec.lastSend))
			sampled = true
		}
		delete(a.unacked, seq)
	}
}

// applyNack immediately re-packs every matching record onto a fresh
// datagram sequence number and returns its encoded bytes plus whether the
// connection has now exceeded the loss threshold.
func (a *arqSend) applyNack(seqs []uint32, now time.Time) ([][]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out [][]byte
	for _, seq := range seqs {
		rec, ok := a.unacked[seq]
		if !ok {
			continue
		}
		delete(a.unacked, seq)
		raw, lost := a.retransmitLocked(rec, now)
		if lost {
			return out, true
		}
		if raw != nil {
			out = append(out, raw)
		}
	}
	return out, false
}

// resendExpired re-packs every unacked record whose RTO has elapsed since
// its last send. It returns the encoded bytes to send plus whether the
// connection has now exceeded the loss threshold.
func (a *arqSend) resendExpired(now time.Time) ([][]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out [][]byte
	rto := a.rtt.rto()
	var expired []uint32
	for seq, rec := range a.unacked {
		if now.Sub(rec.lastSend) > rto {
			expired = append(expired, seq)
		}
	}
	for _, seq := range expired {
		rec := a.unacked[seq]
		delete(a.unacked, seq)
		raw, lost := a.retransmitLocked(rec, now)
		if lost {
			return out, true
		}
		if raw != nil {
			out = append(out, raw)
		}
	}
	return out, false
}

// retransmitLocked re-encodes rec's frames onto a new datagram sequence
// number. Per the RTO policy, the timeout itself is not doubled: only the
// last-send timestamp moves. Callers must hold a.mu.
func (a *arqSend) retransmitLocked(rec *sendRecord, now time.Time) ([]byte, bool) {
	rec.resends++
	if rec.resends > maxResends || now.Sub(rec.firstSend) > maxRecordAge {
		return nil, true
	}
	d := &datagram{seq: a.nextDgSeq, frames: rec.frames}
	a.nextDgSeq = seqInc(a.nextDgSeq)
	raw, err := d.encode()
	if err != nil {
		return nil, false
	}
	rec.seq = d.seq
	rec.lastSend = now
	a.unacked[d.seq] = rec
	return raw, false
}

// pending reports whether there is outbound or unacked work left, used by
// Connection to decide whether a flush tick has anything to do.
func (a *arqSend) pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outbound) > 0 || len(a.unacked) > 0
}

// estimatedRTT and unackedLen back the metrics collector's per-peer gauges.
func (a *arqSend) estimatedRTT() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rtt.srtt
}

func (a *arqSend) unackedLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.unacked)
}
