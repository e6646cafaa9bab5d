package raknet

import (
	"sync"
	"time"
)

// recvWindow bounds how far behind the current high-water mark a dedup set
// is allowed to remember, so long-lived connections don't grow these sets
// without bound.
const recvWindow = 1 << 15

// arqRecv is the receive-side ARQ engine: datagram-level dedup, ACK/NACK
// range generation, reliable-frame dedup, and the ordering/sequence gates
// that decide what's ready for application delivery.
type arqRecv struct {
	mu sync.Mutex

	hasHi       bool
	hiDg        uint32
	belowHi     map[uint32]struct{} // datagram numbers <= hiDg already seen
	ackPending  []uint32            // received since the last ACK tick
	nackPending map[uint32]struct{} // gaps not yet seen

	seenReliable        map[uint32]struct{}
	highestReliable     uint32
	haveHighestReliable bool

	channels [maxOrderingChannels]orderingChannel
	frag     *fragmentQ
}

func newArqRecv() *arqRecv {
	return &arqRecv{
		belowHi:      make(map[uint32]struct{}),
		nackPending:  make(map[uint32]struct{}),
		seenReliable: make(map[uint32]struct{}),
		frag:         newFragmentQ(),
	}
}

// delivered is one application-ready message payload.
type delivered struct {
	payload []byte
}

// receiveDatagram runs datagram-level acceptance (§4.4) and, for newly
// accepted datagrams, frame-level delivery gating for every frame inside.
func (r *arqRecv) receiveDatagram(d *datagram, now time.Time) []delivered {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acceptLocked(d.seq) {
		return nil // duplicate datagram
	}
	r.ackPending = append(r.ackPending, d.seq)

	var out []delivered
	for _, f := range d.frames {
		out = append(out, r.deliverFrameLocked(f, now)...)
	}
	return out
}

// acceptLocked implements the datagram acceptance state machine. It returns
// true if seq is a duplicate that must be dropped.
func (r *arqRecv) acceptLocked(seq uint32) (duplicate bool) {
	if !r.hasHi {
		r.hasHi = true
		r.hiDg = seq
		r.belowHi[seq] = struct{}{}
		return false
	}
	if len(r.belowHi) > 2*recvWindow {
		for idx := range r.belowHi {
			if seqDistance(idx, r.hiDg) < -recvWindow {
				delete(r.belowHi, idx)
			}
		}
	}
	switch d := seqDistance(seq, r.hiDg); {
	case d == 1:
		r.hiDg = seq
		r.belowHi[seq] = struct{}{}
		delete(r.nackPending, seq)
		return false
	case d > 1:
		for gap := seqInc(r.hiDg); gap != seq; gap = seqInc(gap) {
			r.nackPending[gap] = struct{}{}
		}
		r.hiDg = seq
		r.belowHi[seq] = struct{}{}
		return false
	default: // d <= 0: seq is at or behind the high-water mark
		if _, seen := r.belowHi[seq]; seen {
			return true
		}
		r.belowHi[seq] = struct{}{}
		delete(r.nackPending, seq)
		return false
	}
}

// deliverFrameLocked applies reliable-frame dedup, reassembles split
// fragments, and runs the ordering/sequence gates, returning zero or more
// messages now ready for the application.
func (r *arqRecv) deliverFrameLocked(f *frame, now time.Time) []delivered {
	if f.reliability.reliable() {
		if r.seenReliableLocked(f.reliableIndex) {
			return nil
		}
	}

	if f.split {
		payload, rel, ok := r.frag.add(f, now)
		if !ok {
			return nil
		}
		return r.gateLocked(rel, f.orderChannel, f.orderIndex, f.seqIndex, payload)
	}
	return r.gateLocked(f.reliability, f.orderChannel, f.orderIndex, f.seqIndex, f.payload)
}

// gateLocked applies the ordering or sequence gate appropriate to rel and
// returns the resulting in-order deliveries (immediate delivery, for
// Unreliable and plain Reliable).
func (r *arqRecv) gateLocked(rel Reliability, channel uint8, orderIndex, seqIndex uint32, payload []byte) []delivered {
	switch {
	case rel.ordered():
		ch := &r.channels[channel]
		payloads := ch.deliverOrdered(orderIndex, payload)
		out := make([]delivered, len(payloads))
		for i, p := range payloads {
			out[i] = delivered{payload: p}
		}
		return out
	case rel.sequenced():
		ch := &r.channels[channel]
		if !ch.deliverSequenced(seqIndex) {
			return nil
		}
		return []delivered{{payload: payload}}
	default:
		return []delivered{{payload: payload}}
	}
}

// seenReliableLocked dedupes frames of a reliable class by reliable-frame-
// index, and prunes entries that have fallen far enough behind the
// high-water mark to be safely forgotten. The index is only on the wire for
// reliable classes, so split fragments of an unreliable class are not
// deduped here; fragmentQ drops a repeated split index instead.
func (r *arqRecv) seenReliableLocked(index uint32) (duplicate bool) {
	if _, ok := r.seenReliable[index]; ok {
		return true
	}
	r.seenReliable[index] = struct{}{}
	if !r.haveHighestReliable || seqDistance(index, r.highestReliable) > 0 {
		r.highestReliable = index
		r.haveHighestReliable = true
		for idx := range r.seenReliable {
			if seqDistance(idx, r.highestReliable) < -recvWindow {
				delete(r.seenReliable, idx)
			}
		}
	}
	return false
}

// drainAck returns and clears the set of datagram numbers received since
// the last ACK tick.
func (r *arqRecv) drainAck() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ackPending) == 0 {
		return nil
	}
	out := r.ackPending
	r.ackPending = nil
	return out
}

// drainNack returns and clears the set of datagram numbers currently
// believed missing. Unlike ACKs, NACKs are also sent as soon as a gap is
// observed (Connection.dispatch drains them right after the datagram that
// revealed the gap); drainNack is also used by the periodic flush to pick
// up anything not yet sent.
func (r *arqRecv) drainNack() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nackPending) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(r.nackPending))
	for seq := range r.nackPending {
		out = append(out, seq)
	}
	r.nackPending = make(map[uint32]struct{})
	return out
}

// gc ages out split assemblers that never completed.
func (r *arqRecv) gc(now time.Time, maxAge time.Duration) {
	r.frag.gc(now, maxAge)
}
