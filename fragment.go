package raknet

import (
	"bytes"
	"sync"
	"time"
)

// frameHeaderOverhead is the worst-case frame header size (split + ordered +
// reliable fields all present) used to compute the per-fragment payload
// capacity from an MTU.
const frameHeaderOverhead = 20

// datagramHeaderOverhead is the 1-byte flag + 3-byte sequence number every
// datagram carries.
const datagramHeaderOverhead = 4

// udpIPOverhead is the worst-case allowance for UDP+IP framing below the
// link MTU.
const udpIPOverhead = 28

// fragmentCapacity returns the maximum single-fragment payload size for the
// given MTU, per the Split policy: MTU minus UDP/IP allowance, minus
// datagram header, minus worst-case frame header.
func fragmentCapacity(mtu int) int {
	c := mtu - udpIPOverhead - datagramHeaderOverhead - frameHeaderOverhead
	if c < 1 {
		c = 1
	}
	return c
}

// split divides payload into fragments of at most capacity bytes each. A
// payload that fits in a single fragment returns a single-element slice so
// the caller can tell apart split and non-split frames by len(result) == 1.
func split(payload []byte, capacity int) [][]byte {
	if len(payload) <= capacity {
		return [][]byte{payload}
	}
	var out [][]byte
	for off := 0; off < len(payload); off += capacity {
		end := off + capacity
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[off:end])
	}
	return out
}

// splitAssembler reassembles one split message: a mapping split-id -> the
// state needed to tell when every fragment has arrived.
type splitAssembler struct {
	reliability Reliability
	count       uint32
	fragments   map[uint32][]byte
	firstSeen   time.Time
}

// fragmentQ reassembles incoming split messages and GCs assemblers that
// outlive a connection-lifetime bound (an adversarial or crashed peer that
// starts but never completes a split send must not leak memory forever).
type fragmentQ struct {
	mu         sync.Mutex
	assemblers map[uint16]*splitAssembler
}

func newFragmentQ() *fragmentQ {
	return &fragmentQ{assemblers: make(map[uint16]*splitAssembler)}
}

// add feeds one fragment into the assembler for its split-id. It returns the
// concatenated payload and true once every index in [0, count) has been
// filled; the assembler is then removed.
func (q *fragmentQ) add(f *frame, now time.Time) ([]byte, Reliability, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	asm, ok := q.assemblers[f.splitID]
	if !ok {
		asm = &splitAssembler{
			reliability: f.reliability,
			count:       f.splitCount,
			fragments:   make(map[uint32][]byte, f.splitCount),
			firstSeen:   now,
		}
		q.assemblers[f.splitID] = asm
	}
	if _, dup := asm.fragments[f.splitIndex]; dup {
		return nil, 0, false
	}
	asm.fragments[f.splitIndex] = f.payload

	if uint32(len(asm.fragments)) < asm.count {
		return nil, 0, false
	}

	buf := bytes.NewBuffer(nil)
	for i := uint32(0); i < asm.count; i++ {
		buf.Write(asm.fragments[i])
	}
	delete(q.assemblers, f.splitID)
	return buf.Bytes(), asm.reliability, true
}

// gc removes assemblers older than maxAge, returning how many were dropped.
// An assembler that never completes (peer died mid-split, or a fragment was
// itself lost beyond the ARQ retry budget) is abandoned rather than kept
// forever.
func (q *fragmentQ) gc(now time.Time, maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for id, asm := range q.assemblers {
		if now.Sub(asm.firstSeen) > maxAge {
			delete(q.assemblers, id)
			dropped++
		}
	}
	return dropped
}
