package conn

// pendingReplies buffers out-of-order worker results and flushes them to the
// wire in strictly ascending request-id order.
//
// Every method here is only ever called from the connection's owning loop
// goroutine (Conn.Ready is itself only invoked via a Hub callback), so no
// locking is required.
type pendingReplies struct {
	nextToWrite uint64
	nextToIssue uint64
	slots       map[uint64]replySlot
}

type replySlot struct {
	generation uint64
	done       bool
	success    bool
	response   []byte
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{slots: make(map[uint64]replySlot)}
}

// Acquire reserves the next request id and its reply slot, returning the id
// and a generation token. The generation guards Release against being
// applied twice for the same id: release is idempotent, and re-acquiring
// after release starts a fresh lease rather than reusing stale state.
func (p *pendingReplies) Acquire() (requestID uint64, generation uint64) {
	requestID = p.nextToIssue
	p.nextToIssue++
	slot := p.slots[requestID]
	slot.generation++
	slot.done = false
	p.slots[requestID] = slot
	return requestID, slot.generation
}

// Release records a result for requestID if generation still matches the
// slot's current lease (i.e. it hasn't already been released, or reused by
// a later Acquire of the same id — which cannot happen in practice since ids
// are never reused, but the guard keeps the operation provably idempotent).
// It reports whether this call was the one that recorded the result.
func (p *pendingReplies) Release(requestID, generation uint64, success bool, response []byte) bool {
	slot, ok := p.slots[requestID]
	if !ok || slot.generation != generation || slot.done {
		return false
	}
	slot.done = true
	slot.success = success
	slot.response = response
	p.slots[requestID] = slot
	return true
}

// Drain returns every contiguous completed reply starting at the current
// write cursor, advancing it past them, and discarding one-way slots (empty
// response & success) without emitting bytes.
func (p *pendingReplies) Drain() []DrainedReply {
	var out []DrainedReply
	for {
		slot, ok := p.slots[p.nextToWrite]
		if !ok || !slot.done {
			return out
		}
		delete(p.slots, p.nextToWrite)
		if slot.success && len(slot.response) == 0 {
			// one-way method: silently discarded, no bytes emitted.
		} else {
			out = append(out, DrainedReply{
				RequestID: p.nextToWrite,
				Success:   slot.success,
				Response:  slot.response,
			})
		}
		p.nextToWrite++
	}
}

// Pending reports how many requests are still outstanding (acquired, not
// yet both completed and drained).
func (p *pendingReplies) Pending() int {
	return len(p.slots)
}

// DrainedReply is one flushed, in-order reply ready to be written to the
// wire (or, on Success=false, to trigger connection teardown).
type DrainedReply struct {
	RequestID uint64
	Success   bool
	Response  []byte
}
