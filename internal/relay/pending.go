package relay

// pendingQueue buffers caller audio, already converted to the backend format,
// until the backend is ready. It holds at most maxBytes; pushing past the
// bound evicts the oldest chunks first. The newest chunk is always kept, even
// if it alone exceeds the bound.
//
// Not safe for concurrent use; it is owned by a single call loop.
type pendingQueue struct {
	chunks   [][]byte
	size     int
	maxBytes int
}

func newPendingQueue(maxBytes int) *pendingQueue {
	return &pendingQueue{maxBytes: maxBytes}
}

// push appends chunk and returns the number of older chunks evicted to make
// room for it. A non-positive maxBytes disables the bound.
func (q *pendingQueue) push(chunk []byte) (dropped int) {
	if len(chunk) == 0 {
		return 0
	}
	if q.maxBytes > 0 {
		for len(q.chunks) > 0 && q.size+len(chunk) > q.maxBytes {
			q.size -= len(q.chunks[0])
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			dropped++
		}
	}
	q.chunks = append(q.chunks, chunk)
	q.size += len(chunk)
	return dropped
}

// drain returns every queued chunk in arrival order and empties the queue.
func (q *pendingQueue) drain() [][]byte {
	out := q.chunks
	q.chunks = nil
	q.size = 0
	return out
}

// queued returns the number of queued chunks.
func (q *pendingQueue) queued() int { return len(q.chunks) }

// queuedBytes returns the number of queued bytes.
func (q *pendingQueue) queuedBytes() int { return q.size }
