package duplex

// chunkBuffer is an ordered queue of received byte chunks.
// It supports all-or-nothing reads and pushing bytes back to the front,
// which is what the decoder needs to retry a frame whose payload has not
// fully arrived. It is not safe for concurrent use.
type chunkBuffer struct {
	chunks [][]byte
	size   int
}

// Len returns the number of buffered bytes.
func (b *chunkBuffer) Len() int {
	return b.size
}

// Write appends p to the end of the buffer. The buffer takes ownership of p.
func (b *chunkBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, p)
	b.size += len(p)
}

// ReadExact removes and returns exactly n bytes, or returns false and
// leaves the buffer untouched if fewer than n bytes are buffered.
func (b *chunkBuffer) ReadExact(n int) ([]byte, bool) {
	if n < 0 || n > b.size {
		return nil, false
	}
	if n == 0 {
		return []byte{}, true
	}

	// Fast path: the head chunk alone satisfies the read.
	if head := b.chunks[0]; len(head) >= n {
		out := head[:n:n]
		if len(head) == n {
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
		} else {
			b.chunks[0] = head[n:]
		}
		b.size -= n
		return out, true
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head := b.chunks[0]
		take := n - len(out)
		if take >= len(head) {
			out = append(out, head...)
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			continue
		}
		out = append(out, head[:take]...)
		b.chunks[0] = head[take:]
	}
	b.size -= n
	return out, true
}

// Unread pushes p back to the front so the next read sees it first.
func (b *chunkBuffer) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append([][]byte{p}, b.chunks...)
	b.size += len(p)
}

// Reset drops everything buffered.
func (b *chunkBuffer) Reset() {
	b.chunks = nil
	b.size = 0
}
