package device

import "sync"

// byteRing is a fixed-capacity FIFO of PCM bytes shared between Write calls
// and the playback callback. When full the oldest bytes are overwritten so
// latency stays bounded.
type byteRing struct {
	mu   sync.Mutex
	buf  []byte
	head int // Next byte to read
	size int // Bytes buffered
}

func newByteRing(capacity int) *byteRing {
	return &byteRing{buf: make([]byte, capacity)}
}

// Write appends p and returns how many older bytes were overwritten.
func (r *byteRing) Write(p []byte) (overwritten int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.buf)
	if len(p) >= n {
		// Keep only the newest n bytes
		overwritten = r.size + len(p) - n
		copy(r.buf, p[len(p)-n:])
		r.head = 0
		r.size = n
		return overwritten
	}

	if free := n - r.size; len(p) > free {
		overwritten = len(p) - free
		r.head = (r.head + overwritten) % n
		r.size -= overwritten
	}

	tail := (r.head + r.size) % n
	c := copy(r.buf[tail:], p)
	copy(r.buf, p[c:])
	r.size += len(p)
	return overwritten
}

// Read fills p from the ring and zero-fills whatever could not be served.
// It returns the number of real bytes copied.
func (r *byteRing) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := min(len(p), r.size)
	n := len(r.buf)
	c := copy(p[:want], r.buf[r.head:min(r.head+want, n)])
	copy(p[c:want], r.buf)
	r.head = (r.head + want) % n
	r.size -= want

	clear(p[want:])
	return want
}

// Len returns the number of buffered bytes.
func (r *byteRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *byteRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.size = 0, 0
}
