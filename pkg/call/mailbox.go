package call

import "sync"

// mailboxes runs jobs one at a time per key, in post order. Different keys
// run concurrently. A key's goroutine exits once its queue is empty.
type mailboxes struct {
	mu    sync.Mutex
	boxes map[string][]func() // Present while a drain goroutine runs
	wg    sync.WaitGroup
}

func newMailboxes() *mailboxes {
	return &mailboxes{boxes: make(map[string][]func())}
}

func (b *mailboxes) post(key string, f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, running := b.boxes[key]
	b.boxes[key] = append(q, f)
	if !running {
		b.wg.Add(1)
		go b.drain(key)
	}
}

func (b *mailboxes) drain(key string) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		q := b.boxes[key]
		if len(q) == 0 {
			delete(b.boxes, key)
			b.mu.Unlock()
			return
		}
		f := q[0]
		q[0] = nil
		b.boxes[key] = q[1:]
		b.mu.Unlock()

		f()
	}
}

// wait blocks until every queue has drained.
func (b *mailboxes) wait() {
	b.wg.Wait()
}
