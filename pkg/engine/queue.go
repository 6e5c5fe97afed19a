package engine

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"chatsync/pkg/store"
)

// maxPooledBuffer caps what goes back into the buffer pool so one huge
// document cannot pin memory forever.
const maxPooledBuffer = 256 * 1024

// Item wraps a change event whose payload may live in a pooled buffer.
// The loop must call Done() exactly once after handling it.
type Item struct {
	Ev   store.Event
	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done returns pooled resources.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		it.Ev.Payload = nil
	})
}

// queue is the bounded buffer between the store's change feed (and the
// backfill scan) and the single-threaded event loop. Producers never
// block: when full, the event is dropped and counted, and a later
// notification or backfill re-converges the state.
type queue struct {
	ch      chan *Item
	dropped uint64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &queue{ch: make(chan *Item, capacity)}
}

func (q *queue) out() <-chan *Item { return q.ch }

func (q *queue) tryEnqueue(ev store.Event) bool {
	it := &Item{Ev: ev}
	if len(ev.Payload) > 0 {
		bb := bytebufferpool.Get()
		bb.B = append(bb.B[:0], ev.Payload...)
		it.buf = bb
		it.Ev.Payload = bb.B[:len(ev.Payload)]
	}
	select {
	case q.ch <- it:
		return true
	default:
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		queueDropped.Inc()
		return false
	}
}

// closeAndDrain closes the queue and releases anything still buffered.
// Callers must stop every producer first.
func (q *queue) closeAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}
