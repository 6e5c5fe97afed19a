package store

import (
	"sync"

	"chatsync/pkg/logger"
)

// feed fans committed change events out to subscribers. Sends never
// block a writer: a subscriber whose buffer is full loses the event and
// the drop is counted. Consumers recover missed state from the backfill
// range scan plus later notifications (at-least-once overall).
type feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func (f *feed) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 256
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]chan Event)
	}
	id := f.nextID
	f.nextID++
	ch := make(chan Event, buf)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[id] = ch
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (f *feed) emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			fanoutDropped.Inc()
			logger.Warn("change_feed_drop", "id", ev.ID)
		}
	}
}

func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
