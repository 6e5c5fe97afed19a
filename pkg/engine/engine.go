// Package engine maintains the locally-consistent ordered view of the
// replicated message store. One Engine owns the ordered index, a handle
// to the store collaborator and the acting user identity. All index
// access happens on a single event-loop goroutine; conflict resolutions
// run as asynchronous tasks whose write-backs flow back in through the
// change feed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/validation"
)

// ErrConflictMerge is returned when a conflict resolution still fails
// after its one retry. Not fatal: the next change notification for the
// id re-triggers resolution.
var ErrConflictMerge = errors.New("conflict resolution failed after retry")

// Store is the replicated document store collaborator.
type Store interface {
	Put(payload []byte, parentRev string) (string, error)
	Get(id string) (payload []byte, rev string, conflicts []string, err error)
	GetRev(id, rev string) (payload []byte, siblings []string, err error)
	Prune(id string, revs []string) error
	RangeScan(start, end string) ([]store.Event, error)
	Subscribe(buf int) (<-chan store.Event, func())
}

// Engine is the sync engine instance; construct once per process with
// New and run with Start.
type Engine struct {
	store Store
	index Index
	q     *queue

	cmds     chan func()
	stop     chan struct{}
	stopped  chan struct{}
	inflight map[string]bool

	// wg tracks the feed forwarder, the backfill scan and every
	// resolver goroutine; Close waits for all of them so nothing
	// touches the store after shutdown.
	wg        sync.WaitGroup
	closeOnce sync.Once

	user      string
	cancelSub func()
}

// New builds an engine around the given store. The acting user starts
// anonymized; SetUser installs a real identity.
func New(s Store) *Engine {
	return &Engine{
		store:    s,
		q:        newQueue(4096),
		cmds:     make(chan func(), 64),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		inflight: make(map[string]bool),
	}
}

// Start subscribes to the live change tail, kicks off the backfill range
// scan and runs the event loop until ctx is cancelled or Close is
// called. The backfill and the tail may race for the same id; handling
// is order-free and idempotent.
func (e *Engine) Start(ctx context.Context) {
	events, cancel := e.store.Subscribe(4096)
	e.cancelSub = cancel

	go e.loop(ctx)

	e.wg.Add(2)

	// forward the live tail into the loop's queue
	go func() {
		defer e.wg.Done()
		for ev := range events {
			e.q.tryEnqueue(ev)
		}
	}()

	// backfill
	go func() {
		defer e.wg.Done()
		start, end := models.RangeBounds(models.DocType)
		evs, err := e.store.RangeScan(start, end)
		if err != nil {
			logger.Error("backfill_failed", "error", err)
			return
		}
		logger.Info("backfill_loaded", "count", len(evs))
		for _, ev := range evs {
			e.q.tryEnqueue(ev)
		}
	}()
}

// Close stops the event loop, waits out in-flight resolutions and
// event producers, and releases anything still queued. Safe to call
// more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.cancelSub != nil {
			e.cancelSub()
		}
		close(e.stop)
		<-e.stopped
		e.wg.Wait()
		e.q.closeAndDrain()
	})
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case it := <-e.q.out():
			e.handleEvent(it.Ev)
			it.Done()
		case fn := <-e.cmds:
			fn()
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		}
	}
}

// do runs fn on the event loop and waits for it.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.stopped:
		return fmt.Errorf("engine stopped")
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return fmt.Errorf("engine stopped")
	}
}

// post schedules fn on the event loop without waiting (used from
// resolver goroutines).
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.stopped:
	}
}

// SetUser installs the acting user identity for subsequent operations.
func (e *Engine) SetUser(name string) {
	_ = e.do(func() { e.user = name })
}

// User returns the acting user identity ("" when anonymous).
func (e *Engine) User() string {
	var u string
	_ = e.do(func() { u = e.user })
	return u
}

// Create authors a new message from the persistent acting user and
// persists it. The message appears in the view once its change
// notification is processed. An empty acting user is anonymized.
func (e *Engine) Create(text string) (models.Message, error) {
	var out models.Message
	var opErr error
	err := e.do(func() { out, opErr = e.createLocked(e.user, text) })
	if err != nil {
		return models.Message{}, err
	}
	return out, opErr
}

// CreateAs authors a new message as the given user without touching
// the persistent acting user. Callers that serve many identities (the
// HTTP layer) thread the identity through here so concurrent requests
// cannot leak into each other.
func (e *Engine) CreateAs(user, text string) (models.Message, error) {
	var out models.Message
	var opErr error
	err := e.do(func() { out, opErr = e.createLocked(user, text) })
	if err != nil {
		return models.Message{}, err
	}
	return out, opErr
}

// createLocked runs on the event loop.
func (e *Engine) createLocked(user, text string) (models.Message, error) {
	at := time.Now()
	// two sends inside one millisecond collide on the derived id;
	// nudge the timestamp forward until the write lands
	for i := 0; ; i++ {
		m := models.New(user, text, at)
		if verr := validation.ValidateMessage(m); verr != nil {
			return models.Message{}, verr
		}
		b, merr := m.Wire()
		if merr != nil {
			return models.Message{}, merr
		}
		rev, perr := e.store.Put(b, "")
		if perr == nil {
			m.Rev = rev
			logger.Info("message_created", "id", m.ID, "author", m.Author)
			return *m, nil
		}
		if errors.Is(perr, store.ErrRevStale) && i < 8 {
			at = at.Add(time.Millisecond)
			continue
		}
		return models.Message{}, perr
	}
}

// Like adds the persistent acting user to the likedBy set of the
// message with the given id. Fails with models.ErrNoIdentity when no
// acting user is set and ErrNotFound when the id is not in the view.
func (e *Engine) Like(id string) error {
	var opErr error
	err := e.do(func() { opErr = e.likeLocked(e.user, id) })
	if err != nil {
		return err
	}
	return opErr
}

// LikeAs likes on behalf of the given user without touching the
// persistent acting user. An empty user fails with
// models.ErrNoIdentity.
func (e *Engine) LikeAs(user, id string) error {
	var opErr error
	err := e.do(func() { opErr = e.likeLocked(user, id) })
	if err != nil {
		return err
	}
	return opErr
}

// likeLocked runs on the event loop.
func (e *Engine) likeLocked(user, id string) error {
	if user == "" {
		return models.ErrNoIdentity
	}
	m, ferr := e.index.Find(id)
	if ferr != nil {
		return ferr
	}
	if m.LikedBy.Has(user) {
		return nil
	}
	// local update first; the write-back's own notification
	// re-converges the view
	_ = m.Like(user)
	cp := *m
	b, merr := cp.Wire()
	if merr != nil {
		return merr
	}
	_, perr := e.store.Put(b, m.Rev)
	if perr == nil {
		return nil
	}
	if errors.Is(perr, store.ErrRevStale) {
		// a concurrent write moved the winner; fold our like in
		// through the resolver instead of losing it
		logger.Info("like_rev_stale", "id", id)
		e.resolveLocked(id, m.LikedBy.Clone())
		return nil
	}
	return perr
}

// Delete tombstones the message with the given id. The entry leaves the
// visible view once the deletion notification is processed.
func (e *Engine) Delete(id string) error {
	var opErr error
	err := e.do(func() {
		m, ferr := e.index.Find(id)
		if ferr != nil {
			opErr = ferr
			return
		}
		cp := *m
		cp.Deleted = true
		rev := m.Rev
		for i := 0; ; i++ {
			b, merr := cp.Wire()
			if merr != nil {
				opErr = merr
				return
			}
			_, perr := e.store.Put(b, rev)
			if perr == nil {
				logger.Info("message_deleted", "id", id)
				return
			}
			if errors.Is(perr, store.ErrRevStale) && i < 1 {
				// refetch the moved winner and tombstone that instead
				_, nrev, _, gerr := e.store.Get(id)
				if gerr == nil {
					rev = nrev
					continue
				}
			}
			opErr = perr
			return
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// List returns the ordered visible snapshot of the view.
func (e *Engine) List() []models.Message {
	var out []models.Message
	_ = e.do(func() { out = e.index.Snapshot() })
	return out
}

// Find returns a copy of the resident message for id or ErrNotFound.
func (e *Engine) Find(id string) (models.Message, error) {
	var out models.Message
	var opErr error
	_ = e.do(func() {
		m, err := e.index.Find(id)
		if err != nil {
			opErr = err
			return
		}
		out = *m
		out.LikedBy = m.LikedBy.Clone()
	})
	return out, opErr
}
