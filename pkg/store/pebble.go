// Package store implements the replicated document store: a Pebble-backed
// multi-version document keeper with CouchDB-style revision trees flattened
// to per-document leaf sets. Concurrent writers (local or replicated via
// Pull) produce sibling leaves; readers always see one deterministic
// winner plus the sibling revision tokens needed to reconcile.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"chatsync/pkg/logger"
)

var (
	// ErrNotFound is returned when no live revision exists for an id.
	ErrNotFound = errors.New("document not found")
	// ErrRevStale is returned by Put when the supplied parent revision
	// is not a current leaf (someone else wrote concurrently).
	ErrRevStale = errors.New("stale revision token")
)

// Event is one change notification: the document's current winner state
// after a committed write. Payload is nil when every revision of the id
// was purged.
type Event struct {
	ID       string
	Payload  []byte
	Rev      string
	Deleted  bool
	Siblings []string
}

// Store is a handle to one opened database. Leaf-set read-modify-write
// cycles are serialized by mu; everything else rides on pebble.
type Store struct {
	mu   sync.Mutex
	db   *pebble.DB
	path string
	feed feed
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database and terminates all change subscriptions.
// Calls arriving after Close fail with an error instead of touching
// the closed handle.
func (s *Store) Close() error {
	s.feed.closeAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return err
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

func docKey(id, rev string) []byte  { return []byte("doc:" + id + ":rev:" + rev) }
func leavesKey(id string) []byte    { return []byte("leaves:" + id) }
func leavesPrefix(id string) string { return "leaves:" + id }

// docMeta is the minimal slice of a payload the store itself needs.
type docMeta struct {
	ID      string `json:"_id"`
	Deleted bool   `json:"_deleted"`
}

// Put writes payload as a new revision on top of parentRev and returns
// the new revision token. parentRev must be empty for a first write and
// a current leaf otherwise; anything else fails with ErrRevStale.
func (s *Store) Put(payload []byte, parentRev string) (string, error) {
	var meta docMeta
	if err := json.Unmarshal(payload, &meta); err != nil || meta.ID == "" {
		return "", fmt.Errorf("malformed document payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", fmt.Errorf("store not opened")
	}

	leaves, err := s.loadLeaves(meta.ID)
	if err != nil {
		return "", err
	}
	if parentRev == "" {
		if len(leaves) > 0 {
			putsFailed.Inc()
			return "", fmt.Errorf("%w: document %s already exists", ErrRevStale, meta.ID)
		}
	} else if !contains(leaves, parentRev) {
		putsFailed.Inc()
		return "", fmt.Errorf("%w: %s is not a current leaf of %s", ErrRevStale, parentRev, meta.ID)
	}

	rev := newRev(parentRev, payload)
	next := replaceLeaf(leaves, parentRev, rev)
	if err := s.commit(meta.ID, rev, payload, next); err != nil {
		return "", err
	}
	putsTotal.Inc()
	logger.Debug("doc_saved", "id", meta.ID, "rev", rev)
	s.emit(meta.ID)
	return rev, nil
}

// Pull ingests a revision replicated from another writer, preserving its
// token. When parentRev is a current leaf the branch is extended;
// otherwise the revision becomes a conflicting sibling leaf. Pulling a
// known revision is a no-op.
func (s *Store) Pull(payload []byte, rev, parentRev string) error {
	var meta docMeta
	if err := json.Unmarshal(payload, &meta); err != nil || meta.ID == "" {
		return fmt.Errorf("malformed document payload")
	}
	if rev == "" {
		return fmt.Errorf("replicated document missing revision token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}

	if _, closer, err := s.db.Get(docKey(meta.ID, rev)); err == nil {
		closer.Close()
		return nil
	}
	leaves, err := s.loadLeaves(meta.ID)
	if err != nil {
		return err
	}
	var next []string
	if parentRev != "" && contains(leaves, parentRev) {
		next = replaceLeaf(leaves, parentRev, rev)
	} else {
		next = replaceLeaf(leaves, "", rev)
		if len(next) > 1 {
			conflictsTotal.Inc()
			logger.Info("conflict_created", "id", meta.ID, "rev", rev, "leaves", len(next))
		}
	}
	if err := s.commit(meta.ID, rev, payload, next); err != nil {
		return err
	}
	pullsTotal.Inc()
	s.emit(meta.ID)
	return nil
}

// Get returns the winner payload for id, its revision token and the
// sibling revision tokens currently in conflict with it.
func (s *Store) Get(id string) (payload []byte, rev string, conflicts []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, "", nil, fmt.Errorf("store not opened")
	}
	return s.winnerLocked(id)
}

// GetRev fetches one named revision of id together with the other leaf
// revisions live at read time, so a resolver can chase conflicts that
// appeared after its initial read.
func (s *Store) GetRev(id, rev string) (payload []byte, siblings []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, nil, fmt.Errorf("store not opened")
	}
	v, closer, gerr := s.db.Get(docKey(id, rev))
	if gerr != nil {
		if errors.Is(gerr, pebble.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s rev %s", ErrNotFound, id, rev)
		}
		return nil, nil, gerr
	}
	payload = append([]byte(nil), v...)
	closer.Close()
	leaves, lerr := s.loadLeaves(id)
	if lerr != nil {
		return nil, nil, lerr
	}
	for _, l := range leaves {
		if l != rev {
			siblings = append(siblings, l)
		}
	}
	return payload, siblings, nil
}

// RangeScan returns the winner state of every document whose id lies in
// [start, end), in id order. Used for backfill.
func (s *Store) RangeScan(start, end string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}

	lo := []byte(leavesPrefix(start))
	hi := []byte(leavesPrefix(end))
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Event
	for iter.SeekGE(lo); iter.Valid(); iter.Next() {
		if bytes.Compare(iter.Key(), hi) >= 0 {
			break
		}
		id := string(iter.Key()[len("leaves:"):])
		payload, rev, conflicts, werr := s.winnerLocked(id)
		if werr != nil {
			logger.Warn("range_scan_skip", "id", id, "error", werr)
			continue
		}
		var meta docMeta
		_ = json.Unmarshal(payload, &meta)
		out = append(out, Event{ID: id, Payload: payload, Rev: rev, Deleted: meta.Deleted, Siblings: conflicts})
	}
	return out, iter.Error()
}

// Prune drops losing sibling leaves after a resolver has folded them
// into the winner, reclaiming their revisions. Revs that are not
// current leaves are ignored; the last remaining leaf is never pruned.
func (s *Store) Prune(id string, revs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}

	leaves, err := s.loadLeaves(id)
	if err != nil {
		return err
	}
	var keep, drop []string
	for _, l := range leaves {
		if contains(revs, l) {
			drop = append(drop, l)
		} else {
			keep = append(keep, l)
		}
	}
	if len(drop) == 0 || len(keep) == 0 {
		return nil
	}
	lb, err := json.Marshal(keep)
	if err != nil {
		return err
	}
	wb := new(pebble.Batch)
	for _, r := range drop {
		_ = wb.Delete(docKey(id, r), pebble.NoSync)
	}
	_ = wb.Set(leavesKey(id), lb, pebble.NoSync)
	if err := s.db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("prune_failed", "id", id, "error", err)
		return err
	}
	prunesTotal.Add(float64(len(drop)))
	logger.Debug("leaves_pruned", "id", id, "dropped", len(drop), "kept", len(keep))
	s.emit(id)
	return nil
}

// Purge removes every stored revision of id. Used by retention; emits a
// deletion event so live views drop the document.
func (s *Store) Purge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}

	leaves, err := s.loadLeaves(id)
	if err != nil {
		return err
	}
	wb := new(pebble.Batch)
	for _, r := range leaves {
		_ = wb.Delete(docKey(id, r), pebble.NoSync)
	}
	_ = wb.Delete(leavesKey(id), pebble.NoSync)
	if err := s.db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("purge_failed", "id", id, "error", err)
		return err
	}
	logger.Info("doc_purged", "id", id, "revisions", len(leaves))
	s.feed.emit(Event{ID: id, Deleted: true})
	return nil
}

// Subscribe returns a live tail of change events beginning now, plus a
// cancel func. The feed is non-restartable; slow consumers lose events
// (counted) rather than blocking writers.
func (s *Store) Subscribe(buf int) (<-chan Event, func()) {
	return s.feed.subscribe(buf)
}

// winnerLocked resolves the current winner of id. Caller holds mu.
func (s *Store) winnerLocked(id string) ([]byte, string, []string, error) {
	leaves, err := s.loadLeaves(id)
	if err != nil {
		return nil, "", nil, err
	}
	if len(leaves) == 0 {
		return nil, "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	win := winnerRev(leaves)
	v, closer, gerr := s.db.Get(docKey(id, win))
	if gerr != nil {
		return nil, "", nil, fmt.Errorf("winner revision missing for %s: %w", id, gerr)
	}
	payload := append([]byte(nil), v...)
	closer.Close()
	var conflicts []string
	for _, l := range leaves {
		if l != win {
			conflicts = append(conflicts, l)
		}
	}
	return payload, win, conflicts, nil
}

// commit atomically writes one revision and the updated leaf set.
func (s *Store) commit(id, rev string, payload []byte, leaves []string) error {
	lb, err := json.Marshal(leaves)
	if err != nil {
		return err
	}
	wb := new(pebble.Batch)
	_ = wb.Set(docKey(id, rev), payload, pebble.NoSync)
	_ = wb.Set(leavesKey(id), lb, pebble.NoSync)
	if err := s.db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("doc_commit_failed", "id", id, "rev", rev, "error", err)
		return err
	}
	return nil
}

// emit publishes the post-commit winner state of id. Caller holds mu.
func (s *Store) emit(id string) {
	payload, rev, conflicts, err := s.winnerLocked(id)
	if err != nil {
		logger.Error("emit_winner_failed", "id", id, "error", err)
		return
	}
	var meta docMeta
	_ = json.Unmarshal(payload, &meta)
	s.feed.emit(Event{ID: id, Payload: payload, Rev: rev, Deleted: meta.Deleted, Siblings: conflicts})
}

func (s *Store) loadLeaves(id string) ([]string, error) {
	v, closer, err := s.db.Get(leavesKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var leaves []string
	if err := json.Unmarshal(v, &leaves); err != nil {
		return nil, fmt.Errorf("corrupt leaf set for %s: %w", id, err)
	}
	return leaves, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// replaceLeaf returns leaves with old swapped for repl (old=="" appends).
func replaceLeaf(leaves []string, old, repl string) []string {
	out := make([]string, 0, len(leaves)+1)
	for _, l := range leaves {
		if l != old {
			out = append(out, l)
		}
	}
	return append(out, repl)
}
