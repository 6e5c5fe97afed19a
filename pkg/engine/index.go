package engine

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"chatsync/pkg/models"
)

// ErrNotFound is returned when a mutation targets an id absent from the
// index.
var ErrNotFound = errors.New("no such message")

// Index is the ordered local view: messages sorted by id with unique
// ids. All access happens on the engine loop, so no locking here.
type Index struct {
	list []*models.Message
}

// Upsert inserts doc at its sorted position or, when the id is already
// resident, merges doc into the existing entry (likedBy union, revision
// and conflict refresh). It returns the resident message.
func (x *Index) Upsert(doc *models.Message) *models.Message {
	i := sort.Search(len(x.list), func(i int) bool { return x.list[i].ID >= doc.ID })
	switch {
	case i == len(x.list):
		// all existing messages sort before the new one
		x.list = append(x.list, doc)
		return doc
	case x.list[i].ID != doc.ID:
		// new message between existing neighbours
		x.list = append(x.list, nil)
		copy(x.list[i+1:], x.list[i:])
		x.list[i] = doc
		return doc
	default:
		// update to an existing message: the set only grows,
		// everything else immutable except tombstone and bookkeeping
		m := x.list[i]
		m.LikedBy.Merge(doc.LikedBy)
		m.Deleted = m.Deleted || doc.Deleted
		// events arrive at least once and in any order; a redelivered
		// stale notification must not regress the revision token
		if tokenGen(doc.Rev) >= tokenGen(m.Rev) {
			m.Rev = doc.Rev
			m.Conflicts = doc.Conflicts
		}
		return m
	}
}

// tokenGen extracts the generation prefix of a revision token
// ("3-..." yields 3); 0 for an empty or malformed token.
func tokenGen(rev string) int {
	i := strings.IndexByte(rev, '-')
	if i <= 0 {
		return 0
	}
	n, err := strconv.Atoi(rev[:i])
	if err != nil {
		return 0
	}
	return n
}

// Remove drops the message with the given id; it reports whether an
// entry was removed.
func (x *Index) Remove(id string) bool {
	i := sort.Search(len(x.list), func(i int) bool { return x.list[i].ID >= id })
	if i == len(x.list) || x.list[i].ID != id {
		return false
	}
	x.list = append(x.list[:i], x.list[i+1:]...)
	return true
}

// Find returns the resident message for id or ErrNotFound.
func (x *Index) Find(id string) (*models.Message, error) {
	i := sort.Search(len(x.list), func(i int) bool { return x.list[i].ID >= id })
	if i == len(x.list) || x.list[i].ID != id {
		return nil, ErrNotFound
	}
	return x.list[i], nil
}

// Len returns the number of resident messages, tombstones included.
func (x *Index) Len() int { return len(x.list) }

// Snapshot returns copies of the visible (non-deleted) messages in id
// order.
func (x *Index) Snapshot() []models.Message {
	out := make([]models.Message, 0, len(x.list))
	for _, m := range x.list {
		if m.Deleted {
			continue
		}
		c := *m
		c.LikedBy = m.LikedBy.Clone()
		c.Conflicts = append([]string(nil), m.Conflicts...)
		out = append(out, c)
	}
	return out
}
