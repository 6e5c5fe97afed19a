package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsync/pkg/crdt"
)

// DocType is the wire type tag for message documents. The store may hold
// unrelated document types; consumers filter on this tag.
const DocType = "message"

// AnonymousAuthor is recorded when a message is created without an
// acting user identity.
const AnonymousAuthor = "Anonymous"

var (
	// ErrNoIdentity is returned when a like or create is attempted
	// without an acting user.
	ErrNoIdentity = errors.New("acting user identity required")
	// ErrIDMismatch is returned when a loaded document's _id does not
	// equal the id recomputed from its fields. The document is still
	// usable; callers log and continue.
	ErrIDMismatch = errors.New("stored id does not match derived id")
)

// Message is one user-authored item. ID, Date, Author and Text are
// immutable once created; LikedBy only grows; Deleted is a tombstone.
type Message struct {
	ID      string
	Date    time.Time
	Author  string
	Text    string
	LikedBy crdt.GSet
	// Rev is the store's opaque revision token for optimistic writes.
	Rev     string
	Deleted bool
	// Conflicts holds sibling revision tokens reported by the store at
	// read time. Ephemeral: never persisted, recomputed on every read.
	Conflicts []string
}

// wireDoc is the on-the-wire JSON shape of a message document.
type wireDoc struct {
	Type    string   `json:"type"`
	Date    string   `json:"date"`
	Author  string   `json:"author"`
	Text    string   `json:"text"`
	LikedBy []string `json:"likedBy"`
	ID      string   `json:"_id"`
	Rev     string   `json:"_rev,omitempty"`
	Deleted bool     `json:"_deleted,omitempty"`
}

// New creates a message from the acting user at the given instant and
// derives its id. An empty author is anonymized.
func New(author, text string, at time.Time) *Message {
	if author == "" {
		author = AnonymousAuthor
	}
	at = at.UTC().Truncate(time.Millisecond)
	return &Message{
		ID:     DeriveID(DocType, at, author),
		Date:   at,
		Author: author,
		Text:   text,
	}
}

// Like adds user to the set of people who like this message. Liking
// twice has no additional effect.
func (m *Message) Like(user string) error {
	if user == "" {
		return ErrNoIdentity
	}
	m.LikedBy.Add(user)
	return nil
}

// Likes returns the number of distinct likers.
func (m *Message) Likes() int { return m.LikedBy.Len() }

// Wire encodes the message into its on-the-wire JSON document.
func (m *Message) Wire() ([]byte, error) {
	d := wireDoc{
		Type:    DocType,
		Date:    FormatTime(m.Date),
		Author:  m.Author,
		Text:    m.Text,
		LikedBy: m.LikedBy.Elems(),
		ID:      m.ID,
		Rev:     m.Rev,
		Deleted: m.Deleted,
	}
	if d.LikedBy == nil {
		d.LikedBy = []string{}
	}
	return json.Marshal(d)
}

// FromWire parses and validates a wire document. The document's id is
// recomputed from its fields; on mismatch the message is returned
// together with ErrIDMismatch so callers can keep the data and flag it.
func FromWire(b []byte) (*Message, error) {
	var d wireDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("malformed document: %w", err)
	}
	if d.Type != DocType {
		return nil, fmt.Errorf("unexpected document type %q", d.Type)
	}
	at, err := ParseTime(d.Date)
	if err != nil {
		return nil, fmt.Errorf("malformed document date %q: %w", d.Date, err)
	}
	author := d.Author
	if author == "" {
		author = AnonymousAuthor
	}
	m := &Message{
		ID:      d.ID,
		Date:    at,
		Author:  author,
		Text:    d.Text,
		LikedBy: crdt.NewGSet(d.LikedBy...),
		Rev:     d.Rev,
		Deleted: d.Deleted,
	}
	if want := DeriveID(DocType, at, author); d.ID != want {
		return m, fmt.Errorf("%w: got %q want %q", ErrIDMismatch, d.ID, want)
	}
	return m, nil
}
