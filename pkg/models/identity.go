package models

import (
	"strings"
	"time"
)

// isoMillis is the fixed-width ISO-8601 layout used inside ids. A fixed
// millisecond width keeps lexicographic id order equal to chronological
// order.
const isoMillis = "2006-01-02T15:04:05.000Z"

// rangeSentinel sorts after every legal id suffix; it bounds range scans
// as [tag, tag+rangeSentinel).
const rangeSentinel = "￿"

// DeriveID builds the deterministic document id
// "<tag>$<ISO-8601 ms>$<author>". Ids sort by timestamp, ties broken by
// author.
func DeriveID(tag string, at time.Time, author string) string {
	return tag + "$" + FormatTime(at) + "$" + author
}

// RangeBounds returns the [start, end) key bounds covering every id
// carrying the given entity tag.
func RangeBounds(tag string) (start, end string) {
	return tag, tag + rangeSentinel
}

// FormatTime renders t in the id timestamp layout (UTC, millisecond
// precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ParseTime parses an id/document timestamp. Peers may emit variable
// fractional precision, so RFC3339 variants are accepted as well.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(isoMillis, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// AuthorFromID extracts the author component of a derived id, or ""
// when the id is not in the derived form.
func AuthorFromID(id string) string {
	parts := strings.SplitN(id, "$", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}
