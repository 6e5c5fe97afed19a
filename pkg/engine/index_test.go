package engine

import (
	"errors"
	"sort"
	"testing"
	"time"

	"chatsync/pkg/models"
)

func mkMsg(t *testing.T, author string, offsetMs int, likers ...string) *models.Message {
	t.Helper()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(offsetMs) * time.Millisecond)
	m := models.New(author, "hi", at)
	m.Rev = "1-0000000000000000"
	for _, u := range likers {
		if err := m.Like(u); err != nil {
			t.Fatalf("like: %v", err)
		}
	}
	return m
}

func assertSorted(t *testing.T, x *Index) {
	t.Helper()
	snap := x.Snapshot()
	ids := make([]string, len(snap))
	for i := range snap {
		ids[i] = snap[i].ID
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("index not sorted: %v", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id in index: %s", id)
		}
		seen[id] = true
	}
}

func TestUpsertKeepsOrder(t *testing.T) {
	var x Index
	for _, off := range []int{50, 10, 30, 20, 40} {
		x.Upsert(mkMsg(t, "alice", off))
		assertSorted(t, &x)
	}
	if x.Len() != 5 {
		t.Fatalf("expected 5 entries, got %d", x.Len())
	}
}

func TestUpsertMergesExisting(t *testing.T) {
	var x Index
	a := mkMsg(t, "alice", 0, "bob")
	x.Upsert(a)

	update := mkMsg(t, "alice", 0, "carol")
	update.Rev = "2-1111111111111111"
	res := x.Upsert(update)

	if x.Len() != 1 {
		t.Fatalf("merge created a duplicate: %d entries", x.Len())
	}
	if res != a {
		t.Fatal("upsert did not return the resident entry")
	}
	if !res.LikedBy.Has("bob") || !res.LikedBy.Has("carol") {
		t.Fatalf("likedBy not unioned: %v", res.LikedBy.Elems())
	}
	if res.Rev != "2-1111111111111111" {
		t.Fatalf("revision not refreshed: %q", res.Rev)
	}
}

func TestUpsertTombstoneSticks(t *testing.T) {
	var x Index
	m := mkMsg(t, "alice", 0)
	x.Upsert(m)

	del := mkMsg(t, "alice", 0)
	del.Deleted = true
	x.Upsert(del)

	// a later non-deleted notification must not resurrect it
	x.Upsert(mkMsg(t, "alice", 0))
	res, err := x.Find(m.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !res.Deleted {
		t.Fatal("tombstone lost on merge")
	}
	if len(x.Snapshot()) != 0 {
		t.Fatal("tombstoned message visible in snapshot")
	}
}

func TestUpsertIgnoresStaleRevision(t *testing.T) {
	var x Index
	cur := mkMsg(t, "alice", 0, "bob")
	cur.Rev = "3-aaaaaaaaaaaaaaaa"
	cur.Conflicts = []string{"3-bbbbbbbbbbbbbbbb"}
	x.Upsert(cur)

	// a redelivered older notification still contributes its likes but
	// must not regress the revision token or the conflict snapshot
	stale := mkMsg(t, "alice", 0, "carol")
	stale.Rev = "2-cccccccccccccccc"
	res := x.Upsert(stale)
	if res.Rev != "3-aaaaaaaaaaaaaaaa" {
		t.Fatalf("stale redelivery regressed the token: %q", res.Rev)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0] != "3-bbbbbbbbbbbbbbbb" {
		t.Fatalf("stale redelivery clobbered conflicts: %v", res.Conflicts)
	}
	if !res.LikedBy.Has("carol") {
		t.Fatalf("stale redelivery's likes lost: %v", res.LikedBy.Elems())
	}

	newer := mkMsg(t, "alice", 0)
	newer.Rev = "4-dddddddddddddddd"
	res = x.Upsert(newer)
	if res.Rev != "4-dddddddddddddddd" {
		t.Fatalf("newer token not adopted: %q", res.Rev)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("newer snapshot's conflicts not adopted: %v", res.Conflicts)
	}
}

func TestTokenGen(t *testing.T) {
	cases := map[string]int{
		"1-abcd":  1,
		"12-ffff": 12,
		"":        0,
		"-abcd":   0,
		"x-abcd":  0,
	}
	for rev, want := range cases {
		if got := tokenGen(rev); got != want {
			t.Fatalf("tokenGen(%q) = %d, want %d", rev, got, want)
		}
	}
}

func TestRemove(t *testing.T) {
	var x Index
	a := mkMsg(t, "alice", 0)
	b := mkMsg(t, "bob", 1)
	x.Upsert(a)
	x.Upsert(b)
	if !x.Remove(a.ID) {
		t.Fatal("remove reported nothing removed")
	}
	if x.Remove(a.ID) {
		t.Fatal("second remove reported success")
	}
	if _, err := x.Find(a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := x.Find(b.ID); err != nil {
		t.Fatalf("remove dropped the wrong entry: %v", err)
	}
	assertSorted(t, &x)
}

func TestSnapshotIsIsolated(t *testing.T) {
	var x Index
	x.Upsert(mkMsg(t, "alice", 0, "bob"))
	snap := x.Snapshot()
	snap[0].LikedBy.Add("mallory")
	res, _ := x.Find(snap[0].ID)
	if res.LikedBy.Has("mallory") {
		t.Fatal("snapshot mutation leaked into index")
	}
}
