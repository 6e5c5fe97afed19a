package store

import "testing"

func TestNewRevDeterministic(t *testing.T) {
	payload := []byte(`{"_id":"x"}`)
	a := newRev("", payload)
	b := newRev("", payload)
	if a != b {
		t.Fatalf("rev not deterministic: %q vs %q", a, b)
	}
	if revGen(a) != 1 {
		t.Fatalf("first write should be generation 1, got %q", a)
	}
	child := newRev(a, payload)
	if revGen(child) != 2 {
		t.Fatalf("child should be generation 2, got %q", child)
	}
	if child == a {
		t.Fatal("child rev equals parent rev")
	}
}

func TestRevGen(t *testing.T) {
	cases := map[string]int{
		"1-abcd":   1,
		"12-ffff":  12,
		"":         0,
		"-abcd":    0,
		"x-abcd":   0,
		"nodigits": 0,
	}
	for rev, want := range cases {
		if got := revGen(rev); got != want {
			t.Fatalf("revGen(%q) = %d, want %d", rev, got, want)
		}
	}
}

func TestWinnerRevDeterministic(t *testing.T) {
	if got := winnerRev([]string{"1-aa", "2-aa", "2-ff"}); got != "2-ff" {
		t.Fatalf("got %q", got)
	}
	// order independent
	if got := winnerRev([]string{"2-ff", "1-aa", "2-aa"}); got != "2-ff" {
		t.Fatalf("got %q", got)
	}
	if got := winnerRev([]string{"10-aa", "9-ff"}); got != "10-aa" {
		t.Fatalf("generation must beat digest: got %q", got)
	}
	if got := winnerRev(nil); got != "" {
		t.Fatalf("empty leaf set should yield empty winner, got %q", got)
	}
}
