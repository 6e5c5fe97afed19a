package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Revision tokens are "<generation>-<digest>". The digest is derived from
// the parent token and the document payload, so replaying the same write
// produces the same token and replication stays idempotent.

// newRev derives the child revision token for payload written on top of
// parentRev (empty for a first write).
func newRev(parentRev string, payload []byte) string {
	gen := revGen(parentRev) + 1
	h := sha256.New()
	h.Write([]byte(parentRev))
	h.Write([]byte{0})
	h.Write(payload)
	sum := h.Sum(nil)
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(sum[:8]))
}

// revGen extracts the generation number; 0 for an empty or malformed
// token.
func revGen(rev string) int {
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

// winnerRev picks the deterministic winner among sibling leaf revisions:
// highest generation, ties broken by the lexicographically greatest
// token. Every replica picks the same winner for the same leaf set.
func winnerRev(leaves []string) string {
	win := ""
	winGen := -1
	for _, r := range leaves {
		g := revGen(r)
		if g > winGen || (g == winGen && r > win) {
			win, winGen = r, g
		}
	}
	return win
}
