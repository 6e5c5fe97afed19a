package engine

import (
	"errors"
	"fmt"

	"chatsync/pkg/crdt"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

// resolveLocked starts an asynchronous conflict resolution for id unless
// one is already in flight. Runs on the event loop; the resolution
// itself runs on its own goroutine and reports back through the loop.
func (e *Engine) resolveLocked(id string, seed crdt.GSet) {
	if e.inflight[id] {
		// the in-flight pass (or its write-back notification) will
		// converge this too
		return
	}
	e.inflight[id] = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.resolve(id, seed)
		if err != nil {
			resolutionsTotal.WithLabelValues("failed").Inc()
			logger.Error("conflict_resolution_failed", "id", id, "error", err)
		}
		e.post(func() { delete(e.inflight, id) })
	}()
}

// pruneLosers reclaims merged-away sibling leaves. Best effort: a
// failed prune leaves the conflict visible and the next notification
// retries it.
func (e *Engine) pruneLosers(id string, losers []string) {
	if len(losers) == 0 {
		return
	}
	if err := e.store.Prune(id, losers); err != nil {
		logger.Warn("prune_failed", "id", id, "error", err)
	}
}

// resolve folds every conflicting sibling revision of id into a single
// likedBy union and writes the merged document back with the winner's
// revision token. Siblings are processed from a worklist (no call
// recursion): each fetched sibling may report further siblings observed
// at its read time, which are pushed and deduplicated. Union is
// commutative/associative/idempotent, so processing order is
// irrelevant and repeated passes are no-ops after the first successful
// write.
//
// A stale write-back (someone wrote concurrently) refetches and retries
// the whole procedure once; a second failure surfaces ErrConflictMerge.
func (e *Engine) resolve(id string, seed crdt.GSet) error {
	for attempt := 0; ; attempt++ {
		payload, rev, conflicts, err := e.store.Get(id)
		if err != nil {
			return err
		}
		winner, perr := models.FromWire(payload)
		if perr != nil && !errors.Is(perr, models.ErrIDMismatch) {
			return perr
		}

		merged := crdt.Union(seed, winner.LikedBy)
		visited := map[string]bool{rev: true}
		work := append([]string(nil), conflicts...)
		for len(work) > 0 {
			r := work[0]
			work = work[1:]
			if visited[r] {
				continue
			}
			visited[r] = true
			sp, sibs, gerr := e.store.GetRev(id, r)
			if gerr != nil {
				// sibling may have been purged between reads
				logger.Warn("sibling_fetch_failed", "id", id, "rev", r, "error", gerr)
				continue
			}
			sib, serr := models.FromWire(sp)
			if serr != nil && !errors.Is(serr, models.ErrIDMismatch) {
				logger.Warn("sibling_malformed", "id", id, "rev", r, "error", serr)
				continue
			}
			// tombstoned siblings still contribute their likedBy history
			merged.Merge(sib.LikedBy)
			work = append(work, sibs...)
		}

		// the losing leaves are fully represented in the merge result
		// from here on; once the winner carries it they can go
		losers := make([]string, 0, len(visited)-1)
		for r := range visited {
			if r != rev {
				losers = append(losers, r)
			}
		}

		if merged.Equal(winner.LikedBy) {
			e.pruneLosers(id, losers)
			resolutionsTotal.WithLabelValues("noop").Inc()
			return nil
		}

		out := *winner
		out.LikedBy = merged
		out.Rev = rev
		b, merr := out.Wire()
		if merr != nil {
			return merr
		}
		_, werr := e.store.Put(b, rev)
		if werr == nil {
			e.pruneLosers(id, losers)
			resolutionsTotal.WithLabelValues("merged").Inc()
			logger.Info("conflict_merged", "id", id, "likers", merged.Len(), "siblings", len(visited)-1)
			return nil
		}
		if errors.Is(werr, store.ErrRevStale) && attempt == 0 {
			logger.Info("conflict_merge_retry", "id", id)
			continue
		}
		if errors.Is(werr, store.ErrRevStale) {
			return fmt.Errorf("%w: %s", ErrConflictMerge, id)
		}
		return werr
	}
}
