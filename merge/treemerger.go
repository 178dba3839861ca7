package merge

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ryogrid/duskbase/btree"
)

// Target pairs a source tree with the low key of the partition it covers,
// per spec §4.5's TreeMerger description.
type Target struct {
	Tree   *btree.BTree
	LowKey []byte // nil sorts first, per spec's "null first, unsigned compare otherwise"
}

// Result is what Merge returns.
type Result struct {
	Merged     []*btree.BTree // the single tournament-reduced result tree, if one emerged
	Remainders []*btree.BTree // partitions that never made it into Merged: a lone input, or a pair whose graft failed
}

// Merge partitions targets (already assigned to their external separator
// ranges by the caller) and grafts them down to a single result tree, per
// spec §4.5's "grafts them pairwise into a single result": each round
// grafts contiguous pairs under its own worker, mirroring the teacher's
// goroutine-per-worker fan-out in bltree_test_util.go's
// InsertAndFindConcurrently -- the only concurrency idiom the whole pack
// reaches for parallel fan-out, so that is what TreeMerger reuses here
// instead of a third-party worker-pool library -- and the round's
// survivors (one tree per successful pair, plus any odd leftover) feed
// the next round, until one tree remains. A pair whose graft fails is set
// aside in Remainders rather than retried, so one bad partition can't
// stall the rest of the tournament.
func Merge(targets []Target) Result {
	round := make([]Target, len(targets))
	copy(round, targets)
	sort.Slice(round, func(i, j int) bool {
		return lowKeyLess(round[i].LowKey, round[j].LowKey)
	})

	if len(round) == 0 {
		return Result{}
	}
	if len(round) == 1 {
		return Result{Remainders: []*btree.BTree{round[0].Tree}}
	}

	type pairResult struct {
		merged Target
		failed bool
	}

	var remainders []*btree.BTree
	for len(round) > 1 {
		pairCount := len(round) / 2
		results := make([]pairResult, pairCount)
		var wg sync.WaitGroup
		for i := 0; i < pairCount; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				low := round[2*i]
				high := round[2*i+1]
				if err := GraftTempTree(low.Tree, high.Tree); err != nil {
					results[i] = pairResult{failed: true}
					return
				}
				results[i] = pairResult{merged: Target{Tree: low.Tree, LowKey: low.LowKey}}
			}()
		}
		wg.Wait()

		next := make([]Target, 0, pairCount+1)
		for i, r := range results {
			if r.failed {
				remainders = append(remainders, round[2*i].Tree, round[2*i+1].Tree)
				continue
			}
			next = append(next, r.merged)
		}
		if len(round)%2 == 1 {
			next = append(next, round[len(round)-1])
		}
		round = next
	}

	var res Result
	res.Remainders = remainders
	if len(round) == 1 {
		res.Merged = []*btree.BTree{round[0].Tree}
	}
	return res
}

func lowKeyLess(a, b []byte) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return bytes.Compare(a, b) < 0
}
