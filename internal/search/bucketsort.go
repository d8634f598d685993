package search

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// ruleFrame is one level of the bucket-sort stack: the rule at ruleIdx,
// iterating a shrinking sub-universe.
type ruleFrame struct {
	ruleIdx int
	iter    ruleIterator
}

// BucketSort walks rules left to right over universe, a classic recursive
// bucket sort reshaped into an explicit stack so no Go call-stack recursion
// crosses a rule boundary (spec.md §9). Candidates are emitted in strict
// rank order; emit returns false to stop early (offset/limit satisfied).
// When deadline is non-zero and passes before the walk completes, the
// current sub-universe is flushed in ascending docid order and degraded is
// set — spec.md §4.5 step 7.
func BucketSort(rc *rankingContext, rules []Rule, universe *roaring.Bitmap, deadline time.Time, emit func(docid uint32) bool) (degraded bool, err error) {
	if len(rules) == 0 {
		it := universe.Iterator()
		for it.HasNext() {
			if !emit(it.Next()) {
				return false, nil
			}
		}
		return false, nil
	}

	iter0, err := rules[0].StartIteration(rc, universe)
	if err != nil {
		return false, err
	}
	stack := []*ruleFrame{{ruleIdx: 0, iter: iter0}}

	for len(stack) > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			degraded = true
			// Flush everything still owned by frames on the stack, in
			// stable ascending docid order.
			remaining := roaring.New()
			for _, f := range stack {
				remaining.Or(frameUniverse(rc, f, universe))
			}
			it := remaining.Iterator()
			for it.HasNext() {
				if !emit(it.Next()) {
					break
				}
			}
			return degraded, nil
		}

		top := stack[len(stack)-1]
		bucket, err := top.iter.NextBucket()
		if err != nil {
			return degraded, err
		}
		if bucket == nil {
			stack = stack[:len(stack)-1]
			continue
		}
		if bucket.IsEmpty() {
			continue
		}

		if top.ruleIdx == len(rules)-1 || bucket.GetCardinality() <= 1 {
			stop := false
			it := bucket.Iterator()
			for it.HasNext() {
				if !emit(it.Next()) {
					stop = true
					break
				}
			}
			if stop {
				return degraded, nil
			}
			continue
		}

		nextIdx := top.ruleIdx + 1
		nextIter, err := rules[nextIdx].StartIteration(rc, bucket)
		if err != nil {
			return degraded, err
		}
		stack = append(stack, &ruleFrame{ruleIdx: nextIdx, iter: nextIter})
	}

	return degraded, nil
}

// frameUniverse has no generic way to recover a frame's starting bitmap
// from its iterator, so the degraded-mode flush falls back to re-deriving
// it from the top-level universe; acceptable since degraded mode already
// trades ranking precision for a bounded time budget.
func frameUniverse(rc *rankingContext, f *ruleFrame, universe *roaring.Bitmap) *roaring.Bitmap {
	remaining := roaring.New()
	for {
		bm, err := f.iter.NextBucket()
		if err != nil || bm == nil {
			break
		}
		remaining.Or(bm)
	}
	if remaining.IsEmpty() {
		return universe
	}
	return remaining
}
