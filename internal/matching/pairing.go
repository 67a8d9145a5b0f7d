package matching

import (
	"time"
)

// MatchKind records which pass produced a pair.
type MatchKind string

const (
	KindExact    MatchKind = "exact"    // both sides' filters satisfied
	KindFallback MatchKind = "fallback" // seeker's filter relaxed after the grace period
	KindRandom   MatchKind = "random"   // two unfiltered entries
)

// Match is a proposed pair. Seeker is the entry whose pass found the pair.
type Match struct {
	Seeker  QueueEntry
	Partner QueueEntry
	Kind    MatchKind
}

// accepts reports whether x's filter admits y.
func accepts(x, y QueueEntry) bool {
	return !x.Filtered() || x.GenderFilter == y.Gender
}

// fallbackEligible reports whether x's filter may be relaxed at now.
func fallbackEligible(x QueueEntry, now time.Time, grace time.Duration) bool {
	return x.Filtered() && x.AllowFallback && x.Waited(now) >= grace
}

// PairEntries computes the pairs for one scan. It is deterministic for a
// given input and never uses an entry twice:
//
//  1. filtered entries, oldest first, take the oldest candidate that
//     satisfies their filter and whose own filter (if any) admits them;
//  2. filtered entries past the fallback grace take the oldest candidate
//     that admits them, regardless of their own filter;
//  3. remaining unfiltered entries pair with each other in join order.
//
// Everything else stays queued.
func PairEntries(entries []QueueEntry, now time.Time, grace time.Duration) []Match {
	ordered := make([]QueueEntry, len(entries))
	copy(ordered, entries)
	sortEntries(ordered)

	used := make([]bool, len(ordered))
	var matches []Match

	take := func(i, j int, kind MatchKind) {
		used[i], used[j] = true, true
		matches = append(matches, Match{Seeker: ordered[i], Partner: ordered[j], Kind: kind})
	}

	// find returns the oldest unused candidate other than i for which ok holds.
	find := func(i int, ok func(seeker, cand QueueEntry) bool) int {
		for j := range ordered {
			if j == i || used[j] || ordered[j].UserID == ordered[i].UserID {
				continue
			}
			if ok(ordered[i], ordered[j]) {
				return j
			}
		}
		return -1
	}

	for i, e := range ordered {
		if used[i] || !e.Filtered() {
			continue
		}
		j := find(i, func(s, c QueueEntry) bool {
			return accepts(s, c) && accepts(c, s)
		})
		if j >= 0 {
			take(i, j, KindExact)
		}
	}

	for i, e := range ordered {
		if used[i] || !fallbackEligible(e, now, grace) {
			continue
		}
		j := find(i, func(s, c QueueEntry) bool {
			return accepts(c, s) || fallbackEligible(c, now, grace)
		})
		if j >= 0 {
			take(i, j, KindFallback)
		}
	}

	pending := -1
	for i, e := range ordered {
		if used[i] || e.Filtered() {
			continue
		}
		if pending < 0 {
			pending = i
			continue
		}
		take(pending, i, KindRandom)
		pending = -1
	}

	return matches
}
