package matching

import (
	"fmt"
	"testing"
	"time"

	"github.com/whisper/chat-matcher/internal/profile"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

const grace = 30 * time.Second

func entry(id string, gender profile.Gender, joinedAgo time.Duration) QueueEntry {
	return QueueEntry{UserID: id, Gender: gender, JoinedAt: t0.Add(-joinedAgo), AllowFallback: true}
}

func filtered(e QueueEntry, want profile.Gender, fallback bool) QueueEntry {
	e.GenderFilter = want
	e.IsPremium = true
	e.AllowFallback = fallback
	return e
}

func pairSet(matches []Match) map[string]string {
	out := make(map[string]string)
	for _, m := range matches {
		out[m.Seeker.UserID] = m.Partner.UserID
		out[m.Partner.UserID] = m.Seeker.UserID
	}
	return out
}

func TestPairEntries_UnfilteredFIFO(t *testing.T) {
	entries := []QueueEntry{
		entry("c", profile.GenderMale, 1*time.Second),
		entry("a", profile.GenderFemale, 3*time.Second),
		entry("b", profile.GenderMale, 2*time.Second),
	}
	matches := PairEntries(entries, t0, grace)
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	m := matches[0]
	if m.Seeker.UserID != "a" || m.Partner.UserID != "b" || m.Kind != KindRandom {
		t.Errorf("match = %s+%s (%s), want a+b random", m.Seeker.UserID, m.Partner.UserID, m.Kind)
	}
}

func TestPairEntries_FilteredExactFirst(t *testing.T) {
	// f wants a female; the oldest entry is male, the female comes later.
	entries := []QueueEntry{
		entry("m1", profile.GenderMale, 10*time.Second),
		filtered(entry("f", profile.GenderMale, 5*time.Second), profile.GenderFemale, true),
		entry("w1", profile.GenderFemale, 3*time.Second),
		entry("m2", profile.GenderMale, 1*time.Second),
	}
	pairs := pairSet(PairEntries(entries, t0, grace))
	if pairs["f"] != "w1" {
		t.Errorf("f paired with %q, want w1", pairs["f"])
	}
	if pairs["m1"] != "m2" {
		t.Errorf("m1 paired with %q, want m2", pairs["m1"])
	}
}

func TestPairEntries_MutualFilterRequired(t *testing.T) {
	// Both filtered, but x's candidate wants someone of a different gender.
	x := filtered(entry("x", profile.GenderMale, 5*time.Second), profile.GenderFemale, false)
	y := filtered(entry("y", profile.GenderFemale, 4*time.Second), profile.GenderFemale, false)
	if got := PairEntries([]QueueEntry{x, y}, t0, grace); len(got) != 0 {
		t.Errorf("got %d matches, want none", len(got))
	}

	y.GenderFilter = profile.GenderMale
	got := PairEntries([]QueueEntry{x, y}, t0, grace)
	if len(got) != 1 || got[0].Kind != KindExact {
		t.Errorf("mutual filters should pair exactly, got %+v", got)
	}
}

func TestPairEntries_FilteredWithoutFallbackNeverForced(t *testing.T) {
	c := filtered(entry("c", profile.GenderMale, time.Hour), profile.GenderFemale, false)
	others := []QueueEntry{c, entry("m1", profile.GenderMale, time.Minute)}

	for scan := 0; scan < 5; scan++ {
		now := t0.Add(time.Duration(scan) * time.Minute)
		for _, m := range PairEntries(others, now, grace) {
			if m.Seeker.UserID == "c" || m.Partner.UserID == "c" {
				t.Fatalf("scan %d: c was force-paired with %s", scan, m.Partner.UserID)
			}
		}
	}
}

func TestPairEntries_FallbackAfterGrace(t *testing.T) {
	m1 := entry("m1", profile.GenderMale, 5*time.Second)

	early := filtered(entry("f", profile.GenderMale, grace-time.Second), profile.GenderFemale, true)
	if got := PairEntries([]QueueEntry{early, m1}, t0, grace); len(got) != 0 {
		t.Fatalf("paired before grace: %+v", got)
	}

	late := filtered(entry("f", profile.GenderMale, grace), profile.GenderFemale, true)
	got := PairEntries([]QueueEntry{late, m1}, t0, grace)
	if len(got) != 1 || got[0].Kind != KindFallback || got[0].Partner.UserID != "m1" {
		t.Fatalf("fallback pairing = %+v", got)
	}
}

func TestPairEntries_FallbackRespectsCandidateFilter(t *testing.T) {
	// f (male, wants female) is past grace; g is filtered for females only
	// and not eligible for fallback, so g never accepts f.
	f := filtered(entry("f", profile.GenderMale, time.Minute), profile.GenderFemale, true)
	g := filtered(entry("g", profile.GenderMale, 10*time.Second), profile.GenderFemale, false)
	if got := PairEntries([]QueueEntry{f, g}, t0, grace); len(got) != 0 {
		t.Errorf("got %+v, want no pair", got)
	}

	// Two fallback-eligible seekers may pair with each other.
	g.AllowFallback = true
	g.JoinedAt = t0.Add(-time.Minute)
	if got := PairEntries([]QueueEntry{f, g}, t0, grace); len(got) != 1 {
		t.Errorf("eligible seekers should pair, got %+v", got)
	}
}

func TestPairEntries_ExactBeforeFallback(t *testing.T) {
	// old is past grace and would take w via fallback, but w is the
	// exact match of the younger filtered seeker and must go there.
	old := filtered(entry("old", profile.GenderMale, time.Minute), profile.GenderMale, true)
	young := filtered(entry("young", profile.GenderMale, 2*time.Second), profile.GenderFemale, true)
	w := entry("w", profile.GenderFemale, time.Second)

	pairs := pairSet(PairEntries([]QueueEntry{old, young, w}, t0, grace))
	if pairs["young"] != "w" {
		t.Errorf("young paired with %q, want w", pairs["young"])
	}
	if _, ok := pairs["old"]; ok {
		t.Errorf("old should stay unpaired, got %q", pairs["old"])
	}
}

func TestPairEntries_NoEntryUsedTwice(t *testing.T) {
	genders := []profile.Gender{profile.GenderMale, profile.GenderFemale}
	var entries []QueueEntry
	for i := 0; i < 40; i++ {
		e := entry(fmt.Sprintf("u%02d", i), genders[i%2], time.Duration(i)*time.Second)
		switch i % 5 {
		case 0:
			e = filtered(e, profile.GenderFemale, i%3 == 0)
		case 1:
			e = filtered(e, profile.GenderMale, false)
		}
		entries = append(entries, e)
	}

	seen := make(map[string]bool)
	for _, m := range PairEntries(entries, t0, grace) {
		for _, id := range []string{m.Seeker.UserID, m.Partner.UserID} {
			if seen[id] {
				t.Fatalf("%s matched twice", id)
			}
			seen[id] = true
		}
		if m.Seeker.UserID == m.Partner.UserID {
			t.Fatalf("%s matched with itself", m.Seeker.UserID)
		}
		if m.Kind == KindExact && (!accepts(m.Seeker, m.Partner) || !accepts(m.Partner, m.Seeker)) {
			t.Errorf("exact pair %s+%s violates a filter", m.Seeker.UserID, m.Partner.UserID)
		}
	}
}

func TestPairEntries_Deterministic(t *testing.T) {
	entries := []QueueEntry{
		entry("b", profile.GenderMale, time.Second),
		entry("a", profile.GenderFemale, time.Second), // same join time as b
		entry("c", profile.GenderMale, 2*time.Second),
		entry("d", profile.GenderFemale, 0),
	}
	first := PairEntries(entries, t0, grace)
	reversed := []QueueEntry{entries[3], entries[2], entries[1], entries[0]}
	second := PairEntries(reversed, t0, grace)

	if len(first) != len(second) {
		t.Fatalf("match counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Seeker.UserID != second[i].Seeker.UserID || first[i].Partner.UserID != second[i].Partner.UserID {
			t.Errorf("match %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
	// c is oldest, then a before b on the user id tie-break.
	if first[0].Seeker.UserID != "c" || first[0].Partner.UserID != "a" {
		t.Errorf("first pair = %s+%s, want c+a", first[0].Seeker.UserID, first[0].Partner.UserID)
	}
}

func TestPairEntries_Empty(t *testing.T) {
	if got := PairEntries(nil, t0, grace); len(got) != 0 {
		t.Errorf("got %+v", got)
	}
	if got := PairEntries([]QueueEntry{entry("solo", profile.GenderMale, time.Hour)}, t0, grace); len(got) != 0 {
		t.Errorf("single entry paired: %+v", got)
	}
}
