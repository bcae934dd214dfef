package credpool

import "time"

// selection is the outcome of running the policy over the current pool
// snapshot: either a chosen record id, or none with the earliest future
// availability across the whole pool (so the caller can render a useful
// error).
type selection struct {
	id       string
	ok       bool
	earliest time.Time
	hasEarliest bool
}

// selectNext implements spec.md §4.2's policy. order is the rotation
// sequence (insertion order); cursor is the current rotation position.
// It returns the chosen id (if any) and the cursor value to commit.
//
// The function is pure given its inputs but is only ever called with the
// pool mutex held, since the rotation-cursor read-modify-write must be
// linearized with every other pool mutation (spec.md §4.4).
func selectNext(records map[string]*record, order []string, cursor int, now time.Time) (selection, int) {
	if len(records) == 0 {
		return selection{}, cursor
	}

	var available []*record
	for _, id := range order {
		r, ok := records[id]
		if !ok {
			continue
		}
		if r.isAvailable(now) {
			available = append(available, r)
		}
	}

	if len(available) == 0 {
		var earliest time.Time
		has := false
		for _, id := range order {
			r := records[id]
			if !has || r.availableAfter.Before(earliest) {
				earliest = r.availableAfter
				has = true
			}
		}
		return selection{hasEarliest: has, earliest: earliest}, cursor
	}

	top := topTier(available)
	if len(top) == 1 {
		return selection{id: top[0].id, ok: true}, cursor
	}

	topSet := make(map[string]bool, len(top))
	for _, r := range top {
		topSet[r.id] = true
	}

	// Advance the rotation cursor over the whole rotation sequence,
	// returning the first record whose id is in the top tier; commit the
	// cursor one past it.
	n := len(order)
	for step := 0; step < n; step++ {
		idx := (cursor + step) % n
		id := order[idx]
		if topSet[id] {
			return selection{id: id, ok: true}, idx + 1
		}
	}

	// Unreachable: topSet is a non-empty subset of order's ids.
	return selection{id: top[0].id, ok: true}, cursor
}

// topTier returns the subset of available sharing the maximum weight.
func topTier(available []*record) []*record {
	w := MinWeight - 1
	for _, r := range available {
		if r.weight > w {
			w = r.weight
		}
	}
	var top []*record
	for _, r := range available {
		if r.weight == w {
			top = append(top, r)
		}
	}
	return top
}
