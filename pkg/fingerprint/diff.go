package fingerprint

import "sort"

// Diff classifies the changes between two fingerprint sets. The three lists
// are disjoint: a path appears in at most one of them, and a path whose
// content hash is unchanged appears in none.
type Diff struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Empty returns whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Changed returns the paths that need to be transferred, i.e. the union of
// Added and Modified.
func (d Diff) Changed() []string {
	changed := append([]string{}, d.Added...)
	changed = append(changed, d.Modified...)
	sort.Strings(changed)
	return changed
}

// Compare diffs the current fingerprint set against a previous one. Only the
// content hash decides whether a file is modified -- a file whose bytes are
// identical is unchanged even if its modification time differs.
func Compare(current, previous Set) Diff {
	var diff Diff
	for path, curr := range current {
		prev, ok := previous[path]
		switch {
		case !ok:
			diff.Added = append(diff.Added, path)
		case curr.ContentHash != prev.ContentHash:
			diff.Modified = append(diff.Modified, path)
		}
	}

	for path := range previous {
		if _, ok := current[path]; !ok {
			diff.Removed = append(diff.Removed, path)
		}
	}

	// Sort so that callers see a deterministic order.
	sort.Strings(diff.Added)
	sort.Strings(diff.Modified)
	sort.Strings(diff.Removed)
	return diff
}
