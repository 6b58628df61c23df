package pathdb

import "bytes"

// pageSearch implements spec.md §4.2's db_page_search: binary search over
// the page's slot array for key, using the page's own key accessor.
// Returns (found, index): found is true on an exact match at index;
// otherwise index is the insertion point that keeps keys ordered.
func pageSearch(p *page, key []byte) (bool, int) {
	lo, hi := 0, p.numKeys()
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(p.key(mid), key)
		switch {
		case cmp == 0:
			return true, mid
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return false, lo
}

// branchChildIndex applies spec.md §4.2's descend rule for a non-exact
// branch search result: "index > 0 ? index - 1 : 0". The branch key at
// position i is the separator such that child i covers keys >= that
// separator, so when the search lands past the last key <= target we
// must step back one slot to find the covering child.
func branchChildIndex(found bool, index int) int {
	if found {
		return index
	}
	if index > 0 {
		return index - 1
	}
	return 0
}
