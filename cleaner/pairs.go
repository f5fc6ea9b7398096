package cleaner

import "github.com/wudi/gulagcleaner/ir/raw"

// FindPair returns the positions in a, ascending, of the two content
// streams a and b share. Any other overlap size yields (0, 0), which callers
// treat as "no boundary here" rather than an error.
func FindPair(a, b []raw.ObjectRef) (low, high int) {
	inB := make(map[raw.ObjectRef]bool, len(b))
	for _, ref := range b {
		inB[ref] = true
	}
	shared := make(map[raw.ObjectRef]bool)
	for _, ref := range a {
		if inB[ref] {
			shared[ref] = true
		}
	}
	if len(shared) != 2 {
		return 0, 0
	}

	var pos []int
	for i, ref := range a {
		if shared[ref] {
			pos = append(pos, i)
			delete(shared, ref)
		}
	}
	return pos[0], pos[1]
}
