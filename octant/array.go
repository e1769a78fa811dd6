package octant

import "sort"

// Array is a dynamic list of octants. Most forest operations keep it
// sorted and uniquified; the sorting contract is the (block, Morton,
// level) order of Compare.
type Array struct {
	Octs []Octant
}

// NewArray returns an array with the given capacity hint.
func NewArray(capacity int) *Array {
	return &Array{Octs: make([]Octant, 0, capacity)}
}

// Len returns the number of stored octants.
func (a *Array) Len() int {
	return len(a.Octs)
}

// Append adds an octant without maintaining order.
func (a *Array) Append(o Octant) {
	a.Octs = append(a.Octs, o)
}

// Sort orders the array by (block, Morton, level).
func (a *Array) Sort() {
	sort.Slice(a.Octs, func(i, j int) bool {
		return Less(a.Octs[i], a.Octs[j])
	})
}

// UniqueSort sorts the array and removes exact duplicates (same block,
// coordinates and level).
func (a *Array) UniqueSort() {
	a.Sort()
	if len(a.Octs) < 2 {
		return
	}
	j := 1
	for i := 1; i < len(a.Octs); i++ {
		if Compare(a.Octs[i], a.Octs[j-1]) != 0 {
			a.Octs[j] = a.Octs[i]
			j++
		}
	}
	a.Octs = a.Octs[:j]
}

// lowerBound returns the first index whose element is >= q.
func (a *Array) lowerBound(q Octant) int {
	return sort.Search(len(a.Octs), func(i int) bool {
		return Compare(a.Octs[i], q) >= 0
	})
}

// Contains searches the sorted array for q. With asNode set the level is
// ignored and any octant sharing q's block and coordinates matches.
// Returns a pointer to the stored octant or nil.
func (a *Array) Contains(q Octant, asNode bool) *Octant {
	i := a.lowerBound(Octant{Block: q.Block, X: q.X, Y: q.Y, Z: q.Z})
	if asNode {
		if i < len(a.Octs) && a.Octs[i].EqualAsNode(q) {
			return &a.Octs[i]
		}
		return nil
	}
	for ; i < len(a.Octs) && a.Octs[i].EqualAsNode(q); i++ {
		if a.Octs[i].Level == q.Level {
			return &a.Octs[i]
		}
	}
	return nil
}

// FindContaining returns the stored octant that is an ancestor of or
// equal to q, if one exists. The array must hold pairwise-disjoint
// octants, so at most one ancestor can be present and it sorts directly
// before q's position.
func (a *Array) FindContaining(q Octant) (Octant, bool) {
	i := a.lowerBound(q)
	if i < len(a.Octs) && a.Octs[i].Contains(q) {
		return a.Octs[i], true
	}
	if i > 0 && a.Octs[i-1].Contains(q) {
		return a.Octs[i-1], true
	}
	return Octant{}, false
}

// HasDescendant reports whether any stored octant lies strictly inside q.
func (a *Array) HasDescendant(q Octant) bool {
	i := a.lowerBound(q)
	for ; i < len(a.Octs); i++ {
		if !q.Contains(a.Octs[i]) {
			return false
		}
		if a.Octs[i].Level > q.Level {
			return true
		}
	}
	return false
}

// Merge unions a sorted array into this one, deduplicating exact
// duplicates. Both arrays must be sorted; the result is sorted.
func (a *Array) Merge(other *Array) {
	if other.Len() == 0 {
		return
	}
	merged := make([]Octant, 0, len(a.Octs)+len(other.Octs))
	i, j := 0, 0
	for i < len(a.Octs) && j < len(other.Octs) {
		c := Compare(a.Octs[i], other.Octs[j])
		switch {
		case c < 0:
			merged = append(merged, a.Octs[i])
			i++
		case c > 0:
			merged = append(merged, other.Octs[j])
			j++
		default:
			merged = append(merged, a.Octs[i])
			i++
			j++
		}
	}
	merged = append(merged, a.Octs[i:]...)
	merged = append(merged, other.Octs[j:]...)
	a.Octs = merged
}

// Coarsen collapses every complete set of eight siblings into its
// parent in a single sweep; parents produced by the sweep are not
// re-collapsed. The array must be sorted.
func (a *Array) Coarsen() {
	out := a.Octs[:0]
	i := 0
	for i < len(a.Octs) {
		o := a.Octs[i]
		if o.Level > 0 && o.ChildIndex() == 0 && i+7 < len(a.Octs) {
			p := o.Parent()
			complete := true
			for k := 1; k < 8; k++ {
				if Compare(a.Octs[i+k], p.Child(k)) != 0 {
					complete = false
					break
				}
			}
			if complete {
				out = append(out, p)
				i += 8
				continue
			}
		}
		out = append(out, o)
		i++
	}
	a.Octs = out
}
