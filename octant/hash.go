package octant

// Hash is an open-addressed set of octants. In the default node-keyed
// mode octants are keyed by block and coordinates, so at most one octant
// per geometric location can be present; the level-keyed mode adds the
// level to the key, which balance uses to track candidate insertions of
// different sizes at the same origin. Iteration order is insertion
// order.
type Hash struct {
	octs       []Octant
	table      []int32 // index+1 into octs, 0 marks an empty slot
	mask       uint32
	levelAware bool
}

const minHashCapacity = 16

// NewHash returns a node-keyed hash sized for the given number of
// entries.
func NewHash(capacity int) *Hash {
	n := minHashCapacity
	for n < 2*capacity {
		n <<= 1
	}
	return &Hash{
		octs:  make([]Octant, 0, capacity),
		table: make([]int32, n),
		mask:  uint32(n - 1),
	}
}

// NewLevelHash returns a hash keyed by coordinates and level.
func NewLevelHash(capacity int) *Hash {
	h := NewHash(capacity)
	h.levelAware = true
	return h
}

// Len returns the number of stored octants.
func (h *Hash) Len() int {
	return len(h.octs)
}

// Octants returns the stored octants in insertion order. The slice
// aliases the hash's storage and must not be modified.
func (h *Hash) Octants() []Octant {
	return h.octs
}

func (h *Hash) match(a, b Octant) bool {
	if !a.EqualAsNode(b) {
		return false
	}
	return !h.levelAware || a.Level == b.Level
}

func (h *Hash) key(o Octant) uint32 {
	// Fibonacci-style mixing of the coordinate words.
	k := uint32(o.X)*2654435761 ^ uint32(o.Y)*2246822519 ^
		uint32(o.Z)*3266489917 ^ uint32(o.Block)*668265263
	if h.levelAware {
		k ^= uint32(o.Level) * 2246822519
	}
	k ^= k >> 15
	return k * 2654435761
}

// Add inserts o, returning false if a matching octant is already
// present.
func (h *Hash) Add(o Octant) bool {
	if 2*(len(h.octs)+1) > len(h.table) {
		h.grow()
	}
	i := h.key(o) & h.mask
	for {
		idx := h.table[i]
		if idx == 0 {
			h.octs = append(h.octs, o)
			h.table[i] = int32(len(h.octs))
			return true
		}
		if h.match(h.octs[idx-1], o) {
			return false
		}
		i = (i + 1) & h.mask
	}
}

// Index returns the insertion-order index of the stored octant matching
// o, or -1.
func (h *Hash) Index(o Octant) int {
	i := h.key(o) & h.mask
	for {
		idx := h.table[i]
		if idx == 0 {
			return -1
		}
		if h.match(h.octs[idx-1], o) {
			return int(idx - 1)
		}
		i = (i + 1) & h.mask
	}
}

// Get returns the stored octant matching o.
func (h *Hash) Get(o Octant) (Octant, bool) {
	if i := h.Index(o); i >= 0 {
		return h.octs[i], true
	}
	return Octant{}, false
}

func (h *Hash) grow() {
	n := 2 * len(h.table)
	h.table = make([]int32, n)
	h.mask = uint32(n - 1)
	for i, o := range h.octs {
		j := h.key(o) & h.mask
		for h.table[j] != 0 {
			j = (j + 1) & h.mask
		}
		h.table[j] = int32(i + 1)
	}
}

// ToArray copies the contents into a sorted Array.
func (h *Hash) ToArray() *Array {
	a := NewArray(len(h.octs))
	a.Octs = append(a.Octs, h.octs...)
	a.Sort()
	return a
}
