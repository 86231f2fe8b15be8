package corpus

// Reserved dictionary items.
const (
	// UnknownItem is the sentinel at index 0 of every dictionary.
	UnknownItem = "<unk>"

	// StartItem and StopItem are the transition sentinels appended to
	// dictionaries built for a CRF decoder.
	StartItem = "<START>"
	StopItem  = "<STOP>"
)

// Dictionary is a bidirectional mapping between discrete items (tag or
// label strings) and dense integer indices. Index 0 is always
// [UnknownItem]; indices are assigned in first-seen order and are never
// renumbered, since model weight dimensions are tied to dictionary size.
type Dictionary struct {
	items   []string
	indices map[string]int
}

// NewDictionary creates a dictionary holding only the unknown sentinel.
func NewDictionary() *Dictionary {
	d := &Dictionary{indices: make(map[string]int)}
	d.Add(UnknownItem)
	return d
}

// Add inserts an item if not already present and returns its index.
func (d *Dictionary) Add(item string) int {
	if idx, ok := d.indices[item]; ok {
		return idx
	}
	idx := len(d.items)
	d.items = append(d.items, item)
	d.indices[item] = idx
	return idx
}

// Index returns the index of an item, falling back to the unknown
// sentinel's index for unseen items.
func (d *Dictionary) Index(item string) int {
	if idx, ok := d.indices[item]; ok {
		return idx
	}
	return 0
}

// Has reports whether the item is present.
func (d *Dictionary) Has(item string) bool {
	_, ok := d.indices[item]
	return ok
}

// Item returns the item at the given index, or the unknown sentinel if
// the index is out of range.
func (d *Dictionary) Item(idx int) string {
	if idx < 0 || idx >= len(d.items) {
		return UnknownItem
	}
	return d.items[idx]
}

// Len returns the number of items, sentinels included.
func (d *Dictionary) Len() int { return len(d.items) }

// Items returns all items in index order.
func (d *Dictionary) Items() []string {
	out := make([]string, len(d.items))
	copy(out, d.items)
	return out
}

// StartIndex returns the index of the CRF start sentinel, or -1 if the
// dictionary was not built for a CRF.
func (d *Dictionary) StartIndex() int {
	if idx, ok := d.indices[StartItem]; ok {
		return idx
	}
	return -1
}

// StopIndex returns the index of the CRF stop sentinel, or -1 if absent.
func (d *Dictionary) StopIndex() int {
	if idx, ok := d.indices[StopItem]; ok {
		return idx
	}
	return -1
}
