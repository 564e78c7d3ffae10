package cache

import (
	"crypto/sha1"
)

// DedupMap maps sub-keys to entries, storing entries whose raw bodies are
// identical only once. Sub-keys map to the SHA-1 of the body they were
// stored with; a second map holds one entry per distinct hash. Many per-user
// requests return byte-identical bodies, so one parsed representative is
// enough.
//
// DedupMap has no internal locking; the enclosing Engine serializes access.
type DedupMap struct {
	keymap  map[string][sha1.Size]byte
	content map[[sha1.Size]byte]*Entry
}

// NewDedupMap creates an empty DedupMap.
func NewDedupMap() *DedupMap {
	return &DedupMap{
		keymap:  make(map[string][sha1.Size]byte),
		content: make(map[[sha1.Size]byte]*Entry),
	}
}

// Get returns the entry stored under subkey.
func (d *DedupMap) Get(subkey string) (*Entry, bool) {
	h, ok := d.keymap[subkey]
	if !ok {
		return nil, false
	}
	return d.content[h], true
}

// Put records subkey against the hash of raw. If that hash is new, entry is
// stored as its representative; otherwise entry is discarded and the
// existing representative is kept.
func (d *DedupMap) Put(subkey string, entry *Entry, raw []byte) {
	h := sha1.Sum(raw)
	d.keymap[subkey] = h
	if _, ok := d.content[h]; !ok {
		d.content[h] = entry
	}
}

// PutRef points subkey at the existing representative for raw's hash. The
// caller guarantees ContainsHash(raw) is true.
func (d *DedupMap) PutRef(subkey string, raw []byte) {
	d.keymap[subkey] = sha1.Sum(raw)
}

// Contains reports whether subkey is known.
func (d *DedupMap) Contains(subkey string) bool {
	_, ok := d.keymap[subkey]
	return ok
}

// ContainsHash reports whether a body with raw's hash has been stored.
func (d *DedupMap) ContainsHash(raw []byte) bool {
	_, ok := d.content[sha1.Sum(raw)]
	return ok
}

// Len returns the number of known sub-keys.
func (d *DedupMap) Len() int {
	return len(d.keymap)
}

// DistinctBodies returns the number of distinct stored bodies.
func (d *DedupMap) DistinctBodies() int {
	return len(d.content)
}
