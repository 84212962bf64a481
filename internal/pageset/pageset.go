// Package pageset provides a dense bitset of page numbers.
package pageset

import "math/bits"

// Set records which pages of a range have been seen.
// Uses uint64 words; one bit per page.
type Set struct {
	words []uint64
	limit uint32 // pages >= limit are out of range
	count uint32
}

// New creates a set for pages 0 to limit-1.
func New(limit uint32) *Set {
	return &Set{
		words: make([]uint64, (limit+63)/64),
		limit: limit,
	}
}

// Add marks pg. It returns false when pg is out of range or already marked.
func (s *Set) Add(pg uint32) bool {
	if pg >= s.limit {
		return false
	}
	w, bit := pg/64, uint64(1)<<(pg%64)
	if s.words[w]&bit != 0 {
		return false
	}
	s.words[w] |= bit
	s.count++
	return true
}

// Has reports whether pg is marked.
func (s *Set) Has(pg uint32) bool {
	if pg >= s.limit {
		return false
	}
	return s.words[pg/64]&(1<<(pg%64)) != 0
}

// Len returns the number of marked pages.
func (s *Set) Len() int {
	return int(s.count)
}

// Missing returns up to max unmarked pages in [from, limit), lowest first.
func (s *Set) Missing(from uint32, max int) []uint32 {
	var out []uint32
	for pg := from; pg < s.limit && len(out) < max; {
		w := s.words[pg/64] | (1<<(pg%64) - 1)
		if w == ^uint64(0) {
			pg = (pg/64 + 1) * 64
			continue
		}
		next := pg/64*64 + uint32(bits.TrailingZeros64(^w))
		if next >= s.limit {
			break
		}
		out = append(out, next)
		pg = next + 1
	}
	return out
}
