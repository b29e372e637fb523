// Package location maps byte offsets in JSON source to line and column positions.
package location

import "sort"

// Location represents a position in the source JSON.
// Line and column are 1-indexed.
type Location struct {
	Line   int
	Column int
}

// Index holds the line starts of a source document.
type Index struct {
	src        []byte
	lineStarts []int
}

// NewIndex scans src once and records where each line begins.
func NewIndex(src []byte) *Index {
	starts := make([]int, 1, 64)
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &Index{src: src, lineStarts: starts}
}

// Position converts a byte offset to a Location.
func (ix *Index) Position(offset int) Location {
	if offset < 0 {
		offset = 0
	}
	if offset > len(ix.src) {
		offset = len(ix.src)
	}
	line := sort.Search(len(ix.lineStarts), func(i int) bool {
		return ix.lineStarts[i] > offset
	})
	return Location{Line: line, Column: offset - ix.lineStarts[line-1] + 1}
}

// TokenStart advances offset past whitespace and JSON separators so it points
// at the first byte of the next token. A decoder's InputOffset sits just after
// the previous token, which is usually before a ',' or ':'.
func (ix *Index) TokenStart(offset int) int {
	for offset < len(ix.src) {
		switch ix.src[offset] {
		case ' ', '\t', '\r', '\n', ',', ':':
			offset++
		default:
			return offset
		}
	}
	return offset
}

// Lines returns the number of lines in the source.
func (ix *Index) Lines() int {
	return len(ix.lineStarts)
}

// Find returns the position of offset after skipping separators.
func (ix *Index) Find(offset int) Location {
	return ix.Position(ix.TokenStart(offset))
}
