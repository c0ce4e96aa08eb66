package protocol

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// MaxPartLength is the number of characters carried by one callback part.
const MaxPartLength = 30000

// FinalPart numbers the last part of a split callback, or an unsplit one.
const FinalPart int16 = -1

// Part is one fragment of a serialized callback.
type Part struct {
	Number int16
	Text   string
}

// SplitParts cuts text into fragments of at most size characters numbered
// 1..n-1, with the last fragment numbered FinalPart. Text that fits in one
// fragment is returned whole as FinalPart.
func SplitParts(text string, size int) []Part {
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		return []Part{{Number: FinalPart, Text: text}}
	}
	var parts []Part
	rest := text
	for number := int16(1); ; number++ {
		cut := byteOffset(rest, size)
		if cut >= len(rest) {
			parts = append(parts, Part{Number: FinalPart, Text: rest})
			return parts
		}
		parts = append(parts, Part{Number: number, Text: rest[:cut]})
		rest = rest[cut:]
	}
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for count := 0; count < n && i < len(s); count++ {
		_, w := utf8.DecodeRuneInString(s[i:])
		i += w
	}
	return i
}

// Reassembler joins callback parts by correlation id.
type Reassembler struct {
	mu      sync.Mutex
	pending map[string]*strings.Builder
}

func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[string]*strings.Builder)}
}

// Add records one part. When number is FinalPart it returns the whole text
// and true; a FinalPart with no earlier parts is returned as is.
func (r *Reassembler) Add(id string, number int16, text string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.pending[id]
	if number == FinalPart || number == 0 {
		if !ok {
			return text, true
		}
		delete(r.pending, id)
		b.WriteString(text)
		return b.String(), true
	}
	if !ok {
		b = &strings.Builder{}
		r.pending[id] = b
	}
	b.WriteString(text)
	return "", false
}

// Pending returns the number of ids with incomplete parts.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Has reports whether parts for id are waiting for their final part.
func (r *Reassembler) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}
