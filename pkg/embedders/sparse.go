package embedders

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/adiwidjaja/nalar/pkg/databases"
)

// Stopwords cover English plus Indonesian, the two query languages we see.
var sparseStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "with": {},
	"yang": {}, "dan": {}, "di": {}, "ke": {}, "dari": {}, "untuk": {},
	"pada": {}, "dengan": {}, "ini": {}, "itu": {}, "atau": {}, "adalah": {},
	"tidak": {}, "akan": {}, "saya": {}, "apa": {}, "bagaimana": {},
}

// IsStopword reports whether a lowercased term is in the shared English and
// Indonesian stop-word set. The duplicate filter uses the same set so its
// keyword layer and the sparse index agree on what counts as signal.
func IsStopword(term string) bool {
	_, ok := sparseStopwords[term]
	return ok
}

// SparseEncoder maps text to a bag-of-terms sparse vector. The encoding is
// purely deterministic: hashed terms with sublinear term-frequency weights.
// Identical text always produces identical vectors, so re-ingestion is
// idempotent at the vector level.
type SparseEncoder struct{}

func NewSparseEncoder() *SparseEncoder {
	return &SparseEncoder{}
}

// Encode produces the sparse vector for a text. Indices are term hashes,
// sorted ascending; values are 1+log(tf), L2-normalized.
func (e *SparseEncoder) Encode(text string) databases.SparseVector {
	counts := make(map[uint32]int)
	for _, term := range tokenize(text) {
		counts[hashTerm(term)]++
	}
	if len(counts) == 0 {
		return databases.SparseVector{}
	}

	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	var norm float64
	for i, idx := range indices {
		w := 1 + math.Log(float64(counts[idx]))
		values[i] = float32(w)
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for i := range values {
		values[i] = float32(float64(values[i]) / norm)
	}

	return databases.SparseVector{Indices: indices, Values: values}
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if IsStopword(f) {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func hashTerm(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32()
}
