package osmdata

import "sort"

// MaxDictSize bounds the tag dictionary so entries stay addressable by a
// 16-bit index.
const MaxDictSize = 32_000

// DictionaryBuilder frequency-counts key=value pairs across a sample of
// ways and produces the compression dictionary.
type DictionaryBuilder struct {
	counts  map[string]int
	sampled int
}

// NewDictionaryBuilder creates an empty builder.
func NewDictionaryBuilder() *DictionaryBuilder {
	return &DictionaryBuilder{counts: make(map[string]int)}
}

// AddSample counts the pairs of one sampled way.
func (b *DictionaryBuilder) AddSample(tags map[string]string) {
	for k, v := range tags {
		b.counts[k+"="+v]++
	}
	b.sampled++
}

// Sampled returns the number of ways added.
func (b *DictionaryBuilder) Sampled() int {
	return b.sampled
}

// Build returns the top pairs in frequency-descending order, capped at
// MaxDictSize. Ties break lexicographically so the dictionary is
// deterministic across runs.
func (b *DictionaryBuilder) Build() []string {
	pairs := make([]string, 0, len(b.counts))
	for p := range b.counts {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		ci, cj := b.counts[pairs[i]], b.counts[pairs[j]]
		if ci != cj {
			return ci > cj
		}
		return pairs[i] < pairs[j]
	})

	if len(pairs) > MaxDictSize {
		pairs = pairs[:MaxDictSize]
	}
	return pairs
}
