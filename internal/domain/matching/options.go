package matching

// Option applies a configuration option to the Matcher.
type Option func(*Matcher)

// WithAmbiguityEpsilon sets how close the runner-up's distance may be to the
// winner's before the match is rejected as ambiguous.
func WithAmbiguityEpsilon(eps float64) Option {
	return func(m *Matcher) {
		if eps >= 0 {
			m.epsilon = eps
		}
	}
}

// WithHNSWIndex enables an approximate candidate prefilter once the gallery
// holds at least minSamples embeddings. k is the neighbour count fetched per
// query; candidates are always rescored exactly.
func WithHNSWIndex(minSamples, k int) Option {
	return func(m *Matcher) {
		if minSamples > 0 && k > 0 {
			m.useIndex = true
			m.indexMinSamples = minSamples
			m.indexK = k
		}
	}
}
