package tokens

import "sync"

// AdaptiveSizer learns a tokens-per-char ratio from real counts and provides
// fast capacity pre-estimates. Estimates are informational only; batch
// admission always uses real Counter counts.
type AdaptiveSizer struct {
	mu               sync.Mutex
	avgTokensPerChar float64
	sampleCount      int
}

const (
	initialTokensPerChar = 0.25
	maxSamples           = 1000
	capacitySample       = 100
)

// NewAdaptiveSizer creates a sizer seeded with the usual ~4 chars/token.
func NewAdaptiveSizer() *AdaptiveSizer {
	return &AdaptiveSizer{avgTokensPerChar: initialTokensPerChar}
}

// Update feeds a real (text, token count) observation into the moving average.
func (s *AdaptiveSizer) Update(text string, actualTokens int) {
	if len(text) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ratio := float64(actualTokens) / float64(len(text))
	if s.sampleCount == 0 {
		s.avgTokensPerChar = ratio
	} else {
		// Exponential moving average, weighting recent samples more heavily.
		alpha := 1.0 / float64(s.sampleCount)
		if alpha > 0.1 {
			alpha = 0.1
		}
		s.avgTokensPerChar = alpha*ratio + (1-alpha)*s.avgTokensPerChar
	}

	if s.sampleCount < maxSamples {
		s.sampleCount++
	}
}

// EstimateFast estimates tokens for text from the learned ratio.
func (s *AdaptiveSizer) EstimateFast(text string) int {
	if len(text) == 0 {
		return 0
	}

	s.mu.Lock()
	ratio := s.avgTokensPerChar
	s.mu.Unlock()

	return int(float64(len(text)) * ratio)
}

// EstimateCapacity estimates how many of the remaining texts fit in the next
// batch under tokenLimit and chunkLimit. Samples up to the first 100 texts.
func (s *AdaptiveSizer) EstimateCapacity(remaining []string, tokenLimit, chunkLimit int) int {
	if len(remaining) == 0 {
		return 0
	}

	sample := remaining
	if len(sample) > capacitySample {
		sample = sample[:capacitySample]
	}

	estimated := 0
	for _, t := range sample {
		estimated += s.EstimateFast(t)
	}

	if estimated <= tokenLimit {
		if len(remaining) < chunkLimit {
			return len(remaining)
		}
		return chunkLimit
	}

	avgPerText := float64(estimated) / float64(len(sample))
	capacity := int(float64(tokenLimit) / avgPerText * 0.9) // 10% safety margin
	if capacity < 1 {
		capacity = 1
	}
	if capacity > chunkLimit {
		capacity = chunkLimit
	}
	if capacity > len(remaining) {
		capacity = len(remaining)
	}
	return capacity
}
