package ranker

import "time"

// Pass is the candidate set of one ranking run plus its deadline. A Pass is
// used once and discarded.
type Pass struct {
	Deadline   time.Duration
	candidates []*Candidate
}

// NewPass creates an empty pass. A non-positive deadline means unbounded.
func NewPass(deadline time.Duration) *Pass {
	return &Pass{Deadline: deadline}
}

// Add appends c unless an equivalent endpoint is already present.
func (p *Pass) Add(c *Candidate) bool {
	if c == nil {
		return false
	}
	for _, existing := range p.candidates {
		if existing.SameEndpoint(c) {
			return false
		}
	}
	p.candidates = append(p.candidates, c)
	return true
}

// Candidates returns the candidates in insertion order.
func (p *Pass) Candidates() []*Candidate {
	return p.candidates
}

// Len returns the number of candidates.
func (p *Pass) Len() int {
	return len(p.candidates)
}
