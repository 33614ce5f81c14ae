// Package plan holds the cycle plans: ordered, repeatable sequences of
// (algorithm, size) trials iterated algorithm-outer, size-inner.
package plan

import (
	"fmt"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// DefaultSizesKB is the descending size sweep used by the experiment cycles.
var DefaultSizesKB = []int64{32 * 1024, 16 * 1024, 8 * 1024, 4 * 1024, 2 * 1024, 1024, 512}

// CyclePlan is one named cycle. Implementations are immutable.
type CyclePlan interface {
	// ID returns the unique identifier used on the command line.
	ID() string

	// Description is shown by `ccbench plans`.
	Description() string

	// Algorithms returns the server-side congestion-control algorithms (outer loop).
	Algorithms() []string

	// Sizes returns transfer sizes in bytes (inner loop). Empty means the
	// size is pre-configured in the transfer binary (single dimension).
	Sizes() []int64

	// ClientAlgorithm is the receiver's congestion-control algorithm.
	ClientAlgorithm() string
}

// Trials expands a plan into one cycle of trials, algorithm outer, size inner.
func Trials(p CyclePlan) []domain.TrialSpec {
	algs := p.Algorithms()
	sizes := p.Sizes()
	if len(sizes) == 0 {
		out := make([]domain.TrialSpec, 0, len(algs))
		for _, a := range algs {
			out = append(out, domain.TrialSpec{Algorithm: a})
		}
		return out
	}

	out := make([]domain.TrialSpec, 0, len(algs)*len(sizes))
	for _, a := range algs {
		for _, s := range sizes {
			out = append(out, domain.TrialSpec{Algorithm: a, Size: s})
		}
	}
	return out
}

// Static is a CyclePlan defined by fixed lists.
type Static struct {
	PlanID     string
	Desc       string
	Algs       []string
	SizesBytes []int64
	ClientAlg  string
}

func (s *Static) ID() string              { return s.PlanID }
func (s *Static) Description() string     { return s.Desc }
func (s *Static) Algorithms() []string    { return append([]string(nil), s.Algs...) }
func (s *Static) Sizes() []int64          { return append([]int64(nil), s.SizesBytes...) }
func (s *Static) ClientAlgorithm() string { return s.ClientAlg }

// Validate rejects plans that would produce no trials or invalid requests.
func Validate(p CyclePlan) error {
	if p.ID() == "" {
		return fmt.Errorf("plan has no id")
	}
	if len(p.Algorithms()) == 0 {
		return fmt.Errorf("plan %s: no algorithms", p.ID())
	}
	for _, a := range p.Algorithms() {
		if a == "" {
			return fmt.Errorf("plan %s: empty algorithm", p.ID())
		}
	}
	for _, s := range p.Sizes() {
		if s <= 0 {
			return fmt.Errorf("plan %s: non-positive size %d", p.ID(), s)
		}
	}
	return nil
}

// KB converts kilobyte counts to bytes.
func KB(kb ...int64) []int64 {
	out := make([]int64, len(kb))
	for i, k := range kb {
		out[i] = k * 1024
	}
	return out
}
