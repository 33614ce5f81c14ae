package plan

import (
	"fmt"
	"sort"
)

// DefaultPlanID is used when no plan is named.
const DefaultPlanID = "astraea-sweep"

// Registry holds the known cycle plans.
type Registry struct {
	plans map[string]CyclePlan
}

// NewRegistry creates a registry with the built-in plans.
func NewRegistry() *Registry {
	return NewRegistryWithPlans(
		NewAstraeaSweep(),
		NewSmallSweep(),
		NewAlgorithmsOnly(),
	)
}

// NewRegistryWithPlans creates a registry with custom plans (for testing).
func NewRegistryWithPlans(plans ...CyclePlan) *Registry {
	r := &Registry{plans: make(map[string]CyclePlan)}
	for _, p := range plans {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a plan.
func (r *Registry) Register(p CyclePlan) {
	r.plans[p.ID()] = p
}

// Get returns a plan by ID.
func (r *Registry) Get(id string) (CyclePlan, error) {
	p, ok := r.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan not found: %s (known: %v)", id, r.List())
	}
	return p, nil
}

// List returns all plan IDs, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.plans))
	for id := range r.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve returns the named plan, overriding its algorithms, sizes or client
// algorithm when the corresponding argument is non-empty.
func (r *Registry) Resolve(id string, algorithms []string, sizesKB []int64, clientAlg string) (CyclePlan, error) {
	if id == "" {
		id = DefaultPlanID
	}
	base, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if len(algorithms) == 0 && len(sizesKB) == 0 && clientAlg == "" {
		return base, nil
	}

	p := &Static{
		PlanID:     base.ID(),
		Desc:       base.Description() + " (overridden)",
		Algs:       base.Algorithms(),
		SizesBytes: base.Sizes(),
		ClientAlg:  base.ClientAlgorithm(),
	}
	if len(algorithms) > 0 {
		p.Algs = algorithms
	}
	if len(sizesKB) > 0 {
		p.SizesBytes = KB(sizesKB...)
	}
	if clientAlg != "" {
		p.ClientAlg = clientAlg
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
