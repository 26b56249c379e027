package index

import (
	"fmt"
	"strings"
)

// PlanKind orders the access paths the optimizer can choose, worst first.
type PlanKind int

const (
	PlanScan            PlanKind = iota // no index, filter every object
	PlanSingle                          // one single-property index
	PlanCompositePrefix                 // composite index, predicates form a leading prefix
	PlanCompositeExact                  // composite index over exactly the predicate set
)

func (k PlanKind) String() string {
	switch k {
	case PlanSingle:
		return "single"
	case PlanCompositePrefix:
		return "composite_prefix"
	case PlanCompositeExact:
		return "composite_exact"
	}
	return "scan"
}

// Plan is the optimizer's choice for one predicate set.
type Plan struct {
	Kind     PlanKind
	Index    string
	Covered  []string    // properties answered by the index
	Residual []Predicate // predicates the index does not answer

	// Estimate is the number of entries the index holds for the queried
	// values; Selectivity is Estimate over all entries of the index.
	Estimate    uint64
	Selectivity float64
}

func (p Plan) String() string {
	if p.Kind == PlanScan {
		return "scan"
	}
	return fmt.Sprintf("%s(%s on %s, est=%d)", p.Kind, p.Index, strings.Join(p.Covered, ","), p.Estimate)
}

type candidate struct {
	plan Plan
}

// better reports whether a beats b: higher plan kind first, then the lower
// fraction of expected matches, then the index name for stable choices.
func (a candidate) better(b candidate) bool {
	if a.plan.Kind != b.plan.Kind {
		return a.plan.Kind > b.plan.Kind
	}
	if a.plan.Selectivity != b.plan.Selectivity {
		return a.plan.Selectivity < b.plan.Selectivity
	}
	return a.plan.Index < b.plan.Index
}

func fraction(matches, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(matches) / float64(total)
}

// Plan chooses the access path for preds against objectType:
//
//  1. a composite index whose properties equal the predicate properties
//  2. a composite index whose leading properties equal the predicate properties
//  3. a single-property index on one of the predicates
//  4. a scan
//
// Within one rank the candidate expected to match the smallest fraction of
// its entries wins.
func (m *Manager) Plan(objectType string, preds []Predicate) Plan {
	scan := Plan{Kind: PlanScan, Residual: preds}
	if len(preds) == 0 {
		return scan
	}

	// Indexes hold no entries for absent values, so a nil match must scan
	for _, p := range preds {
		if p.Value == nil {
			return scan
		}
	}

	// First occurrence of each property drives the index; repeats stay residual
	byProp := make(map[string]Predicate, len(preds))
	var repeats []Predicate
	for _, p := range preds {
		if _, dup := byProp[p.Property]; dup {
			repeats = append(repeats, p)
			continue
		}
		byProp[p.Property] = p
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ti := m.types[objectType]
	if ti == nil {
		return scan
	}

	var best *candidate
	consider := func(c candidate) {
		if best == nil || c.better(*best) {
			cc := c
			best = &cc
		}
	}

	for name, c := range ti.composites {
		props := c.def.Properties
		if len(byProp) > len(props) {
			continue
		}
		covered := true
		for _, p := range props[:len(byProp)] {
			if _, ok := byProp[p]; !ok {
				covered = false
				break
			}
		}
		if !covered {
			continue
		}
		kind := PlanCompositePrefix
		if len(byProp) == len(props) {
			kind = PlanCompositeExact
		}
		values := valuesInOrder(props[:len(byProp)], preds)
		total := c.totalEntries()
		est := c.count(values)
		consider(candidate{
			plan: Plan{
				Kind:        kind,
				Index:       name,
				Covered:     append([]string(nil), props[:len(byProp)]...),
				Residual:    repeats,
				Estimate:    est,
				Selectivity: fraction(est, total),
			},
		})
	}

	if best == nil {
		for prop, idx := range ti.single {
			p, ok := byProp[prop]
			if !ok {
				continue
			}
			total := idx.entries()
			est := idx.count(p.Value)
			residual := make([]Predicate, 0, len(preds)-1)
			skipped := false
			for _, q := range preds {
				if q.Property == prop && !skipped {
					skipped = true
					continue
				}
				residual = append(residual, q)
			}
			consider(candidate{
				plan: Plan{
					Kind:        PlanSingle,
					Index:       idx.definition().Name,
					Covered:     []string{prop},
					Residual:    residual,
					Estimate:    est,
					Selectivity: fraction(est, total),
				},
			})
		}
	}

	if best == nil {
		return scan
	}
	return best.plan
}
