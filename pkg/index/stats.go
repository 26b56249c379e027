package index

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// QueryPattern aggregates the filters issued against one property set.
type QueryPattern struct {
	ObjectType    string        `json:"objectType"`
	Properties    []string      `json:"properties"`
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastPlan      PlanKind      `json:"lastPlan"`
}

// AvgDuration returns the mean duration of the recorded queries.
func (p QueryPattern) AvgDuration() time.Duration {
	if p.Count == 0 {
		return 0
	}
	return p.TotalDuration / time.Duration(p.Count)
}

// QueryStats records filter executions per (object type, property set).
type QueryStats struct {
	mu       sync.Mutex
	patterns map[string]*QueryPattern
}

// NewQueryStats creates an empty recorder.
func NewQueryStats() *QueryStats {
	return &QueryStats{patterns: make(map[string]*QueryPattern)}
}

func patternKey(objectType string, props []string) string {
	return objectType + "\x00" + strings.Join(props, "\x00")
}

func sortedProps(preds []Predicate) []string {
	seen := make(map[string]struct{}, len(preds))
	props := make([]string, 0, len(preds))
	for _, p := range preds {
		if _, dup := seen[p.Property]; !dup {
			seen[p.Property] = struct{}{}
			props = append(props, p.Property)
		}
	}
	sort.Strings(props)
	return props
}

// Record adds one execution of preds against objectType.
func (s *QueryStats) Record(objectType string, preds []Predicate, took time.Duration, plan PlanKind) {
	if len(preds) == 0 {
		return
	}
	props := sortedProps(preds)
	key := patternKey(objectType, props)

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.patterns[key]
	if p == nil {
		p = &QueryPattern{ObjectType: objectType, Properties: props}
		s.patterns[key] = p
	}
	p.Count++
	p.TotalDuration += took
	p.LastPlan = plan
}

// Patterns returns a copy of every pattern, most frequent first.
func (s *QueryStats) Patterns() []QueryPattern {
	s.mu.Lock()
	out := make([]QueryPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		cp := *p
		cp.Properties = append([]string(nil), p.Properties...)
		out = append(out, cp)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return patternKey(out[i].ObjectType, out[i].Properties) < patternKey(out[j].ObjectType, out[j].Properties)
	})
	return out
}

// Reset forgets every pattern.
func (s *QueryStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = make(map[string]*QueryPattern)
}

// Suggestion is an index worth creating for a frequent, slow query pattern.
type Suggestion struct {
	Definition  Definition    `json:"definition"`
	Count       int64         `json:"count"`
	AvgDuration time.Duration `json:"avgDuration"`
}

// Suggestions proposes indexes for patterns run more than minCount times
// with an average above minAvg that covers reports as unindexed. One
// property yields a hash index, two a composite; wider patterns are left
// alone.
func (s *QueryStats) Suggestions(minCount int64, minAvg time.Duration, covers func(objectType string, props []string) bool) []Suggestion {
	var out []Suggestion
	for _, p := range s.Patterns() {
		if p.Count <= minCount || p.AvgDuration() <= minAvg {
			continue
		}
		if covers != nil && covers(p.ObjectType, p.Properties) {
			continue
		}
		def := Definition{ObjectType: p.ObjectType, Properties: p.Properties}
		switch len(p.Properties) {
		case 1:
			def.Kind = KindHash
		case 2:
			def.Kind = KindComposite
		default:
			continue
		}
		if err := def.normalize(); err != nil {
			continue
		}
		out = append(out, Suggestion{Definition: def, Count: p.Count, AvgDuration: p.AvgDuration()})
	}
	return out
}
