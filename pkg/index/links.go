package index

import (
	"sync"

	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

// adjList keeps neighbours in insertion order with O(1) membership.
type adjList struct {
	order []storage.PK
	set   map[storage.PK]struct{}
}

func (a *adjList) add(pk storage.PK) bool {
	if _, ok := a.set[pk]; ok {
		return false
	}
	a.set[pk] = struct{}{}
	a.order = append(a.order, pk)
	return true
}

func (a *adjList) remove(pk storage.PK) bool {
	if _, ok := a.set[pk]; !ok {
		return false
	}
	delete(a.set, pk)
	for i, k := range a.order {
		if k == pk {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

// adjacency is the forward and reverse adjacency of one link type.
type adjacency struct {
	mu      sync.RWMutex
	forward map[storage.PK]*adjList // source -> targets
	reverse map[storage.PK]*adjList // target -> sources
}

func newAdjacency() *adjacency {
	return &adjacency{
		forward: make(map[storage.PK]*adjList),
		reverse: make(map[storage.PK]*adjList),
	}
}

func link(m map[storage.PK]*adjList, from, to storage.PK) {
	a := m[from]
	if a == nil {
		a = &adjList{set: make(map[storage.PK]struct{})}
		m[from] = a
	}
	a.add(to)
}

func unlink(m map[storage.PK]*adjList, from, to storage.PK) {
	if a := m[from]; a != nil && a.remove(to) && len(a.order) == 0 {
		delete(m, from)
	}
}

// LinkIndex is a bidirectional adjacency index keyed by link type. Each link
// type has its own lock.
type LinkIndex struct {
	mu    sync.RWMutex
	types map[string]*adjacency
}

// NewLinkIndex creates an empty link index.
func NewLinkIndex() *LinkIndex {
	return &LinkIndex{types: make(map[string]*adjacency)}
}

func (x *LinkIndex) adjacencyFor(linkType string, create bool) *adjacency {
	x.mu.RLock()
	a := x.types[linkType]
	x.mu.RUnlock()
	if a != nil || !create {
		return a
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if a = x.types[linkType]; a == nil {
		a = newAdjacency()
		x.types[linkType] = a
	}
	return a
}

// Add indexes a link in both directions.
func (x *LinkIndex) Add(l storage.Link) {
	a := x.adjacencyFor(l.Type, true)
	a.mu.Lock()
	defer a.mu.Unlock()
	link(a.forward, l.Source, l.Target)
	link(a.reverse, l.Target, l.Source)
}

// Remove drops a link from both directions.
func (x *LinkIndex) Remove(l storage.Link) {
	a := x.adjacencyFor(l.Type, false)
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	unlink(a.forward, l.Source, l.Target)
	unlink(a.reverse, l.Target, l.Source)
}

// Neighbors returns the links of linkType touching keys, walked in dir. Links
// keep their source -> target orientation whatever the direction. The result
// follows the order of keys, then the order links were added.
func (x *LinkIndex) Neighbors(linkType string, dir schema.Direction, keys []storage.PK) []storage.Link {
	a := x.adjacencyFor(linkType, false)
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	m := a.forward
	if dir == schema.Reverse {
		m = a.reverse
	}
	var out []storage.Link
	for _, k := range keys {
		adj := m[k]
		if adj == nil {
			continue
		}
		for _, n := range adj.order {
			if dir == schema.Reverse {
				out = append(out, storage.Link{Type: linkType, Source: n, Target: k})
			} else {
				out = append(out, storage.Link{Type: linkType, Source: k, Target: n})
			}
		}
	}
	return out
}

// Degree returns the number of neighbours of key in dir.
func (x *LinkIndex) Degree(linkType string, dir schema.Direction, key storage.PK) int {
	a := x.adjacencyFor(linkType, false)
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.forward
	if dir == schema.Reverse {
		m = a.reverse
	}
	if adj := m[key]; adj != nil {
		return len(adj.order)
	}
	return 0
}

// Clear removes every link.
func (x *LinkIndex) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.types = make(map[string]*adjacency)
}
