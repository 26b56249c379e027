package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/schema"
)

// ObjectLookup reports whether an object exists. ObjectStore implements it.
type ObjectLookup interface {
	Has(objectType string, key PK) bool
}

type endpointKey struct {
	linkType string
	key      PK
}

// LinkStore holds directed links, deduplicated by (type, source, target).
//
// Deleting an object does not remove its links; traversal skips edges whose
// endpoints no longer exist.
type LinkStore struct {
	mu      sync.RWMutex
	links   map[Link]uint64
	outDeg  map[endpointKey]int
	inDeg   map[endpointKey]int
	seq     uint64
	objects ObjectLookup
	log     *logrus.Entry
}

// NewLinkStore creates an empty store validating endpoints against objects.
func NewLinkStore(objects ObjectLookup) *LinkStore {
	return &LinkStore{
		links:   make(map[Link]uint64),
		outDeg:  make(map[endpointKey]int),
		inDeg:   make(map[endpointKey]int),
		objects: objects,
		log:     logrus.WithField("component", "LinkStore"),
	}
}

// SetLogger replaces the store's log entry.
func (s *LinkStore) SetLogger(log *logrus.Entry) {
	if log != nil {
		s.log = log.WithField("component", "LinkStore")
	}
}

// Create adds a link of type lt from source to target.
//
// Both endpoints must exist (ErrNotFound otherwise). Creating a link that
// already exists is a no-op and returns created == false. The link type's
// cardinality is enforced for new links: ONE_TO_ONE allows a single link per
// source and per target, ONE_TO_MANY a single link per target.
func (s *LinkStore) Create(lt *schema.LinkType, source, target PK) (bool, error) {
	if !s.objects.Has(lt.Source, source) {
		return false, fmt.Errorf("%w: source %s %s of link %s", schema.ErrNotFound, lt.Source, source, lt.APIName)
	}
	if !s.objects.Has(lt.Target, target) {
		return false, fmt.Errorf("%w: target %s %s of link %s", schema.ErrNotFound, lt.Target, target, lt.APIName)
	}

	link := Link{Type: lt.APIName, Source: source, Target: target}
	out := endpointKey{lt.APIName, source}
	in := endpointKey{lt.APIName, target}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.links[link]; exists {
		return false, nil
	}

	switch lt.Cardinality {
	case schema.OneToOne:
		if s.outDeg[out] > 0 || s.inDeg[in] > 0 {
			return false, fmt.Errorf("%w: %s is ONE_TO_ONE and %s or %s is already linked",
				schema.ErrValidation, lt.APIName, source, target)
		}
	case schema.OneToMany:
		if s.inDeg[in] > 0 {
			return false, fmt.Errorf("%w: %s is ONE_TO_MANY and target %s already has a source",
				schema.ErrValidation, lt.APIName, target)
		}
	}

	s.seq++
	s.links[link] = s.seq
	s.outDeg[out]++
	s.inDeg[in]++

	s.log.WithFields(logrus.Fields{
		"link_type": lt.APIName,
		"source":    source,
		"target":    target,
	}).Debug("Created link")
	return true, nil
}

// Delete removes a link. A missing link yields ErrNotFound.
func (s *LinkStore) Delete(linkType string, source, target PK) error {
	link := Link{Type: linkType, Source: source, Target: target}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.links[link]; !exists {
		return fmt.Errorf("%w: link %s", schema.ErrNotFound, link)
	}
	delete(s.links, link)
	decrement(s.outDeg, endpointKey{linkType, source})
	decrement(s.inDeg, endpointKey{linkType, target})
	return nil
}

func decrement(m map[endpointKey]int, k endpointKey) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

// Has reports whether the link exists.
func (s *LinkStore) Has(linkType string, source, target PK) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.links[Link{Type: linkType, Source: source, Target: target}]
	return ok
}

// List returns the links of one type in creation order. An empty linkType
// returns every link.
func (s *LinkStore) List(linkType string) []Link {
	s.mu.RLock()
	type entry struct {
		link Link
		seq  uint64
	}
	entries := make([]entry, 0, len(s.links))
	for l, seq := range s.links {
		if linkType == "" || l.Type == linkType {
			entries = append(entries, entry{l, seq})
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Link, len(entries))
	for i, e := range entries {
		out[i] = e.link
	}
	return out
}

// Count returns the number of stored links.
func (s *LinkStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

// Clear removes every link.
func (s *LinkStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = make(map[Link]uint64)
	s.outDeg = make(map[endpointKey]int)
	s.inDeg = make(map[endpointKey]int)
}
