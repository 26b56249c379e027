package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tiw/ontology-fk-sub000/pkg/schema"
)

// ObjectStore is a thread-safe in-memory store of objects, sharded by type.
//
// The outer lock only guards the shard map. Each shard has its own lock held
// for the duration of a single map operation.
//
// Performance Characteristics:
//   - Get / Add / Delete: O(1)
//   - List: O(n log n) in the size of the type, to restore insertion order
type ObjectStore struct {
	mu     sync.RWMutex
	shards map[string]*typeShard
	log    *logrus.Entry
}

type typeShard struct {
	mu      sync.RWMutex
	objects map[PK]*storedObject
	seq     uint64
}

type storedObject struct {
	obj *Object
	seq uint64
}

// NewObjectStore creates an empty store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		shards: make(map[string]*typeShard),
		log:    logrus.WithField("component", "ObjectStore"),
	}
}

// SetLogger replaces the store's log entry.
func (s *ObjectStore) SetLogger(log *logrus.Entry) {
	if log != nil {
		s.log = log.WithField("component", "ObjectStore")
	}
}

func (s *ObjectStore) shard(objectType string, create bool) *typeShard {
	s.mu.RLock()
	sh := s.shards[objectType]
	s.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh = s.shards[objectType]; sh == nil {
		sh = &typeShard{objects: make(map[PK]*storedObject)}
		s.shards[objectType] = sh
	}
	return sh
}

// Add stores a copy of obj. It fails with ErrAlreadyExists when the primary
// key is already taken for the object's type.
func (s *ObjectStore) Add(obj *Object) error {
	if obj == nil || obj.Type == "" || obj.Key == "" {
		return fmt.Errorf("%w: object needs a type and a primary key", schema.ErrValidation)
	}
	sh := s.shard(obj.Type, true)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.objects[obj.Key]; exists {
		return fmt.Errorf("%w: %s %s", schema.ErrAlreadyExists, obj.Type, obj.Key)
	}
	sh.seq++
	sh.objects[obj.Key] = &storedObject{obj: obj.copyData(), seq: sh.seq}

	s.log.WithFields(logrus.Fields{"object_type": obj.Type, "pk": obj.Key}).Debug("Added object")
	return nil
}

// Put stores a copy of obj, replacing any object with the same primary key.
// A replaced object keeps its position in List order. The previous version is
// returned so callers can unindex it.
func (s *ObjectStore) Put(obj *Object) (*Object, bool) {
	sh := s.shard(obj.Type, true)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if prev, exists := sh.objects[obj.Key]; exists {
		old := prev.obj
		prev.obj = obj.copyData()
		return old, true
	}
	sh.seq++
	sh.objects[obj.Key] = &storedObject{obj: obj.copyData(), seq: sh.seq}
	return nil, false
}

// Get returns a copy of the object, or false when it does not exist.
func (s *ObjectStore) Get(objectType string, key PK) (*Object, bool) {
	sh := s.shard(objectType, false)
	if sh == nil {
		return nil, false
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	so, ok := sh.objects[key]
	if !ok {
		return nil, false
	}
	return so.obj.copyData(), true
}

// Has reports whether an object exists.
func (s *ObjectStore) Has(objectType string, key PK) bool {
	sh := s.shard(objectType, false)
	if sh == nil {
		return false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.objects[key]
	return ok
}

// GetMany returns copies of the objects that exist, in the order of keys.
// Missing keys are skipped.
func (s *ObjectStore) GetMany(objectType string, keys []PK) []*Object {
	sh := s.shard(objectType, false)
	if sh == nil {
		return nil
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := make([]*Object, 0, len(keys))
	for _, k := range keys {
		if so, ok := sh.objects[k]; ok {
			out = append(out, so.obj.copyData())
		}
	}
	return out
}

// Delete removes the object and returns the removed version.
func (s *ObjectStore) Delete(objectType string, key PK) (*Object, bool) {
	sh := s.shard(objectType, false)
	if sh == nil {
		return nil, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	so, ok := sh.objects[key]
	if !ok {
		return nil, false
	}
	delete(sh.objects, key)

	s.log.WithFields(logrus.Fields{"object_type": objectType, "pk": key}).Debug("Deleted object")
	return so.obj, true
}

// List returns copies of every object of the type in insertion order.
func (s *ObjectStore) List(objectType string) []*Object {
	sh := s.shard(objectType, false)
	if sh == nil {
		return nil
	}

	sh.mu.RLock()
	entries := make([]*storedObject, 0, len(sh.objects))
	for _, so := range sh.objects {
		entries = append(entries, so)
	}
	sh.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]*Object, len(entries))
	for i, so := range entries {
		out[i] = so.obj.copyData()
	}
	return out
}

// Collect returns copies of the objects whose keys are in keys, in insertion
// order. Missing keys are skipped and duplicates collapse.
func (s *ObjectStore) Collect(objectType string, keys []PK) []*Object {
	sh := s.shard(objectType, false)
	if sh == nil {
		return nil
	}

	sh.mu.RLock()
	entries := make([]*storedObject, 0, len(keys))
	seen := make(map[PK]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if so, ok := sh.objects[k]; ok {
			entries = append(entries, so)
		}
	}
	sh.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]*Object, len(entries))
	for i, so := range entries {
		out[i] = so.obj.copyData()
	}
	return out
}

// Count returns the number of objects of a type.
func (s *ObjectStore) Count(objectType string) int {
	sh := s.shard(objectType, false)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.objects)
}

// Counts returns the number of objects per type.
func (s *ObjectStore) Counts() map[string]int {
	s.mu.RLock()
	types := make([]string, 0, len(s.shards))
	for t := range s.shards {
		types = append(types, t)
	}
	s.mu.RUnlock()

	out := make(map[string]int, len(types))
	for _, t := range types {
		out[t] = s.Count(t)
	}
	return out
}

// Clear removes every object.
func (s *ObjectStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards = make(map[string]*typeShard)
}
