package registry

import (
	"sort"
	"sync"

	"github.com/m-rowley/switchboard/internal/core"
)

// GroupStore is an in-memory group registry keyed by group id. Groups are
// only ever created locally; there is no upstream hydration for them.
type GroupStore struct {
	mu     sync.RWMutex
	groups map[string]core.Group
}

// NewGroupStore returns an empty group registry.
func NewGroupStore() *GroupStore {
	return &GroupStore{groups: make(map[string]core.Group)}
}

// Get returns the group with the given id.
func (s *GroupStore) Get(groupID string) (core.Group, bool) {
	s.mu.RLock()
	group, ok := s.groups[groupID]
	s.mu.RUnlock()
	return group, ok
}

// Has reports whether a group with the given id exists.
func (s *GroupStore) Has(groupID string) bool {
	_, ok := s.Get(groupID)
	return ok
}

// Set stores a group under its id, replacing any previous entry.
func (s *GroupStore) Set(group core.Group) {
	s.mu.Lock()
	s.groups[group.ID] = group
	s.mu.Unlock()
}

// Delete removes the group with the given id and reports whether it existed.
func (s *GroupStore) Delete(groupID string) bool {
	s.mu.Lock()
	_, ok := s.groups[groupID]
	delete(s.groups, groupID)
	s.mu.Unlock()
	return ok
}

// Values returns all groups sorted by key.
func (s *GroupStore) Values() []core.Group {
	s.mu.RLock()
	groups := make([]core.Group, 0, len(s.groups))
	for _, group := range s.groups {
		groups = append(groups, group)
	}
	s.mu.RUnlock()

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Key < groups[j].Key
	})
	return groups
}

// FindByKey returns the first group with the given key.
func (s *GroupStore) FindByKey(key string) (core.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, group := range s.groups {
		if group.Key == key {
			return group, true
		}
	}
	return core.Group{}, false
}

// Len returns the number of stored groups.
func (s *GroupStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}
