package internal

import "sort"

type StringSet struct {
	m map[string]struct{}
}

func NewStringSet(items ...string) *StringSet {
	s := &StringSet{
		m: make(map[string]struct{}, len(items)),
	}
	for _, item := range items {
		s.m[item] = struct{}{}
	}
	return s
}

func (s *StringSet) Add(item string) {
	s.m[item] = struct{}{}
}

func (s *StringSet) Remove(item string) {
	delete(s.m, item)
}

func (s *StringSet) Contains(item string) bool {
	_, exists := s.m[item]
	return exists
}

func (s *StringSet) Len() int {
	return len(s.m)
}

func (s *StringSet) Elements() []string {
	elements := make([]string, 0, len(s.m))
	for item := range s.m {
		elements = append(elements, item)
	}
	return elements
}

// SortedElements returns the members in lexicographic order, which for
// backup names is also chronological order.
func (s *StringSet) SortedElements() []string {
	elements := s.Elements()
	sort.Strings(elements)
	return elements
}

func StringContains(s []string, v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}
