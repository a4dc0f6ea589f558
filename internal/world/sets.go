package world

import (
	"encoding/json"
	"sort"
)

// IntSet persists as a sorted JSON array.
type IntSet map[int]struct{}

func (s IntSet) Has(v int) bool {
	_, ok := s[v]
	return ok
}

func (s IntSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (s IntSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Sorted()) }

func (s *IntSet) UnmarshalJSON(b []byte) error {
	var vs []int
	if err := json.Unmarshal(b, &vs); err != nil {
		return err
	}
	*s = IntSet{}
	for _, v := range vs {
		(*s)[v] = struct{}{}
	}
	return nil
}

// StringSet persists as a sorted JSON array.
type StringSet map[string]struct{}

func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Sorted()) }

func (s *StringSet) UnmarshalJSON(b []byte) error {
	var vs []string
	if err := json.Unmarshal(b, &vs); err != nil {
		return err
	}
	*s = StringSet{}
	for _, v := range vs {
		(*s)[v] = struct{}{}
	}
	return nil
}
