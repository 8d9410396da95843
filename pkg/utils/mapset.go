package utils

type MapSet[K comparable] struct {
	m map[K]struct{}
}

func NewMapSet[K comparable]() MapSet[K] {
	return MapSet[K]{
		m: make(map[K]struct{}),
	}
}

// Add inserts val and reports whether it was not already present.
func (s MapSet[K]) Add(val K) bool {
	if _, ok := s.m[val]; ok {
		return false
	}
	s.m[val] = struct{}{}
	return true
}
