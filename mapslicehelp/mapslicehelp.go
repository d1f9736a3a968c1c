package mapslicehelp

import (
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

func AsKeys[T constraints.Ordered](elements []T) map[T]any {
	mapped := make(map[T]any, len(elements))
	for _, element := range elements {
		mapped[element] = struct{}{}
	}
	return mapped
}

func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func OrderedMapKeys[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []K {
	l := make([]K, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Key
		i++
	}
	return l
}

func OrderedMapValues[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []V {
	l := make([]V, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Value
		i++
	}
	return l
}

// KeepKeys returns the elements of s that are keys in keep; a nil keep keeps everything.
func KeepKeys[T constraints.Ordered](s []T, keep map[T]any) []T {
	if keep == nil {
		return s
	}
	r := make([]T, 0, len(s))
	for _, e := range s {
		if _, ok := keep[e]; ok {
			r = append(r, e)
		}
	}
	return r
}
