package services

import (
	"fmt"
	"sort"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
)

// Batch groups plugins whose dependencies are all satisfied by earlier
// batches; members of one batch may load in parallel.
type Batch struct {
	Index   int
	Plugins []*manifest.Manifest
}

// LoadOrderResolver computes load order over manifest dependency graphs
// using iterative frontier expansion (Kahn's algorithm).
type LoadOrderResolver struct{}

// NewLoadOrderResolver creates a load order resolver service.
func NewLoadOrderResolver() *LoadOrderResolver {
	return &LoadOrderResolver{}
}

// Order returns a flat topological ordering of the given manifests.
// Dependencies on plugins outside the set are ignored for ordering purposes.
// A dependency cycle is a configuration error and aborts the computation.
func (r *LoadOrderResolver) Order(manifests []*manifest.Manifest) ([]*manifest.Manifest, error) {
	batches, _, err := r.expand(manifests, true)
	if err != nil {
		return nil, err
	}
	var out []*manifest.Manifest
	for _, b := range batches {
		out = append(out, b.Plugins...)
	}
	return out, nil
}

// Batches groups manifests into dependency levels. If the expansion stalls,
// the residual set is emitted as a single final batch and reported through
// the returned warnings instead of failing the whole load.
func (r *LoadOrderResolver) Batches(manifests []*manifest.Manifest) ([]Batch, []string, error) {
	return r.expand(manifests, false)
}

func (r *LoadOrderResolver) expand(manifests []*manifest.Manifest, strict bool) ([]Batch, []string, error) {
	byName := make(map[string]*manifest.Manifest, len(manifests))
	inDegree := make(map[string]int, len(manifests))
	dependents := make(map[string][]string)
	var warnings []string

	for _, m := range manifests {
		if _, dup := byName[m.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate plugin name in load set: %s", m.Name)
		}
		byName[m.Name] = m
	}

	for _, m := range manifests {
		for _, dep := range m.Dependencies {
			if _, present := byName[dep]; !present {
				// Dependency outside the discovered set. The runtime
				// resolver still waits on it; it does not affect ordering.
				warnings = append(warnings, fmt.Sprintf("plugin %s depends on %s which is not in the load set", m.Name, dep))
				continue
			}
			inDegree[m.Name]++
			dependents[dep] = append(dependents[dep], m.Name)
		}
	}

	var batches []Batch
	processed := make(map[string]bool, len(manifests))

	for len(processed) < len(manifests) {
		var frontier []*manifest.Manifest
		for _, m := range manifests {
			if !processed[m.Name] && inDegree[m.Name] == 0 {
				frontier = append(frontier, m)
			}
		}

		if len(frontier) == 0 {
			var residual []*manifest.Manifest
			for _, m := range manifests {
				if !processed[m.Name] {
					residual = append(residual, m)
				}
			}
			names := make([]string, len(residual))
			for i, m := range residual {
				names[i] = m.Name
			}
			if strict {
				return nil, nil, fmt.Errorf("circular dependency detected among plugins: %v", names)
			}
			sortFrontier(residual)
			warnings = append(warnings, fmt.Sprintf("dependency expansion stalled; loading residual plugins as one batch: %v", names))
			batches = append(batches, Batch{Index: len(batches), Plugins: residual})
			break
		}

		sortFrontier(frontier)
		batches = append(batches, Batch{Index: len(batches), Plugins: frontier})

		for _, m := range frontier {
			processed[m.Name] = true
			for _, dep := range dependents[m.Name] {
				inDegree[dep]--
			}
		}
	}

	return batches, warnings, nil
}

// sortFrontier orders a frontier deterministically: explicit loadOrder first
// (ascending), then by name.
func sortFrontier(frontier []*manifest.Manifest) {
	sort.SliceStable(frontier, func(i, j int) bool {
		oi, oj := loadOrderOf(frontier[i]), loadOrderOf(frontier[j])
		if oi != oj {
			return oi < oj
		}
		return frontier[i].Name < frontier[j].Name
	})
}

func loadOrderOf(m *manifest.Manifest) int {
	if m.LoadOrder == nil {
		return int(^uint(0) >> 1) // unset sorts last
	}
	return *m.LoadOrder
}
