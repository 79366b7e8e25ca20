package pipeline

import (
	"sort"
	"strings"

	"github.com/scholium/scholium/scherr"
)

// stepDeps resolves a step's effective dependencies: the explicit list, or
// the previous step when the list is empty. The first step has none.
func stepDeps(steps []Step, i int) []string {
	if len(steps[i].DependsOn) > 0 {
		return steps[i].DependsOn
	}
	if i == 0 {
		return nil
	}
	return []string{steps[i-1].ID}
}

// levels computes the topological levels of the step graph: every step in a
// level depends only on earlier levels. Step ids are sorted within each
// level so scheduling order is deterministic. Unknown references and cycles
// are invalid input.
func levels(steps []Step) ([][]string, error) {
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for i, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range stepDeps(steps, i) {
			if !known[dep] {
				return nil, scherr.Newf(scherr.InvalidInput, "step %q depends on undefined step %q", s.ID, dep)
			}
			if dep == s.ID {
				return nil, scherr.Newf(scherr.InvalidInput, "step %q depends on itself", s.ID)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var out [][]string
	done := 0
	current := make([]string, 0, len(steps))
	for id, d := range indegree {
		if d == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		sort.Strings(current)
		out = append(out, current)
		done += len(current)
		var next []string
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	if done != len(steps) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, scherr.Newf(scherr.InvalidInput, "pipeline has a dependency cycle through %s", strings.Join(stuck, ", "))
	}
	return out, nil
}
