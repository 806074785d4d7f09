package model

import (
	"errors"
	"fmt"
	"slices"
)

// ErrDependencyCycle is returned when a set of jobs forms a dependency cycle.
var ErrDependencyCycle = errors.New("dependency cycle")

// DetectCycle checks the child edges between the given jobs for a cycle. Edges to
// jobs outside the set are ignored. The returned error lists the jobs left on the cycle.
func DetectCycle(jobs []*Job) error {
	inSet := make(map[int64]*Job, len(jobs))
	for _, j := range jobs {
		inSet[j.ID] = j
	}

	indegree := make(map[int64]int, len(jobs))
	for id := range inSet {
		indegree[id] += 0
	}
	for _, j := range jobs {
		for _, c := range j.ChildDependencyIDs {
			if _, ok := inSet[c]; ok {
				indegree[c]++
			}
		}
	}

	queue := make([]int64, 0, len(jobs))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, c := range inSet[id].ChildDependencyIDs {
			if _, ok := inSet[c]; !ok {
				continue
			}
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if visited == len(inSet) {
		return nil
	}

	remaining := make([]int64, 0, len(inSet)-visited)
	for id, d := range indegree {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	slices.Sort(remaining)
	return fmt.Errorf("%w between jobs %v", ErrDependencyCycle, remaining)
}
