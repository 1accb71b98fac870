// Package graph detects cycles in a course's module prerequisite graph.
// Edges point from a module to the modules it requires.
package graph

import (
	"github.com/p-n-ai/pai-learn/internal/domain"
)

// Graph is a snapshot of the stored prerequisite edges of one course.
type Graph struct {
	edges map[string][]string
}

// New builds a graph from the active modules of a course. Deleted modules and
// edges into them are left out.
func New(modules []domain.Module) *Graph {
	active := make(map[string]bool, len(modules))
	for _, m := range modules {
		if !m.Deleted {
			active[m.ID] = true
		}
	}

	g := &Graph{edges: make(map[string][]string, len(active))}
	for _, m := range modules {
		if m.Deleted {
			continue
		}
		for _, p := range m.Prerequisites {
			if active[p] {
				g.edges[m.ID] = append(g.edges[m.ID], p)
			}
		}
	}
	return g
}

// HasCycle reports whether giving module excludeModuleID the prerequisite set
// candidate would create a cycle. excludeModuleID may be empty for a module
// that does not exist yet. Listing a module as its own prerequisite is a
// cycle.
func (g *Graph) HasCycle(candidate []string, excludeModuleID string) bool {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		if excludeModuleID != "" && id == excludeModuleID {
			return true
		}
		if onStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		onStack[id] = true
		for _, next := range g.edges[id] {
			if visit(next) {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, id := range candidate {
		if visit(id) {
			return true
		}
	}
	return false
}

// Validate returns a graph error when candidate would close a cycle through
// moduleID.
func (g *Graph) Validate(moduleID string, candidate []string) error {
	if g.HasCycle(candidate, moduleID) {
		return domain.CircularPrerequisite(moduleID)
	}
	return nil
}
