package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyGraph links a set of records through their ParentID references.
// Teardown levels order the records so that every record comes after all of
// its dependents; records within one level do not depend on each other.
type DependencyGraph struct {
	// records maps record IDs to the records in the graph
	records map[string]*ResourceRecord

	// children maps a record ID to the IDs of records depending on it
	children map[string][]string

	// levels holds record IDs per teardown level, leaves first
	levels [][]string
}

// NewDependencyGraph builds the graph for recs. A parent outside recs is
// ignored, so a subset of a project forms a valid graph on its own.
func NewDependencyGraph(recs []*ResourceRecord) (*DependencyGraph, error) {
	g := &DependencyGraph{
		records:  make(map[string]*ResourceRecord, len(recs)),
		children: make(map[string][]string, len(recs)),
	}

	for _, rec := range recs {
		if rec.ID == "" {
			return nil, NewValidationError("record has empty ID")
		}
		if _, exists := g.records[rec.ID]; exists {
			return nil, NewValidationError("duplicate record ID: %s", rec.ID)
		}
		g.records[rec.ID] = rec
	}
	for _, rec := range recs {
		if _, ok := g.records[rec.ParentID]; ok {
			g.children[rec.ParentID] = append(g.children[rec.ParentID], rec.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewPermanentError(fmt.Sprintf("circular parent references: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeInternal)
	}
	g.computeLevels()
	return g, nil
}

// TeardownLevels returns record IDs grouped by level, leaves first.
// IDs within a level are ordered by creation time.
func (g *DependencyGraph) TeardownLevels() [][]string {
	return g.levels
}

// Order flattens TeardownLevels.
func (g *DependencyGraph) Order() []*ResourceRecord {
	out := make([]*ResourceRecord, 0, len(g.records))
	for _, level := range g.levels {
		for _, id := range level {
			out = append(out, g.records[id])
		}
	}
	return out
}

// Dependents returns the IDs of records whose parent is id.
func (g *DependencyGraph) Dependents(id string) []string {
	return g.children[id]
}

// findCycle walks parent links from every record and returns the first loop found.
func (g *DependencyGraph) findCycle() []string {
	done := make(map[string]bool, len(g.records))
	for id := range g.records {
		if done[id] {
			continue
		}
		onPath := make(map[string]int)
		var path []string
		for cur := id; cur != ""; {
			if done[cur] {
				break
			}
			if at, seen := onPath[cur]; seen {
				return append(path[at:], cur)
			}
			onPath[cur] = len(path)
			path = append(path, cur)

			parent := g.records[cur].ParentID
			if _, ok := g.records[parent]; !ok {
				break
			}
			cur = parent
		}
		for _, p := range path {
			done[p] = true
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm over child counts: a record becomes
// ready once every record depending on it has been placed.
func (g *DependencyGraph) computeLevels() {
	pending := make(map[string]int, len(g.records))
	var current []string
	for id := range g.records {
		pending[id] = len(g.children[id])
		if pending[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		g.sortByCreation(current)
		g.levels = append(g.levels, current)

		var next []string
		for _, id := range current {
			parent := g.records[id].ParentID
			if _, ok := g.records[parent]; !ok {
				continue
			}
			pending[parent]--
			if pending[parent] == 0 {
				next = append(next, parent)
			}
		}
		current = next
	}
}

func (g *DependencyGraph) sortByCreation(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.records[ids[i]], g.records[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per teardown level.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Resources {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			rec := g.records[id]
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, rec.Name, rec.Type, rec.Status, statusColor(rec.Status)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, level := range g.levels {
		for _, id := range level {
			if parent := g.records[id].ParentID; g.records[parent] != nil {
				sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, parent))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func statusColor(s ResourceStatus) string {
	switch {
	case s == StatusRunning:
		return "lightgreen"
	case s.IsTransitional() || s == StatusRequested:
		return "lightblue"
	case s == StatusStopped:
		return "lightgray"
	case s == StatusFailed:
		return "lightcoral"
	default:
		return "white"
	}
}
