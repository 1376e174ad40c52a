// Package matcher implements an Aho-Corasick multi-pattern string matcher.
//
// A Matcher is built once from a fixed signature set and is immutable
// afterwards, so a single instance can serve concurrent queries. Query cost is
// linear in the length of the scanned text plus the number of matches.
package matcher

import "sort"

type node struct {
	// next is sorted by byte so transitions can be binary searched.
	next   []edge
	fail   int32
	output []int32 // pattern indexes ending here, including via suffix links
}

type edge struct {
	b  byte
	to int32
}

// Matcher finds occurrences of a fixed pattern set in text.
type Matcher struct {
	patterns []string
	nodes    []node
}

// Build compiles patterns into a matcher. Empty patterns are ignored and
// duplicate patterns are reported once.
func Build(patterns []string) *Matcher {
	m := &Matcher{nodes: []node{{}}}
	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		m.insert(p, int32(len(m.patterns)))
		m.patterns = append(m.patterns, p)
	}
	m.link()
	return m
}

// Patterns returns the compiled signature set in build order.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

func (m *Matcher) child(state int32, b byte) (int32, bool) {
	edges := m.nodes[state].next
	i := sort.Search(len(edges), func(i int) bool { return edges[i].b >= b })
	if i < len(edges) && edges[i].b == b {
		return edges[i].to, true
	}
	return 0, false
}

func (m *Matcher) insert(p string, idx int32) {
	var state int32
	for i := 0; i < len(p); i++ {
		b := p[i]
		if to, ok := m.child(state, b); ok {
			state = to
			continue
		}
		to := int32(len(m.nodes))
		m.nodes = append(m.nodes, node{})
		edges := m.nodes[state].next
		pos := sort.Search(len(edges), func(i int) bool { return edges[i].b >= b })
		edges = append(edges, edge{})
		copy(edges[pos+1:], edges[pos:])
		edges[pos] = edge{b: b, to: to}
		m.nodes[state].next = edges
		state = to
	}
	m.nodes[state].output = append(m.nodes[state].output, idx)
}

// link computes failure links breadth-first and folds each node's suffix
// outputs into its own output list.
func (m *Matcher) link() {
	queue := make([]int32, 0, len(m.nodes))
	for _, e := range m.nodes[0].next {
		m.nodes[e.to].fail = 0
		queue = append(queue, e.to)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for _, e := range m.nodes[state].next {
			f := m.nodes[state].fail
			for {
				if to, ok := m.child(f, e.b); ok && to != e.to {
					m.nodes[e.to].fail = to
					break
				}
				if f == 0 {
					m.nodes[e.to].fail = 0
					break
				}
				f = m.nodes[f].fail
			}
			fo := m.nodes[m.nodes[e.to].fail].output
			if len(fo) > 0 {
				m.nodes[e.to].output = append(m.nodes[e.to].output, fo...)
			}
			queue = append(queue, e.to)
		}
	}
}

// Query returns every pattern occurrence in text, in order of where the match
// ends. A pattern appearing several times is returned several times.
func (m *Matcher) Query(text string) []string {
	var out []string
	m.scan(text, func(idx int32) bool {
		out = append(out, m.patterns[idx])
		return true
	})
	return out
}

// QueryUnique returns the distinct patterns found in text, in order of first
// occurrence.
func (m *Matcher) QueryUnique(text string) []string {
	var out []string
	found := make([]bool, len(m.patterns))
	m.scan(text, func(idx int32) bool {
		if !found[idx] {
			found[idx] = true
			out = append(out, m.patterns[idx])
		}
		return true
	})
	return out
}

// Contains reports whether any pattern occurs in text.
func (m *Matcher) Contains(text string) bool {
	hit := false
	m.scan(text, func(int32) bool {
		hit = true
		return false
	})
	return hit
}

func (m *Matcher) scan(text string, emit func(int32) bool) {
	if len(m.patterns) == 0 {
		return
	}
	var state int32
	for i := 0; i < len(text); i++ {
		b := text[i]
		for {
			if to, ok := m.child(state, b); ok {
				state = to
				break
			}
			if state == 0 {
				break
			}
			state = m.nodes[state].fail
		}
		for _, idx := range m.nodes[state].output {
			if !emit(idx) {
				return
			}
		}
	}
}
