package resource

import (
	"sort"
	"strings"
	"sync"
)

// Tree maps absolute path strings to Resources (§3). The root "/" is
// always present and invisible.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*Resource
}

// NewTree returns a tree containing only the invisible root.
func NewTree() *Tree {
	root := New("/")
	root.Visible = false
	return &Tree{nodes: map[string]*Resource{"/": root}}
}

func normalize(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "/"
	}
	return "/" + path
}

// Add inserts r at path, returning false if the path is already occupied.
func (t *Tree) Add(path string, r *Resource) bool {
	path = normalize(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.nodes[path]; exists {
		return false
	}
	r.Path = path
	t.nodes[path] = r
	return true
}

// Set inserts or replaces the resource at path (used by PUT-creates-child
// and POST-creates-resource per §4.5).
func (t *Tree) Set(path string, r *Resource) {
	path = normalize(path)
	r.Path = path
	t.mu.Lock()
	t.nodes[path] = r
	t.mu.Unlock()
}

// Remove deletes path from the tree, reporting whether it was present.
func (t *Tree) Remove(path string) bool {
	path = normalize(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[path]; !ok {
		return false
	}
	delete(t.nodes, path)
	return true
}

// Get looks up the exact path.
func (t *Tree) Get(path string) (*Resource, bool) {
	path = normalize(path)
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.nodes[path]
	return r, ok
}

// LongestAncestor returns the longest proper ancestor of path present in
// the tree (used for PUT-creates-child under allow_children, §3, §4.5). The
// root "/" always qualifies as a fallback ancestor.
func (t *Tree) LongestAncestor(path string) (*Resource, bool) {
	path = normalize(path)
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Resource
	bestLen := -1
	for candidate, r := range t.nodes {
		if candidate == path {
			continue
		}
		if candidate == "/" || strings.HasPrefix(path, candidate+"/") {
			if len(candidate) > bestLen {
				best, bestLen = r, len(candidate)
			}
		}
	}
	return best, best != nil
}

// All returns every resource whose path has the given prefix ("" matches
// everything), sorted lexicographically by path (§4.5 discovery ordering,
// §6 get_resources).
func (t *Tree) All(prefix string) []*Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Resource, 0, len(t.nodes))
	for path, r := range t.nodes {
		if strings.HasPrefix(path, prefix) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Visible returns every visible resource (excludes the root), sorted
// lexicographically by path — the candidate set for /.well-known/core.
func (t *Tree) Visible() []*Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Resource, 0, len(t.nodes))
	for path, r := range t.nodes {
		if path == "/" {
			continue
		}
		if r.Visible {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
