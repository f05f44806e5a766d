package engine

import (
	"fmt"
	"sort"
	"strings"
)

// RefPrefix marks a definition value that reads an output of another
// resource: "ref://<key>/<output>", e.g. "ref://aws.rds.DBCluster/orders/endpoint".
const RefPrefix = "ref://"

// DAG orders the jobs of one batch by their dependencies.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // creation order
	revOrder []string // destruction order
}

type dagNode struct {
	key      string
	edges    []string // jobs this node depends on
	revEdges []string // jobs that depend on this node
}

// BuildDAG constructs a dependency graph from jobs. Edges come from
// explicit DependsOn and from ref:// values in definitions. References to
// keys outside the batch are resolved from stored state and add no edge.
func BuildDAG(jobs []Job) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode)}

	for _, job := range jobs {
		key := job.key()
		if _, dup := dag.nodes[key]; dup {
			return nil, fmt.Errorf("duplicate job for %s", key)
		}
		dag.nodes[key] = &dagNode{key: key}
	}

	for _, job := range jobs {
		node := dag.nodes[job.key()]
		seen := map[string]bool{}
		deps := append([]string(nil), job.DependsOn...)
		for _, ref := range extractRefs(map[string]any(job.Definition)) {
			if key, _, ok := ParseRef(ref); ok {
				deps = append(deps, key)
			}
		}
		for _, dep := range deps {
			if dep == node.key || seen[dep] {
				continue
			}
			if _, ok := dag.nodes[dep]; ok {
				seen[dep] = true
				node.edges = append(node.edges, dep)
			}
		}
	}

	for key, node := range dag.nodes {
		for _, dep := range node.edges {
			dag.nodes[dep].revEdges = append(dag.nodes[dep].revEdges, key)
		}
	}

	order, err := dag.topoSort()
	if err != nil {
		return nil, err
	}
	dag.order = order
	dag.revOrder = make([]string, len(order))
	for i, key := range order {
		dag.revOrder[len(order)-1-i] = key
	}
	return dag, nil
}

// CreationOrder returns keys in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string { return d.order }

// DestructionOrder returns keys in reverse dependency order.
func (d *DAG) DestructionOrder() []string { return d.revOrder }

// Dependencies returns the keys key depends on.
func (d *DAG) Dependencies(key string) []string {
	if node, ok := d.nodes[key]; ok {
		return node.edges
	}
	return nil
}

// Dependents returns the keys that depend on key.
func (d *DAG) Dependents(key string) []string {
	if node, ok := d.nodes[key]; ok {
		return node.revEdges
	}
	return nil
}

// topoSort runs Kahn's algorithm, visiting ready nodes in key order so the
// result is stable.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	var queue []string
	for key, node := range d.nodes {
		inDegree[key] = len(node.edges)
		if inDegree[key] == 0 {
			queue = append(queue, key)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		sorted = append(sorted, key)

		var next []string
		for _, dependent := range d.nodes[key].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(sorted) != len(d.nodes) {
		var cyclic []string
		for key, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, key)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle detected between %s", strings.Join(cyclic, ", "))
	}
	return sorted, nil
}

// ParseRef splits "ref://<key>/<output>". The output is the last path
// segment; the key may itself contain slashes.
func ParseRef(s string) (key, output string, ok bool) {
	if !strings.HasPrefix(s, RefPrefix) {
		return "", "", false
	}
	path := strings.TrimPrefix(s, RefPrefix)
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// extractRefs returns every ref:// string in v.
func extractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, RefPrefix) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	}
	return refs
}
