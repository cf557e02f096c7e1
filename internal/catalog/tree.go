package catalog

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// BuildForest assembles the family group forest from a flat listing. Groups
// whose parent id does not resolve are promoted to roots; a cycle anywhere in
// the input fails the whole build with ErrInvalidHierarchy. Siblings are
// ordered by name under Spanish collation so accented names sort naturally.
func BuildForest(groups []FamilyGroup) ([]*Node, error) {
	nodes := make(map[int64]*Node, len(groups))
	for _, g := range groups {
		nodes[g.ID] = &Node{FamilyGroup: g}
	}

	roots := []*Node{}
	for _, g := range groups {
		node := nodes[g.ID]
		if g.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*g.ParentID]
		if !ok || *g.ParentID == g.ID {
			// Dangling or self-referencing parent: keep the subtree visible.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	if err := checkReachable(nodes, roots); err != nil {
		return nil, err
	}

	c := collate.New(language.Spanish)
	sortForest(c, roots)
	return roots, nil
}

// checkReachable walks down from the roots; any node left unvisited sits on a
// parent cycle.
func checkReachable(nodes map[int64]*Node, roots []*Node) error {
	visited := make(map[int64]bool, len(nodes))
	queue := append([]*Node(nil), roots...)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if visited[node.ID] {
			continue
		}
		visited[node.ID] = true
		queue = append(queue, node.Children...)
	}
	if len(visited) != len(nodes) {
		return ErrInvalidHierarchy
	}
	return nil
}

func sortForest(c *collate.Collator, nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return c.CompareString(nodes[i].Name, nodes[j].Name) < 0
	})
	for _, node := range nodes {
		sortForest(c, node.Children)
	}
}
