package graph

import "strings"

// Node is one repository in a fork network tree.
type Node struct {
	Name string `json:"name"`
	// Missing marks a fork that is recorded but no longer exists; it is a leaf.
	Missing bool    `json:"missing,omitempty"`
	Forks   []*Node `json:"forks,omitempty"`
}

// BuildTree expands root downward. forks returns a repository's direct forks
// in display order and exists reports whether a repository is still present.
// Repositories already placed in the tree are not expanded again.
func BuildTree(root string, forks func(name string) []string, exists func(name string) bool) *Node {
	seen := make(map[string]bool)
	var build func(name string) *Node
	build = func(name string) *Node {
		node := &Node{Name: name}
		seen[strings.ToLower(name)] = true
		if !exists(name) {
			node.Missing = true
			return node
		}
		for _, child := range forks(name) {
			if seen[strings.ToLower(child)] {
				continue
			}
			node.Forks = append(node.Forks, build(child))
		}
		return node
	}
	return build(root)
}

// Find returns the node named name, ignoring case, or nil.
func (n *Node) Find(name string) *Node {
	if n == nil {
		return nil
	}
	if strings.EqualFold(n.Name, name) {
		return n
	}
	for _, child := range n.Forks {
		if found := child.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Size counts the nodes in the tree.
func (n *Node) Size() int {
	if n == nil {
		return 0
	}
	total := 1
	for _, child := range n.Forks {
		total += child.Size()
	}
	return total
}
