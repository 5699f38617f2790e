package graph

import (
	"slices"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// ForkEdge links an origin repository to one of its forks.
type ForkEdge struct {
	Origin string
	Fork   string
}

// ForkGraph is a directed origin -> fork graph. Node identity ignores case;
// the first spelling seen is kept for display.
type ForkGraph struct {
	g     *simple.DirectedGraph
	ids   map[string]int64
	names map[int64]string
}

// BuildForkGraph constructs an in-memory directed graph from fork edges
func BuildForkGraph(edges []ForkEdge) *ForkGraph {
	fg := &ForkGraph{
		g:     simple.NewDirectedGraph(),
		ids:   make(map[string]int64),
		names: make(map[int64]string),
	}
	for _, edge := range edges {
		fg.addEdge(edge.Origin, edge.Fork)
	}
	return fg
}

func (fg *ForkGraph) nodeID(name string) int64 {
	key := strings.ToLower(name)
	if id, ok := fg.ids[key]; ok {
		return id
	}
	id := int64(len(fg.ids))
	fg.ids[key] = id
	fg.names[id] = name
	fg.g.AddNode(simple.Node(id))
	return id
}

func (fg *ForkGraph) addEdge(origin, fork string) {
	from, to := fg.nodeID(origin), fg.nodeID(fork)
	// simple graphs reject self loops
	if from == to || fg.g.HasEdgeFromTo(from, to) {
		return
	}
	fg.g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
}

// WouldCreateCycle reports whether recording fork as a fork of origin would
// close a loop in the network.
func (fg *ForkGraph) WouldCreateCycle(origin, fork string) bool {
	if strings.EqualFold(origin, fork) {
		return true
	}
	from, okFrom := fg.ids[strings.ToLower(fork)]
	to, okTo := fg.ids[strings.ToLower(origin)]
	if !okFrom || !okTo {
		return false
	}
	return topo.PathExistsIn(fg.g, simple.Node(from), simple.Node(to))
}

// Cycles lists every loop in the graph, each as repository names.
func (fg *ForkGraph) Cycles() [][]string {
	var out [][]string
	for _, cycle := range topo.DirectedCyclesIn(fg.g) {
		// gonum repeats the first node at the end
		names := make([]string, 0, len(cycle))
		for _, n := range cycle[:len(cycle)-1] {
			names = append(names, fg.names[n.ID()])
		}
		out = append(out, names)
	}
	return out
}

// Roots returns the repositories that are not forks of anything in the graph.
func (fg *ForkGraph) Roots() []string {
	var roots []string
	for _, id := range nodeIDs(fg.g) {
		if fg.g.To(id).Len() == 0 {
			roots = append(roots, fg.names[id])
		}
	}
	slices.Sort(roots)
	return roots
}

func nodeIDs(g graph.Graph) []int64 {
	nodes := g.Nodes()
	ids := make([]int64, 0, nodes.Len())
	for nodes.Next() {
		ids = append(ids, nodes.Node().ID())
	}
	return ids
}
