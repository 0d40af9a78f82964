// Package dag holds a small named, attributed directed graph that can be
// rendered in Graphviz DOT format.
package dag

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// Graph is a directed graph whose nodes are addressed by name.
type Graph struct {
	*simple.DirectedGraph
	byName map[string]*Node
}

func New() *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		byName:        make(map[string]*Node),
	}
}

// Node is a graph node carrying its DOT identifier and attributes.
type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

// DOTID implements dot.Node so nodes render under their name.
func (n *Node) DOTID() string {
	return n.name
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// AddNode adds the named node if it does not exist yet and applies attrs
// to it. It returns the node either way.
func (g *Graph) AddNode(name string, attrs ...encoding.Attribute) (*Node, error) {
	n, ok := g.byName[name]
	if !ok {
		n = &Node{Node: g.DirectedGraph.NewNode(), name: name}
		g.DirectedGraph.AddNode(n)
		g.byName[name] = n
	}
	for _, attr := range attrs {
		if err := n.SetAttribute(attr); err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
	}
	return n, nil
}

// NodeByName returns the named node, or nil.
func (g *Graph) NodeByName(name string) *Node {
	return g.byName[name]
}

// AddEdge connects two existing nodes with a labelled edge.
func (g *Graph) AddEdge(from, to, label string) error {
	f, ok := g.byName[from]
	if !ok {
		return fmt.Errorf("node %q does not exist", from)
	}
	t, ok := g.byName[to]
	if !ok {
		return fmt.Errorf("node %q does not exist", to)
	}
	e := &Edge{F: f, T: t}
	if label != "" {
		if err := e.SetAttribute(encoding.Attribute{Key: "label", Value: label}); err != nil {
			return err
		}
	}
	g.SetEdge(e)
	return nil
}

// HasEdgeBetween reports whether there is an edge from one named node to another.
func (g *Graph) HasEdgeBetween(from, to string) bool {
	f, ok := g.byName[from]
	if !ok {
		return false
	}
	t, ok := g.byName[to]
	if !ok {
		return false
	}
	return g.HasEdgeFromTo(f.ID(), t.ID())
}

// EdgeLabel returns the label of the edge between two named nodes.
func (g *Graph) EdgeLabel(from, to string) (string, bool) {
	f, t := g.byName[from], g.byName[to]
	if f == nil || t == nil {
		return "", false
	}
	e, ok := g.Edge(f.ID(), t.ID()).(*Edge)
	if !ok {
		return "", false
	}
	for _, attr := range e.Attributes() {
		if attr.Key == "label" {
			return attr.Value, true
		}
	}
	return "", false
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g.DirectedGraph, name, "", "\t")
	if err != nil {
		return "", fmt.Errorf("failed to export graph to DOT format: %w", err)
	}
	return string(data), nil
}

// Edge is a directed edge carrying DOT attributes.
type Edge struct {
	F, T  graph.Node
	attrs encoding.Attributes
}

func (e *Edge) From() graph.Node { return e.F }
func (e *Edge) To() graph.Node   { return e.T }

func (e *Edge) ReversedEdge() graph.Edge {
	return &Edge{F: e.T, T: e.F, attrs: e.attrs}
}

func (e *Edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *Edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
