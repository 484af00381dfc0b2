package xg

import (
	"hash/fnv"

	"github.com/octobuild/octobuild/internal/scheduler"
	"golang.org/x/xerrors"
)

// titleID derives a stable int64 node ID from a task title so the
// scheduler's int64-keyed BuildGraph can be built from string-titled
// XG nodes without a separate registry.
func titleID(title string) int64 {
	h := fnv.New64a()
	h.Write([]byte(title))
	return int64(h.Sum64())
}

// ToBuildGraph converts a parsed Graph into a scheduler.BuildGraph,
// wiring each node's Run function through run. DependsOn titles that
// do not resolve to a known node are rejected rather than silently
// dropped, since a dangling dependency would otherwise make that node
// permanently unready.
func (g *Graph) ToBuildGraph(run func(n *Node) error) (*scheduler.BuildGraph, error) {
	bg := scheduler.NewBuildGraph()
	for _, n := range g.Ordered() {
		n := n
		if err := bg.AddTask(&scheduler.BuildTask{
			ID:    titleID(n.Title),
			Title: n.Title,
			Run:   func() error { return run(n) },
		}); err != nil {
			return nil, err
		}
	}
	for _, n := range g.Ordered() {
		for _, dep := range n.DependsOn {
			depNode, ok := g.Nodes[dep]
			if !ok {
				return nil, xerrors.Errorf("task %q depends on unknown task %q", n.Title, dep)
			}
			if err := bg.AddDependency(titleID(n.Title), titleID(depNode.Title)); err != nil {
				return nil, err
			}
		}
	}
	return bg, nil
}
