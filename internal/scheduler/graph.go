// Package scheduler implements the bounded-parallel task-graph
// executor of §4.1: a BuildGraph of BuildTasks, each depending on zero
// or more others, executed with at most max_parallel tasks running
// concurrently and the whole run cancelled on the first failure.
//
// The graph and worker-pool shape mirror distri's internal/batch
// scheduler (gonum for the DAG, one goroutine per worker pulling from
// a work channel, a single goroutine owning the "what's ready now"
// bookkeeping), generalized from distri's fixed build-packages
// behavior to arbitrary named tasks.
package scheduler

import (
	"sync"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/octobuild/octobuild"
)

// BuildTask is one node of a BuildGraph.
type BuildTask struct {
	ID    int64
	Title string
	Run   func() error
}

func (t *BuildTask) node() graph.Node { return taskNode{t.ID} }

type taskNode struct{ id int64 }

func (n taskNode) ID() int64 { return n.id }

// BuildGraph is a set of BuildTasks and the "depends on" edges between
// them. An edge from A to B means A depends on B: B must complete
// before A may start.
type BuildGraph struct {
	mu    sync.Mutex
	g     *simple.DirectedGraph
	tasks map[int64]*BuildTask
}

// NewBuildGraph returns an empty graph.
func NewBuildGraph() *BuildGraph {
	return &BuildGraph{
		g:     simple.NewDirectedGraph(),
		tasks: make(map[int64]*BuildTask),
	}
}

// AddTask registers a task. IDs must be unique.
func (b *BuildGraph) AddTask(task *BuildTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[task.ID]; ok {
		return xerrors.Errorf("task id %d already registered", task.ID)
	}
	b.tasks[task.ID] = task
	b.g.AddNode(task.node())
	return nil
}

// AddDependency records that task dependsOn must finish before task.
func (b *BuildGraph) AddDependency(task, dependsOn int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[task]; !ok {
		return xerrors.Errorf("unknown task id %d", task)
	}
	if _, ok := b.tasks[dependsOn]; !ok {
		return xerrors.Errorf("unknown task id %d", dependsOn)
	}
	b.g.SetEdge(b.g.NewEdge(taskNode{task}, taskNode{dependsOn}))
	return nil
}

// Validate reports octobuild.ErrGraphCycle if the graph is not a DAG.
func (b *BuildGraph) Validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := topo.Sort(b.g); err != nil {
		return xerrors.Errorf("%w: %v", octobuild.ErrGraphCycle, err)
	}
	return nil
}

func (b *BuildGraph) len() int {
	return b.g.Nodes().Len()
}

// roots returns tasks with no outstanding dependencies, i.e. nodes
// with no outgoing edges.
func (b *BuildGraph) roots() []*BuildTask {
	var out []*BuildTask
	nodes := b.g.Nodes()
	for nodes.Next() {
		n := nodes.Node()
		if b.g.From(n.ID()).Len() == 0 {
			out = append(out, b.tasks[n.ID()])
		}
	}
	return out
}

// dependents returns the tasks whose edges point at id (tasks that
// depend on id).
func (b *BuildGraph) dependents(id int64) []*BuildTask {
	var out []*BuildTask
	to := b.g.To(id)
	for to.Next() {
		out = append(out, b.tasks[to.Node().ID()])
	}
	return out
}

// ready reports whether every dependency of id has finished
// successfully, given the set of task IDs finished so far (mapped to
// their error, nil on success).
func (b *BuildGraph) ready(id int64, finished map[int64]error) bool {
	from := b.g.From(id)
	for from.Next() {
		err, ok := finished[from.Node().ID()]
		if !ok || err != nil {
			return false
		}
	}
	return true
}
