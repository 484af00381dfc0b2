package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/octobuild/octobuild"
)

func TestExecuteGraphLinearChain(t *testing.T) {
	g := NewBuildGraph()
	var mu sync.Mutex
	var order []int64
	record := func(id int64) func() error {
		return func() error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}
	must(t, g.AddTask(&BuildTask{ID: 1, Title: "a", Run: record(1)}))
	must(t, g.AddTask(&BuildTask{ID: 2, Title: "b", Run: record(2)}))
	must(t, g.AddTask(&BuildTask{ID: 3, Title: "c", Run: record(3)}))
	// 1 depends on 2, 2 depends on 3: 3 must run first.
	must(t, g.AddDependency(1, 2))
	must(t, g.AddDependency(2, 3))

	if err := ExecuteGraph(context.Background(), g, 4, nil); err != nil {
		t.Fatal(err)
	}
	want := []int64{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestExecuteGraphRejectsCycle(t *testing.T) {
	g := NewBuildGraph()
	must(t, g.AddTask(&BuildTask{ID: 1, Title: "a", Run: func() error { return nil }}))
	must(t, g.AddTask(&BuildTask{ID: 2, Title: "b", Run: func() error { return nil }}))
	must(t, g.AddDependency(1, 2))
	must(t, g.AddDependency(2, 1))

	err := ExecuteGraph(context.Background(), g, 2, nil)
	if err == nil {
		t.Fatal("ExecuteGraph() = nil error, want cycle error")
	}
	if got := octobuild.ErrGraphCycle; !containsErr(err, got) {
		t.Fatalf("ExecuteGraph() err = %v, want wrapping ErrGraphCycle", err)
	}
}

func TestExecuteGraphCancelsOnFailure(t *testing.T) {
	g := NewBuildGraph()
	var ran int32
	var mu sync.Mutex
	incr := func() {
		mu.Lock()
		ran++
		mu.Unlock()
	}
	must(t, g.AddTask(&BuildTask{ID: 1, Title: "fails", Run: func() error {
		incr()
		return octobuild.ErrCacheInvalid
	}}))
	must(t, g.AddTask(&BuildTask{ID: 2, Title: "depends-on-1", Run: func() error {
		incr()
		return nil
	}}))
	must(t, g.AddDependency(2, 1))

	err := ExecuteGraph(context.Background(), g, 1, nil)
	if err == nil {
		t.Fatal("ExecuteGraph() = nil error, want the task-1 failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if ran != 1 {
		t.Fatalf("ran = %d, want 1 (dependent must not run after its dependency failed)", ran)
	}
}

func TestExecuteGraphCallsProgressOncePerNode(t *testing.T) {
	g := NewBuildGraph()
	must(t, g.AddTask(&BuildTask{ID: 1, Title: "a", Run: func() error { return nil }}))
	must(t, g.AddTask(&BuildTask{ID: 2, Title: "b", Run: func() error { return nil }}))
	must(t, g.AddTask(&BuildTask{ID: 3, Title: "c", Run: func() error { return nil }}))
	must(t, g.AddDependency(1, 2))

	var mu sync.Mutex
	calls := 0
	onProgress := func(lines []string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	if err := ExecuteGraph(context.Background(), g, 2, onProgress); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	// Exactly one on_progress call per node, independent of whether
	// stdout is a terminal (it never is under go test).
	if calls != 3 {
		t.Fatalf("onProgress called %d times, want 3 (one per node)", calls)
	}
}

func TestExecuteGraphCallsProgressForFailures(t *testing.T) {
	g := NewBuildGraph()
	must(t, g.AddTask(&BuildTask{ID: 1, Title: "fails", Run: func() error { return octobuild.ErrCacheInvalid }}))
	must(t, g.AddTask(&BuildTask{ID: 2, Title: "depends-on-1", Run: func() error { return nil }}))
	must(t, g.AddDependency(2, 1))

	var mu sync.Mutex
	calls := 0
	onProgress := func(lines []string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	if err := ExecuteGraph(context.Background(), g, 1, onProgress); err == nil {
		t.Fatal("ExecuteGraph() = nil error, want the task-1 failure")
	}

	mu.Lock()
	defer mu.Unlock()
	// Node 1 fails, node 2 is marked unreachable: both still count as
	// "finished" and each gets its own on_progress call.
	if calls != 2 {
		t.Fatalf("onProgress called %d times, want 2 (one per node, including the unreachable dependent)", calls)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func containsErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
