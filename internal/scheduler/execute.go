package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ProgressFunc receives the full set of worker-slot statuses
// (slot 0 is the scheduler-wide summary line) each time it changes.
// Implementations must return quickly; ExecuteGraph calls it
// synchronously from the scheduling goroutine.
type ProgressFunc func(lines []string)

type buildResult struct {
	task *BuildTask
	err  error
}

// ExecuteGraph runs every task in g, at most maxParallel at a time,
// starting from tasks with no pending dependencies and releasing
// dependents as their dependencies complete. The whole run is
// cancelled as soon as any task returns an error; ExecuteGraph then
// returns that error once every in-flight task has wound down.
//
// onProgress may be nil. When non-nil, it receives a completion line
// for each node the scheduler records as finished, whether or not
// stdout is a terminal. When stdout is a terminal it is also called on
// a throttled cadence with human-readable status lines, one per worker
// slot plus a leading summary line -- mirroring distri's batch
// scheduler's in-place status display.
func ExecuteGraph(ctx context.Context, g *BuildGraph, maxParallel int, onProgress ProgressFunc) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if maxParallel < 1 {
		maxParallel = 1
	}

	numTasks := g.len()
	if numTasks == 0 {
		return nil
	}

	p := &printer{onProgress: onProgress, terminal: isatty.IsTerminal(os.Stdout.Fd())}
	p.init(maxParallel)

	work := make(chan *BuildTask, numTasks)
	done := make(chan buildResult)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(runCtx)

	for slot := 1; slot <= maxParallel; slot++ {
		slot := slot
		eg.Go(func() error {
			for task := range work {
				if err := egCtx.Err(); err != nil {
					return err
				}
				p.update(slot, "running "+task.Title)
				err := task.Run()
				select {
				case done <- buildResult{task: task, err: err}:
				case <-egCtx.Done():
					return egCtx.Err()
				}
				p.update(slot, "idle")
			}
			return nil
		})
	}

	for _, t := range g.roots() {
		work <- t
	}

	var firstErr error
	var mu sync.Mutex
	go func() {
		defer close(work)
		finished := make(map[int64]error)
		succeeded, failed := 0, 0
		for len(finished) < numTasks {
			select {
			case r := <-done:
				finished[r.task.ID] = r.err
				newlyFinished := []int64{r.task.ID}
				if r.err == nil {
					succeeded++
					for _, dep := range g.dependents(r.task.ID) {
						if _, already := finished[dep.ID]; already {
							continue
						}
						if g.ready(dep.ID, finished) {
							select {
							case work <- dep:
							case <-egCtx.Done():
								return
							}
						}
					}
				} else {
					failed++
					mu.Lock()
					if firstErr == nil {
						firstErr = xerrors.Errorf("task %q: %w", r.task.Title, r.err)
					}
					mu.Unlock()
					cancel()
					unreachable := markUnreachable(g, r.task.ID, finished)
					failed += len(unreachable)
					newlyFinished = append(newlyFinished, unreachable...)
				}
				// One on_progress call per node that just finished,
				// including dependents marked unreachable in this
				// same step -- they never ran, but they are done.
				for range newlyFinished {
					p.notify(fmt.Sprintf("%d/%d done, %d failed", len(finished), numTasks, failed))
				}
			case <-egCtx.Done():
				return
			}
		}
	}()

	if err := eg.Wait(); err != nil && firstErr == nil {
		mu.Lock()
		firstErr = err
		mu.Unlock()
	}
	return firstErr
}

// markUnreachable marks every transitive dependent of a failed task as
// failed too, so the scheduling goroutine's completion count reaches
// numTasks even though those tasks never ran, and returns their IDs so
// the caller can notify once per node.
func markUnreachable(g *BuildGraph, failedID int64, finished map[int64]error) []int64 {
	var marked []int64
	for _, dep := range g.dependents(failedID) {
		if _, ok := finished[dep.ID]; ok {
			continue
		}
		finished[dep.ID] = xerrors.Errorf("dependency %d failed", failedID)
		marked = append(marked, dep.ID)
		marked = append(marked, markUnreachable(g, dep.ID, finished)...)
	}
	return marked
}

type printer struct {
	onProgress ProgressFunc
	terminal   bool

	mu        sync.Mutex
	lines     []string
	lastPrint time.Time
}

func (p *printer) init(slots int) {
	p.lines = make([]string, slots+1)
	p.lines[0] = "starting"
	for i := 1; i <= slots; i++ {
		p.lines[i] = "idle"
	}
}

// update refreshes a worker slot's decorative status text ("running
// ...", "idle"). It is purely a terminal status-line concern, gated
// on isatty and throttled, and carries no completion-counting
// guarantee -- that guarantee belongs to notify.
func (p *printer) update(slot int, text string) {
	if p.onProgress == nil || !p.terminal {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines[slot] = text
	if time.Since(p.lastPrint) < 100*time.Millisecond && slot != 0 {
		return
	}
	p.lastPrint = time.Now()
	snapshot := make([]string, len(p.lines))
	copy(snapshot, p.lines)
	p.onProgress(snapshot)
}

// notify reports one node's completion. Unlike update, this always
// calls onProgress regardless of whether stdout is a terminal: every
// scheduled node must produce exactly one on_progress call, including
// failures, not just the ones a human happens to be watching
// interactively.
func (p *printer) notify(text string) {
	if p.onProgress == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines[0] = text
	snapshot := make([]string, len(p.lines))
	copy(snapshot, p.lines)
	p.onProgress(snapshot)
}
