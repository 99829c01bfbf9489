// Package scheduler executes a resolved dependency DAG, either serially
// in deterministic topological order or in parallel over a bounded
// worker pool, honouring cache skips and failure-propagation rules.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jakeflow/jake/internal/resolver"
)

// State is the lifecycle of one execution node.
type State int

const (
	Pending State = iota
	Ready
	Running
	Success
	CachedSkip
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Success:
		return "success"
	case CachedSkip:
		return "cached"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Exec is the single per-node callback the scheduler drives: it must
// run the node's hooks and body and return its outcome. A true skip
// return means the node was satisfied by the cache and its body did not
// run.
type Exec func(ctx context.Context, node *resolver.Node) (skip bool, err error)

// Result is the terminal state of one node after a run completes.
type Result struct {
	NodeID int
	State  State
	Err    error
}

// Scheduler runs a resolver.Graph against an Exec callback.
type Scheduler struct {
	graph *resolver.Graph
	exec  Exec

	mu      sync.Mutex
	state   map[int]State
	results map[int]*Result
}

// New constructs a Scheduler for graph, invoking exec for every node
// that needs to run.
func New(graph *resolver.Graph, exec Exec) *Scheduler {
	return &Scheduler{
		graph:   graph,
		exec:    exec,
		state:   make(map[int]State, len(graph.Nodes)),
		results: make(map[int]*Result, len(graph.Nodes)),
	}
}

// RunSerial executes the DAG in deterministic topological order,
// preserving source declaration order among independent siblings.
func (s *Scheduler) RunSerial(ctx context.Context) ([]*Result, error) {
	order, err := s.topoOrder()
	if err != nil {
		return nil, err
	}
	for _, id := range order {
		if ctx.Err() != nil {
			s.setState(id, Cancelled)
			continue
		}
		s.runNode(ctx, id)
	}
	return s.orderedResults(order), nil
}

// RunParallel executes the DAG with up to jobs concurrent workers. A
// node becomes runnable once every predecessor has reached Success or
// CachedSkip; workers pop any runnable node with no ordering guarantee
// among siblings.
func (s *Scheduler) RunParallel(ctx context.Context, jobs int64) ([]*Result, error) {
	order, err := s.topoOrder()
	if err != nil {
		return nil, err
	}
	if jobs <= 0 {
		jobs = 1
	}

	sem := semaphore.NewWeighted(jobs)
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu   sync.Mutex
		done = make(map[int]bool)
		cond = sync.NewCond(&mu)
	)

	predecessorsDone := func(id int) bool {
		for _, dep := range s.graph.Nodes[id].Edges {
			if !done[dep] {
				return false
			}
		}
		return true
	}

	var wg sync.WaitGroup
	for _, id := range order {
		id := id
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()

			mu.Lock()
			for !predecessorsDone(id) && gctx.Err() == nil {
				cond.Wait()
			}
			mu.Unlock()

			if gctx.Err() != nil {
				s.setState(id, Cancelled)
				mu.Lock()
				done[id] = true
				cond.Broadcast()
				mu.Unlock()
				return nil
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				s.setState(id, Cancelled)
				mu.Lock()
				done[id] = true
				cond.Broadcast()
				mu.Unlock()
				return nil
			}
			s.runNode(gctx, id)
			sem.Release(1)

			mu.Lock()
			done[id] = true
			cond.Broadcast()
			mu.Unlock()
			return nil
		})
	}
	wg.Wait()
	_ = g.Wait()

	return s.orderedResults(order), nil
}

func (s *Scheduler) runNode(ctx context.Context, id int) {
	node := s.graph.Nodes[id]

	for _, dep := range node.Edges {
		if st := s.getState(dep); st == Failed || st == Cancelled {
			s.setState(id, Cancelled)
			s.setResult(id, Cancelled, nil)
			return
		}
	}

	s.setState(id, Running)
	skip, err := s.exec(ctx, node)
	switch {
	case err != nil:
		s.setState(id, Failed)
		s.setResult(id, Failed, err)
	case skip:
		s.setState(id, CachedSkip)
		s.setResult(id, CachedSkip, nil)
	default:
		s.setState(id, Success)
		s.setResult(id, Success, nil)
	}
}

func (s *Scheduler) setState(id int, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[id] = st
}

func (s *Scheduler) getState(id int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[id]
}

func (s *Scheduler) setResult(id int, st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = &Result{NodeID: id, State: st, Err: err}
}

func (s *Scheduler) orderedResults(order []int) []*Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Result, 0, len(order))
	for _, id := range order {
		if r, ok := s.results[id]; ok {
			out = append(out, r)
		} else {
			out = append(out, &Result{NodeID: id, State: s.state[id]})
		}
	}
	return out
}

// topoOrder returns node IDs in dependency-respecting order (every
// node's predecessors appear earlier), preserving declaration order
// among independent siblings by visiting graph.Nodes in index order.
func (s *Scheduler) topoOrder() ([]int, error) {
	visited := make([]bool, len(s.graph.Nodes))
	var order []int

	var visit func(id int)
	visit = func(id int) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range s.graph.Nodes[id].Edges {
			visit(dep)
		}
		order = append(order, id)
	}

	for id := range s.graph.Nodes {
		visit(id)
	}
	return order, nil
}

// Failed reports whether any result in results represents a node that
// failed without being demoted by `@ignore`/`-`.
func Failed(results []*Result) bool {
	for _, r := range results {
		if r.State == Failed {
			return true
		}
	}
	return false
}
