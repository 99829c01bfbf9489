package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakeflow/jake/internal/model"
	"github.com/jakeflow/jake/internal/resolver"
)

func node(id int, name string, edges ...int) *resolver.Node {
	return &resolver.Node{ID: id, Recipe: &model.Recipe{QualifiedName: name}, Edges: edges}
}

func TestRunSerialOrdersByDependency(t *testing.T) {
	graph := &resolver.Graph{Nodes: []*resolver.Node{
		node(0, "a"),
		node(1, "b", 0),
		node(2, "c", 1),
	}}

	var ran []int
	exec := func(_ context.Context, n *resolver.Node) (bool, error) {
		ran = append(ran, n.ID)
		return false, nil
	}

	results, err := New(graph, exec).RunSerial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ran)
	for _, r := range results {
		assert.Equal(t, Success, r.State)
	}
}

func TestRunSerialFailurePropagatesToCancelled(t *testing.T) {
	graph := &resolver.Graph{Nodes: []*resolver.Node{
		node(0, "a"),
		node(1, "b", 0),
	}}

	exec := func(_ context.Context, n *resolver.Node) (bool, error) {
		if n.ID == 0 {
			return false, errors.New("boom")
		}
		return false, nil
	}

	results, err := New(graph, exec).RunSerial(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, Failed, results[0].State)
	assert.Equal(t, Cancelled, results[1].State)
	assert.True(t, Failed(results))
}

func TestRunSerialCacheSkip(t *testing.T) {
	graph := &resolver.Graph{Nodes: []*resolver.Node{node(0, "a")}}
	exec := func(_ context.Context, n *resolver.Node) (bool, error) { return true, nil }

	results, err := New(graph, exec).RunSerial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CachedSkip, results[0].State)
}

func TestRunParallelRespectsDependencyOrder(t *testing.T) {
	graph := &resolver.Graph{Nodes: []*resolver.Node{
		node(0, "a"),
		node(1, "b"),
		node(2, "all", 0, 1),
	}}

	var mu sync.Mutex
	var finishOrder []int
	exec := func(_ context.Context, n *resolver.Node) (bool, error) {
		mu.Lock()
		finishOrder = append(finishOrder, n.ID)
		mu.Unlock()
		return false, nil
	}

	results, err := New(graph, exec).RunParallel(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 2, finishOrder[len(finishOrder)-1], "the sink must finish last")
	for _, r := range results {
		assert.Equal(t, Success, r.State)
	}
}

func TestRunParallelBoundsConcurrency(t *testing.T) {
	graph := &resolver.Graph{Nodes: []*resolver.Node{node(0, "a"), node(1, "b"), node(2, "c")}}

	var current, max int32
	exec := func(_ context.Context, n *resolver.Node) (bool, error) {
		c := atomic.AddInt32(&current, 1)
		defer atomic.AddInt32(&current, -1)
		for {
			m := atomic.LoadInt32(&max)
			if c <= m || atomic.CompareAndSwapInt32(&max, m, c) {
				break
			}
		}
		return false, nil
	}

	_, err := New(graph, exec).RunParallel(context.Background(), 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&max), int32(1))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "cached", CachedSkip.String())
	assert.Equal(t, "unknown", State(99).String())
}
