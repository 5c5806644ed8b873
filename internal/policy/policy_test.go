package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/model"
)

func TestFoldPolicy_Compatible(t *testing.T) {
	p1 := graph.Policy{Kind: graph.BufferRing, Size: 4}
	p2 := graph.Policy{Size: 16, Pull: true}

	out, err := FoldPolicy(p1, p2, "l")
	require.NoError(t, err)
	assert.Equal(t, graph.BufferRing, out.Kind, "unset kind adopts the other side")
	assert.Equal(t, 16, out.Size, "size folds to the max")
	assert.True(t, out.Pull, "pull folds with OR")
}

func TestFoldPolicy_KindConflict(t *testing.T) {
	_, err := FoldPolicy(graph.Policy{Kind: graph.BufferRing}, graph.Policy{Kind: graph.BufferFIFO}, "cam.out -> filt.in")
	require.Error(t, err)
	require.True(t, IsIncompatiblePolicy(err))
	assert.Contains(t, err.Error(), "cam.out -> filt.in", "the offending link must be identified")
}

func TestFoldPolicy_ThreeLinkOrderIndependence(t *testing.T) {
	chain := []graph.Policy{
		{Kind: graph.BufferRing, Size: 2},
		{Size: 8, Pull: true},
		{Kind: graph.BufferRing, Size: 4},
	}
	fold := func(order []int) (graph.Policy, error) {
		out := graph.Policy{}
		var err error
		for _, i := range order {
			out, err = FoldPolicy(out, chain[i], "l")
			if err != nil {
				return graph.Policy{}, err
			}
		}
		return out, nil
	}

	want, err := fold([]int{0, 1, 2})
	require.NoError(t, err)
	for _, order := range [][]int{{0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}} {
		got, err := fold(order)
		require.NoError(t, err)
		assert.Equal(t, want, got, "fold order %v must not change the effective policy", order)
	}
}

func TestFoldPolicy_IncompatibleChainFailsInAnyOrder(t *testing.T) {
	chain := []graph.Policy{
		{Kind: graph.BufferRing},
		{Size: 8},
		{Kind: graph.BufferFIFO},
	}
	for _, order := range [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}} {
		out := graph.Policy{}
		var err error
		for _, i := range order {
			out, err = FoldPolicy(out, chain[i], "l")
			if err != nil {
				break
			}
		}
		require.Error(t, err, "order %v", order)
		assert.True(t, IsIncompatiblePolicy(err))
	}
}

func policyRegistry(t *testing.T) *model.Registry {
	t.Helper()
	r := model.NewRegistry()
	require.NoError(t, r.Register(&model.Model{
		Name: "cam.Driver", Kind: model.KindLeaf, Period: 33 * time.Millisecond,
		Ports:    []model.Port{{Name: "frame", Direction: model.Output, DataType: "frame"}},
		Triggers: []model.Trigger{{Port: "frame", Kind: model.TriggerPeriodic}},
	}))
	require.NoError(t, r.Register(&model.Model{
		Name: "proc.Detector", Kind: model.KindLeaf,
		Ports: []model.Port{
			{Name: "in", Direction: model.Input, DataType: "frame"},
			{Name: "found", Direction: model.Output, DataType: "blob"},
		},
		Triggers: []model.Trigger{{
			Port: "found", Kind: model.TriggerDataDriven,
			Sources: []model.TriggerSource{
				{Port: "in", Samples: 2, Period: 50 * time.Millisecond},
				{Port: "in", Samples: 1, Period: 20 * time.Millisecond},
			},
		}},
	}))
	require.NoError(t, r.RegisterComposition(&model.Composition{
		Model:    &model.Model{Name: "Vision", Kind: model.KindComposition},
		Children: map[string]model.ChildConstraint{"camera": {Allowed: []string{"cam.Driver"}}},
		Exports: []model.Export{{
			Role: "camera", Port: "frame", As: "image",
			Policy: model.PolicyHint{BufferKind: "ring", Size: 4},
		}},
	}))
	return r
}

func TestPropagate_Rates(t *testing.T) {
	r := policyRegistry(t)
	g := graph.New()
	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, tx.AddNode(&graph.Node{ID: "cam", Model: "cam.Driver"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "det", Model: "proc.Detector"}))

	p := NewPropagator(r)
	rates, err := p.Propagate(tx)
	require.NoError(t, err)

	assert.Equal(t, Rate{Period: 33 * time.Millisecond, Burst: 1}, rates[PortKey{Node: "cam", Port: "frame"}])
	// Data-driven: bursts add, period is the minimum contribution.
	assert.Equal(t, Rate{Period: 20 * time.Millisecond, Burst: 3}, rates[PortKey{Node: "det", Port: "found"}])
}

func TestEffectivePolicy_FoldsAcrossExportChain(t *testing.T) {
	r := policyRegistry(t)
	g := graph.New()
	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, tx.AddNode(&graph.Node{ID: "vision", Model: "Vision"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "cam", Model: "cam.Driver"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "det", Model: "proc.Detector"}))
	require.NoError(t, tx.AddDependency("vision", "camera", "cam"))
	require.NoError(t, tx.Connect(graph.DataflowEdge{
		From: "vision", FromPort: "image", To: "det", ToPort: "in",
		Policy: graph.Policy{Size: 16, Pull: true},
	}))

	p := NewPropagator(r)
	pol, err := p.EffectivePolicy(tx, PortKey{Node: "cam", Port: "frame"}, PortKey{Node: "det", Port: "in"})
	require.NoError(t, err)
	assert.Equal(t, graph.Policy{Kind: graph.BufferRing, Size: 16, Pull: true}, pol,
		"export hint and edge policy must fold to a single effective policy")
}

func TestEffectivePolicy_CacheInvalidatedOnEdgeChange(t *testing.T) {
	r := policyRegistry(t)
	g := graph.New()
	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, tx.AddNode(&graph.Node{ID: "cam", Model: "cam.Driver"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "det", Model: "proc.Detector"}))
	require.NoError(t, tx.Connect(graph.DataflowEdge{
		From: "cam", FromPort: "frame", To: "det", ToPort: "in",
		Policy: graph.Policy{Size: 2},
	}))

	p := NewPropagator(r)
	src, dst := PortKey{Node: "cam", Port: "frame"}, PortKey{Node: "det", Port: "in"}
	pol, err := p.EffectivePolicy(tx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, pol.Size)

	tx.Disconnect("cam", "frame", "det", "in")
	require.NoError(t, tx.Connect(graph.DataflowEdge{
		From: "cam", FromPort: "frame", To: "det", ToPort: "in",
		Policy: graph.Policy{Size: 8},
	}))

	pol, err = p.EffectivePolicy(tx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, 8, pol.Size, "stale cache entry must be dropped after an edge change")
}

func TestEffectivePolicy_DiscardedStateNotReused(t *testing.T) {
	r := policyRegistry(t)
	g := graph.New()
	p := NewPropagator(r)
	src, dst := PortKey{Node: "cam", Port: "frame"}, PortKey{Node: "det", Port: "in"}

	tx, err := g.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.AddNode(&graph.Node{ID: "cam", Model: "cam.Driver"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "det", Model: "proc.Detector"}))
	require.NoError(t, tx.Connect(graph.DataflowEdge{
		From: "cam", FromPort: "frame", To: "det", ToPort: "in",
		Policy: graph.Policy{Kind: graph.BufferRing, Size: 4},
	}))
	pol, err := p.EffectivePolicy(tx, src, dst)
	require.NoError(t, err)
	require.Equal(t, graph.BufferRing, pol.Kind)
	tx.Discard()

	// Same nodes, same number of edge mutations, different policy: the
	// two transactions reach identical generation counters, so only the
	// transaction identity distinguishes their dataflow states.
	tx, err = g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, tx.AddNode(&graph.Node{ID: "cam", Model: "cam.Driver"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "det", Model: "proc.Detector"}))
	require.NoError(t, tx.Connect(graph.DataflowEdge{
		From: "cam", FromPort: "frame", To: "det", ToPort: "in",
		Policy: graph.Policy{Kind: graph.BufferFIFO, Size: 2},
	}))

	pol, err = p.EffectivePolicy(tx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, graph.Policy{Kind: graph.BufferFIFO, Size: 2}, pol,
		"a policy cached in a discarded transaction must not be served")
}

func TestEffectivePolicy_SealCarriesCacheAcrossCommit(t *testing.T) {
	r := policyRegistry(t)
	g := graph.New()
	p := NewPropagator(r)
	src, dst := PortKey{Node: "cam", Port: "frame"}, PortKey{Node: "det", Port: "in"}

	tx, err := g.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.AddNode(&graph.Node{ID: "cam", Model: "cam.Driver"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "det", Model: "proc.Detector"}))
	require.NoError(t, tx.Connect(graph.DataflowEdge{
		From: "cam", FromPort: "frame", To: "det", ToPort: "in",
		Policy: graph.Policy{Size: 2},
	}))
	_, err = p.EffectivePolicy(tx, src, dst)
	require.NoError(t, err)

	p.Seal(tx)
	_, err = tx.Commit()
	require.NoError(t, err)
	p.Remap(nil)

	tx2, err := g.Begin()
	require.NoError(t, err)
	defer tx2.Discard()

	// Poison the cached entry to prove the fresh transaction is served
	// from the carried cache rather than recomputing.
	p.cache[[2]PortKey{src, dst}] = graph.Policy{Size: 99}
	pol, err := p.EffectivePolicy(tx2, src, dst)
	require.NoError(t, err)
	assert.Equal(t, 99, pol.Size, "an unmutated transaction adopts the sealed cache")

	// The first edge mutation flushes the carried cache again.
	tx2.Disconnect("cam", "frame", "det", "in")
	require.NoError(t, tx2.Connect(graph.DataflowEdge{
		From: "cam", FromPort: "frame", To: "det", ToPort: "in",
		Policy: graph.Policy{Size: 8},
	}))
	pol, err = p.EffectivePolicy(tx2, src, dst)
	require.NoError(t, err)
	assert.Equal(t, 8, pol.Size)
}

func TestSeal_FlushesLaggingCache(t *testing.T) {
	r := policyRegistry(t)
	g := graph.New()
	p := NewPropagator(r)
	src, dst := PortKey{Node: "cam", Port: "frame"}, PortKey{Node: "det", Port: "in"}

	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, tx.AddNode(&graph.Node{ID: "cam", Model: "cam.Driver"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "det", Model: "proc.Detector"}))
	require.NoError(t, tx.Connect(graph.DataflowEdge{
		From: "cam", FromPort: "frame", To: "det", ToPort: "in",
		Policy: graph.Policy{Size: 2},
	}))
	_, err = p.EffectivePolicy(tx, src, dst)
	require.NoError(t, err)
	require.NotEmpty(t, p.cache)

	// Edges change after the last query; the cache lags the final state
	// and must not survive the commit.
	tx.Disconnect("cam", "frame", "det", "in")
	p.Seal(tx)
	assert.Empty(t, p.cache)
}

func TestEffectivePolicy_NoChain(t *testing.T) {
	r := policyRegistry(t)
	g := graph.New()
	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, tx.AddNode(&graph.Node{ID: "cam", Model: "cam.Driver"}))
	require.NoError(t, tx.AddNode(&graph.Node{ID: "det", Model: "proc.Detector"}))

	p := NewPropagator(r)
	_, err = p.EffectivePolicy(tx, PortKey{Node: "cam", Port: "frame"}, PortKey{Node: "det", Port: "in"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connection chain")
}
