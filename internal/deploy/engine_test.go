package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/model"
	"github.com/weftlabs/weft/internal/netgen"
)

func driverRegistry(t *testing.T) *model.Registry {
	t.Helper()
	r := model.NewRegistry()
	require.NoError(t, r.Register(&model.Model{Name: "drv.A", Kind: model.KindLeaf}))
	require.NoError(t, r.Register(&model.Model{Name: "drv.B", Kind: model.KindLeaf}))
	return r
}

func newTestEngine(t *testing.T, r *model.Registry, inv []*Deployment, opts ...Option) (*Engine, *FakeProcessServer, *RecordingExecutor, *graph.Graph) {
	t.Helper()
	g := graph.New()
	srv := NewFakeProcessServer()
	exec := NewRecordingExecutor()
	opts = append([]Option{WithIDGenerator(graph.NewFixedGenerator("n"))}, opts...)
	return NewEngine(r, g, srv, exec, inv, opts...), srv, exec, g
}

func kinds(decs []Decision) []DecisionKind {
	out := make([]DecisionKind, len(decs))
	for i, d := range decs {
		out[i] = d.Kind
	}
	return out
}

func nodeByModel(t *testing.T, g *graph.Graph, m string) graph.NodeID {
	t.Helper()
	for _, id := range g.NodeIDs() {
		if g.Node(id).Model == m {
			return id
		}
	}
	t.Fatalf("no live node with model %s", m)
	return ""
}

func markSetUp(t *testing.T, n *graph.Node) {
	t.Helper()
	require.NoError(t, n.AdvanceSetup(graph.SettingUp))
	require.NoError(t, n.AdvanceSetup(graph.Setup))
}

func TestResolve_FreshSpawn(t *testing.T) {
	r := driverRegistry(t)
	inv := []*Deployment{
		{Name: "d1", Host: "h1", Activities: map[string]string{"a": "drv.A"}},
		{Name: "d2", Host: "h1", Activities: map[string]string{"b": "drv.B"}},
	}
	eng, srv, exec, g := newTestEngine(t, r, inv)

	decs, err := eng.Resolve(context.Background(), []netgen.Requirement{{Name: "a", Model: "drv.A"}})
	require.NoError(t, err)
	require.Equal(t, []DecisionKind{DecisionSpawn}, kinds(decs))
	assert.Equal(t, Slot{Deployment: "d1", Activity: "a"}, decs[0].Slot)

	assert.Equal(t, []string{"d1"}, srv.Running(), "only the hosting deployment is started")
	assert.Len(t, exec.Setups, 1)
	assert.Equal(t, 1, g.Len())
	n := g.Node(decs[0].Node)
	require.NotNil(t, n)
	assert.Equal(t, &graph.DeployedOn{Deployment: "d1", Activity: "a"}, n.Deployed)
}

func TestResolve_ReuseInPlace(t *testing.T) {
	r := driverRegistry(t)
	inv := []*Deployment{{Name: "d1", Host: "h1", Activities: map[string]string{"a": "drv.A"}}}
	eng, srv, exec, g := newTestEngine(t, r, inv)
	ctx := context.Background()
	reqs := []netgen.Requirement{{Name: "a", Model: "drv.A"}}

	_, err := eng.Resolve(ctx, reqs)
	require.NoError(t, err)
	live := nodeByModel(t, g, "drv.A")
	markSetUp(t, g.Node(live))

	decs, err := eng.Resolve(ctx, reqs)
	require.NoError(t, err)
	require.Equal(t, []DecisionKind{DecisionReuse}, kinds(decs))
	assert.Equal(t, live, decs[0].Node)

	// Zero disruption: same node, nothing new spawned or scheduled.
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, []string{"d1"}, srv.Running())
	assert.Len(t, exec.Setups, 1, "no second setup")
	assert.Empty(t, exec.Stops)

	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	assert.Empty(t, tx.Precedences(), "reuse adds no precedence edge")
}

func TestResolve_SupersededDeploymentKilled(t *testing.T) {
	r := driverRegistry(t)
	inv := []*Deployment{
		{Name: "d1", Host: "h1", Activities: map[string]string{"a": "drv.A"}},
		{Name: "d2", Host: "h2", Activities: map[string]string{"b": "drv.B"}},
	}
	eng, srv, _, g := newTestEngine(t, r, inv)
	ctx := context.Background()

	_, err := eng.Resolve(ctx, []netgen.Requirement{
		{Name: "a", Model: "drv.A"},
		{Name: "b", Model: "drv.B"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"d1", "d2"}, srv.Running())

	decs, err := eng.Resolve(ctx, []netgen.Requirement{{Name: "a", Model: "drv.A"}})
	require.NoError(t, err)
	require.Equal(t, []DecisionKind{DecisionReuse, DecisionKill}, kinds(decs))
	assert.Equal(t, "d2", decs[1].Slot.Deployment)
	assert.Empty(t, decs[1].Node, "the whole process goes, not one activity")

	assert.Equal(t, []string{"d1"}, srv.Running())
	assert.Equal(t, 1, g.Len(), "the dropped requirement's node is collected")
}

func TestComputeDeployedNetwork_AmbiguousSlots(t *testing.T) {
	r := driverRegistry(t)
	inv := []*Deployment{
		{Name: "d1", Host: "h1", Activities: map[string]string{"a": "drv.A"}},
		{Name: "d3", Host: "h2", Group: "spare", Activities: map[string]string{"a": "drv.A"}},
	}

	t.Run("tie fails", func(t *testing.T) {
		eng, _, _, g := newTestEngine(t, r, inv)
		_, err := eng.Resolve(context.Background(), []netgen.Requirement{{Name: "a", Model: "drv.A"}})
		require.Error(t, err)
		require.True(t, IsAmbiguousDeployment(err))
		var ae *AmbiguousDeploymentError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, []string{"d1/a", "d3/a"}, ae.Candidates)
		assert.Equal(t, 0, g.Len(), "failed resolution leaves no partial graph")
	})

	t.Run("hint disambiguates", func(t *testing.T) {
		eng, srv, _, _ := newTestEngine(t, r, inv)
		_, err := eng.Resolve(context.Background(), []netgen.Requirement{
			{Name: "a", Model: "drv.A", DeploymentHints: []string{"spare"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"d3"}, srv.Running())
	})
}

func TestComputeDeployedNetwork_NoSlot(t *testing.T) {
	r := driverRegistry(t)
	eng, _, _, _ := newTestEngine(t, r, nil)
	_, err := eng.Resolve(context.Background(), []netgen.Requirement{{Name: "a", Model: "drv.A"}})
	require.Error(t, err)
	require.True(t, IsAllocationFailed(err))
	var fe *AllocationFailedError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Nodes[0], "drv.A")
}

func TestReconcile_DuplicateProcessIdentity(t *testing.T) {
	r := driverRegistry(t)
	inv := []*Deployment{{Name: "d1", Host: "h1", Activities: map[string]string{"a": "drv.A"}}}
	eng, _, _, g := newTestEngine(t, r, inv)

	seed, err := g.Begin()
	require.NoError(t, err)
	on := &graph.DeployedOn{Deployment: "d1", Activity: "a"}
	for _, id := range []string{"x1", "x2"} {
		n := &graph.Node{ID: graph.NodeID(id), Model: "drv.A", Reusable: true,
			Args: map[string]string{"which": id}, Deployed: &graph.DeployedOn{}}
		*n.Deployed = *on
		require.NoError(t, seed.AddNode(n))
		seed.MarkRoot(n.ID)
	}
	_, err = seed.Commit()
	require.NoError(t, err)

	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	err = eng.Reconcile(tx, nil)
	require.Error(t, err)
	assert.True(t, IsInternal(err))
}

func rigRegistry(t *testing.T) *model.Registry {
	t.Helper()
	r := model.NewRegistry()
	require.NoError(t, r.Register(&model.Model{Name: "srv.Ref", Kind: model.KindService,
		Ports: []model.Port{{Name: "out", Direction: model.Output, DataType: "frame"}}}))
	for _, name := range []string{"ref.A", "ref.B"} {
		require.NoError(t, r.Register(&model.Model{Name: name, Kind: model.KindLeaf, Provides: []string{"srv.Ref"},
			Ports: []model.Port{{Name: "out", Direction: model.Output, DataType: "frame"}}}))
	}
	require.NoError(t, r.Register(&model.Model{Name: "imu.Driver", Kind: model.KindLeaf,
		Ports: []model.Port{{Name: "ref", Direction: model.Input, DataType: "frame", Static: true}}}))
	require.NoError(t, r.RegisterComposition(&model.Composition{
		Model: &model.Model{Name: "Rig", Kind: model.KindComposition},
		Children: map[string]model.ChildConstraint{
			"src": {Allowed: []string{"srv.Ref"}},
			"imu": {Allowed: []string{"imu.Driver"}},
		},
		Connections: []model.ConnectionRule{{FromRole: "src", ToRole: "imu"}},
	}))
	return r
}

// A static input port change on a live, set-up node forces a sequenced
// replacement: the fresh node is ordered after the live one's stop
// event and the live one lingers as finishing.
func TestResolve_StaticPortChangeReplaces(t *testing.T) {
	r := rigRegistry(t)
	inv := []*Deployment{{Name: "d1", Host: "h1",
		Activities: map[string]string{"imu": "imu.Driver", "src": "srv.Ref"}}}
	eng, _, exec, g := newTestEngine(t, r, inv)
	ctx := context.Background()

	_, err := eng.Resolve(ctx, []netgen.Requirement{
		{Name: "rig", Model: "Rig", Selections: map[string]string{"src": "ref.A"}},
	})
	require.NoError(t, err)
	oldImu := nodeByModel(t, g, "imu.Driver")
	oldSrc := nodeByModel(t, g, "ref.A")
	markSetUp(t, g.Node(oldImu))

	decs, err := eng.Resolve(ctx, []netgen.Requirement{
		{Name: "rig", Model: "Rig", Selections: map[string]string{"src": "ref.B"}},
	})
	require.NoError(t, err)
	require.Equal(t, []DecisionKind{DecisionReplace, DecisionKill, DecisionReplace, DecisionKill}, kinds(decs))

	// The source is replaced first (it feeds the imu), then the imu
	// whose static input now needs a different source.
	assert.Equal(t, oldSrc, decs[1].Node)
	assert.Equal(t, oldImu, decs[3].Node)
	assert.Equal(t, []graph.NodeID{oldSrc, oldImu}, exec.Stops)

	// The set-up live node survives as finishing; the never-configured
	// old source is collected outright.
	require.NotNil(t, g.Node(oldImu))
	assert.Equal(t, graph.Setup, g.Node(oldImu).Setup)
	assert.Nil(t, g.Node(oldSrc))

	newImu := decs[2].Node
	require.NotNil(t, g.Node(newImu))
	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	assert.Contains(t, tx.Precedences(), graph.PrecedenceEdge{AfterStopOf: oldImu, Node: newImu})

	// The replacement is wired to the new source.
	in := tx.Incoming(newImu, "ref")
	require.Len(t, in, 1)
	assert.Equal(t, "ref.B", tx.Node(in[0].From).Model)
}

func TestResolve_DumpModeOnFailure(t *testing.T) {
	r := driverRegistry(t)
	dumped := false
	eng, _, _, g := newTestEngine(t, r, nil,
		WithCommitMode(ModeDump),
		WithDumpFunc(func(tx *graph.Tx) error { dumped = true; return nil }))

	_, err := eng.Resolve(context.Background(), []netgen.Requirement{{Name: "x", Model: "no.Such"}})
	require.Error(t, err)
	assert.True(t, dumped, "dump mode writes the diagnostics before discarding")
	assert.Equal(t, 0, g.Len())
}
