package netgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/model"
)

// trackRegistry builds the fixture used across the generator tests: a
// tracking composition wiring a pose source and a camera into a
// tracker, with an optional logger child.
func trackRegistry(t *testing.T) *model.Registry {
	t.Helper()
	r := model.NewRegistry()
	for _, m := range []*model.Model{
		{Name: "srv.Pose", Kind: model.KindService,
			Ports: []model.Port{{Name: "pose", Direction: model.Output, DataType: "pose"}}},
		{Name: "srv.Logger", Kind: model.KindService},
		{Name: "pose.Fused", Kind: model.KindLeaf, Version: "2.1.0", Provides: []string{"srv.Pose"},
			Ports: []model.Port{{Name: "pose", Direction: model.Output, DataType: "pose"}}},
		{Name: "cam.Driver", Kind: model.KindLeaf, Device: "camera",
			Ports: []model.Port{{Name: "frame", Direction: model.Output, DataType: "frame"}}},
		{Name: "proc.Tracker", Kind: model.KindLeaf,
			Ports: []model.Port{
				{Name: "pose", Direction: model.Input, DataType: "pose", Static: true},
				{Name: "frame", Direction: model.Input, DataType: "frame"},
				{Name: "track", Direction: model.Output, DataType: "track"},
			}},
	} {
		require.NoError(t, r.Register(m))
	}
	require.NoError(t, r.RegisterComposition(&model.Composition{
		Model: &model.Model{Name: "Track", Kind: model.KindComposition},
		Children: map[string]model.ChildConstraint{
			"pose":    {Allowed: []string{"srv.Pose"}},
			"camera":  {Allowed: []string{"cam.Driver"}},
			"tracker": {Allowed: []string{"proc.Tracker"}},
			"logger":  {Allowed: []string{"srv.Logger"}, Optional: true},
		},
		Connections: []model.ConnectionRule{
			{FromRole: "pose", ToRole: "tracker"},   // auto: pose -> pose
			{FromRole: "camera", ToRole: "tracker"}, // auto: frame -> frame
		},
	}))
	return r
}

func genFixture(t *testing.T, r *model.Registry, hooks ...Hook) (*Generator, *graph.Tx) {
	t.Helper()
	g := graph.New()
	tx, err := g.Begin()
	require.NoError(t, err)
	t.Cleanup(tx.Discard)
	gen := NewGenerator(r, graph.NewFixedGenerator("n"))
	for _, h := range hooks {
		gen.RegisterHook(h)
	}
	return gen, tx
}

func trackRequirement(name string) Requirement {
	return Requirement{
		Name:       name,
		Model:      "Track",
		Selections: map[string]string{"pose": "pose.Fused"},
	}
}

func TestGenerate_CompositionNetwork(t *testing.T) {
	r := trackRegistry(t)
	gen, tx := genFixture(t, r, NewDeviceHook(r, map[string][]string{"camera": {"cam0"}}))

	roots, err := gen.Generate(tx, []Requirement{trackRequirement("track")})
	require.NoError(t, err)
	require.Len(t, roots, 1)

	root := tx.Node(roots[0])
	require.NotNil(t, root)
	assert.Equal(t, "Track", root.Model)

	// All three required roles are bound, the optional logger is gone.
	poseID, ok := tx.Child(root.ID, "pose")
	require.True(t, ok)
	camID, ok := tx.Child(root.ID, "camera")
	require.True(t, ok)
	trkID, ok := tx.Child(root.ID, "tracker")
	require.True(t, ok)
	_, ok = tx.Child(root.ID, "logger")
	assert.False(t, ok, "unresolved optional child must be dropped")

	assert.Equal(t, "pose.Fused", tx.Node(poseID).Model)
	assert.Equal(t, "cam0", tx.Node(camID).Device, "device hook must attach the camera")

	// Automatic connections matched by port type.
	in := tx.Incoming(trkID, "pose")
	require.Len(t, in, 1)
	assert.Equal(t, poseID, in[0].From)
	in = tx.Incoming(trkID, "frame")
	require.Len(t, in, 1)
	assert.Equal(t, camID, in[0].From)

	// No abstract node remains.
	for _, id := range tx.NodeIDs() {
		assert.False(t, tx.Node(id).Abstract, "node %s", id)
	}
}

func TestGenerate_IdenticalRequirementsShareNodes(t *testing.T) {
	r := trackRegistry(t)
	gen, tx := genFixture(t, r, NewDeviceHook(r, map[string][]string{"camera": {"cam0", "cam1"}}))

	roots, err := gen.Generate(tx, []Requirement{trackRequirement("a"), trackRequirement("b")})
	require.NoError(t, err)
	require.Len(t, roots, 2)

	assert.Equal(t, roots[0], roots[1], "identical requirements resolve to one node")
	assert.Equal(t, 4, tx.Len(), "one composition plus three children")
}

func TestGenerate_AbstractNodeFailsAllocation(t *testing.T) {
	r := trackRegistry(t)
	gen, tx := genFixture(t, r, NewDeviceHook(r, map[string][]string{"camera": {"cam0"}}))

	// No pose selection: the role falls back to its service placeholder,
	// which stays abstract and is not optional.
	_, err := gen.Generate(tx, []Requirement{{Name: "t", Model: "Track"}})
	require.Error(t, err)
	require.True(t, IsTaskAllocationFailed(err))
	var tae *TaskAllocationFailedError
	require.ErrorAs(t, err, &tae)
	require.Len(t, tae.Nodes, 1)
	assert.Contains(t, tae.Nodes[0], "srv.Pose", "the offender must be listed with its model")
}

func TestGenerate_MissingDeviceFails(t *testing.T) {
	r := trackRegistry(t)
	gen, tx := genFixture(t, r) // no device hook

	_, err := gen.Generate(tx, []Requirement{trackRequirement("t")})
	require.Error(t, err)
	assert.True(t, IsDeviceAllocationFailed(err))
}

func TestValidate_ConflictingDeviceAllocation(t *testing.T) {
	r := trackRegistry(t)
	gen, tx := genFixture(t, r)

	for _, id := range []string{"c1", "c2"} {
		n := &graph.Node{ID: graph.NodeID(id), Model: "cam.Driver", Reusable: true, Device: "cam0"}
		// Distinct args keep the merge solver from collapsing them.
		n.Args = map[string]string{"side": id}
		require.NoError(t, tx.AddNode(n))
		tx.MarkRoot(n.ID)
	}

	err := gen.Validate(tx)
	require.Error(t, err)
	require.True(t, IsConflictingDeviceAllocation(err))
	var cde *ConflictingDeviceAllocationError
	require.ErrorAs(t, err, &cde)
	assert.Equal(t, []string{"c1", "c2"}, cde.Conflicts["cam0"])
}

func TestValidate_MultiSourceInputIsSpecError(t *testing.T) {
	r := trackRegistry(t)
	gen, tx := genFixture(t, r)

	trk := &graph.Node{ID: "trk", Model: "proc.Tracker", Reusable: true}
	p1 := &graph.Node{ID: "p1", Model: "pose.Fused", Reusable: true, Args: map[string]string{"f": "1"}}
	p2 := &graph.Node{ID: "p2", Model: "pose.Fused", Reusable: true, Args: map[string]string{"f": "2"}}
	for _, n := range []*graph.Node{trk, p1, p2} {
		require.NoError(t, tx.AddNode(n))
		tx.MarkRoot(n.ID)
	}
	require.NoError(t, tx.Connect(graph.DataflowEdge{From: "p1", FromPort: "pose", To: "trk", ToPort: "pose"}))
	require.NoError(t, tx.Connect(graph.DataflowEdge{From: "p2", FromPort: "pose", To: "trk", ToPort: "pose"}))

	err := gen.Validate(tx)
	require.Error(t, err)
	require.True(t, IsSpecError(err))
	var se *SpecError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Problems[0], "trk.pose")
}

func TestGenerate_VersionConstraint(t *testing.T) {
	r := trackRegistry(t)

	t.Run("satisfied", func(t *testing.T) {
		gen, tx := genFixture(t, r, NewDeviceHook(r, map[string][]string{"camera": {"cam0"}}))
		req := trackRequirement("t")
		req.Model = "pose.Fused"
		req.VersionConstraint = "^2.0"
		_, err := gen.Generate(tx, []Requirement{req})
		assert.NoError(t, err)
	})

	t.Run("unsatisfied", func(t *testing.T) {
		gen, tx := genFixture(t, r)
		req := trackRequirement("t")
		req.Model = "pose.Fused"
		req.VersionConstraint = ">=3.0.0"
		_, err := gen.Generate(tx, []Requirement{req})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not satisfy")
	})
}

func TestGenerate_GarbageCollectsUnreachable(t *testing.T) {
	r := trackRegistry(t)
	gen, tx := genFixture(t, r, NewDeviceHook(r, map[string][]string{"camera": {"cam0"}}))

	orphan := &graph.Node{ID: "orphan", Model: "pose.Fused", Reusable: true}
	require.NoError(t, tx.AddNode(orphan))

	_, err := gen.Generate(tx, []Requirement{trackRequirement("t")})
	require.NoError(t, err)
	assert.Nil(t, tx.Node("orphan"), "unreachable subgraphs are silently collected")
}

func TestBusHook_SharesOneBusNode(t *testing.T) {
	r := model.NewRegistry()
	require.NoError(t, r.Register(&model.Model{
		Name: "bus.CAN", Kind: model.KindLeaf,
		Ports: []model.Port{
			{Name: "rx", Direction: model.Input, DataType: "canmsg", Multiplexing: true},
			{Name: "tx", Direction: model.Output, DataType: "canmsg"},
		},
	}))
	require.NoError(t, r.Register(&model.Model{
		Name: "motor.Driver", Kind: model.KindLeaf,
		Ports: []model.Port{
			{Name: "cmd_out", Direction: model.Output, DataType: "canmsg"},
			{Name: "status_in", Direction: model.Input, DataType: "canmsg"},
		},
	}))

	g := graph.New()
	tx, err := g.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	gen := NewGenerator(r, graph.NewFixedGenerator("n"))
	gen.RegisterHook(NewBusHook(r, graph.NewFixedGenerator("bus"), "bus.CAN"))

	_, err = gen.Generate(tx, []Requirement{
		{Name: "m1", Model: "motor.Driver", Args: map[string]string{"axis": "1"}},
		{Name: "m2", Model: "motor.Driver", Args: map[string]string{"axis": "2"}},
	})
	require.NoError(t, err)

	var buses []graph.NodeID
	for _, id := range tx.NodeIDs() {
		if tx.Node(id).Model == "bus.CAN" {
			buses = append(buses, id)
		}
	}
	require.Len(t, buses, 1, "both motors share one bus node")
	assert.Len(t, tx.Incoming(buses[0], "rx"), 2)
}
