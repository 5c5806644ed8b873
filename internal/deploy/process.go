package deploy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weftlabs/weft/internal/graph"
)

// ProcessHandle identifies a started deployment process.
type ProcessHandle string

// ProcessServer is the collaborator that spawns and kills deployment
// processes. Spawns happen strictly after commit; a discarded
// resolution never reaches the server.
type ProcessServer interface {
	// Start spawns the deployment on its host and returns a handle.
	Start(ctx context.Context, dep *Deployment) (ProcessHandle, error)
	// Kill stops the process behind the handle.
	Kill(ctx context.Context, h ProcessHandle) error
	// LiveActivities enumerates the running activities per deployment
	// name.
	LiveActivities(ctx context.Context) (map[string][]string, error)
}

// Executor schedules deferred setup and stop work for component nodes.
// The engine never blocks on it; reuse eligibility is decided from the
// node's setup state, and ordering is expressed through precedence
// edges.
type Executor interface {
	ScheduleSetup(ctx context.Context, id graph.NodeID) error
	ScheduleStop(ctx context.Context, id graph.NodeID) error
}

// FakeProcessServer is an in-memory ProcessServer for tests and dry
// runs. Safe for concurrent use.
type FakeProcessServer struct {
	mu      sync.Mutex
	next    int
	started map[ProcessHandle]*Deployment
	killed  []ProcessHandle
}

// NewFakeProcessServer creates an empty fake server.
func NewFakeProcessServer() *FakeProcessServer {
	return &FakeProcessServer{started: make(map[ProcessHandle]*Deployment)}
}

// Start records the deployment and returns a sequential handle.
func (s *FakeProcessServer) Start(_ context.Context, dep *Deployment) (ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := ProcessHandle(fmt.Sprintf("proc-%d", s.next))
	s.started[h] = dep
	return h, nil
}

// Kill records the handle. Killing an unknown handle is an error.
func (s *FakeProcessServer) Kill(_ context.Context, h ProcessHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.started[h]; !ok {
		return fmt.Errorf("unknown process handle %s", h)
	}
	delete(s.started, h)
	s.killed = append(s.killed, h)
	return nil
}

// LiveActivities lists the activities of every started, unkilled
// deployment.
func (s *FakeProcessServer) LiveActivities(_ context.Context) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.started))
	for _, dep := range s.started {
		out[dep.Name] = dep.ActivityNames()
	}
	return out, nil
}

// Running returns the names of the deployments currently started,
// sorted.
func (s *FakeProcessServer) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.started))
	for _, dep := range s.started {
		names = append(names, dep.Name)
	}
	sort.Strings(names)
	return names
}

// Killed returns the handles killed so far, in order.
func (s *FakeProcessServer) Killed() []ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProcessHandle(nil), s.killed...)
}

// RecordingExecutor is an in-memory Executor that only records what
// was scheduled.
type RecordingExecutor struct {
	mu      sync.Mutex
	Setups  []graph.NodeID
	Stops   []graph.NodeID
}

// NewRecordingExecutor creates an empty recording executor.
func NewRecordingExecutor() *RecordingExecutor { return &RecordingExecutor{} }

// ScheduleSetup records the node.
func (e *RecordingExecutor) ScheduleSetup(_ context.Context, id graph.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Setups = append(e.Setups, id)
	return nil
}

// ScheduleStop records the node.
func (e *RecordingExecutor) ScheduleStop(_ context.Context, id graph.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Stops = append(e.Stops, id)
	return nil
}
