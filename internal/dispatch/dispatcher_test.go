package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/dispatch"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
	"github.com/agentmesh-io/agentmesh/internal/queue"
	"github.com/agentmesh-io/agentmesh/internal/registry"
)

type sentFrame struct {
	Type    protocol.FrameType
	Payload any
}

type fakeChannel struct {
	mu       sync.Mutex
	frames   []sentFrame
	sendErr  error
	closedBy string
}

func (f *fakeChannel) SendFrame(t protocol.FrameType, _ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, sentFrame{Type: t, Payload: payload})
	return nil
}

func (f *fakeChannel) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedBy = reason
}

func (f *fakeChannel) assigns() []protocol.JobAssignPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.JobAssignPayload
	for _, fr := range f.frames {
		if p, ok := fr.Payload.(protocol.JobAssignPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeChannel) agentJobs() []protocol.AgentJobPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.AgentJobPayload
	for _, fr := range f.frames {
		if p, ok := fr.Payload.(protocol.AgentJobPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

type fixture struct {
	reg   *registry.Registry
	queue *queue.Queue
	store *agents.Store
	d     *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store, err := agents.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	reg := registry.New(logger)
	q := queue.New(logger)
	return &fixture{
		reg:   reg,
		queue: q,
		store: store,
		d:     dispatch.New(reg, q, store, logger),
	}
}

func (fx *fixture) addNode(nodeID string, caps, agentTypes []string) *fakeChannel {
	ch := &fakeChannel{}
	fx.reg.Register(nodeID, ch, registry.Info{Capabilities: caps, AgentTypes: agentTypes})
	return ch
}

func waitForAssign(t *testing.T, ch *fakeChannel) protocol.JobAssignPayload {
	t.Helper()
	require.Eventually(t, func() bool { return len(ch.assigns()) > 0 }, time.Second, 5*time.Millisecond)
	return ch.assigns()[0]
}

type dispatchOut struct {
	res *dispatch.Result
	err error
}

func TestDispatchDeliversResultToCaller(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ch := fx.addNode("node-1", []string{"python-3.11"}, nil)

	outCh := make(chan dispatchOut, 1)
	go func() {
		res, err := fx.d.Dispatch(context.Background(), dispatch.Request{
			Input:                json.RawMessage(`{"task":"sum"}`),
			RequiredCapabilities: []string{"python-3.11"},
		})
		outCh <- dispatchOut{res, err}
	}()

	assign := waitForAssign(t, ch)
	assert.NotEmpty(t, assign.JobID)
	assert.NotEmpty(t, assign.RunID)
	assert.JSONEq(t, `{"task":"sum"}`, string(assign.Input))

	fx.d.HandleJobResult("node-1", &protocol.JobResultPayload{
		JobID:   assign.JobID,
		RunID:   assign.RunID,
		Status:  protocol.RunStatusSuccess,
		Output:  json.RawMessage(`{"answer":42}`),
		Logs:    []string{"started", "done"},
		Metrics: protocol.RunMetrics{DurationMs: 12},
	})

	out := <-outCh
	require.NoError(t, out.err)
	assert.Equal(t, assign.JobID, out.res.JobID)
	assert.Equal(t, protocol.RunStatusSuccess, out.res.Status)
	assert.JSONEq(t, `{"answer":42}`, string(out.res.Output))
	assert.Equal(t, []string{"started", "done"}, out.res.Logs)

	completion, ok := fx.queue.Completed(assign.RunID)
	require.True(t, ok)
	assert.True(t, completion.Success)
}

func TestDispatchFailsFastWithoutIdleNode(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	_, err := fx.d.Dispatch(context.Background(), dispatch.Request{Input: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, dispatch.ErrNoIdleNode)
}

func TestDispatchRequiresCapabilityCoverage(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.addNode("node-1", []string{"docker"}, nil)

	_, err := fx.d.Dispatch(context.Background(), dispatch.Request{
		RequiredCapabilities: []string{"python-3.11"},
	})
	assert.ErrorIs(t, err, dispatch.ErrNoIdleNode)
}

func TestDispatchPrefersNodeHostingAgentType(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.addNode("node-generic", nil, nil)
	special := fx.addNode("node-special", nil, []string{"travel-planner"})

	outCh := make(chan dispatchOut, 1)
	go func() {
		res, err := fx.d.Dispatch(context.Background(), dispatch.Request{AgentID: "travel-planner"})
		outCh <- dispatchOut{res, err}
	}()

	assign := waitForAssign(t, special)
	assert.Equal(t, "travel-planner", assign.AgentID)

	fx.d.HandleJobResult("node-special", &protocol.JobResultPayload{
		JobID: assign.JobID, RunID: assign.RunID, Status: protocol.RunStatusSuccess,
	})
	out := <-outCh
	require.NoError(t, out.err)
	assert.Equal(t, "node-special", out.res.NodeID)
}

func TestDispatchTimeoutSurfacesAndRequeues(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.addNode("node-1", nil, nil)

	_, err := fx.d.Dispatch(context.Background(), dispatch.Request{
		Input:   json.RawMessage(`{}`),
		Timeout: 20 * time.Millisecond,
	})
	require.ErrorIs(t, err, dispatch.ErrJobTimeout)

	// The attempt went back to pending with one retry charged.
	stats := fx.queue.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Zero(t, stats.Running)
	assert.Zero(t, fx.d.Pending())
}

func TestLateResultAfterTimeoutIsDiscarded(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ch := fx.addNode("node-1", nil, nil)

	_, err := fx.d.Dispatch(context.Background(), dispatch.Request{Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, dispatch.ErrJobTimeout)

	assign := ch.assigns()[0]
	fx.d.HandleJobResult("node-1", &protocol.JobResultPayload{
		JobID: assign.JobID, RunID: assign.RunID, Status: protocol.RunStatusSuccess,
	})

	// The late run is not archived; the job is still waiting for a retry.
	_, ok := fx.queue.Completed(assign.RunID)
	assert.False(t, ok)
	assert.Equal(t, 1, fx.queue.Stats().Pending)
}

func TestDispatchEnrichesFrameWithScriptAndMemory(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	require.NoError(t, fx.store.Create(&agents.Definition{
		ID:     "script-bot",
		Name:   "Script Bot",
		Script: "print('hi')",
	}))
	fx.store.SetMemory("script-bot", json.RawMessage(`{"runs":3}`))

	ch := fx.addNode("node-1", nil, []string{"script-bot"})

	outCh := make(chan dispatchOut, 1)
	go func() {
		res, err := fx.d.Dispatch(context.Background(), dispatch.Request{AgentID: "script-bot"})
		outCh <- dispatchOut{res, err}
	}()

	assign := waitForAssign(t, ch)
	assert.Equal(t, "print('hi')", assign.Script)
	assert.JSONEq(t, `{"runs":3}`, string(assign.Context))

	fx.d.HandleJobResult("node-1", &protocol.JobResultPayload{
		JobID: assign.JobID, RunID: assign.RunID, Status: protocol.RunStatusSuccess,
		Memory: json.RawMessage(`{"runs":4}`),
	})
	<-outCh

	assert.JSONEq(t, `{"runs":4}`, string(fx.store.Memory("script-bot")))
}

func TestDispatchSendFailureMarksAttemptFailed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ch := fx.addNode("node-1", nil, nil)
	ch.sendErr = errors.New("write: broken pipe")

	_, err := fx.d.Dispatch(context.Background(), dispatch.Request{})
	require.ErrorIs(t, err, dispatch.ErrSendFailed)
	assert.Zero(t, fx.d.Pending())
	assert.Zero(t, fx.queue.Stats().Running)
}

func TestDrainLoopHandsRequeuedWorkToIdleNode(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ch := fx.addNode("node-1", []string{"tool:webSearch"}, nil)

	fx.queue.Enqueue(&queue.Job{
		ID:                   "job-bg",
		RequiredCapabilities: []string{"tool:webSearch"},
		Timeout:              time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fx.d.Run(ctx) }()
	fx.d.Wake()

	assign := waitForAssign(t, ch)
	assert.Equal(t, "job-bg", assign.JobID)

	fx.d.HandleJobResult("node-1", &protocol.JobResultPayload{
		JobID: assign.JobID, RunID: assign.RunID, Status: protocol.RunStatusSuccess,
	})
	require.Eventually(t, func() bool {
		_, ok := fx.queue.Completed(assign.RunID)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, fx.d.Pending())
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean stop, not a failure")
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestProcessTimeoutsIsIdempotentBackstop(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.addNode("node-1", nil, nil)

	outCh := make(chan dispatchOut, 1)
	go func() {
		res, err := fx.d.Dispatch(context.Background(), dispatch.Request{Timeout: 10 * time.Millisecond})
		outCh <- dispatchOut{res, err}
	}()

	out := <-outCh
	assert.ErrorIs(t, out.err, dispatch.ErrJobTimeout)

	// The timer already resolved the attempt; the sweeper finds nothing.
	fx.d.ProcessTimeouts(time.Now().Add(time.Hour))
	assert.Zero(t, fx.d.Pending())
	assert.Equal(t, 1, fx.queue.Stats().Pending)
}

func TestAgentJobRoundTrip(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ch := fx.addNode("node-1", nil, []string{"travel-planner"})
	fx.store.SetMemory("travel-planner", json.RawMessage(`{"lastCity":"Tokyo"}`))

	type agentOut struct {
		res *dispatch.AgentResult
		err error
	}
	outCh := make(chan agentOut, 1)
	go func() {
		res, err := fx.d.DispatchAgentJob(context.Background(), "travel-planner", "plan a trip", nil)
		outCh <- agentOut{res, err}
	}()

	require.Eventually(t, func() bool { return len(ch.agentJobs()) > 0 }, time.Second, 5*time.Millisecond)
	sent := ch.agentJobs()[0]
	assert.Equal(t, "travel-planner", sent.AgentType)
	assert.Equal(t, "plan a trip", sent.UserQuery)
	assert.JSONEq(t, `{"lastCity":"Tokyo"}`, string(sent.Context))

	fx.d.HandleAgentJobResult("node-1", &protocol.AgentJobResultPayload{
		JobID:     sent.JobID,
		Success:   true,
		Response:  "Fly in April, stay in Shinjuku.",
		ToolsUsed: []string{"searchFlights"},
		Memory:    json.RawMessage(`{"lastCity":"Tokyo","trips":1}`),
	})

	out := <-outCh
	require.NoError(t, out.err)
	assert.True(t, out.res.Success)
	assert.Equal(t, "Fly in April, stay in Shinjuku.", out.res.Response)
	assert.JSONEq(t, `{"lastCity":"Tokyo","trips":1}`, string(fx.store.Memory("travel-planner")))
}

func TestAgentJobRequiresHostingNode(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.addNode("node-1", nil, []string{"other-agent"})

	_, err := fx.d.DispatchAgentJob(context.Background(), "travel-planner", "q", nil)
	assert.ErrorIs(t, err, dispatch.ErrNoIdleNode)
}
